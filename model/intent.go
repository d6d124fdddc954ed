package model

import (
	"context"
	"time"
)

// Intent is a caller's declared request for the platform to do something.
// Immutable once created; produced by a delivery surface, consumed exactly
// once by the intent router.
type Intent struct {
	Type          string         `json:"type"`
	SolutionID    string         `json:"solution_id,omitempty"`
	JourneyID     string         `json:"journey_id"`
	Params        map[string]any `json:"journey_params,omitempty"`
	TenantID      string         `json:"tenant_id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CallerID      string         `json:"caller_id,omitempty"`
}

// JourneyResult is the uniform result shape every journey returns, to both
// synchronous callers and agents. Artifacts are present even on failure if
// any were produced before the failing step.
type JourneyResult struct {
	Success            bool           `json:"success"`
	Artifacts          map[string]any `json:"artifacts"`
	Events             []JourneyEvent `json:"events"`
	JourneyExecutionID string         `json:"journey_execution_id"`
	Error              string         `json:"error,omitempty"`
	ErrorCode          string         `json:"error_code,omitempty"`
}

// JourneyEvent records one occurrence in a journey execution's audit trail.
type JourneyEvent struct {
	StepID    string    `json:"step_id,omitempty"`
	Event     string    `json:"event"`
	ActorID   string    `json:"actor_id"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SOAAPIDescriptor uniformly describes one callable operation exposed by a
// journey. Descriptors are derived deterministically from the journey
// definition, never hand-duplicated at registration time. Handler identity
// is shared between the synchronous API surface and the agent tool surface.
type SOAAPIDescriptor struct {
	Name        string         `json:"name"`
	Handler     APIHandler     `json:"-"`
	InputSchema map[string]any `json:"input_schema"`
	Description string         `json:"description"`
	SolutionID  string         `json:"solution_id"`
	JourneyID   string         `json:"journey_id"`
}

// APIHandler executes one exposed operation with keyword parameters.
type APIHandler func(ctx context.Context, ectx *ExecutionContext, params map[string]any) (JourneyResult, error)

// CorrelationMap is a durable mapping between external and internal
// identifiers for one cross-boundary operation. Append-only after creation.
type CorrelationMap struct {
	CorrelationID string            `json:"correlation_id"`
	TenantID      string            `json:"tenant_id"`
	InternalIDs   map[string]string `json:"internal_ids"`
	ExternalIDs   map[string]string `json:"external_ids"`
	CreatedAt     time.Time         `json:"created_at"`
}
