package contract

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/steward/internal/observability"
	"github.com/pitabwire/steward/model"
)

func parseRFC3339(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// CreateInput is the caller-supplied data for a new boundary contract.
type CreateInput struct {
	TenantID                 string `json:"tenant_id"`
	ExternalSourceType       string `json:"external_source_type"`
	ExternalSourceIdentifier string `json:"external_source_identifier"`
	MaterializationExpiresAt string `json:"materialization_expires_at"`
}

// Manager is the application-facing surface of the contract lifecycle:
// creation with strict validation, the lookup path used before
// re-materializing external data, and the expired-read guard.
type Manager struct {
	store   Store
	facts   FactStore
	clock   model.Clock
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewManager creates a Manager.
func NewManager(store Store, facts FactStore, clock model.Clock, logger *zap.Logger) *Manager {
	if clock == nil {
		clock = model.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, facts: facts, clock: clock, logger: logger}
}

// SetMetrics attaches the metric instruments. Nil disables recording.
func (m *Manager) SetMetrics(metrics *observability.Metrics) { m.metrics = metrics }

// CreateBoundaryContract validates input and persists a new active contract,
// returning its ID. Identity-bearing fields are never defaulted: missing
// tenant, source type, source identifier, or expiry is a ValidationError.
func (m *Manager) CreateBoundaryContract(ctx context.Context, in CreateInput) (string, error) {
	var details []model.FieldError
	if in.TenantID == "" {
		details = append(details, model.FieldError{Field: "tenant_id", Code: "REQUIRED", Message: "tenant_id is required"})
	}
	if in.ExternalSourceType == "" {
		details = append(details, model.FieldError{Field: "external_source_type", Code: "REQUIRED", Message: "external_source_type is required"})
	}
	if in.ExternalSourceIdentifier == "" {
		details = append(details, model.FieldError{Field: "external_source_identifier", Code: "REQUIRED", Message: "external_source_identifier is required"})
	}
	if in.MaterializationExpiresAt == "" {
		details = append(details, model.FieldError{Field: "materialization_expires_at", Code: "REQUIRED", Message: "materialization_expires_at is required"})
	}
	if len(details) > 0 {
		return "", model.NewFieldValidationError(details)
	}

	expiresAt, err := parseRFC3339(in.MaterializationExpiresAt)
	if err != nil {
		return "", model.NewFieldValidationError([]model.FieldError{{
			Field: "materialization_expires_at", Code: "INVALID_VALUE",
			Message: fmt.Sprintf("not an ISO-8601 timestamp: %v", err),
		}})
	}

	c := model.BoundaryContract{
		ContractID:               uuid.New().String(),
		TenantID:                 in.TenantID,
		ExternalSourceType:       in.ExternalSourceType,
		ExternalSourceIdentifier: in.ExternalSourceIdentifier,
		MaterializationExpiresAt: expiresAt,
		Status:                   model.ContractStatusActive,
		CreatedAt:                m.clock.Now(),
	}
	if err := m.store.Create(ctx, c); err != nil {
		return "", err
	}

	m.metrics.RecordContractCreated()
	m.logger.Info("boundary contract created",
		zap.String("contract_id", c.ContractID),
		zap.String("tenant_id", c.TenantID),
		zap.String("external_source_type", c.ExternalSourceType),
		zap.Time("materialization_expires_at", c.MaterializationExpiresAt),
	)
	return c.ContractID, nil
}

// GetBoundaryContract is the read side used before materializing external
// data again, to avoid re-ingesting data still under an active contract.
func (m *Manager) GetBoundaryContract(ctx context.Context, tenantID, sourceType, sourceID string) (model.BoundaryContract, error) {
	return m.store.Get(ctx, tenantID, sourceType, sourceID)
}

// EnsureActive returns the contract covering the source if it is still
// active at the manager's clock, or an ExpiredContractError. Reads of data
// under an expired contract must surface, never be silently ignored.
func (m *Manager) EnsureActive(ctx context.Context, tenantID, sourceType, sourceID string) (model.BoundaryContract, error) {
	c, err := m.store.Get(ctx, tenantID, sourceType, sourceID)
	if err != nil {
		return model.BoundaryContract{}, err
	}
	if !c.Active(m.clock.Now()) {
		return model.BoundaryContract{}, model.NewExpiredContractError(c.ContractID)
	}
	return c, nil
}

// RecordFact persists a record of fact derived from contract-governed data,
// refusing when the covering contract is no longer active.
func (m *Manager) RecordFact(ctx context.Context, tenantID, sourceType, sourceFileID string, body map[string]any) (string, error) {
	if _, err := m.EnsureActive(ctx, tenantID, sourceType, sourceFileID); err != nil {
		return "", err
	}
	fact := model.RecordOfFact{
		FactID:       uuid.New().String(),
		TenantID:     tenantID,
		SourceFileID: sourceFileID,
		Body:         body,
		CreatedAt:    m.clock.Now(),
	}
	if err := m.facts.Put(ctx, fact); err != nil {
		return "", err
	}
	return fact.FactID, nil
}
