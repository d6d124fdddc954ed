package journey

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/steward/internal/events"
	"github.com/pitabwire/steward/internal/observability"
	"github.com/pitabwire/steward/internal/policy"
	"github.com/pitabwire/steward/model"
)

// Engine executes journeys: steps in declared order, policy gates before each
// step, fail-fast on denial, artifacts merged last-writer-wins. Failures keep
// every artifact produced before the failing step.
type Engine struct {
	registry  *Registry
	services  *ServiceRegistry
	policies  *policy.Snapshot
	conds     *ConditionEvaluator
	publisher events.Publisher
	clock     model.Clock
	logger    *zap.Logger
	metrics   *observability.Metrics

	retryInitialInterval time.Duration
	retryMaxInterval     time.Duration
}

// NewEngine creates a journey engine. publisher may be nil; audit events are
// then kept only in the result.
func NewEngine(
	registry *Registry,
	services *ServiceRegistry,
	policies *policy.Snapshot,
	conds *ConditionEvaluator,
	publisher events.Publisher,
	clock model.Clock,
	logger *zap.Logger,
) *Engine {
	if clock == nil {
		clock = model.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		registry:  registry,
		services:  services,
		policies:  policies,
		conds:     conds,
		publisher: publisher,
		clock:     clock,
		logger:    logger,

		retryInitialInterval: 50 * time.Millisecond,
		retryMaxInterval:     2 * time.Second,
	}
}

// SetMetrics attaches the metric instruments. Nil disables recording.
func (e *Engine) SetMetrics(m *observability.Metrics) { e.metrics = m }

// execution carries the mutable state of one journey run.
type execution struct {
	id         string
	solutionID string
	journeyID  string
	ectx       *model.ExecutionContext
	params     map[string]any
	artifacts  map[string]any

	mu     sync.Mutex
	events []model.JourneyEvent
}

func (x *execution) appendEvent(stepID, event, actorID, detail string, at time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.events = append(x.events, model.JourneyEvent{
		StepID:    stepID,
		Event:     event,
		ActorID:   actorID,
		Detail:    detail,
		Timestamp: at,
	})
}

// Execute runs one journey for the given execution context and returns the
// uniform result. The returned error, when non-nil, carries the governing
// error code; the result is populated either way.
func (e *Engine) Execute(
	ctx context.Context,
	ectx *model.ExecutionContext,
	solutionID, journeyID string,
	params map[string]any,
) (model.JourneyResult, error) {
	jDef, ok := e.registry.GetJourney(solutionID, journeyID)
	if !ok {
		err := model.NewNotFoundError(fmt.Sprintf("journey %q not found in solution %q", journeyID, solutionID))
		return model.JourneyResult{
			Success:            false,
			Artifacts:          map[string]any{},
			JourneyExecutionID: uuid.New().String(),
			Error:              err.Message,
			ErrorCode:          err.Code,
		}, err
	}

	x := &execution{
		id:         uuid.New().String(),
		solutionID: solutionID,
		journeyID:  journeyID,
		ectx:       ectx,
		params:     params,
		artifacts:  make(map[string]any),
	}

	e.metrics.JourneyStarted(journeyID)
	defer e.metrics.JourneyFinished(journeyID)

	e.logger.Info("journey execution started",
		zap.String("journey_execution_id", x.id),
		zap.String("solution_id", solutionID),
		zap.String("journey_id", journeyID),
		zap.String("tenant_id", ectx.TenantID),
		zap.String("correlation_id", ectx.CorrelationID),
	)

	var execErr error
	for i := range jDef.Steps {
		if execErr = e.runStep(ctx, x, &jDef.Steps[i]); execErr != nil {
			break
		}
	}

	result := model.JourneyResult{
		Success:            execErr == nil,
		Artifacts:          x.artifacts,
		Events:             x.events,
		JourneyExecutionID: x.id,
	}
	if execErr != nil {
		var env *model.ErrorEnvelope
		if errors.As(execErr, &env) {
			result.Error = env.Message
			result.ErrorCode = env.Code
		} else {
			result.Error = execErr.Error()
			result.ErrorCode = model.ErrInternal
		}
		e.metrics.RecordJourneyExecution(solutionID, journeyID, result.ErrorCode)
		e.logger.Warn("journey execution failed",
			zap.String("journey_execution_id", x.id),
			zap.String("journey_id", journeyID),
			zap.String("error_code", result.ErrorCode),
			zap.String("error", result.Error),
		)
	} else {
		e.metrics.RecordJourneyExecution(solutionID, journeyID, "success")
		e.logger.Info("journey execution completed",
			zap.String("journey_execution_id", x.id),
			zap.String("journey_id", journeyID),
			zap.Int("artifacts", len(x.artifacts)),
		)
	}

	e.publishEvents(ctx, solutionID, journeyID, x)
	return result, execErr
}

// runStep executes one step: cancellation check, condition, gates, then
// either the parallel group or the bound service.
func (e *Engine) runStep(ctx context.Context, x *execution, step *model.StepDefinition) error {
	if ctx.Err() != nil {
		x.appendEvent(step.ID, "step_cancelled", "system", ctx.Err().Error(), e.clock.Now())
		return model.NewJourneyCancelledError(x.id)
	}

	hold, err := e.conds.Evaluate(step.When, x.ectx.TenantID, x.params, x.artifacts)
	if err != nil {
		x.appendEvent(step.ID, "step_failed", "system", err.Error(), e.clock.Now())
		return err
	}
	if !hold {
		x.appendEvent(step.ID, "step_skipped", "system", "condition not met", e.clock.Now())
		return nil
	}

	for i := range step.Gates {
		decision := e.evaluateGate(x.ectx, &step.Gates[i])
		if !decision.Allowed {
			x.appendEvent(step.ID, "step_failed", "policy", decision.Reason, e.clock.Now())
			return model.NewPolicyDeniedError(decision.Reason)
		}
	}

	// Gates may have taken time; re-check before committing to the effect.
	if ctx.Err() != nil {
		x.appendEvent(step.ID, "step_cancelled", "system", ctx.Err().Error(), e.clock.Now())
		return model.NewJourneyCancelledError(x.id)
	}

	x.appendEvent(step.ID, "step_started", "system", "", e.clock.Now())

	if len(step.Parallel) > 0 {
		return e.runParallel(ctx, x, step)
	}

	out, err := e.invokeWithRetry(ctx, x, step, x.artifacts)
	if err != nil {
		x.appendEvent(step.ID, "step_failed", "system", err.Error(), e.clock.Now())
		return err
	}
	for k, v := range out {
		x.artifacts[k] = v
	}
	x.appendEvent(step.ID, "step_completed", "system", "", e.clock.Now())
	return nil
}

// evaluateGate resolves one gate declaration to a pure policy decision.
func (e *Engine) evaluateGate(ectx *model.ExecutionContext, gate *model.GateDefinition) model.PolicyDecision {
	var decision model.PolicyDecision
	switch gate.Type {
	case model.GateTransition:
		decision = e.policies.ValidateWorkflowTransition(ectx, gate.WorkflowID, gate.FromState, gate.ToState)
	case model.GateAccess:
		decision = e.policies.ValidateAccess(ectx, gate.ResourceID, ectx.CallerID, gate.Action)
	case model.GateCapability:
		decision = evaluateCapabilityGate(ectx, gate)
	default:
		decision = model.Deny("", fmt.Sprintf("unknown gate type %q", gate.Type))
	}
	effect := "allow"
	if !decision.Allowed {
		effect = "deny"
	}
	e.metrics.RecordPolicyDecision(gate.Type, effect)
	return decision
}

// evaluateCapabilityGate matches the caller's capability set against the
// gate's list, wildcards included. Default mode requires every listed
// capability; "any" requires at least one.
func evaluateCapabilityGate(ectx *model.ExecutionContext, gate *model.GateDefinition) model.PolicyDecision {
	held := false
	switch gate.Match {
	case model.MatchAny:
		held = ectx.Capabilities.HasAny(gate.Capabilities...)
	default:
		held = ectx.Capabilities.HasAll(gate.Capabilities...)
	}
	if held {
		return model.Allow(ectx.CallerID)
	}
	return model.Deny(ectx.CallerID, fmt.Sprintf(
		"Caller lacks required capabilities: %s", strings.Join(gate.Capabilities, ", "),
	))
}

// branchOutcome is one branch's writes and failure, merged afterwards in
// declared branch order.
type branchOutcome struct {
	writes map[string]any
	err    error
}

// runParallel runs every branch concurrently, then merges artifacts in
// declared branch order so last-writer-wins stays reproducible regardless of
// completion order. The first failing branch, in declared order, decides the
// step's error; writes from every branch are retained.
func (e *Engine) runParallel(ctx context.Context, x *execution, step *model.StepDefinition) error {
	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make([]branchOutcome, len(step.Parallel))
	base := make(map[string]any, len(x.artifacts))
	for k, v := range x.artifacts {
		base[k] = v
	}

	var wg sync.WaitGroup
	for i := range step.Parallel {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			branch := &step.Parallel[i]
			writes := make(map[string]any)
			err := e.runBranch(branchCtx, x, branch, base, writes)
			outcomes[i] = branchOutcome{writes: writes, err: err}
			if err != nil {
				cancel()
			}
		}(i)
	}
	wg.Wait()

	var firstErr error
	for i := range outcomes {
		for k, v := range outcomes[i].writes {
			x.artifacts[k] = v
		}
		if firstErr == nil && outcomes[i].err != nil {
			firstErr = outcomes[i].err
		}
	}
	if firstErr != nil {
		x.appendEvent(step.ID, "step_failed", "system", firstErr.Error(), e.clock.Now())
		return firstErr
	}
	x.appendEvent(step.ID, "step_completed", "system", "", e.clock.Now())
	return nil
}

// runBranch executes one branch's steps sequentially. The branch reads the
// artifacts frozen at group start plus its own writes; sibling writes are
// never visible mid-flight.
func (e *Engine) runBranch(
	ctx context.Context,
	x *execution,
	branch *model.BranchDefinition,
	base map[string]any,
	writes map[string]any,
) error {
	for i := range branch.Steps {
		step := &branch.Steps[i]

		if ctx.Err() != nil {
			x.appendEvent(step.ID, "step_cancelled", "system", ctx.Err().Error(), e.clock.Now())
			return model.NewJourneyCancelledError(x.id)
		}

		view := make(map[string]any, len(base)+len(writes))
		for k, v := range base {
			view[k] = v
		}
		for k, v := range writes {
			view[k] = v
		}

		hold, err := e.conds.Evaluate(step.When, x.ectx.TenantID, x.params, view)
		if err != nil {
			x.appendEvent(step.ID, "step_failed", "system", err.Error(), e.clock.Now())
			return err
		}
		if !hold {
			x.appendEvent(step.ID, "step_skipped", "system", "condition not met", e.clock.Now())
			continue
		}

		for gi := range step.Gates {
			decision := e.evaluateGate(x.ectx, &step.Gates[gi])
			if !decision.Allowed {
				x.appendEvent(step.ID, "step_failed", "policy", decision.Reason, e.clock.Now())
				return model.NewPolicyDeniedError(decision.Reason)
			}
		}

		x.appendEvent(step.ID, "step_started", "system", "", e.clock.Now())
		out, err := e.invokeWithRetry(ctx, x, step, view)
		if err != nil {
			x.appendEvent(step.ID, "step_failed", "system", err.Error(), e.clock.Now())
			return err
		}
		for k, v := range out {
			writes[k] = v
		}
		x.appendEvent(step.ID, "step_completed", "system", "", e.clock.Now())
	}
	return nil
}

// invokeWithRetry invokes the step's service, retrying infrastructure
// failures with exponential backoff while the retry policy allows. Denials
// and validation failures are never retried.
func (e *Engine) invokeWithRetry(
	ctx context.Context,
	x *execution,
	step *model.StepDefinition,
	artifacts map[string]any,
) (map[string]any, error) {
	svc, ok := e.services.Get(step.Service)
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("service %q is not registered", step.Service))
	}

	input := make(map[string]any, len(x.params)+len(artifacts)+len(step.Params))
	for k, v := range x.params {
		input[k] = v
	}
	for k, v := range artifacts {
		input[k] = v
	}
	for k, v := range step.Params {
		input[k] = v
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.retryInitialInterval
	bo.MaxInterval = e.retryMaxInterval
	bo.Reset()

	start := time.Now()
	defer func() {
		e.metrics.RecordJourneyStepDuration(x.journeyID, step.ID, time.Since(start))
	}()

	retries := 0
	for {
		out, err := svc.Execute(ctx, x.ectx, input)
		if err == nil {
			return out, nil
		}
		if !model.IsInfrastructure(err) {
			return nil, err
		}

		decision := e.policies.CheckRetryPolicy(x.ectx, x.id, retries, model.ErrInfrastructure)
		if !decision.Allowed {
			e.metrics.RecordPolicyDecision("retry", "deny")
			return nil, err
		}
		e.metrics.RecordPolicyDecision("retry", "allow")
		retries++
		e.metrics.RecordJourneyStepRetry(x.journeyID, step.ID)
		x.appendEvent(step.ID, "step_retried", "system",
			fmt.Sprintf("attempt %d: %v", retries, err), e.clock.Now())

		select {
		case <-ctx.Done():
			return nil, model.NewJourneyCancelledError(x.id)
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// publishEvents ships the execution's audit trail to the event publisher.
// Best-effort: a publish failure is logged, never surfaced.
func (e *Engine) publishEvents(ctx context.Context, solutionID, journeyID string, x *execution) {
	if e.publisher == nil || !e.publisher.IsConnected() {
		return
	}
	payloads := make([]any, 0, len(x.events))
	for _, evt := range x.events {
		payloads = append(payloads, map[string]any{
			"journey_execution_id": x.id,
			"solution_id":          solutionID,
			"journey_id":           journeyID,
			"tenant_id":            x.ectx.TenantID,
			"correlation_id":       x.ectx.CorrelationID,
			"step_id":              evt.StepID,
			"event":                evt.Event,
			"actor_id":             evt.ActorID,
			"detail":               evt.Detail,
			"timestamp":            evt.Timestamp,
		})
	}
	subject := fmt.Sprintf("journeys.%s.%s", solutionID, journeyID)
	status := "success"
	if err := e.publisher.PublishBatch(ctx, subject, payloads); err != nil {
		status = "error"
		e.logger.Warn("publish journey events failed",
			zap.String("journey_execution_id", x.id),
			zap.Error(err),
		)
	}
	for range payloads {
		e.metrics.RecordEventPublished(status)
	}
}
