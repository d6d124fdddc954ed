package journey

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/steward/internal/events"
	"github.com/pitabwire/steward/internal/observability"
	"github.com/pitabwire/steward/internal/policy"
	"github.com/pitabwire/steward/model"
)

// stubService is a hand-rolled Service for engine tests.
type stubService struct {
	name  string
	fn    func(ctx context.Context, ectx *model.ExecutionContext, input map[string]any) (map[string]any, error)
	calls int32
}

func (s *stubService) Name() string { return s.name }

func (s *stubService) Execute(ctx context.Context, ectx *model.ExecutionContext, input map[string]any) (map[string]any, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.fn(ctx, ectx, input)
}

func emit(key string, value any) func(context.Context, *model.ExecutionContext, map[string]any) (map[string]any, error) {
	return func(context.Context, *model.ExecutionContext, map[string]any) (map[string]any, error) {
		return map[string]any{key: value}, nil
	}
}

func testEngine(t *testing.T, services *ServiceRegistry, defs []model.SolutionDefinition, cfg policy.Config) *Engine {
	t.Helper()
	snap, err := policy.NewSnapshot(cfg)
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}
	conds, err := NewConditionEvaluator()
	if err != nil {
		t.Fatalf("NewConditionEvaluator: %v", err)
	}
	eng := NewEngine(NewRegistry(defs), services, snap, conds, nil, model.FixedClock{T: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}, nil)
	eng.retryInitialInterval = time.Millisecond
	eng.retryMaxInterval = 2 * time.Millisecond
	return eng
}

func testECtx() *model.ExecutionContext {
	return &model.ExecutionContext{
		TenantID:      "t1",
		CorrelationID: "c1",
		CallerID:      "caller-1",
	}
}

func solutionOf(journeys ...model.JourneyDefinition) []model.SolutionDefinition {
	return []model.SolutionDefinition{{
		Solution: "orders",
		Version:  "1.0.0",
		Journeys: journeys,
		Checksum: "test",
	}}
}

func TestExecute_sequentialArtifactMerge(t *testing.T) {
	services := NewServiceRegistry()
	_ = services.Register(&stubService{name: "first", fn: emit("shared", "from-first")})
	_ = services.Register(&stubService{name: "second", fn: func(_ context.Context, _ *model.ExecutionContext, input map[string]any) (map[string]any, error) {
		// Later steps observe earlier artifacts in their input.
		if input["shared"] != "from-first" {
			t.Errorf("second step input shared = %v, want from-first", input["shared"])
		}
		return map[string]any{"shared": "from-second", "extra": 7}, nil
	}})

	eng := testEngine(t, services, solutionOf(model.JourneyDefinition{
		ID:   "checkout",
		Name: "Checkout",
		Steps: []model.StepDefinition{
			{ID: "s1", Service: "first"},
			{ID: "s2", Service: "second"},
		},
	}), policy.Config{})

	result, err := eng.Execute(context.Background(), testECtx(), "orders", "checkout", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Error("result not successful")
	}
	if result.Artifacts["shared"] != "from-second" {
		t.Errorf("shared = %v, want last writer from-second", result.Artifacts["shared"])
	}
	if result.Artifacts["extra"] != 7 {
		t.Errorf("extra = %v, want 7", result.Artifacts["extra"])
	}
	if result.JourneyExecutionID == "" {
		t.Error("missing journey execution ID")
	}
}

func TestExecute_failureRetainsPartialArtifacts(t *testing.T) {
	services := NewServiceRegistry()
	_ = services.Register(&stubService{name: "ok1", fn: emit("a", 1)})
	_ = services.Register(&stubService{name: "ok2", fn: emit("b", 2)})
	_ = services.Register(&stubService{name: "boom", fn: func(context.Context, *model.ExecutionContext, map[string]any) (map[string]any, error) {
		return nil, model.NewValidationError("bad input")
	}})
	never := &stubService{name: "never", fn: emit("c", 3)}
	_ = services.Register(never)

	eng := testEngine(t, services, solutionOf(model.JourneyDefinition{
		ID:   "j",
		Name: "J",
		Steps: []model.StepDefinition{
			{ID: "s1", Service: "ok1"},
			{ID: "s2", Service: "ok2"},
			{ID: "s3", Service: "boom"},
			{ID: "s4", Service: "never"},
		},
	}), policy.Config{})

	result, err := eng.Execute(context.Background(), testECtx(), "orders", "j", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if result.Success {
		t.Error("result should not be successful")
	}
	if result.Artifacts["a"] != 1 || result.Artifacts["b"] != 2 {
		t.Errorf("artifacts before failing step missing: %v", result.Artifacts)
	}
	if _, leaked := result.Artifacts["c"]; leaked {
		t.Error("artifact from step after failure should not exist")
	}
	if atomic.LoadInt32(&never.calls) != 0 {
		t.Error("step after failure was executed")
	}
	if result.ErrorCode != model.ErrValidation {
		t.Errorf("error code = %q, want VALIDATION_ERROR", result.ErrorCode)
	}
}

func TestExecute_gateDenialFailFast(t *testing.T) {
	services := NewServiceRegistry()
	guarded := &stubService{name: "guarded", fn: emit("x", 1)}
	_ = services.Register(guarded)

	eng := testEngine(t, services, solutionOf(model.JourneyDefinition{
		ID:   "j",
		Name: "J",
		Steps: []model.StepDefinition{
			{
				ID:      "s1",
				Service: "guarded",
				Gates: []model.GateDefinition{{
					Type:      model.GateTransition,
					FromState: "draft",
					ToState:   "approved",
					// workflow_id deliberately empty
				}},
			},
		},
	}), policy.Config{})

	result, err := eng.Execute(context.Background(), testECtx(), "orders", "j", nil)
	if !model.IsPolicyDenied(err) {
		t.Fatalf("error = %v, want POLICY_DENIED", err)
	}
	if result.Error != "Workflow ID is required" {
		t.Errorf("error message = %q, want verbatim policy reason", result.Error)
	}
	if atomic.LoadInt32(&guarded.calls) != 0 {
		t.Error("gated service executed despite denial")
	}
	if len(result.Artifacts) != 0 {
		t.Errorf("artifacts = %v, want empty", result.Artifacts)
	}
}

func TestExecute_capabilityGateAllowsMatchingCaller(t *testing.T) {
	services := NewServiceRegistry()
	_ = services.Register(&stubService{name: "guarded", fn: emit("x", 1)})

	eng := testEngine(t, services, solutionOf(model.JourneyDefinition{
		ID:   "j",
		Name: "J",
		Steps: []model.StepDefinition{{
			ID:      "s1",
			Service: "guarded",
			Gates: []model.GateDefinition{{
				Type:         model.GateCapability,
				Capabilities: []string{"orders:place:execute", "orders:reserve:execute"},
			}},
		}},
	}), policy.Config{})

	ectx := testECtx()
	ectx.Capabilities = model.CapabilitySet{"orders:*": true}
	result, err := eng.Execute(context.Background(), ectx, "orders", "j", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Artifacts["x"] != 1 {
		t.Error("gated step did not run for capable caller")
	}
}

func TestExecute_capabilityGateDeniesMissingCapability(t *testing.T) {
	services := NewServiceRegistry()
	guarded := &stubService{name: "guarded", fn: emit("x", 1)}
	_ = services.Register(guarded)

	eng := testEngine(t, services, solutionOf(model.JourneyDefinition{
		ID:   "j",
		Name: "J",
		Steps: []model.StepDefinition{{
			ID:      "s1",
			Service: "guarded",
			Gates: []model.GateDefinition{{
				Type:         model.GateCapability,
				Capabilities: []string{"orders:place:execute", "billing:settle:execute"},
			}},
		}},
	}), policy.Config{})

	// All-mode: holding one of two listed capabilities is not enough.
	ectx := testECtx()
	ectx.Capabilities = model.CapabilitySet{"orders:place:execute": true}
	result, err := eng.Execute(context.Background(), ectx, "orders", "j", nil)
	if !model.IsPolicyDenied(err) {
		t.Fatalf("error = %v, want POLICY_DENIED", err)
	}
	want := "Caller lacks required capabilities: orders:place:execute, billing:settle:execute"
	if result.Error != want {
		t.Errorf("error message = %q, want %q", result.Error, want)
	}
	if atomic.LoadInt32(&guarded.calls) != 0 {
		t.Error("gated service executed despite denial")
	}
}

func TestExecute_capabilityGateAnyMatch(t *testing.T) {
	services := NewServiceRegistry()
	_ = services.Register(&stubService{name: "guarded", fn: emit("x", 1)})

	eng := testEngine(t, services, solutionOf(model.JourneyDefinition{
		ID:   "j",
		Name: "J",
		Steps: []model.StepDefinition{{
			ID:      "s1",
			Service: "guarded",
			Gates: []model.GateDefinition{{
				Type:         model.GateCapability,
				Match:        model.MatchAny,
				Capabilities: []string{"orders:place:execute", "billing:settle:execute"},
			}},
		}},
	}), policy.Config{})

	ectx := testECtx()
	ectx.Capabilities = model.CapabilitySet{"billing:settle:execute": true}
	if _, err := eng.Execute(context.Background(), ectx, "orders", "j", nil); err != nil {
		t.Fatalf("any-mode gate denied a caller holding one capability: %v", err)
	}
}

func TestExecute_retriesInfrastructureFailures(t *testing.T) {
	services := NewServiceRegistry()
	flaky := &stubService{name: "flaky"}
	flaky.fn = func(context.Context, *model.ExecutionContext, map[string]any) (map[string]any, error) {
		if atomic.LoadInt32(&flaky.calls) < 3 {
			return nil, model.NewInfrastructureError("connection refused")
		}
		return map[string]any{"ok": true}, nil
	}
	_ = services.Register(flaky)

	eng := testEngine(t, services, solutionOf(model.JourneyDefinition{
		ID:    "j",
		Name:  "J",
		Steps: []model.StepDefinition{{ID: "s1", Service: "flaky"}},
	}), policy.Config{})

	result, err := eng.Execute(context.Background(), testECtx(), "orders", "j", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success || result.Artifacts["ok"] != true {
		t.Errorf("result = %+v, want success after retries", result)
	}
	if got := atomic.LoadInt32(&flaky.calls); got != 3 {
		t.Errorf("service called %d times, want 3", got)
	}
}

func TestExecute_retryCeilingExhausted(t *testing.T) {
	services := NewServiceRegistry()
	down := &stubService{name: "down", fn: func(context.Context, *model.ExecutionContext, map[string]any) (map[string]any, error) {
		return nil, model.NewInfrastructureError("connection refused")
	}}
	_ = services.Register(down)

	eng := testEngine(t, services, solutionOf(model.JourneyDefinition{
		ID:    "j",
		Name:  "J",
		Steps: []model.StepDefinition{{ID: "s1", Service: "down"}},
	}), policy.Config{})

	result, err := eng.Execute(context.Background(), testECtx(), "orders", "j", nil)
	if !model.IsInfrastructure(err) {
		t.Fatalf("error = %v, want INFRASTRUCTURE_ERROR", err)
	}
	// Initial attempt plus the default ceiling of three retries.
	if got := atomic.LoadInt32(&down.calls); got != 4 {
		t.Errorf("service called %d times, want 4", got)
	}
	if result.Success {
		t.Error("result should not be successful")
	}
}

func TestExecute_policyDenialNeverRetried(t *testing.T) {
	services := NewServiceRegistry()
	denied := &stubService{name: "denied", fn: func(context.Context, *model.ExecutionContext, map[string]any) (map[string]any, error) {
		return nil, model.NewPolicyDeniedError("not yours")
	}}
	_ = services.Register(denied)

	eng := testEngine(t, services, solutionOf(model.JourneyDefinition{
		ID:    "j",
		Name:  "J",
		Steps: []model.StepDefinition{{ID: "s1", Service: "denied"}},
	}), policy.Config{})

	_, err := eng.Execute(context.Background(), testECtx(), "orders", "j", nil)
	if !model.IsPolicyDenied(err) {
		t.Fatalf("error = %v, want POLICY_DENIED", err)
	}
	if got := atomic.LoadInt32(&denied.calls); got != 1 {
		t.Errorf("service called %d times, want exactly 1", got)
	}
}

func TestExecute_conditionSkipsStep(t *testing.T) {
	services := NewServiceRegistry()
	_ = services.Register(&stubService{name: "always", fn: emit("mode", "expedited")})
	skipped := &stubService{name: "skipped", fn: emit("never", true)}
	_ = services.Register(skipped)
	_ = services.Register(&stubService{name: "taken", fn: emit("taken", true)})

	eng := testEngine(t, services, solutionOf(model.JourneyDefinition{
		ID:   "j",
		Name: "J",
		Steps: []model.StepDefinition{
			{ID: "s1", Service: "always"},
			{ID: "s2", Service: "skipped", When: `artifacts.mode == "standard"`},
			{ID: "s3", Service: "taken", When: `artifacts.mode == "expedited"`},
		},
	}), policy.Config{})

	result, err := eng.Execute(context.Background(), testECtx(), "orders", "j", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if atomic.LoadInt32(&skipped.calls) != 0 {
		t.Error("skipped step was executed")
	}
	if result.Artifacts["taken"] != true {
		t.Error("conditional step with met condition did not run")
	}

	var sawSkip bool
	for _, evt := range result.Events {
		if evt.StepID == "s2" && evt.Event == "step_skipped" {
			sawSkip = true
		}
	}
	if !sawSkip {
		t.Error("no step_skipped event for s2")
	}
}

func TestExecute_parallelCanonicalMerge(t *testing.T) {
	services := NewServiceRegistry()
	// slow runs in the first-declared branch but finishes last; its write
	// must still lose to nothing and win over nothing by declared order.
	_ = services.Register(&stubService{name: "slow", fn: func(context.Context, *model.ExecutionContext, map[string]any) (map[string]any, error) {
		time.Sleep(30 * time.Millisecond)
		return map[string]any{"winner": "branch-a", "a_only": 1}, nil
	}})
	_ = services.Register(&stubService{name: "fast", fn: emit("winner", "branch-b")})

	eng := testEngine(t, services, solutionOf(model.JourneyDefinition{
		ID:   "j",
		Name: "J",
		Steps: []model.StepDefinition{{
			ID: "fanout",
			Parallel: []model.BranchDefinition{
				{ID: "a", Steps: []model.StepDefinition{{ID: "a1", Service: "slow"}}},
				{ID: "b", Steps: []model.StepDefinition{{ID: "b1", Service: "fast"}}},
			},
		}},
	}), policy.Config{})

	result, err := eng.Execute(context.Background(), testECtx(), "orders", "j", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// Branch b is declared after branch a, so b's write wins even though a
	// completed later in wall time.
	if result.Artifacts["winner"] != "branch-b" {
		t.Errorf("winner = %v, want branch-b (declared-order merge)", result.Artifacts["winner"])
	}
	if result.Artifacts["a_only"] != 1 {
		t.Errorf("a_only = %v, want 1", result.Artifacts["a_only"])
	}
}

func TestExecute_parallelBranchFailureRetainsSiblingWrites(t *testing.T) {
	services := NewServiceRegistry()
	_ = services.Register(&stubService{name: "ok", fn: emit("ok", true)})
	// boom fails only after the sibling branch had time to complete, so the
	// cancel-on-failure of siblings cannot race the assertion.
	_ = services.Register(&stubService{name: "boom", fn: func(context.Context, *model.ExecutionContext, map[string]any) (map[string]any, error) {
		time.Sleep(30 * time.Millisecond)
		return nil, model.NewValidationError("branch failed")
	}})

	eng := testEngine(t, services, solutionOf(model.JourneyDefinition{
		ID:   "j",
		Name: "J",
		Steps: []model.StepDefinition{{
			ID: "fanout",
			Parallel: []model.BranchDefinition{
				{ID: "a", Steps: []model.StepDefinition{{ID: "a1", Service: "ok"}}},
				{ID: "b", Steps: []model.StepDefinition{{ID: "b1", Service: "boom"}}},
			},
		}},
	}), policy.Config{})

	result, err := eng.Execute(context.Background(), testECtx(), "orders", "j", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if result.Success {
		t.Error("result should not be successful")
	}
	if result.Artifacts["ok"] != true {
		t.Error("successful sibling branch write was dropped")
	}
}

func TestExecute_cancelledContext(t *testing.T) {
	services := NewServiceRegistry()
	_ = services.Register(&stubService{name: "svc", fn: emit("x", 1)})

	eng := testEngine(t, services, solutionOf(model.JourneyDefinition{
		ID:    "j",
		Name:  "J",
		Steps: []model.StepDefinition{{ID: "s1", Service: "svc"}},
	}), policy.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.Execute(ctx, testECtx(), "orders", "j", nil)
	if model.CodeOf(err) != model.ErrJourneyCancelled {
		t.Errorf("error code = %v, want JOURNEY_CANCELLED", model.CodeOf(err))
	}
}

func TestExecute_unknownJourney(t *testing.T) {
	eng := testEngine(t, NewServiceRegistry(), solutionOf(), policy.Config{})
	_, err := eng.Execute(context.Background(), testECtx(), "orders", "nope", nil)
	if model.CodeOf(err) != model.ErrNotFound {
		t.Errorf("error code = %v, want NOT_FOUND", model.CodeOf(err))
	}
}

func TestExecute_recordsExecutionMetrics(t *testing.T) {
	services := NewServiceRegistry()
	_ = services.Register(&stubService{name: "svc", fn: emit("x", 1)})
	_ = services.Register(&stubService{name: "boom", fn: func(context.Context, *model.ExecutionContext, map[string]any) (map[string]any, error) {
		return nil, model.NewValidationError("bad input")
	}})

	eng := testEngine(t, services, solutionOf(
		model.JourneyDefinition{
			ID:    "good",
			Name:  "Good",
			Steps: []model.StepDefinition{{ID: "s1", Service: "svc"}},
		},
		model.JourneyDefinition{
			ID:    "bad",
			Name:  "Bad",
			Steps: []model.StepDefinition{{ID: "s1", Service: "boom"}},
		},
	), policy.Config{})
	m := observability.InitMetrics(prometheus.NewRegistry())
	eng.SetMetrics(m)

	if _, err := eng.Execute(context.Background(), testECtx(), "orders", "good", nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, err := eng.Execute(context.Background(), testECtx(), "orders", "bad", nil); err == nil {
		t.Fatal("expected error")
	}

	if got := testutil.ToFloat64(m.JourneyExecutionsTotal.WithLabelValues("orders", "good", "success")); got != 1 {
		t.Errorf("success executions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.JourneyExecutionsTotal.WithLabelValues("orders", "bad", model.ErrValidation)); got != 1 {
		t.Errorf("failed executions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.JourneyActiveCount.WithLabelValues("good")); got != 0 {
		t.Errorf("active gauge = %v, want 0 after completion", got)
	}
}

func TestExecute_publishesAuditEvents(t *testing.T) {
	services := NewServiceRegistry()
	_ = services.Register(&stubService{name: "svc", fn: emit("x", 1)})

	snap, err := policy.NewSnapshot(policy.Config{})
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}
	conds, err := NewConditionEvaluator()
	if err != nil {
		t.Fatalf("NewConditionEvaluator: %v", err)
	}
	pub := events.NewMemoryPublisher()
	if err := pub.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	eng := NewEngine(NewRegistry(solutionOf(model.JourneyDefinition{
		ID:    "j",
		Name:  "J",
		Steps: []model.StepDefinition{{ID: "s1", Service: "svc"}},
	})), services, snap, conds, pub, nil, nil)

	if _, err := eng.Execute(context.Background(), testECtx(), "orders", "j", nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	published := pub.All()
	if len(published) == 0 {
		t.Fatal("no audit events published")
	}
	if published[0].Subject != "journeys.orders.j" {
		t.Errorf("subject = %q, want journeys.orders.j", published[0].Subject)
	}
}
