package soa

import (
	"context"
	"reflect"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/steward/internal/observability"
	"github.com/pitabwire/steward/model"
)

// stubExecutor records executions and returns a canned result.
type stubExecutor struct {
	lastSolution string
	lastJourney  string
	lastParams   map[string]any
	result       model.JourneyResult
	err          error
}

func (s *stubExecutor) Execute(_ context.Context, _ *model.ExecutionContext, solutionID, journeyID string, params map[string]any) (model.JourneyResult, error) {
	s.lastSolution = solutionID
	s.lastJourney = journeyID
	s.lastParams = params
	return s.result, s.err
}

// recordingTarget is a hand-rolled ToolTarget.
type recordingTarget struct {
	tools    []*mcp.Tool
	handlers map[string]mcp.ToolHandlerFor[map[string]any, model.JourneyResult]
}

func (r *recordingTarget) AddTool(tool *mcp.Tool, handler mcp.ToolHandlerFor[map[string]any, model.JourneyResult]) {
	r.tools = append(r.tools, tool)
	if r.handlers == nil {
		r.handlers = make(map[string]mcp.ToolHandlerFor[map[string]any, model.JourneyResult])
	}
	r.handlers[tool.Name] = handler
}

func ordersSolution() model.SolutionDefinition {
	return model.SolutionDefinition{
		Solution: "orders",
		Version:  "1.0.0",
		Journeys: []model.JourneyDefinition{
			{
				ID:          "checkout",
				Name:        "Checkout",
				Description: "Runs a checkout.",
				Intents:     []string{"execute", "simulate"},
				Steps:       []model.StepDefinition{{ID: "s1", Service: "svc"}},
				Operations: []model.OperationDefinition{
					{
						Name:        "place_order",
						Description: "Places an order.",
						IntentType:  "execute",
						InputSchema: map[string]any{
							"type":     "object",
							"required": []any{"amount"},
							"properties": map[string]any{
								"amount": map[string]any{"type": "number"},
							},
						},
					},
					{Name: "simulate_order", IntentType: "simulate"},
				},
			},
			{
				ID:          "refund",
				Name:        "Refund",
				Description: "Refunds an order.",
				Steps:       []model.StepDefinition{{ID: "s1", Service: "svc"}},
			},
		},
	}
}

func TestDeriveAPIs(t *testing.T) {
	exec := &stubExecutor{result: model.JourneyResult{Success: true, JourneyExecutionID: "x1"}}
	apis, err := NewDeriver(exec).DeriveAPIs(ordersSolution())
	if err != nil {
		t.Fatalf("DeriveAPIs: %v", err)
	}

	// Two declared operations plus the default API of the operation-less
	// refund journey.
	if len(apis) != 3 {
		t.Fatalf("derived %d APIs, want 3", len(apis))
	}
	for _, name := range []string{"place_order", "simulate_order", "refund"} {
		if _, ok := apis[name]; !ok {
			t.Errorf("missing derived API %q", name)
		}
	}
	if apis["place_order"].JourneyID != "checkout" || apis["refund"].JourneyID != "refund" {
		t.Error("descriptors bound to the wrong journeys")
	}
	if apis["place_order"].Handler == nil {
		t.Fatal("descriptor has no handler")
	}
}

func TestDeriveAPIs_deterministic(t *testing.T) {
	exec := &stubExecutor{}
	d := NewDeriver(exec)

	first, err := d.DeriveAPIs(ordersSolution())
	if err != nil {
		t.Fatalf("DeriveAPIs: %v", err)
	}
	second, err := d.DeriveAPIs(ordersSolution())
	if err != nil {
		t.Fatalf("DeriveAPIs: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("derivation size changed: %d vs %d", len(first), len(second))
	}
	for name, a := range first {
		b, ok := second[name]
		if !ok {
			t.Errorf("API %q missing on second derivation", name)
			continue
		}
		if a.Description != b.Description || a.SolutionID != b.SolutionID || a.JourneyID != b.JourneyID {
			t.Errorf("API %q metadata differs between derivations", name)
		}
		if !reflect.DeepEqual(a.InputSchema, b.InputSchema) {
			t.Errorf("API %q schema differs between derivations", name)
		}
	}
}

func TestDeriveAPIs_duplicateName(t *testing.T) {
	def := ordersSolution()
	def.Journeys[1].Operations = []model.OperationDefinition{{Name: "place_order"}}

	_, err := NewDeriver(&stubExecutor{}).DeriveAPIs(def)
	if model.CodeOf(err) != model.ErrConflict {
		t.Errorf("error code = %v, want CONFLICT", model.CodeOf(err))
	}
}

func TestHandler_validatesInputSchema(t *testing.T) {
	exec := &stubExecutor{result: model.JourneyResult{Success: true}}
	apis, err := NewDeriver(exec).DeriveAPIs(ordersSolution())
	if err != nil {
		t.Fatalf("DeriveAPIs: %v", err)
	}
	handler := apis["place_order"].Handler
	ectx := &model.ExecutionContext{TenantID: "t1", CorrelationID: "c1"}

	if _, err := handler(context.Background(), ectx, map[string]any{"amount": 12.5}); err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}
	if exec.lastSolution != "orders" || exec.lastJourney != "checkout" {
		t.Errorf("executed %s/%s, want orders/checkout", exec.lastSolution, exec.lastJourney)
	}

	_, err = handler(context.Background(), ectx, map[string]any{"amount": "twelve"})
	if model.CodeOf(err) != model.ErrValidation {
		t.Errorf("error code = %v, want VALIDATION_ERROR for schema mismatch", model.CodeOf(err))
	}

	_, err = handler(context.Background(), ectx, map[string]any{})
	if model.CodeOf(err) != model.ErrValidation {
		t.Errorf("error code = %v, want VALIDATION_ERROR for missing required field", model.CodeOf(err))
	}
}

func TestRegisterSolution_idempotentAndNonMutating(t *testing.T) {
	exec := &stubExecutor{result: model.JourneyResult{Success: true}}
	deriver := NewDeriver(exec)
	apis, err := deriver.DeriveAPIs(ordersSolution())
	if err != nil {
		t.Fatalf("DeriveAPIs: %v", err)
	}

	before := make(map[string]model.SOAAPIDescriptor, len(apis))
	for k, v := range apis {
		before[k] = v
	}

	ectx := func(context.Context) *model.ExecutionContext {
		return &model.ExecutionContext{TenantID: "t1", CorrelationID: "c1"}
	}
	reg := NewRegistrar(ectx, nil)
	target := &recordingTarget{}

	if err := reg.RegisterSolution(target, "orders", apis); err != nil {
		t.Fatalf("RegisterSolution: %v", err)
	}
	if len(target.tools) != 3 {
		t.Fatalf("registered %d tools, want 3", len(target.tools))
	}
	if target.tools[0].Name != "orders_place_order" {
		t.Errorf("tool name = %q, want orders_place_order first (sorted)", target.tools[0].Name)
	}

	// Second registration: no new tools.
	if err := reg.RegisterSolution(target, "orders", apis); err != nil {
		t.Fatalf("second RegisterSolution: %v", err)
	}
	if len(target.tools) != 3 {
		t.Errorf("re-registration added tools: %d, want 3", len(target.tools))
	}

	// The descriptor map the tools were derived from is unchanged.
	if len(apis) != len(before) {
		t.Fatalf("API map size changed: %d vs %d", len(apis), len(before))
	}
	for name, a := range before {
		b := apis[name]
		if a.Name != b.Name || a.Description != b.Description || a.SolutionID != b.SolutionID || a.JourneyID != b.JourneyID {
			t.Errorf("descriptor %q mutated by registration", name)
		}
		if !reflect.DeepEqual(a.InputSchema, b.InputSchema) {
			t.Errorf("descriptor %q schema mutated by registration", name)
		}
	}

	if !reg.Registered("orders", "refund") {
		t.Error("Registered should report the refund tool")
	}
}

func TestRegisteredTool_recordsCallMetrics(t *testing.T) {
	exec := &stubExecutor{result: model.JourneyResult{Success: true}}
	apis, err := NewDeriver(exec).DeriveAPIs(ordersSolution())
	if err != nil {
		t.Fatalf("DeriveAPIs: %v", err)
	}

	reg := NewRegistrar(func(context.Context) *model.ExecutionContext {
		return &model.ExecutionContext{TenantID: "t1", CorrelationID: "c1"}
	}, nil)
	m := observability.InitMetrics(prometheus.NewRegistry())
	reg.SetMetrics(m)

	target := &recordingTarget{}
	if err := reg.RegisterSolution(target, "orders", apis); err != nil {
		t.Fatalf("RegisterSolution: %v", err)
	}

	handler := target.handlers["orders_place_order"]
	if _, _, err := handler(context.Background(), nil, map[string]any{"amount": 12.5}); err != nil {
		t.Fatalf("valid call: %v", err)
	}
	// Schema rejection surfaces as a tool error, not a protocol error.
	res, _, err := handler(context.Background(), nil, map[string]any{})
	if err != nil {
		t.Fatalf("invalid call: %v", err)
	}
	if res == nil || !res.IsError {
		t.Fatal("invalid input did not produce a tool error")
	}

	if got := testutil.ToFloat64(m.MCPToolCallsTotal.WithLabelValues("orders_place_order", "success")); got != 1 {
		t.Errorf("success count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.MCPToolCallsTotal.WithLabelValues("orders_place_order", model.ErrValidation)); got != 1 {
		t.Errorf("validation-failure count = %v, want 1", got)
	}
}
