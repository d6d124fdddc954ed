package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pitabwire/steward/internal/config"
	"github.com/pitabwire/steward/internal/contract"
	"github.com/pitabwire/steward/internal/journey"
	"github.com/pitabwire/steward/internal/routing"
	"github.com/pitabwire/steward/internal/soa"
	"github.com/pitabwire/steward/model"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// stubExecutor satisfies both the routing and soa executor interfaces.
type stubExecutor struct {
	calls  int
	result model.JourneyResult
	err    error
}

func (s *stubExecutor) Execute(_ context.Context, _ *model.ExecutionContext, _, _ string, _ map[string]any) (model.JourneyResult, error) {
	s.calls++
	r := s.result
	if r.JourneyExecutionID == "" {
		r.JourneyExecutionID = "exec-1"
	}
	return r, s.err
}

// stubAuth bypasses JWT verification and injects fixed claims.
func stubAuth(claims map[string]any) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func testDefinitions() []model.SolutionDefinition {
	return []model.SolutionDefinition{{
		Solution: "orders",
		Version:  "1.0.0",
		Journeys: []model.JourneyDefinition{{
			ID:    "checkout",
			Name:  "Checkout",
			Steps: []model.StepDefinition{{ID: "s1", Service: "svc"}},
			Operations: []model.OperationDefinition{{
				Name:        "place_order",
				Description: "Places an order.",
				IntentType:  "execute",
			}},
		}},
	}}
}

func newTestRouter(t *testing.T, exec *stubExecutor) http.Handler {
	t.Helper()

	cfg := config.Defaults()
	cfg.Identity.Issuer = "https://test"
	cfg.Identity.JWKSURL = "https://test/jwks"
	cfg.Identity.Audience = "steward"

	clock := model.FixedClock{T: testNow}
	registry := journey.NewRegistry(testDefinitions())
	manager := contract.NewManager(contract.NewMemoryStore(), contract.NewMemoryFactStore(), clock, nil)
	intentRouter := routing.NewRouter(
		registry, exec,
		routing.NewMemoryCorrelationStore(),
		routing.NewMemoryResultCache(clock),
		clock, nil, time.Hour,
	)

	return NewRouter(Dependencies{
		Config: cfg,
		Clock:  clock,
		Authenticate: stubAuth(map[string]any{
			"sub":          "user-42",
			"tenant_id":    "t1",
			"capabilities": []any{"orders:*"},
		}),
		IntentRouter: intentRouter,
		Registry:     registry,
		Deriver:      soa.NewDeriver(exec),
		Contracts:    manager,
	})
}

func TestRouter_healthIsPublic(t *testing.T) {
	r := newTestRouter(t, &stubExecutor{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestRouter_intentHappyPath(t *testing.T) {
	exec := &stubExecutor{result: model.JourneyResult{Success: true}}
	r := newTestRouter(t, exec)

	body, _ := json.Marshal(map[string]any{
		"type":           "execute",
		"solution_id":    "orders",
		"journey_id":     "checkout",
		"journey_params": map[string]any{"amount": 10},
	})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/intents", bytes.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var result model.JourneyResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.Success {
		t.Error("result.Success = false")
	}
	if exec.calls != 1 {
		t.Errorf("executor called %d times, want 1", exec.calls)
	}
}

func TestRouter_intentWithoutSolutionResolves(t *testing.T) {
	exec := &stubExecutor{result: model.JourneyResult{Success: true}}
	r := newTestRouter(t, exec)

	// Only one solution declares checkout, so the journey ID alone is an
	// unambiguous address.
	body, _ := json.Marshal(map[string]any{
		"type":           "execute",
		"journey_id":     "checkout",
		"journey_params": map[string]any{"amount": 10},
	})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/intents", bytes.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if exec.calls != 1 {
		t.Errorf("executor called %d times, want 1", exec.calls)
	}
}

func TestRouter_intentTenantComesFromToken(t *testing.T) {
	exec := &stubExecutor{result: model.JourneyResult{Success: true}}
	r := newTestRouter(t, exec)

	// Body claims another tenant; the token's tenant must win.
	body, _ := json.Marshal(map[string]any{
		"type":        "execute",
		"solution_id": "orders",
		"journey_id":  "checkout",
		"tenant_id":   "someone-else",
	})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/intents", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestRouter_intentMalformedBody(t *testing.T) {
	r := newTestRouter(t, &stubExecutor{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/intents", bytes.NewReader([]byte("{not json"))))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRouter_intentUnknownJourney(t *testing.T) {
	r := newTestRouter(t, &stubExecutor{})
	body, _ := json.Marshal(map[string]any{
		"type":        "execute",
		"solution_id": "orders",
		"journey_id":  "ghost",
	})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/intents", bytes.NewReader(body)))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRouter_listSolutions(t *testing.T) {
	r := newTestRouter(t, &stubExecutor{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/solutions", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Data []solutionSummary `json:"data"`
	}
	json.NewDecoder(rec.Body).Decode(&resp)
	if len(resp.Data) != 1 || resp.Data[0].Solution != "orders" {
		t.Errorf("solutions = %+v", resp.Data)
	}
}

func TestRouter_listAPIs(t *testing.T) {
	r := newTestRouter(t, &stubExecutor{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/solutions/orders/apis", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data []model.SOAAPIDescriptor `json:"data"`
	}
	json.NewDecoder(rec.Body).Decode(&resp)
	if len(resp.Data) != 1 {
		t.Fatalf("apis = %+v", resp.Data)
	}
	if resp.Data[0].Name != "place_order" || resp.Data[0].JourneyID != "checkout" {
		t.Errorf("descriptor = %+v", resp.Data[0])
	}
}

func TestRouter_listAPIs_unknownSolution(t *testing.T) {
	r := newTestRouter(t, &stubExecutor{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/solutions/ghost/apis", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRouter_contractLifecycleOverHTTP(t *testing.T) {
	r := newTestRouter(t, &stubExecutor{})

	// Create a contract expiring in the future.
	createBody, _ := json.Marshal(map[string]string{
		"external_source_type":       "csv_upload",
		"external_source_identifier": "file-9",
		"materialization_expires_at": testNow.Add(time.Hour).Format(time.RFC3339),
	})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/contracts", bytes.NewReader(createBody)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created map[string]string
	json.NewDecoder(rec.Body).Decode(&created)
	if created["contract_id"] == "" {
		t.Fatal("no contract_id returned")
	}

	// Look it up.
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/v1/contracts?source_type=csv_upload&source_id=file-9", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	// Record a fact against it.
	factBody, _ := json.Marshal(map[string]any{
		"external_source_type": "csv_upload",
		"source_file_id":       "file-9",
		"body":                 map[string]any{"row": 1},
	})
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/contracts/facts", bytes.NewReader(factBody)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("fact status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestRouter_createContractValidation(t *testing.T) {
	r := newTestRouter(t, &stubExecutor{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/contracts", bytes.NewReader([]byte("{}"))))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}

func TestRouter_correlationHeaderEchoed(t *testing.T) {
	r := newTestRouter(t, &stubExecutor{result: model.JourneyResult{Success: true}})
	req := httptest.NewRequest(http.MethodGet, "/v1/solutions", nil)
	req.Header.Set("X-Correlation-Id", "corr-echo")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Correlation-Id"); got != "corr-echo" {
		t.Errorf("X-Correlation-Id = %q, want corr-echo", got)
	}
}
