package routing

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/steward/internal/observability"
	"github.com/pitabwire/steward/model"
)

// DefaultResultTTL applies when no TTL is configured for the result cache.
const DefaultResultTTL = 24 * time.Hour

// JourneyExecutor runs one journey. Satisfied by the journey engine.
type JourneyExecutor interface {
	Execute(ctx context.Context, ectx *model.ExecutionContext, solutionID, journeyID string, params map[string]any) (model.JourneyResult, error)
}

// JourneyResolver looks up journey definitions. Satisfied by the journey
// registry.
type JourneyResolver interface {
	GetJourney(solutionID, journeyID string) (model.JourneyDefinition, bool)

	// SolutionsFor returns the IDs of every solution declaring the journey.
	SolutionsFor(journeyID string) []string
}

// Router is the context boundary between delivery surfaces and journeys.
// Everything entering the governed core passes through Route: the intent is
// validated, correlated, deduplicated, and only then handed to the engine.
type Router struct {
	resolver     JourneyResolver
	executor     JourneyExecutor
	correlations CorrelationStore
	results      ResultCache
	clock        model.Clock
	logger       *zap.Logger
	metrics      *observability.Metrics
	resultTTL    time.Duration
}

// NewRouter creates a Router. resultTTL <= 0 selects the default.
func NewRouter(
	resolver JourneyResolver,
	executor JourneyExecutor,
	correlations CorrelationStore,
	results ResultCache,
	clock model.Clock,
	logger *zap.Logger,
	resultTTL time.Duration,
) *Router {
	if clock == nil {
		clock = model.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if resultTTL <= 0 {
		resultTTL = DefaultResultTTL
	}
	return &Router{
		resolver:     resolver,
		executor:     executor,
		correlations: correlations,
		results:      results,
		clock:        clock,
		logger:       logger,
		resultTTL:    resultTTL,
	}
}

// SetMetrics attaches the metric instruments. Nil disables recording.
func (r *Router) SetMetrics(m *observability.Metrics) { r.metrics = m }

// Route validates the intent, establishes correlation, short-circuits
// retried submissions, and dispatches to the journey engine.
func (r *Router) Route(ctx context.Context, intent model.Intent) (model.JourneyResult, error) {
	if err := validateIntent(intent); err != nil {
		return model.JourneyResult{}, err
	}

	// The target is addressed by journey ID, optionally qualified by
	// solution. Unqualified intents resolve across all registered solutions
	// and fail only when the journey ID is ambiguous.
	if intent.SolutionID == "" {
		ids := r.resolver.SolutionsFor(intent.JourneyID)
		switch len(ids) {
		case 0:
			return model.JourneyResult{}, model.NewNotFoundError(fmt.Sprintf(
				"journey %q not found in any solution", intent.JourneyID,
			))
		case 1:
			intent.SolutionID = ids[0]
		default:
			return model.JourneyResult{}, model.NewValidationError(fmt.Sprintf(
				"journey %q exists in solutions %s; solution_id is required to disambiguate",
				intent.JourneyID, strings.Join(ids, ", "),
			))
		}
	}

	jDef, ok := r.resolver.GetJourney(intent.SolutionID, intent.JourneyID)
	if !ok {
		return model.JourneyResult{}, model.NewNotFoundError(fmt.Sprintf(
			"journey %q not found in solution %q", intent.JourneyID, intent.SolutionID,
		))
	}
	if !jDef.SupportsIntent(intent.Type) {
		return model.JourneyResult{}, model.NewValidationError(fmt.Sprintf(
			"journey %q does not support intent type %q", intent.JourneyID, intent.Type,
		))
	}

	// A supplied correlation ID is an idempotency key; absent, each
	// submission is a distinct operation.
	correlationID := intent.CorrelationID
	supplied := correlationID != ""
	if !supplied {
		correlationID = uuid.New().String()
	}

	inputHash := hashParams(intent.Params)
	cacheKey := FormatResultKey(intent.TenantID, correlationID)

	if supplied && r.results != nil {
		cached, found, err := r.results.Check(ctx, cacheKey, inputHash)
		if err != nil {
			if model.CodeOf(err) == model.ErrConflict {
				r.metrics.RecordIntentConflict()
			}
			return model.JourneyResult{}, err
		}
		if found {
			r.metrics.RecordIntentShortCircuit(intent.SolutionID, intent.JourneyID)
			r.logger.Info("intent short-circuited by result cache",
				zap.String("tenant_id", intent.TenantID),
				zap.String("correlation_id", correlationID),
			)
			return *cached, nil
		}
	}

	ectx := &model.ExecutionContext{
		TenantID:      intent.TenantID,
		CorrelationID: correlationID,
		CallerID:      intent.CallerID,
		Clock:         r.clock,
	}
	if caller := model.ExecutionContextFrom(ctx); caller != nil {
		ectx.Capabilities = caller.Capabilities
	}

	result, execErr := r.executor.Execute(ctx, ectx, intent.SolutionID, intent.JourneyID, intent.Params)

	routeStatus := "success"
	if execErr != nil {
		routeStatus = model.CodeOf(execErr)
	}
	r.metrics.RecordIntentRouted(intent.SolutionID, intent.JourneyID, routeStatus)

	if r.correlations != nil {
		cm := model.CorrelationMap{
			CorrelationID: correlationID,
			TenantID:      intent.TenantID,
			InternalIDs:   map[string]string{"journey_execution_id": result.JourneyExecutionID},
			ExternalIDs: map[string]string{
				"solution_id": intent.SolutionID,
				"journey_id":  intent.JourneyID,
			},
			CreatedAt: r.clock.Now(),
		}
		if err := r.correlations.Put(ctx, cm); err != nil {
			r.logger.Error("record correlation map failed",
				zap.String("correlation_id", correlationID),
				zap.Error(err),
			)
		}
	}

	// Deterministic outcomes are cached so a retried submission replays the
	// decision; infrastructure failures are not, the retry should re-run.
	if r.results != nil && !model.IsInfrastructure(execErr) {
		if err := r.results.Store(ctx, cacheKey, inputHash, result, r.resultTTL); err != nil {
			r.logger.Error("store journey result failed",
				zap.String("correlation_id", correlationID),
				zap.Error(err),
			)
		}
	}

	return result, execErr
}

// validateIntent checks the intent's shape. solution_id is optional: an
// unqualified journey ID resolves across solutions in Route.
func validateIntent(intent model.Intent) error {
	var details []model.FieldError
	if intent.Type == "" {
		details = append(details, model.FieldError{Field: "type", Code: "REQUIRED", Message: "type is required"})
	}
	if intent.JourneyID == "" {
		details = append(details, model.FieldError{Field: "journey_id", Code: "REQUIRED", Message: "journey_id is required"})
	}
	if intent.TenantID == "" {
		details = append(details, model.FieldError{Field: "tenant_id", Code: "REQUIRED", Message: "tenant_id is required"})
	}
	if len(details) > 0 {
		return model.NewFieldValidationError(details)
	}
	return nil
}

// hashParams computes a canonical hash of the intent parameters: key order
// never changes the hash.
func hashParams(params map[string]any) string {
	if len(params) == 0 {
		return fmt.Sprintf("%x", sha256.Sum256(nil))
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		v, _ := json.Marshal(params[k])
		fmt.Fprintf(h, "%s=%s;", k, v)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
