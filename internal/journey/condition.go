package journey

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/pitabwire/steward/model"
)

// ConditionEvaluator evaluates step `when` expressions written in CEL against
// the journey's parameters and accumulated artifacts. Compiled programs are
// cached by expression; evaluation itself is side-effect free.
type ConditionEvaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewConditionEvaluator creates an evaluator with the step condition
// environment: params, artifacts, and tenant.
func NewConditionEvaluator() (*ConditionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("artifacts", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("tenant", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create condition environment: %w", err)
	}
	return &ConditionEvaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

func (e *ConditionEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, model.NewValidationError(fmt.Sprintf("compile condition %q: %v", expr, issues.Err()))
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, model.NewValidationError(fmt.Sprintf("build condition program %q: %v", expr, err))
	}

	e.mu.Lock()
	e.programs[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

// Evaluate returns whether the condition holds. An empty expression always
// holds. A condition that does not produce a boolean is a validation error.
func (e *ConditionEvaluator) Evaluate(expr, tenantID string, params, artifacts map[string]any) (bool, error) {
	if expr == "" {
		return true, nil
	}
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	if params == nil {
		params = map[string]any{}
	}
	if artifacts == nil {
		artifacts = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{
		"params":    params,
		"artifacts": artifacts,
		"tenant":    tenantID,
	})
	if err != nil {
		return false, model.NewValidationError(fmt.Sprintf("evaluate condition %q: %v", expr, err))
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, model.NewValidationError(fmt.Sprintf("condition %q did not produce a boolean", expr))
	}
	return b, nil
}
