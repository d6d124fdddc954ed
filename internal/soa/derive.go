// Package soa derives the callable API surface of each solution from its
// journey definitions and re-exposes it to agents as MCP tools. Descriptors
// are computed, never hand-registered, so the synchronous surface and the
// agent surface can never drift apart.
package soa

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/pitabwire/steward/model"
)

// JourneyExecutor runs one journey. Satisfied by the journey engine.
type JourneyExecutor interface {
	Execute(ctx context.Context, ectx *model.ExecutionContext, solutionID, journeyID string, params map[string]any) (model.JourneyResult, error)
}

// Deriver computes SOA API descriptors from solution definitions.
type Deriver struct {
	executor JourneyExecutor
}

// NewDeriver creates a Deriver bound to the given executor.
func NewDeriver(executor JourneyExecutor) *Deriver {
	return &Deriver{executor: executor}
}

// DeriveAPIs computes the descriptor map for one solution. Derivation is
// deterministic: the same definition always yields the same map. A journey
// with no declared operations exposes one API named after the journey.
// Handlers validate params against the operation's input schema before
// executing.
func (d *Deriver) DeriveAPIs(def model.SolutionDefinition) (map[string]model.SOAAPIDescriptor, error) {
	out := make(map[string]model.SOAAPIDescriptor)

	for _, j := range def.Journeys {
		ops := j.Operations
		if len(ops) == 0 {
			ops = []model.OperationDefinition{{
				Name:        j.ID,
				Description: j.Description,
				IntentType:  "execute",
			}}
		}

		for _, op := range ops {
			if op.Name == "" {
				return nil, model.NewValidationError(fmt.Sprintf(
					"journey %q in solution %q declares an operation without a name", j.ID, def.Solution,
				))
			}
			if _, exists := out[op.Name]; exists {
				return nil, model.NewConflictError(fmt.Sprintf(
					"API %q exposed more than once in solution %q", op.Name, def.Solution,
				))
			}

			schema, err := compileSchema(def.Solution, op.Name, op.InputSchema)
			if err != nil {
				return nil, err
			}

			out[op.Name] = model.SOAAPIDescriptor{
				Name:        op.Name,
				Description: op.Description,
				InputSchema: op.InputSchema,
				SolutionID:  def.Solution,
				JourneyID:   j.ID,
				Handler:     d.handler(def.Solution, j.ID, schema),
			}
		}
	}

	return out, nil
}

// handler builds the shared execution closure behind one descriptor. The
// synchronous API surface and the MCP tool surface both call through it.
func (d *Deriver) handler(solutionID, journeyID string, schema *jsonschema.Schema) model.APIHandler {
	return func(ctx context.Context, ectx *model.ExecutionContext, params map[string]any) (model.JourneyResult, error) {
		if schema != nil {
			if params == nil {
				params = map[string]any{}
			}
			if err := schema.Validate(normalizeForSchema(params)); err != nil {
				verr := model.NewValidationError(fmt.Sprintf("input does not match schema: %v", err))
				return model.JourneyResult{
					Success:   false,
					Artifacts: map[string]any{},
					Error:     verr.Message,
					ErrorCode: verr.Code,
				}, verr
			}
		}
		return d.executor.Execute(ctx, ectx, solutionID, journeyID, params)
	}
}

// compileSchema compiles an inline input schema. A nil schema disables
// validation for the operation.
func compileSchema(solutionID, apiName string, raw map[string]any) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, model.NewValidationError(fmt.Sprintf(
			"input schema for %s/%s is not serializable: %v", solutionID, apiName, err,
		))
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://steward.schemas.local/%s/%s.schema.json", solutionID, apiName)
	if err := c.AddResource(url, strings.NewReader(string(data))); err != nil {
		return nil, model.NewValidationError(fmt.Sprintf(
			"input schema for %s/%s failed to load: %v", solutionID, apiName, err,
		))
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, model.NewValidationError(fmt.Sprintf(
			"input schema for %s/%s failed to compile: %v", solutionID, apiName, err,
		))
	}
	return compiled, nil
}

// normalizeForSchema round-trips params through JSON typing so schema
// validation sees the same value shapes a wire caller would produce.
func normalizeForSchema(params map[string]any) any {
	data, err := json.Marshal(params)
	if err != nil {
		return params
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return params
	}
	return v
}
