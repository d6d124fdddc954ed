package journey

import (
	"fmt"

	"github.com/pitabwire/steward/model"
)

// VError describes a single validation error in a solution definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator validates solution definitions structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions. The service registry may be nil to skip
// service-binding checks.
func (v *Validator) Validate(defs []model.SolutionDefinition, services *ServiceRegistry) []VError {
	var errs []VError
	solutionIDs := make(map[string]bool)
	for i, def := range defs {
		prefix := fmt.Sprintf("solutions[%d]", i)
		if def.Solution != "" && solutionIDs[def.Solution] {
			errs = append(errs, VError{
				Path:    prefix + ".solution",
				Code:    "DUPLICATE",
				Message: fmt.Sprintf("solution %q defined more than once", def.Solution),
			})
		}
		solutionIDs[def.Solution] = true
		errs = append(errs, v.validateSolution(prefix, def, services)...)
	}
	return errs
}

func (v *Validator) validateSolution(prefix string, def model.SolutionDefinition, services *ServiceRegistry) []VError {
	var errs []VError

	if def.Solution == "" {
		errs = append(errs, VError{Path: prefix + ".solution", Code: "REQUIRED", Message: "solution is required"})
	}
	if def.Version == "" {
		errs = append(errs, VError{Path: prefix + ".version", Code: "REQUIRED", Message: "version is required"})
	}
	if len(def.Journeys) == 0 {
		errs = append(errs, VError{Path: prefix + ".journeys", Code: "REQUIRED", Message: "at least one journey is required"})
	}

	journeyIDs := make(map[string]bool)
	apiNames := make(map[string]bool)

	for i, j := range def.Journeys {
		jp := fmt.Sprintf("%s.journeys[%d]", prefix, i)

		if j.ID == "" {
			errs = append(errs, VError{Path: jp + ".id", Code: "REQUIRED", Message: "id is required"})
		} else if journeyIDs[j.ID] {
			errs = append(errs, VError{
				Path:    jp + ".id",
				Code:    "DUPLICATE",
				Message: fmt.Sprintf("journey %q defined more than once in solution", j.ID),
			})
		}
		journeyIDs[j.ID] = true

		if j.Name == "" {
			errs = append(errs, VError{Path: jp + ".name", Code: "REQUIRED", Message: "name is required"})
		}
		if len(j.Steps) == 0 {
			errs = append(errs, VError{Path: jp + ".steps", Code: "REQUIRED", Message: "at least one step is required"})
		}

		stepIDs := make(map[string]bool)
		for si, s := range j.Steps {
			sp := fmt.Sprintf("%s.steps[%d]", jp, si)
			errs = append(errs, v.validateStep(sp, s, stepIDs, services, false)...)
		}

		// API names are unique across the whole solution, not per journey:
		// they share one exposition namespace.
		for oi, op := range j.Operations {
			op2 := fmt.Sprintf("%s.operations[%d]", jp, oi)
			if op.Name == "" {
				errs = append(errs, VError{Path: op2 + ".name", Code: "REQUIRED", Message: "name is required"})
				continue
			}
			if apiNames[op.Name] {
				errs = append(errs, VError{
					Path:    op2 + ".name",
					Code:    "DUPLICATE",
					Message: fmt.Sprintf("API %q exposed more than once in solution", op.Name),
				})
			}
			apiNames[op.Name] = true

			if op.IntentType != "" && !j.SupportsIntent(op.IntentType) {
				errs = append(errs, VError{
					Path:    op2 + ".intent_type",
					Code:    "REF_NOT_FOUND",
					Message: fmt.Sprintf("intent type %q not declared by journey %q", op.IntentType, j.ID),
				})
			}
		}
	}

	return errs
}

var validGateTypes = map[string]bool{
	model.GateTransition: true,
	model.GateAccess:     true,
	model.GateCapability: true,
}

// validateStep checks one step. inBranch forbids nested parallel groups,
// which keeps the step graph acyclic by construction.
func (v *Validator) validateStep(prefix string, s model.StepDefinition, stepIDs map[string]bool, services *ServiceRegistry, inBranch bool) []VError {
	var errs []VError

	if s.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "step id is required"})
	} else if stepIDs[s.ID] {
		errs = append(errs, VError{
			Path:    prefix + ".id",
			Code:    "DUPLICATE",
			Message: fmt.Sprintf("step %q defined more than once in journey", s.ID),
		})
	}
	stepIDs[s.ID] = true

	hasService := s.Service != ""
	hasParallel := len(s.Parallel) > 0
	switch {
	case hasService && hasParallel:
		errs = append(errs, VError{
			Path:    prefix,
			Code:    "CONFLICT",
			Message: "step binds a service and a parallel group; exactly one is allowed",
		})
	case !hasService && !hasParallel:
		errs = append(errs, VError{
			Path:    prefix,
			Code:    "REQUIRED",
			Message: "step must bind a service or declare a parallel group",
		})
	}

	if hasService && services != nil && !services.Has(s.Service) {
		errs = append(errs, VError{
			Path:    prefix + ".service",
			Code:    "REF_NOT_FOUND",
			Message: fmt.Sprintf("service %q is not registered", s.Service),
		})
	}

	if hasParallel && inBranch {
		errs = append(errs, VError{
			Path:    prefix + ".parallel",
			Code:    "NESTED_PARALLEL",
			Message: "parallel groups cannot nest",
		})
	}

	for gi, g := range s.Gates {
		gp := fmt.Sprintf("%s.gates[%d]", prefix, gi)
		if g.Type == "" {
			errs = append(errs, VError{Path: gp + ".type", Code: "REQUIRED", Message: "gate type is required"})
		} else if !validGateTypes[g.Type] {
			errs = append(errs, VError{Path: gp + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid gate type %q", g.Type)})
		}
		if g.Type == model.GateCapability && len(g.Capabilities) == 0 {
			errs = append(errs, VError{Path: gp + ".capabilities", Code: "REQUIRED", Message: "capability gate must list at least one capability"})
		}
	}

	if hasParallel && !inBranch {
		branchIDs := make(map[string]bool)
		for bi, b := range s.Parallel {
			bp := fmt.Sprintf("%s.parallel[%d]", prefix, bi)
			if b.ID == "" {
				errs = append(errs, VError{Path: bp + ".id", Code: "REQUIRED", Message: "branch id is required"})
			} else if branchIDs[b.ID] {
				errs = append(errs, VError{
					Path:    bp + ".id",
					Code:    "DUPLICATE",
					Message: fmt.Sprintf("branch %q defined more than once in step", b.ID),
				})
			}
			branchIDs[b.ID] = true

			if len(b.Steps) == 0 {
				errs = append(errs, VError{Path: bp + ".steps", Code: "REQUIRED", Message: "branch must contain at least one step"})
			}
			for bsi, bs := range b.Steps {
				bsp := fmt.Sprintf("%s.steps[%d]", bp, bsi)
				errs = append(errs, v.validateStep(bsp, bs, stepIDs, services, true)...)
			}
		}
	}

	return errs
}
