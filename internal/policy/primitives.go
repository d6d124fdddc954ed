package policy

import (
	"fmt"
	"sort"

	"github.com/pitabwire/steward/model"
)

// ValidateWorkflowTransition decides whether a workflow state transition is
// legal. Invalid when the workflow ID is empty; when the snapshot carries a
// transition table for the workflow, only listed from→to pairs are allowed;
// otherwise any transition is valid.
func (s *Snapshot) ValidateWorkflowTransition(
	ectx *model.ExecutionContext,
	workflowID, fromState, toState string,
) model.PolicyDecision {
	if workflowID == "" {
		return model.Deny(workflowID, "Workflow ID is required")
	}

	rules, ok := s.transitions[workflowID]
	if !ok {
		return model.Allow(workflowID)
	}
	for _, r := range rules {
		if r.From == fromState && r.To == toState {
			return model.Allow(workflowID)
		}
	}
	return model.Deny(workflowID, fmt.Sprintf(
		"Transition %s -> %s is not allowed for workflow %s", fromState, toState, workflowID,
	))
}

// CheckRetryPolicy decides whether a failed execution may be retried.
// can_retry is true exactly when retryCount is below the tenant's retry
// ceiling; a denial carries the ceiling in its reason.
func (s *Snapshot) CheckRetryPolicy(
	ectx *model.ExecutionContext,
	executionID string,
	retryCount int,
	errorType string,
) model.PolicyDecision {
	max := s.defaultMaxRetries
	if ectx != nil {
		max = s.MaxRetries(ectx.TenantID)
	}
	if retryCount < max {
		return model.Allow(executionID)
	}
	return model.Deny(executionID, fmt.Sprintf("Max retries (%d) exceeded", max))
}

// ValidateAccess decides whether an actor may perform an action on a
// resource. Invalid when the resource ID is empty. With a rule table in
// force, evaluation is deny-by-default: some rule must evaluate true.
// Without rules the baseline allows, which deployments are expected to
// replace with an explicit table.
func (s *Snapshot) ValidateAccess(
	ectx *model.ExecutionContext,
	resourceID, actor, action string,
) model.PolicyDecision {
	if resourceID == "" {
		return model.Deny(resourceID, "Resource ID is required")
	}

	if len(s.accessRules) == 0 {
		return model.Allow(resourceID)
	}

	input := map[string]any{
		"tenant":       "",
		"actor":        actor,
		"action":       action,
		"resource":     resourceID,
		"capabilities": []string{},
	}
	if ectx != nil {
		input["tenant"] = ectx.TenantID
		caps := make([]string, 0, len(ectx.Capabilities))
		for c := range ectx.Capabilities {
			caps = append(caps, c)
		}
		sort.Strings(caps)
		input["capabilities"] = caps
	}

	for _, rule := range s.accessRules {
		out, _, err := rule.prg.Eval(input)
		if err != nil {
			// A rule that cannot evaluate never grants access.
			continue
		}
		if allowed, ok := out.Value().(bool); ok && allowed {
			return model.Allow(resourceID)
		}
	}
	return model.Deny(resourceID, fmt.Sprintf(
		"Access denied: no rule allows %s to %s %s", actor, action, resourceID,
	))
}
