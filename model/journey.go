package model

// SolutionDefinition is the root structure of a solution definition file.
// Each file declares one solution's journeys and the operations they expose.
type SolutionDefinition struct {
	Solution string              `yaml:"solution" json:"solution"`
	Version  string              `yaml:"version"  json:"version"`
	Journeys []JourneyDefinition `yaml:"journeys" json:"journeys"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// JourneyDefinition describes a named, versioned graph of steps, each step
// bound to one intent service. The step graph is acyclic; every step declares
// the policy gates it requires before execution.
type JourneyDefinition struct {
	ID          string                `yaml:"id"          json:"id"`
	Name        string                `yaml:"name"        json:"name"`
	Version     string                `yaml:"version"     json:"version,omitempty"`
	Description string                `yaml:"description" json:"description,omitempty"`
	Intents     []string              `yaml:"intents"     json:"intents,omitempty"`
	Steps       []StepDefinition      `yaml:"steps"       json:"steps"`
	Operations  []OperationDefinition `yaml:"operations"  json:"operations,omitempty"`
}

// SupportsIntent reports whether the journey declares support for the given
// intent type. A journey with no declared intents supports only "execute".
func (j JourneyDefinition) SupportsIntent(intentType string) bool {
	if len(j.Intents) == 0 {
		return intentType == "execute"
	}
	for _, t := range j.Intents {
		if t == intentType {
			return true
		}
	}
	return false
}

// StepDefinition describes a single step in a journey. A step either binds
// one intent service or declares a parallel group of branches, never both.
type StepDefinition struct {
	ID       string           `yaml:"id"       json:"id"`
	Name     string           `yaml:"name"     json:"name,omitempty"`
	Service  string           `yaml:"service"  json:"service,omitempty"`
	Params   map[string]any   `yaml:"params"   json:"params,omitempty"`
	Gates    []GateDefinition `yaml:"gates"    json:"gates,omitempty"`
	When     string           `yaml:"when"     json:"when,omitempty"`
	Parallel []BranchDefinition `yaml:"parallel" json:"parallel,omitempty"`
}

// BranchDefinition is one branch of a parallel step group. Branch artifact
// merges happen in declared branch order, not completion order, so
// last-writer-wins stays reproducible.
type BranchDefinition struct {
	ID    string           `yaml:"id"    json:"id"`
	Steps []StepDefinition `yaml:"steps" json:"steps"`
}

// Gate types understood by the journey engine.
const (
	GateTransition = "transition"
	GateAccess     = "access"
	GateCapability = "capability"
)

// Capability gate match modes.
const (
	MatchAll = "all"
	MatchAny = "any"
)

// GateDefinition declares one policy decision a step requires before it may
// execute. Gate inputs are resolved from the definition and the execution
// context; the decision itself is pure. Capability gates match the caller's
// capability set (wildcards included) against the listed capabilities, all of
// them by default or any of them when match is "any".
type GateDefinition struct {
	Type         string   `yaml:"type"         json:"type"`
	WorkflowID   string   `yaml:"workflow_id"  json:"workflow_id,omitempty"`
	FromState    string   `yaml:"from_state"   json:"from_state,omitempty"`
	ToState      string   `yaml:"to_state"     json:"to_state,omitempty"`
	ResourceID   string   `yaml:"resource_id"  json:"resource_id,omitempty"`
	Action       string   `yaml:"action"       json:"action,omitempty"`
	Capabilities []string `yaml:"capabilities" json:"capabilities,omitempty"`
	Match        string   `yaml:"match"        json:"match,omitempty"`
}

// OperationDefinition declares one operation a journey exposes as a SOA API.
// Descriptors are derived from these declarations, one-to-many per journey;
// names must be unique within the solution's namespace.
type OperationDefinition struct {
	Name        string         `yaml:"name"         json:"name"`
	Description string         `yaml:"description"  json:"description,omitempty"`
	IntentType  string         `yaml:"intent_type"  json:"intent_type,omitempty"`
	InputSchema map[string]any `yaml:"input_schema" json:"input_schema,omitempty"`
}
