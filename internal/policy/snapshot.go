// Package policy implements the pure governance primitives consulted before
// any governed operation proceeds. Every primitive is total and
// deterministic: same inputs yield the same decision within one snapshot,
// and no primitive performs network or storage I/O. Policy state is read
// once into a Snapshot by the caller and passed in, never fetched
// mid-decision.
package policy

import (
	"fmt"
	"os"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

// DefaultMaxRetries applies when neither config nor a tenant override sets
// a limit.
const DefaultMaxRetries = 3

// Config is the declarative policy input loaded from YAML.
type Config struct {
	Retry  RetryPolicyConfig  `yaml:"retry"`
	Access AccessPolicyConfig `yaml:"access"`
	// Transitions maps a workflow ID to its allowed from→to state pairs.
	// Workflows absent from the table accept any transition.
	Transitions map[string][]TransitionRule `yaml:"transitions"`
}

// RetryPolicyConfig sets retry ceilings. The default is a configuration
// constant, overridable per tenant.
type RetryPolicyConfig struct {
	MaxRetries      int            `yaml:"max_retries"`
	TenantOverrides map[string]int `yaml:"tenant_overrides"`
}

// AccessPolicyConfig carries the explicit allow-rule table. When at least
// one rule is present, access evaluation is deny-by-default: a request is
// allowed only if some rule evaluates true. With no rules configured the
// baseline is default-allow, which is a known gap, not a security posture;
// production deployments are expected to carry rules.
type AccessPolicyConfig struct {
	Rules []string `yaml:"rules"`
}

// TransitionRule is one allowed from→to pair for a workflow.
type TransitionRule struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Snapshot is an immutable, compiled view of the policy configuration.
// Construction does all parsing and CEL compilation; decisions afterwards
// are pure in-memory evaluation.
type Snapshot struct {
	defaultMaxRetries int
	tenantMaxRetries  map[string]int
	transitions       map[string][]TransitionRule
	accessRules       []accessRule
}

type accessRule struct {
	expr string
	prg  cel.Program
}

// NewSnapshot compiles the given configuration into a Snapshot.
func NewSnapshot(cfg Config) (*Snapshot, error) {
	s := &Snapshot{
		defaultMaxRetries: cfg.Retry.MaxRetries,
		tenantMaxRetries:  make(map[string]int, len(cfg.Retry.TenantOverrides)),
		transitions:       make(map[string][]TransitionRule, len(cfg.Transitions)),
	}
	if s.defaultMaxRetries <= 0 {
		s.defaultMaxRetries = DefaultMaxRetries
	}
	for tenant, n := range cfg.Retry.TenantOverrides {
		if n > 0 {
			s.tenantMaxRetries[tenant] = n
		}
	}
	for wf, rules := range cfg.Transitions {
		s.transitions[wf] = append([]TransitionRule(nil), rules...)
	}

	if len(cfg.Access.Rules) > 0 {
		env, err := cel.NewEnv(
			cel.Variable("tenant", cel.StringType),
			cel.Variable("actor", cel.StringType),
			cel.Variable("action", cel.StringType),
			cel.Variable("resource", cel.StringType),
			cel.Variable("capabilities", cel.ListType(cel.StringType)),
		)
		if err != nil {
			return nil, fmt.Errorf("policy: create CEL environment: %w", err)
		}
		for _, expr := range cfg.Access.Rules {
			ast, issues := env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("policy: compile rule %q: %w", expr, issues.Err())
			}
			prg, err := env.Program(ast)
			if err != nil {
				return nil, fmt.Errorf("policy: program rule %q: %w", expr, err)
			}
			s.accessRules = append(s.accessRules, accessRule{expr: expr, prg: prg})
		}
	}

	return s, nil
}

// LoadSnapshot reads a YAML policy file and compiles it. An empty path
// yields the baseline snapshot (defaults only, no rule table).
func LoadSnapshot(path string) (*Snapshot, error) {
	if path == "" {
		return NewSnapshot(Config{})
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: reading %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("policy: parsing %s: %w", path, err)
	}
	return NewSnapshot(cfg)
}

// MaxRetries returns the retry ceiling for a tenant.
func (s *Snapshot) MaxRetries(tenantID string) int {
	if n, ok := s.tenantMaxRetries[tenantID]; ok {
		return n
	}
	return s.defaultMaxRetries
}

// DenyByDefault reports whether an explicit rule table is in force.
func (s *Snapshot) DenyByDefault() bool {
	return len(s.accessRules) > 0
}
