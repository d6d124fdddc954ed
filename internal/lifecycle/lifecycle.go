// Package lifecycle models the process lifecycle as an explicit state
// machine. The binary drives it through startup, shutdown, and crash paths;
// hooks observe transitions without being able to veto terminal ones.
package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/steward/model"
)

// State is one lifecycle state.
type State string

// Lifecycle states. Stopped and Crashed are terminal.
const (
	StateNotStarted State = "not_started"
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateDraining   State = "draining"
	StateStopped    State = "stopped"
	StateCrashed    State = "crashed"
)

// transitions is the legal forward path; Crashed is additionally reachable
// from every non-terminal state.
var transitions = map[State]State{
	StateNotStarted: StateStarting,
	StateStarting:   StateReady,
	StateReady:      StateDraining,
	StateDraining:   StateStopped,
}

// Hook observes one state transition. Hooks run synchronously in
// registration order; a hook error aborts a forward transition but never a
// crash.
type Hook func(ctx context.Context, from, to State) error

// Machine is the process lifecycle state machine.
type Machine struct {
	logger *zap.Logger

	mu    sync.RWMutex
	state State
	hooks map[State][]Hook
}

// NewMachine creates a machine in the not_started state.
func NewMachine(logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		logger: logger,
		state:  StateNotStarted,
		hooks:  make(map[State][]Hook),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// OnEnter registers a hook to run when the machine enters the given state.
func (m *Machine) OnEnter(state State, hook Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[state] = append(m.hooks[state], hook)
}

// Advance moves the machine to the next state on the forward path. Moving
// from a state with no successor is a conflict.
func (m *Machine) Advance(ctx context.Context) (State, error) {
	m.mu.Lock()
	from := m.state
	to, ok := transitions[from]
	if !ok {
		m.mu.Unlock()
		return from, model.NewConflictError(fmt.Sprintf("no transition from lifecycle state %q", from))
	}
	hooks := append([]Hook(nil), m.hooks[to]...)
	m.state = to
	m.mu.Unlock()

	m.logger.Info("lifecycle transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)

	for _, h := range hooks {
		if err := h(ctx, from, to); err != nil {
			return to, fmt.Errorf("lifecycle hook entering %s: %w", to, err)
		}
	}
	return to, nil
}

// AdvanceTo advances repeatedly until the target state is reached. The
// target must lie on the forward path from the current state.
func (m *Machine) AdvanceTo(ctx context.Context, target State) error {
	for {
		current := m.State()
		if current == target {
			return nil
		}
		next, err := m.Advance(ctx)
		if err != nil {
			return err
		}
		if next == current {
			return model.NewConflictError(fmt.Sprintf("lifecycle state %q cannot reach %q", current, target))
		}
	}
}

// Crash moves the machine to crashed from any non-terminal state. Crashing
// an already terminal machine is a no-op. Crash hooks run best-effort; their
// errors are logged, never returned.
func (m *Machine) Crash(ctx context.Context, cause error) {
	m.mu.Lock()
	from := m.state
	if from == StateStopped || from == StateCrashed {
		m.mu.Unlock()
		return
	}
	hooks := append([]Hook(nil), m.hooks[StateCrashed]...)
	m.state = StateCrashed
	m.mu.Unlock()

	m.logger.Error("lifecycle crashed",
		zap.String("from", string(from)),
		zap.Error(cause),
	)

	for _, h := range hooks {
		if err := h(ctx, from, StateCrashed); err != nil {
			m.logger.Error("crash hook failed", zap.Error(err))
		}
	}
}

// Terminal reports whether the machine reached a terminal state.
func (m *Machine) Terminal() bool {
	s := m.State()
	return s == StateStopped || s == StateCrashed
}
