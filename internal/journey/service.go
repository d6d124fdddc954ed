package journey

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/steward/model"
)

// Service is the leaf unit of execution a journey step binds to. A service
// performs one intent on behalf of a journey and returns the artifacts it
// produced. Services signal transient faults with InfrastructureError so the
// engine can retry them under the retry policy.
type Service interface {
	Name() string
	Execute(ctx context.Context, ectx *model.ExecutionContext, input map[string]any) (map[string]any, error)
}

// ServiceRegistry holds all registered intent services by name.
type ServiceRegistry struct {
	mu       sync.RWMutex
	services map[string]Service
}

// NewServiceRegistry creates an empty service registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{services: make(map[string]Service)}
}

// Register adds a service. Registering a second service under the same name
// is a conflict; bindings are resolved at definition-validation time and must
// stay stable afterwards.
func (r *ServiceRegistry) Register(svc Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := svc.Name()
	if name == "" {
		return model.NewValidationError("service name is required")
	}
	if _, exists := r.services[name]; exists {
		return model.NewConflictError(fmt.Sprintf("service %q already registered", name))
	}
	r.services[name] = svc
	return nil
}

// Get returns the service with the given name.
func (r *ServiceRegistry) Get(name string) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

// Has reports whether a service is registered under the given name.
func (r *ServiceRegistry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns all registered service names, sorted.
func (r *ServiceRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for n := range r.services {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
