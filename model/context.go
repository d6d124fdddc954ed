package model

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ExecutionContext carries tenancy, correlation, and caller identity for the
// lifetime of one routed intent. It is immutable after construction and safe
// for concurrent reads. Only its CorrelationID is durable (via correlation
// maps); the context itself is never persisted.
type ExecutionContext struct {
	TenantID      string
	CorrelationID string
	CallerID      string
	Capabilities  CapabilitySet
	Clock         Clock
}

// Validate checks that all mandatory fields are present.
// TenantID and CorrelationID must be non-empty.
func (ec *ExecutionContext) Validate() error {
	var errs []error
	if ec.TenantID == "" {
		errs = append(errs, fmt.Errorf("TenantID is required"))
	}
	if ec.CorrelationID == "" {
		errs = append(errs, fmt.Errorf("CorrelationID is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Now reads the context's injected clock, falling back to the system clock
// when none was supplied.
func (ec *ExecutionContext) Now() time.Time {
	if ec.Clock == nil {
		return SystemClock{}.Now()
	}
	return ec.Clock.Now()
}

type contextKey struct{}

// WithExecutionContext attaches an ExecutionContext to the given context.
func WithExecutionContext(ctx context.Context, ectx *ExecutionContext) context.Context {
	return context.WithValue(ctx, contextKey{}, ectx)
}

// ExecutionContextFrom extracts the ExecutionContext from the context, or
// returns nil if not present.
func ExecutionContextFrom(ctx context.Context) *ExecutionContext {
	ectx, _ := ctx.Value(contextKey{}).(*ExecutionContext)
	return ectx
}

// MustExecutionContext extracts the ExecutionContext from the context,
// panicking if it is not present. Safe to call in handlers guaranteed to run
// behind the intent routing boundary.
func MustExecutionContext(ctx context.Context) *ExecutionContext {
	ectx := ExecutionContextFrom(ctx)
	if ectx == nil {
		panic("model: ExecutionContext not found in context")
	}
	return ectx
}
