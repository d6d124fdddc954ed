// Package events publishes journey execution audit events to an external
// broker. Publication is best-effort: execution results never depend on it.
package events

import "context"

// Publisher is the outbound event interface. Implementations are selected by
// configuration at process start.
type Publisher interface {
	// Connect establishes the broker connection. Calling Connect on an
	// already-connected publisher is a no-op.
	Connect(ctx context.Context) error

	// Disconnect closes the broker connection, flushing pending publishes.
	Disconnect(ctx context.Context) error

	// IsConnected reports whether the publisher currently holds a usable
	// connection.
	IsConnected() bool

	// Publish sends one event on the given subject.
	Publish(ctx context.Context, subject string, payload any) error

	// PublishBatch sends a batch of events on the given subject. Partial
	// publication is possible; the first error is returned.
	PublishBatch(ctx context.Context, subject string, payloads []any) error
}
