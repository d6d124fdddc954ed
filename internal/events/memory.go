package events

import (
	"context"
	"sync"

	"github.com/pitabwire/steward/model"
)

// Published is one event captured by the in-memory publisher.
type Published struct {
	Subject string
	Payload any
}

// MemoryPublisher is an in-process Publisher for tests and single-instance
// deployments without a broker.
type MemoryPublisher struct {
	mu        sync.Mutex
	connected bool
	published []Published
}

// NewMemoryPublisher creates a disconnected in-memory publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Connect marks the publisher connected.
func (p *MemoryPublisher) Connect(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return nil
}

// Disconnect marks the publisher disconnected.
func (p *MemoryPublisher) Disconnect(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

// IsConnected reports the connection flag.
func (p *MemoryPublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Publish records the event. Publishing while disconnected is an
// infrastructure error, mirroring broker-backed implementations.
func (p *MemoryPublisher) Publish(_ context.Context, subject string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return model.NewInfrastructureError("event publisher is not connected")
	}
	p.published = append(p.published, Published{Subject: subject, Payload: payload})
	return nil
}

// PublishBatch records each event in order.
func (p *MemoryPublisher) PublishBatch(ctx context.Context, subject string, payloads []any) error {
	for _, payload := range payloads {
		if err := p.Publish(ctx, subject, payload); err != nil {
			return err
		}
	}
	return nil
}

// All returns a copy of everything published so far.
func (p *MemoryPublisher) All() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Published, len(p.published))
	copy(out, p.published)
	return out
}
