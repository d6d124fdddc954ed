package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/pitabwire/steward/model"
)

// NATSPublisher publishes events to a NATS broker.
type NATSPublisher struct {
	url    string
	logger *zap.Logger

	mu   sync.Mutex
	conn *nats.Conn
}

// NewNATSPublisher creates a publisher for the given NATS URL. No connection
// is made until Connect.
func NewNATSPublisher(url string, logger *zap.Logger) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{url: url, logger: logger}
}

// Connect dials the broker. A no-op when already connected.
func (p *NATSPublisher) Connect(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil && p.conn.IsConnected() {
		return nil
	}

	conn, err := nats.Connect(p.url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			p.logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			p.logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return model.NewInfrastructureError(fmt.Sprintf("connect to nats %s: %v", p.url, err))
	}
	p.conn = conn
	p.logger.Info("nats connected", zap.String("url", p.url))
	return nil
}

// Disconnect flushes and drains the connection.
func (p *NATSPublisher) Disconnect(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		p.conn = nil
		return model.NewInfrastructureError(fmt.Sprintf("drain nats connection: %v", err))
	}
	p.conn = nil
	return nil
}

// IsConnected reports whether the underlying connection is up.
func (p *NATSPublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil && p.conn.IsConnected()
}

// Publish marshals the payload as JSON and publishes it on the subject.
func (p *NATSPublisher) Publish(_ context.Context, subject string, payload any) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil || !conn.IsConnected() {
		return model.NewInfrastructureError("event publisher is not connected")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if err := conn.Publish(subject, data); err != nil {
		return model.NewInfrastructureError(fmt.Sprintf("publish to %s: %v", subject, err))
	}
	return nil
}

// PublishBatch publishes each payload in order and flushes once at the end.
func (p *NATSPublisher) PublishBatch(ctx context.Context, subject string, payloads []any) error {
	for _, payload := range payloads {
		if err := p.Publish(ctx, subject, payload); err != nil {
			return err
		}
	}

	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn != nil {
		if err := conn.FlushTimeout(5 * time.Second); err != nil {
			return model.NewInfrastructureError(fmt.Sprintf("flush nats connection: %v", err))
		}
	}
	return nil
}
