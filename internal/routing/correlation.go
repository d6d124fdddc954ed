package routing

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/steward/model"
)

// CorrelationStore persists the durable mapping between external and
// internal identifiers for cross-boundary operations.
type CorrelationStore interface {
	Put(ctx context.Context, m model.CorrelationMap) error
	Get(ctx context.Context, tenantID, correlationID string) (model.CorrelationMap, error)
}

// MemoryCorrelationStore is an in-memory CorrelationStore.
type MemoryCorrelationStore struct {
	mu   sync.RWMutex
	maps map[string]model.CorrelationMap
}

// NewMemoryCorrelationStore creates an empty in-memory correlation store.
func NewMemoryCorrelationStore() *MemoryCorrelationStore {
	return &MemoryCorrelationStore{maps: make(map[string]model.CorrelationMap)}
}

func correlationKey(tenantID, correlationID string) string {
	return tenantID + "\x00" + correlationID
}

// Put stores a correlation map. Identifier maps are merged: entries are
// added, never removed, matching the append-only contract.
func (s *MemoryCorrelationStore) Put(_ context.Context, m model.CorrelationMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := correlationKey(m.TenantID, m.CorrelationID)
	existing, ok := s.maps[key]
	if !ok {
		s.maps[key] = m
		return nil
	}
	if existing.InternalIDs == nil {
		existing.InternalIDs = make(map[string]string)
	}
	if existing.ExternalIDs == nil {
		existing.ExternalIDs = make(map[string]string)
	}
	for k, v := range m.InternalIDs {
		existing.InternalIDs[k] = v
	}
	for k, v := range m.ExternalIDs {
		existing.ExternalIDs[k] = v
	}
	s.maps[key] = existing
	return nil
}

// Get retrieves a correlation map.
func (s *MemoryCorrelationStore) Get(_ context.Context, tenantID, correlationID string) (model.CorrelationMap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.maps[correlationKey(tenantID, correlationID)]
	if !ok {
		return model.CorrelationMap{}, model.NewNotFoundError(
			fmt.Sprintf("no correlation map for %q in tenant %s", correlationID, tenantID),
		)
	}
	return m, nil
}

// PgCorrelationStore is a PostgreSQL-backed CorrelationStore using pgx/v5.
type PgCorrelationStore struct {
	pool *pgxpool.Pool
}

// NewPgCorrelationStore creates a new PostgreSQL correlation store.
func NewPgCorrelationStore(pool *pgxpool.Pool) *PgCorrelationStore {
	return &PgCorrelationStore{pool: pool}
}

// Put upserts a correlation map, merging identifier maps on conflict.
func (s *PgCorrelationStore) Put(ctx context.Context, m model.CorrelationMap) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO correlation_maps (
			correlation_id, tenant_id, internal_ids, external_ids, created_at
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, correlation_id) DO UPDATE
		SET internal_ids = correlation_maps.internal_ids || EXCLUDED.internal_ids,
		    external_ids = correlation_maps.external_ids || EXCLUDED.external_ids`,
		m.CorrelationID, m.TenantID, m.InternalIDs, m.ExternalIDs, m.CreatedAt,
	)
	if err != nil {
		return model.NewInfrastructureError(fmt.Sprintf("upsert correlation map: %v", err))
	}
	return nil
}

// Get retrieves a correlation map.
func (s *PgCorrelationStore) Get(ctx context.Context, tenantID, correlationID string) (model.CorrelationMap, error) {
	var m model.CorrelationMap
	err := s.pool.QueryRow(ctx, `
		SELECT correlation_id, tenant_id, internal_ids, external_ids, created_at
		FROM correlation_maps
		WHERE tenant_id = $1 AND correlation_id = $2`,
		tenantID, correlationID,
	).Scan(&m.CorrelationID, &m.TenantID, &m.InternalIDs, &m.ExternalIDs, &m.CreatedAt)
	if err == pgx.ErrNoRows {
		return model.CorrelationMap{}, model.NewNotFoundError(
			fmt.Sprintf("no correlation map for %q in tenant %s", correlationID, tenantID),
		)
	}
	if err != nil {
		return model.CorrelationMap{}, model.NewInfrastructureError(fmt.Sprintf("query correlation map: %v", err))
	}
	return m, nil
}
