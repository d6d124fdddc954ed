package contract

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/steward/model"
)

// MemoryStore is an in-memory Store. Suitable for testing and
// single-instance deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	contracts map[string]model.BoundaryContract
}

// NewMemoryStore creates an empty in-memory contract store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{contracts: make(map[string]model.BoundaryContract)}
}

func sourceKey(tenantID, sourceType, sourceID string) string {
	return tenantID + "\x00" + sourceType + "\x00" + sourceID
}

// Create persists a new contract.
func (s *MemoryStore) Create(_ context.Context, c model.BoundaryContract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.contracts[c.ContractID]; exists {
		return model.NewConflictError(fmt.Sprintf("contract %q already exists", c.ContractID))
	}
	s.contracts[c.ContractID] = c
	return nil
}

// Get retrieves the newest contract covering one external source.
func (s *MemoryStore) Get(_ context.Context, tenantID, sourceType, sourceID string) (model.BoundaryContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *model.BoundaryContract
	for _, c := range s.contracts {
		if c.TenantID != tenantID || c.ExternalSourceType != sourceType || c.ExternalSourceIdentifier != sourceID {
			continue
		}
		if found == nil || c.CreatedAt.After(found.CreatedAt) {
			cc := c
			found = &cc
		}
	}
	if found == nil {
		return model.BoundaryContract{}, model.NewNotFoundError(fmt.Sprintf(
			"no boundary contract for %s/%s in tenant %s", sourceType, sourceID, tenantID,
		))
	}
	return *found, nil
}

// GetByID retrieves a contract by ID.
func (s *MemoryStore) GetByID(_ context.Context, contractID string) (model.BoundaryContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contracts[contractID]
	if !ok {
		return model.BoundaryContract{}, model.NewNotFoundError(fmt.Sprintf("boundary contract %q not found", contractID))
	}
	return c, nil
}

// ListSweepable returns contracts the sweep must act on at the given time.
func (s *MemoryStore) ListSweepable(_ context.Context, now time.Time) ([]model.BoundaryContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.BoundaryContract
	for _, c := range s.contracts {
		switch {
		case c.Status == model.ContractStatusActive && c.MaterializationExpiresAt.Before(now):
			out = append(out, c)
		case c.Status == model.ContractStatusExpired && c.FactsSweptAt == nil:
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].MaterializationExpiresAt.Before(out[j].MaterializationExpiresAt)
	})
	return out, nil
}

// MarkExpired performs the status-guarded active → expired transition.
func (s *MemoryStore) MarkExpired(_ context.Context, contractID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[contractID]
	if !ok {
		return false, model.NewNotFoundError(fmt.Sprintf("boundary contract %q not found", contractID))
	}
	if c.Status != model.ContractStatusActive {
		return false, nil
	}
	c.Status = model.ContractStatusExpired
	t := now
	c.ExpiredAt = &t
	s.contracts[contractID] = c
	return true, nil
}

// MarkFactsSwept stamps facts_swept_at.
func (s *MemoryStore) MarkFactsSwept(_ context.Context, contractID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[contractID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("boundary contract %q not found", contractID))
	}
	t := now
	c.FactsSweptAt = &t
	s.contracts[contractID] = c
	return nil
}

// MemoryFactStore is an in-memory FactStore.
type MemoryFactStore struct {
	mu    sync.RWMutex
	facts map[string]model.RecordOfFact
}

// NewMemoryFactStore creates an empty in-memory fact store.
func NewMemoryFactStore() *MemoryFactStore {
	return &MemoryFactStore{facts: make(map[string]model.RecordOfFact)}
}

// Put persists a record of fact.
func (s *MemoryFactStore) Put(_ context.Context, fact model.RecordOfFact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts[fact.FactID] = fact
	return nil
}

// ListBySource returns all facts derived from one source file.
func (s *MemoryFactStore) ListBySource(_ context.Context, tenantID, sourceFileID string) ([]model.RecordOfFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.RecordOfFact
	for _, f := range s.facts {
		if f.TenantID == tenantID && f.SourceFileID == sourceFileID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FactID < out[j].FactID })
	return out, nil
}

// MarkSourceExpired stamps unstamped facts and returns the updated count.
func (s *MemoryFactStore) MarkSourceExpired(_ context.Context, tenantID, sourceFileID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, f := range s.facts {
		if f.TenantID != tenantID || f.SourceFileID != sourceFileID || f.SourceExpiredAt != nil {
			continue
		}
		t := now
		f.SourceExpiredAt = &t
		s.facts[id] = f
		count++
	}
	return count, nil
}
