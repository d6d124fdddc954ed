// Package routing is the single entry point through which intents reach
// journeys. The router validates, correlates, and dispatches; it never
// touches governed state itself.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/steward/model"
)

// ResultCache deduplicates intent submissions by correlation ID. The key
// format is "intent:{tenantId}:{correlationId}".
type ResultCache interface {
	// Check looks up a previous result by key. If the key exists and the
	// input hash matches, it returns the cached result. If the key exists
	// but the hash differs, it returns a conflict error.
	Check(ctx context.Context, key string, inputHash string) (result *model.JourneyResult, found bool, err error)

	// Store saves a journey result keyed by correlation with a TTL.
	Store(ctx context.Context, key string, inputHash string, result model.JourneyResult, ttl time.Duration) error
}

// cacheEntry is the stored value for a correlation key.
type cacheEntry struct {
	InputHash string              `json:"input_hash"`
	Result    model.JourneyResult `json:"result"`
}

// FormatResultKey builds the standard result cache key.
func FormatResultKey(tenantID, correlationID string) string {
	return fmt.Sprintf("intent:%s:%s", tenantID, correlationID)
}

// --- MemoryResultCache ---

// MemoryResultCache is an in-memory ResultCache with TTL support. Suitable
// for testing and single-instance deployments.
type MemoryResultCache struct {
	clock   model.Clock
	mu      sync.RWMutex
	entries map[string]*memEntry
}

type memEntry struct {
	data      cacheEntry
	expiresAt time.Time
}

// NewMemoryResultCache creates a new in-memory result cache.
func NewMemoryResultCache(clock model.Clock) *MemoryResultCache {
	if clock == nil {
		clock = model.SystemClock{}
	}
	return &MemoryResultCache{
		clock:   clock,
		entries: make(map[string]*memEntry),
	}
}

// Check looks up a cached result. Returns conflict error if input hash
// differs.
func (c *MemoryResultCache) Check(_ context.Context, key string, inputHash string) (*model.JourneyResult, bool, error) {
	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}

	if c.clock.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false, nil
	}

	if entry.data.InputHash != inputHash {
		return nil, true, model.NewConflictError(
			fmt.Sprintf("correlation ID %q already used with different parameters", key),
		)
	}

	result := entry.data.Result
	return &result, true, nil
}

// Store saves a result with TTL.
func (c *MemoryResultCache) Store(_ context.Context, key string, inputHash string, result model.JourneyResult, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &memEntry{
		data:      cacheEntry{InputHash: inputHash, Result: result},
		expiresAt: c.clock.Now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (c *MemoryResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// --- RedisResultCache ---

// RedisResultCache is a Redis-backed ResultCache with TTL.
type RedisResultCache struct {
	client redis.Cmdable
}

// NewRedisResultCache creates a new Redis-backed result cache.
func NewRedisResultCache(client redis.Cmdable) *RedisResultCache {
	return &RedisResultCache{client: client}
}

// Check looks up a cached result in Redis. Returns conflict error if input
// hash differs.
func (c *RedisResultCache) Check(ctx context.Context, key string, inputHash string) (*model.JourneyResult, bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, model.NewInfrastructureError(fmt.Sprintf("redis get %q: %v", key, err))
	}

	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("unmarshal result cache entry %q: %w", key, err)
	}

	if entry.InputHash != inputHash {
		return nil, true, model.NewConflictError(
			fmt.Sprintf("correlation ID %q already used with different parameters", key),
		)
	}

	return &entry.Result, true, nil
}

// Store saves a result in Redis with TTL.
func (c *RedisResultCache) Store(ctx context.Context, key string, inputHash string, result model.JourneyResult, ttl time.Duration) error {
	entry := cacheEntry{InputHash: inputHash, Result: result}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal result cache entry: %w", err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return model.NewInfrastructureError(fmt.Sprintf("redis set %q: %v", key, err))
	}
	return nil
}
