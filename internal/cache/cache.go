package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// AllStores is the scope for entries computed across every store, such as
// dashboards. It is invalidated alongside any single store.
const AllStores = "all"

// SummaryCache holds JSON-encoded report values grouped by scope, usually a
// store ID. Invalidate drops every key recorded under the scope.
type SummaryCache interface {
	Get(ctx context.Context, scope string, key string, dst any) (bool, error)
	Set(ctx context.Context, scope string, key string, value any, ttl time.Duration) error
	Invalidate(ctx context.Context, scope string) error
}

type NoopSummaryCache struct{}

func (NoopSummaryCache) Get(_ context.Context, _ string, _ string, _ any) (bool, error) {
	return false, nil
}

func (NoopSummaryCache) Set(_ context.Context, _ string, _ string, _ any, _ time.Duration) error {
	return nil
}

func (NoopSummaryCache) Invalidate(_ context.Context, _ string) error {
	return nil
}

type memoryEntry struct {
	payload   []byte
	expiresAt time.Time
}

// MemorySummaryCache is a process-local SummaryCache for single-instance runs.
type MemorySummaryCache struct {
	mu      sync.Mutex
	entries map[string]map[string]memoryEntry
	now     func() time.Time
}

func NewMemorySummaryCache() *MemorySummaryCache {
	return &MemorySummaryCache{
		entries: make(map[string]map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemorySummaryCache) Get(_ context.Context, scope string, key string, dst any) (bool, error) {
	c.mu.Lock()
	entry, ok := c.entries[scope][key]
	if ok && !entry.expiresAt.IsZero() && !c.now().Before(entry.expiresAt) {
		delete(c.entries[scope], key)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(entry.payload, dst); err != nil {
		return false, err
	}
	return true, nil
}

func (c *MemorySummaryCache) Set(_ context.Context, scope string, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}

	entry := memoryEntry{payload: payload}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[scope] == nil {
		c.entries[scope] = make(map[string]memoryEntry)
	}
	c.entries[scope][key] = entry
	return nil
}

func (c *MemorySummaryCache) Invalidate(_ context.Context, scope string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, scope)
	return nil
}
