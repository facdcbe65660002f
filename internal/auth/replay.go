package auth

import (
	"context"
	"sync"
	"time"
)

// ReplayCache remembers token ids until they expire.
type ReplayCache interface {
	// TryAdd records id and reports false if it was already present.
	TryAdd(ctx context.Context, id string, expiresAt time.Time) (bool, error)
}

// ReplayPurger is implemented by caches that need periodic cleanup.
type ReplayPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// MemoryReplayCache is an in-process ReplayCache.
type MemoryReplayCache struct {
	m sync.Map // id -> time.Time
}

func NewMemoryReplayCache() *MemoryReplayCache {
	return &MemoryReplayCache{}
}

func (c *MemoryReplayCache) TryAdd(_ context.Context, id string, expiresAt time.Time) (bool, error) {
	_, loaded := c.m.LoadOrStore(id, expiresAt)
	return !loaded, nil
}

func (c *MemoryReplayCache) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	n := 0
	c.m.Range(func(k, v any) bool {
		if exp, ok := v.(time.Time); ok && now.After(exp) {
			if c.m.CompareAndDelete(k, v) {
				n++
			}
		}
		return true
	})
	return n, nil
}
