// Package idempotency maps request fingerprints to previously produced
// successful responses so that retried checkout requests are replayed rather
// than re-executed.
package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"

	"openbooking/internal/clock"
	"openbooking/internal/models"
)

// Cache stores successful responses by key. Implementations must refuse
// non-2xx responses so failed attempts are always retried against live logic.
type Cache interface {
	Get(ctx context.Context, key Key) (*models.Response, bool, error)
	Put(ctx context.Context, key Key, resp *models.Response) error
}

// ErrNotCacheable is returned by Put for responses that are not successful.
var ErrNotCacheable = errors.New("only successful responses may be cached")

type memoryEntry struct {
	resp    models.Response
	expires time.Time
}

// MemoryCache is an in-process Cache with a fixed TTL per entry.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	clock   clock.Clock
}

// NewMemoryCache creates a memory cache. A zero ttl keeps entries forever.
func NewMemoryCache(ttl time.Duration, clk clock.Clock) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		clock:   clk,
	}
}

func (c *MemoryCache) Get(_ context.Context, key Key) (*models.Response, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key.String()
	e, ok := c.entries[k]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && !c.clock.Now().Before(e.expires) {
		delete(c.entries, k)
		return nil, false, nil
	}
	resp := e.resp
	return &resp, true, nil
}

func (c *MemoryCache) Put(_ context.Context, key Key, resp *models.Response) error {
	if !resp.IsSuccess() {
		return ErrNotCacheable
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e := memoryEntry{resp: *resp}
	if c.ttl > 0 {
		e.expires = c.clock.Now().Add(c.ttl)
	}
	c.entries[key.String()] = e
	return nil
}

// Sweep drops expired entries and returns how many were removed.
func (c *MemoryCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for k, e := range c.entries {
		if !e.expires.IsZero() && !now.Before(e.expires) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
