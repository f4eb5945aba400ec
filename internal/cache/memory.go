// Package cache provides the in-memory Result Cache.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Alias1177/leadscore/models"
)

// Memory is a thread-safe TTL cache of predictions keyed by subject.
// Expired entries are dropped lazily on Get and by a background sweep.
type Memory struct {
	mu    sync.RWMutex
	items map[string]models.CacheEntry
	now   func() time.Time

	shutdown chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewMemory creates a cache and starts its cleanup loop. The loop exits when
// ctx is cancelled or Close is called.
func NewMemory(ctx context.Context, cleanupInterval time.Duration) *Memory {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	c := &Memory{
		items:    make(map[string]models.CacheEntry),
		now:      time.Now,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.cleanup(ctx, cleanupInterval)
	return c
}

func (c *Memory) Get(_ context.Context, subjectID string) (*models.CacheEntry, error) {
	c.mu.RLock()
	entry, ok := c.items[subjectID]
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	if entry.Expired(c.now()) {
		c.mu.Lock()
		// Double-check it's still there and still expired
		if cur, still := c.items[subjectID]; still && cur.Expired(c.now()) {
			delete(c.items, subjectID)
		}
		c.mu.Unlock()
		return nil, nil
	}
	return &entry, nil
}

func (c *Memory) Set(_ context.Context, result models.PredictionResult, ttl time.Duration) error {
	if result.SubjectID == "" {
		return fmt.Errorf("cache key cannot be empty")
	}
	if ttl <= 0 {
		return fmt.Errorf("cache ttl must be positive, got %s", ttl)
	}
	c.mu.Lock()
	c.items[result.SubjectID] = models.CacheEntry{
		SubjectID: result.SubjectID,
		Result:    result,
		ExpiresAt: c.now().Add(ttl),
	}
	c.mu.Unlock()
	return nil
}

func (c *Memory) Delete(_ context.Context, subjectID string) error {
	c.mu.Lock()
	delete(c.items, subjectID)
	c.mu.Unlock()
	return nil
}

func (c *Memory) Clear(_ context.Context) error {
	c.mu.Lock()
	c.items = make(map[string]models.CacheEntry)
	c.mu.Unlock()
	return nil
}

// Len counts entries that have not yet expired.
func (c *Memory) Len(_ context.Context) (int, error) {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, e := range c.items {
		if !e.Expired(now) {
			n++
		}
	}
	return n, nil
}

// Close stops the cleanup loop.
func (c *Memory) Close() error {
	c.once.Do(func() { close(c.shutdown) })
	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for cleanup goroutine to finish")
	}
}

func (c *Memory) cleanup(ctx context.Context, interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *Memory) removeExpired() {
	now := c.now()
	c.mu.Lock()
	for k, e := range c.items {
		if e.Expired(now) {
			delete(c.items, k)
		}
	}
	c.mu.Unlock()
}
