// Package settings is a read-through TTL cache over the settings table.
package settings

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	logx "rollcall/pkg/logx"
)

// Well-known keys.
const (
	KeyAnnouncementChat = "announcement_chat"
	KeyAttendanceTitle  = "attendance_title"
)

const DefaultTTL = 5 * time.Minute

// Source is the backing store.
type Source interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string) error
}

type Cache struct {
	src   Source
	clock clock.PassiveClock
	log   logx.Logger

	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cached
	// gen advances on every invalidation. A read that started under an
	// older gen must not store what it fetched.
	gen uint64

	hits   atomic.Uint64
	misses atomic.Uint64
}

type cached struct {
	value   string
	expires time.Time
}

func New(src Source, ttl time.Duration, clk clock.PassiveClock, log logx.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cache{src: src, clock: clk, log: log, ttl: ttl, entries: map[string]cached{}}
}

// Get serves key from memory while fresh, otherwise from the source. Missing
// keys are never cached, and a value fetched across an Invalidate is returned
// but not kept.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	now := c.clock.Now()
	c.mu.RLock()
	e, ok := c.entries[key]
	gen := c.gen
	c.mu.RUnlock()
	if ok && now.Before(e.expires) {
		c.hits.Add(1)
		return e.value, true, nil
	}

	c.misses.Add(1)
	v, found, err := c.src.GetSetting(ctx, key)
	if err != nil {
		return "", false, err
	}
	c.mu.Lock()
	switch {
	case c.gen != gen:
	case found:
		c.entries[key] = cached{value: v, expires: now.Add(c.ttl)}
	default:
		delete(c.entries, key)
	}
	c.mu.Unlock()
	return v, found, nil
}

// GetOr returns def when the key is missing or unreadable.
func (c *Cache) GetOr(ctx context.Context, key, def string) string {
	v, ok, err := c.Get(ctx, key)
	if err != nil {
		c.log.Warn("setting read failed", logx.String("key", key), logx.Err(err))
		return def
	}
	if !ok || v == "" {
		return def
	}
	return v
}

// Set writes through to the source and drops the cached copy.
func (c *Cache) Set(ctx context.Context, key, value string) error {
	if err := c.src.PutSetting(ctx, key, value); err != nil {
		return err
	}
	c.Invalidate(key)
	return nil
}

func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.gen++
	c.mu.Unlock()
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	clear(c.entries)
	c.gen++
	c.mu.Unlock()
}

// Cleanup removes entries expired at now and returns how many were removed.
func (c *Cache) Cleanup(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// SetTTL applies to entries cached after the call.
func (c *Cache) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}

type Stats struct {
	Entries int    `json:"entries"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()
	return Stats{Entries: n, Hits: c.hits.Load(), Misses: c.misses.Load()}
}
