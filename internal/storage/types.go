package storage

import (
	"errors"
	"time"

	"k8s.io/utils/clock"
)

var (
	// ErrPoolExhausted is returned when no connection slot frees up within
	// the configured acquire budget.
	ErrPoolExhausted = errors.New("storage: connection pool exhausted")
	ErrNotFound      = errors.New("storage: not found")
	ErrClosed        = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
	Pool        PoolConfig
	// Clock times pool acquires. Nil means the wall clock.
	Clock clock.Clock
}

// PoolConfig bounds concurrent storage access.
//
// Defaults (when fields are zero):
//   - min_conns: 5
//   - max_conns: 30
//   - acquire_timeout: 10s
//   - query_timeout: 10s
//   - idle_lifetime: 5m
type PoolConfig struct {
	MinConns       int
	MaxConns       int
	AcquireTimeout time.Duration
	QueryTimeout   time.Duration
	IdleLifetime   time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxConns <= 0 {
		c.MaxConns = 30
	}
	if c.MinConns <= 0 {
		c.MinConns = 5
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 10 * time.Second
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 10 * time.Second
	}
	if c.IdleLifetime <= 0 {
		c.IdleLifetime = 5 * time.Minute
	}
	return c
}

// PoolStats is a point-in-time view of pool usage.
type PoolStats struct {
	MaxConns int   `json:"max_conns"`
	InUse    int64 `json:"in_use"`
	Waiting  int64 `json:"waiting"`
	Idle     int   `json:"idle"`
	Timeouts int64 `json:"timeouts"`
}
