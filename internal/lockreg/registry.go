// Package lockreg serializes writes per owner.
//
// Each owner gets a lazily created lock entry. Waiters for the same owner are
// granted the lock in arrival order; different owners never contend except on
// the shard mutex guarding entry lookup. Entries are reclaimed by Sweep once
// they have been idle for long enough, and an entry that is held or has
// waiters is never reclaimed.
package lockreg

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	logx "rollcall/pkg/logx"
)

// ErrContentionTimeout is returned when the lock could not be taken within
// the registry's contention budget. The guarded function is not run.
var ErrContentionTimeout = errors.New("lockreg: contention timeout")

const (
	defaultShards  = 32
	defaultTimeout = 5 * time.Second
)

type Options struct {
	Shards            int
	ContentionTimeout time.Duration
	Clock             clock.Clock
	Logger            logx.Logger
}

type Registry struct {
	shards  []*shard
	timeout time.Duration
	clock   clock.Clock
	log     logx.Logger

	contended atomic.Uint64
	timeouts  atomic.Uint64
}

type shard struct {
	mu      sync.Mutex
	entries map[int64]*entry
}

type entry struct {
	held         bool
	waiters      []*waiter
	lastAcquired time.Time
}

type waiter struct {
	ready   chan struct{}
	granted bool
}

func New(opts Options) *Registry {
	if opts.Shards <= 0 {
		opts.Shards = defaultShards
	}
	if opts.ContentionTimeout <= 0 {
		opts.ContentionTimeout = defaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger.IsZero() {
		opts.Logger = logx.Nop()
	}
	r := &Registry{
		shards:  make([]*shard, opts.Shards),
		timeout: opts.ContentionTimeout,
		clock:   opts.Clock,
		log:     opts.Logger,
	}
	for i := range r.shards {
		r.shards[i] = &shard{entries: map[int64]*entry{}}
	}
	return r
}

func (r *Registry) shardFor(owner int64) *shard {
	// Fibonacci hashing spreads sequential ids across shards.
	h := uint64(owner) * 0x9E3779B97F4A7C15
	return r.shards[h%uint64(len(r.shards))]
}

// WithLock runs fn while holding owner's write lock. Callers for the same
// owner run one at a time, in the order they called WithLock.
func (r *Registry) WithLock(ctx context.Context, owner int64, fn func(ctx context.Context) error) error {
	if err := r.acquire(ctx, owner); err != nil {
		return err
	}
	defer r.release(owner)
	return fn(ctx)
}

func (r *Registry) acquire(ctx context.Context, owner int64) error {
	sh := r.shardFor(owner)

	sh.mu.Lock()
	e := sh.entries[owner]
	if e == nil {
		e = &entry{}
		sh.entries[owner] = e
	}
	if !e.held && len(e.waiters) == 0 {
		e.held = true
		e.lastAcquired = r.clock.Now()
		sh.mu.Unlock()
		return nil
	}
	w := &waiter{ready: make(chan struct{})}
	e.waiters = append(e.waiters, w)
	sh.mu.Unlock()
	r.contended.Add(1)

	t := r.clock.NewTimer(r.timeout)
	defer t.Stop()

	var cause error
	select {
	case <-w.ready:
		return nil
	case <-t.C():
		cause = ErrContentionTimeout
	case <-ctx.Done():
		cause = ctx.Err()
	}

	sh.mu.Lock()
	if w.granted {
		// Handed the lock while giving up; pass it on rather than leak it.
		sh.mu.Unlock()
		r.release(owner)
	} else {
		e.removeWaiter(w)
		sh.mu.Unlock()
	}
	if errors.Is(cause, ErrContentionTimeout) {
		r.timeouts.Add(1)
		r.log.Warn("write lock contention timeout", logx.Owner(owner), logx.Duration("budget", r.timeout))
	}
	return cause
}

func (r *Registry) release(owner int64) {
	sh := r.shardFor(owner)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.entries[owner]
	if e == nil || !e.held {
		return
	}
	if len(e.waiters) == 0 {
		e.held = false
		return
	}
	next := e.waiters[0]
	e.waiters[0] = nil
	e.waiters = e.waiters[1:]
	next.granted = true
	e.lastAcquired = r.clock.Now()
	close(next.ready)
}

func (e *entry) removeWaiter(w *waiter) {
	for i, x := range e.waiters {
		if x == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return
		}
	}
}

// Sweep evicts entries that are free, have no waiters and were last acquired
// more than idle ago. It returns the number of evicted entries.
func (r *Registry) Sweep(idle time.Duration) int {
	now := r.clock.Now()
	n := 0
	for _, sh := range r.shards {
		sh.mu.Lock()
		for owner, e := range sh.entries {
			if e.held || len(e.waiters) > 0 {
				continue
			}
			if now.Sub(e.lastAcquired) > idle {
				delete(sh.entries, owner)
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

// Len reports the number of live entries.
func (r *Registry) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

type Stats struct {
	Entries   int    `json:"entries"`
	Contended uint64 `json:"contended"`
	Timeouts  uint64 `json:"timeouts"`
}

func (r *Registry) Stats() Stats {
	return Stats{Entries: r.Len(), Contended: r.contended.Load(), Timeouts: r.timeouts.Load()}
}
