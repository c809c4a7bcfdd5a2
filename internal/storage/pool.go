package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"

	"k8s.io/utils/clock"

	logx "rollcall/pkg/logx"
)

// Pool bounds concurrent access to the database. A slot is taken in Acquire
// and returned by Conn.Release; callers that can't guarantee Release on every
// path should use WithConn.
type Pool struct {
	db    *sql.DB
	cfg   PoolConfig
	clock clock.Clock
	log   logx.Logger

	slots chan struct{}

	inUse    atomic.Int64
	waiting  atomic.Int64
	timeouts atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPool wraps db. The sql.DB limits are aligned with cfg so a held slot
// always maps to at most one open connection. clk times the acquire budget;
// nil means the wall clock.
func NewPool(db *sql.DB, cfg PoolConfig, clk clock.Clock, log logx.Logger) *Pool {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.RealClock{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxIdleTime(cfg.IdleLifetime)
	return &Pool{
		db:     db,
		cfg:    cfg,
		clock:  clk,
		log:    log,
		slots:  make(chan struct{}, cfg.MaxConns),
		closed: make(chan struct{}),
	}
}

// Warm opens MinConns connections up front so the first burst of work
// doesn't pay connection setup.
func (p *Pool) Warm(ctx context.Context) error {
	conns := make([]*Conn, 0, p.cfg.MinConns)
	defer func() {
		for _, c := range conns {
			c.Release()
		}
	}()
	for i := 0; i < p.cfg.MinConns; i++ {
		c, err := p.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("warm pool: %w", err)
		}
		if err := c.raw.PingContext(ctx); err != nil {
			c.Release()
			return fmt.Errorf("warm pool: %w", err)
		}
		conns = append(conns, c)
	}
	return nil
}

// Acquire blocks until a slot is free, ctx ends, or the acquire budget runs out
// (ErrPoolExhausted).
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	select {
	case <-p.closed:
		return nil, ErrClosed
	default:
	}

	select {
	case p.slots <- struct{}{}:
	default:
		p.waiting.Add(1)
		t := p.clock.NewTimer(p.cfg.AcquireTimeout)
		select {
		case p.slots <- struct{}{}:
			t.Stop()
			p.waiting.Add(-1)
		case <-t.C():
			p.waiting.Add(-1)
			p.timeouts.Add(1)
			p.log.Warn("storage acquire timed out", logx.Duration("budget", p.cfg.AcquireTimeout), logx.Int("max_conns", p.cfg.MaxConns))
			return nil, ErrPoolExhausted
		case <-ctx.Done():
			t.Stop()
			p.waiting.Add(-1)
			return nil, ctx.Err()
		case <-p.closed:
			t.Stop()
			p.waiting.Add(-1)
			return nil, ErrClosed
		}
	}

	raw, err := p.db.Conn(ctx)
	if err != nil {
		<-p.slots
		return nil, err
	}
	p.inUse.Add(1)
	return &Conn{pool: p, raw: raw}, nil
}

// WithConn runs fn with a pooled connection, releasing it on every exit path
// including panics.
func (p *Pool) WithConn(ctx context.Context, fn func(c *Conn) error) error {
	c, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer c.Release()
	return fn(c)
}

// WithTx runs fn inside a transaction on a pooled connection. fn's error
// rolls back; a nil return commits.
func (p *Pool) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return p.WithConn(ctx, func(c *Conn) error {
		tx, err := c.raw.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

func (p *Pool) Stats() PoolStats {
	st := p.db.Stats()
	return PoolStats{
		MaxConns: p.cfg.MaxConns,
		InUse:    p.inUse.Load(),
		Waiting:  p.waiting.Load(),
		Idle:     st.Idle,
		Timeouts: p.timeouts.Load(),
	}
}

// Close rejects new acquisitions and closes the database. Connections still
// held are closed by database/sql once released.
func (p *Pool) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.db.Close()
	})
	return err
}

// Conn is a scoped connection handle. Release is idempotent.
type Conn struct {
	pool *Pool
	raw  *sql.Conn
	once sync.Once
}

func (c *Conn) Release() {
	c.once.Do(func() {
		_ = c.raw.Close()
		c.pool.inUse.Add(-1)
		<-c.pool.slots
	})
}

func (c *Conn) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.pool.cfg.QueryTimeout)
}

// Exec runs a statement bounded by the pool's query timeout.
func (c *Conn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	return c.raw.ExecContext(qctx, query, args...)
}

// Query runs a query; the returned cancel must be called after rows are closed.
func (c *Conn) Query(ctx context.Context, query string, args ...any) (*sql.Rows, context.CancelFunc, error) {
	qctx, cancel := c.queryCtx(ctx)
	rows, err := c.raw.QueryContext(qctx, query, args...)
	if err != nil {
		cancel()
		return nil, func() {}, err
	}
	return rows, cancel, nil
}

// QueryRow scans a single row into dest.
func (c *Conn) QueryRow(ctx context.Context, query string, args []any, dest ...any) error {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	return c.raw.QueryRowContext(qctx, query, args...).Scan(dest...)
}
