package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Validate checks what can be checked without building components:
// required fields, durations, numeric bounds and time zones. Sweeper
// schedules are validated by the sweeper itself.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	nonNeg := func(path string, v int) {
		if v < 0 {
			add(fmt.Errorf("%s must be >= 0", path))
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("telegram.token is required"))
	}
	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	if cfg.Logging.Alerts.Enabled && cfg.Telegram.AdminChat == 0 {
		add(errors.New("logging.alerts.enabled requires telegram.admin_chat"))
	}
	nonNeg("logging.alerts.rate_per_sec", cfg.Logging.Alerts.RatePerSec)
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when logging.file.enabled"))
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path is required"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	p := cfg.Storage.Pool
	nonNeg("storage.pool.min_conns", p.MinConns)
	nonNeg("storage.pool.max_conns", p.MaxConns)
	if p.MaxConns > 0 && p.MinConns > p.MaxConns {
		add(fmt.Errorf("storage.pool.min_conns (%d) exceeds max_conns (%d)", p.MinConns, p.MaxConns))
	}
	dur("storage.pool.acquire_timeout", p.AcquireTimeout)
	dur("storage.pool.query_timeout", p.QueryTimeout)
	dur("storage.pool.idle_lifetime", p.IdleLifetime)

	nonNeg("locks.shards", cfg.Locks.Shards)
	dur("locks.contention_timeout", cfg.Locks.ContentionTimeout)
	dur("cache.ttl", cfg.Cache.TTL)

	d := cfg.Dispatch
	nonNeg("dispatch.max_in_flight", d.MaxInFlight)
	nonNeg("dispatch.burst", d.Burst)
	if d.MaxRetries != nil {
		nonNeg("dispatch.max_retries", *d.MaxRetries)
	}
	if d.RatePerSec < 0 {
		add(errors.New("dispatch.rate_per_sec must be >= 0"))
	}
	dur("dispatch.send_delay", d.SendDelay)
	dur("dispatch.send_jitter", d.SendJitter)
	dur("dispatch.retry_base", d.RetryBase)
	dur("dispatch.retry_jitter", d.RetryJitter)
	dur("dispatch.retry_max_delay", d.RetryMaxDelay)
	dur("dispatch.send_timeout", d.SendTimeout)

	zone := func(path, name string) {
		if name = strings.TrimSpace(name); name == "" {
			return
		}
		if _, err := time.LoadLocation(name); err != nil {
			add(fmt.Errorf("%s: invalid %q: %w", path, name, err))
		}
	}
	zone("display.primary_zone", cfg.Display.PrimaryZone)
	zone("display.secondary_zone", cfg.Display.SecondaryZone)
	zone("sweeper.timezone", cfg.Sweeper.Timezone)

	s := cfg.Sweeper
	nonNeg("sweeper.batch_size", s.BatchSize)
	dur("sweeper.delivery_max_age", s.DeliveryMaxAge)
	dur("sweeper.stats_max_age", s.StatsMaxAge)
	dur("sweeper.lock_idle", s.LockIdle)
	dur("sweeper.event_retention", s.EventRetention)

	a := cfg.Admin
	dur("admin.read_timeout", a.ReadTimeout)
	dur("admin.write_timeout", a.WriteTimeout)
	dur("admin.idle_timeout", a.IdleTimeout)
	if addr := strings.TrimSpace(a.Addr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			add(fmt.Errorf("admin.addr: %w", err))
		}
	}

	return errors.Join(errs...)
}
