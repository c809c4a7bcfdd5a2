package app

import (
	"time"

	"rollcall/internal/admin"
	"rollcall/internal/config"
	"rollcall/internal/dispatch"
	"rollcall/internal/lifecycle"
	"rollcall/internal/lockreg"
	"rollcall/internal/storage"
	"rollcall/internal/sweeper"
	"rollcall/internal/transport/telegram"
	logx "rollcall/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	var d config.Durations
	tc := telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: d.Or("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second),
		AdminChat:   cfg.Telegram.AdminChat,
		APIURL:      cfg.Telegram.APIURL,
	}
	return tc, d.Err()
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	var d config.Durations
	p := cfg.Storage.Pool
	sc := storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: d.Get("storage.busy_timeout", cfg.Storage.BusyTimeout),
		Pool: storage.PoolConfig{
			MinConns:       p.MinConns,
			MaxConns:       p.MaxConns,
			AcquireTimeout: d.Get("storage.pool.acquire_timeout", p.AcquireTimeout),
			QueryTimeout:   d.Get("storage.pool.query_timeout", p.QueryTimeout),
			IdleLifetime:   d.Get("storage.pool.idle_lifetime", p.IdleLifetime),
		},
	}
	if sc.Driver == "" {
		sc.Driver = "sqlite"
	}
	return sc, d.Err()
}

func mapLockOptions(cfg *config.Config) (lockreg.Options, error) {
	var d config.Durations
	opts := lockreg.Options{
		Shards:            cfg.Locks.Shards,
		ContentionTimeout: d.Get("locks.contention_timeout", cfg.Locks.ContentionTimeout),
	}
	return opts, d.Err()
}

func mapCacheTTL(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("cache.ttl", cfg.Cache.TTL, 5*time.Minute)
}

// mapDispatchConfig overlays the configured fields on dispatch.DefaultConfig.
// Omitted fields keep their defaults; max_retries is a pointer so 0 can
// disable retries.
func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	var d config.Durations
	src := cfg.Dispatch
	out := dispatch.DefaultConfig()

	if src.MaxInFlight > 0 {
		out.MaxInFlight = src.MaxInFlight
	}
	if src.MaxRetries != nil {
		out.MaxRetries = *src.MaxRetries
	}
	out.RatePerSec = src.RatePerSec
	out.Burst = src.Burst

	set := func(dst *time.Duration, path, raw string) {
		if v := d.Get(path, raw); v > 0 {
			*dst = v
		}
	}
	set(&out.SendDelay, "dispatch.send_delay", src.SendDelay)
	set(&out.SendJitter, "dispatch.send_jitter", src.SendJitter)
	set(&out.RetryBase, "dispatch.retry_base", src.RetryBase)
	set(&out.RetryJitter, "dispatch.retry_jitter", src.RetryJitter)
	set(&out.RetryMaxDelay, "dispatch.retry_max_delay", src.RetryMaxDelay)
	set(&out.SendTimeout, "dispatch.send_timeout", src.SendTimeout)
	return out, d.Err()
}

func mapDisplayConfig(cfg *config.Config) lifecycle.Config {
	return lifecycle.Config{
		PrimaryZone:   cfg.Display.PrimaryZone,
		SecondaryZone: cfg.Display.SecondaryZone,
	}
}

func mapSweeperConfig(cfg *config.Config) (sweeper.Config, error) {
	var d config.Durations
	s := cfg.Sweeper
	sc := sweeper.Config{
		Timezone:           s.Timezone,
		DeliveriesSchedule: s.DeliveriesSchedule,
		DeliveryMaxAge:     d.Get("sweeper.delivery_max_age", s.DeliveryMaxAge),
		BatchSize:          s.BatchSize,
		CacheSchedule:      s.CacheSchedule,
		StatsMaxAge:        d.Get("sweeper.stats_max_age", s.StatsMaxAge),
		LocksSchedule:      s.LocksSchedule,
		LockIdle:           d.Get("sweeper.lock_idle", s.LockIdle),
		EventsSchedule:     s.EventsSchedule,
		EventRetention:     d.Get("sweeper.event_retention", s.EventRetention),
	}
	return sc, d.Err()
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	var d config.Durations
	a := cfg.Admin
	ac := admin.Config{
		Enabled:       a.Enabled,
		Addr:          a.Addr,
		Token:         a.Token,
		AllowInsecure: a.AllowInsecure,
		ReadTimeout:   d.Or("admin.read_timeout", a.ReadTimeout, 15*time.Second),
		WriteTimeout:  d.Or("admin.write_timeout", a.WriteTimeout, 2*time.Minute),
		IdleTimeout:   d.Or("admin.idle_timeout", a.IdleTimeout, 60*time.Second),
		Pprof:         a.Pprof,
	}
	if ac.Addr == "" {
		ac.Addr = admin.DefaultAddr
	}
	return ac, d.Err()
}
