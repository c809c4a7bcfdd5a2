// Package app wires rollcall's components into one supervised process and
// fans config reloads out to them.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"k8s.io/utils/clock"

	"rollcall/internal/admin"
	"rollcall/internal/attendance"
	"rollcall/internal/config"
	"rollcall/internal/dispatch"
	"rollcall/internal/eventbus"
	"rollcall/internal/lifecycle"
	"rollcall/internal/lockreg"
	"rollcall/internal/metrics"
	rtsup "rollcall/internal/runtime/supervisor"
	"rollcall/internal/settings"
	"rollcall/internal/storage"
	"rollcall/internal/sweeper"
	kit "rollcall/internal/transport"
	"rollcall/internal/transport/telegram"
	"rollcall/internal/transport/telegram/router"
	logx "rollcall/pkg/logx"
)

type options struct {
	gateway kit.Gateway
	clock   clock.Clock
}

type Option func(*options)

// WithGateway replaces the Telegram adapter.
func WithGateway(g kit.Gateway) Option { return func(o *options) { o.gateway = g } }

func WithClock(clk clock.Clock) Option { return func(o *options) { o.clock = clk } }

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	clock clock.Clock

	gateway kit.Gateway
	store   *storage.Store
	locks   *lockreg.Registry
	cache   *settings.Cache
	agg     *attendance.Aggregator
	disp    *dispatch.Dispatcher
	sched   *lifecycle.Scheduler
	tasks   *rtsup.Supervisor
	router  *router.Router
	sweep   *sweeper.Sweeper
	stats   *metrics.Collector
	admin   *admin.Server

	updates chan kit.Update
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	o := options{clock: clock.RealClock{}}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))

	gw := o.gateway
	if gw == nil {
		tc, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, err
		}
		ad, err := telegram.New(tc, log)
		if err != nil {
			return nil, err
		}
		gw = ad
	}
	if sink, ok := gw.(logx.AlertSink); ok {
		logSvc.SetAlertSink(sink)
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	sc.Clock = o.clock
	store, err := storage.Open(ctx, sc, log)
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	a, err := build(cfg, o, gw, store, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.cfgm = cfgm
	a.logs = logSvc
	return a, nil
}

func build(cfg *config.Config, o options, gw kit.Gateway, store *storage.Store, log logx.Logger) (*App, error) {
	bus := eventbus.New()

	lo, err := mapLockOptions(cfg)
	if err != nil {
		return nil, err
	}
	lo.Clock = o.clock
	lo.Logger = log
	locks := lockreg.New(lo)

	ttl, err := mapCacheTTL(cfg)
	if err != nil {
		return nil, err
	}
	cache := settings.New(store, ttl, o.clock, log)

	agg := attendance.NewAggregator(store, locks, bus, o.clock, log)

	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dc, gw, store, bus, o.clock, log)

	tasks := rtsup.New(context.Background(),
		rtsup.WithLogger(log.With(logx.Component("lifecycle.tasks"))),
		rtsup.WithCancelOnError(false),
	)
	sched, err := lifecycle.New(mapDisplayConfig(cfg), lifecycle.Deps{
		Store:      store,
		Tallier:    agg,
		Dispatcher: disp,
		Gateway:    gw,
		Settings:   cache,
		Bus:        bus,
		Clock:      o.clock,
		Logger:     log,
		Spawner:    tasks,
	})
	if err != nil {
		return nil, err
	}

	rt := router.New(router.Deps{
		Gateway:  gw,
		Recorder: agg,
		Events:   sched,
		Roster:   store,
		Logger:   log,
	})

	swc, err := mapSweeperConfig(cfg)
	if err != nil {
		return nil, err
	}
	sw := sweeper.New(swc, sweeper.Deps{
		Deliveries: store,
		Events:     store,
		Gateway:    gw,
		Cache:      cache,
		Stats:      disp,
		Locks:      locks,
		Bus:        bus,
		Clock:      o.clock,
		Logger:     log,
	})
	if err := sw.Validate(swc); err != nil {
		return nil, fmt.Errorf("sweeper: %w", err)
	}

	ac, err := mapAdminConfig(cfg)
	if err != nil {
		return nil, err
	}
	api := admin.NewAPI(sched, store, cache, log)

	a := &App{
		log:     log.With(logx.Component("app")),
		bus:     bus,
		clock:   o.clock,
		gateway: gw,
		store:   store,
		locks:   locks,
		cache:   cache,
		agg:     agg,
		disp:    disp,
		sched:   sched,
		tasks:   tasks,
		router:  rt,
		sweep:   sw,
		admin:   admin.NewServer(ac, api, log),
		updates: make(chan kit.Update, 256),
	}
	a.stats = metrics.NewCollector(a.sample, 15*time.Second, o.clock)
	return a, nil
}

func (a *App) sample() metrics.Sample {
	ps := a.store.Pool().Stats()
	ls := a.locks.Stats()
	cs := a.cache.Stats()
	return metrics.Sample{
		PoolInUse:    ps.InUse,
		PoolWaiting:  ps.Waiting,
		PoolTimeouts: ps.Timeouts,
		LockEntries:  ls.Entries,
		LockTimeouts: ls.Timeouts,
		CacheEntries: cs.Entries,
		CacheHits:    cs.Hits,
		CacheMisses:  cs.Misses,
		ActiveEvents: a.sched.Len(),
	}
}

// Scheduler exposes the event lifecycle, mainly for tests and embedding.
func (a *App) Scheduler() *lifecycle.Scheduler { return a.sched }

// AdminAddr is the bound admin listener address, empty when disabled.
func (a *App) AdminAddr() string { return a.admin.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// validate rejects a reload that any component would refuse.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	var errs []error
	if _, err := mapDispatchConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapAdminConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if swc, err := mapSweeperConfig(cfg); err != nil {
		errs = append(errs, err)
	} else if err := a.sweep.Validate(swc); err != nil {
		errs = append(errs, fmt.Errorf("sweeper: %w", err))
	}
	dc := mapDisplayConfig(cfg)
	if _, err := lifecycle.LoadDisplay(dc.PrimaryZone, dc.SecondaryZone); err != nil {
		errs = append(errs, fmt.Errorf("display: %w", err))
	}
	return errors.Join(errs...)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.Component("config")))
		a.cfgm.SetValidator(a.validate)
	}

	if err := a.gateway.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	// Restore before routing so replies to restored events find them.
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("restore events: %w", err)
	}

	a.sup.Go("router", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})
	a.sup.Go("sweeper", a.sweep.Run)
	a.sup.Go("metrics.collector", a.stats.Run)
	if a.admin.Enabled() {
		a.admin.Start(a.sup.Context())
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.cfgm != nil {
		a.startConfigReload()
	}

	a.log.Info("app started", logx.Int("active_events", a.sched.Len()))
	return nil
}

func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
}

// applyConfig pushes the hot-reloadable sections of next into the running
// components. Sections that need a restart are only logged.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := make(map[string]bool, len(sections))
	for _, s := range sections {
		changed[s] = true
	}
	if config.RestartRequired(sections) {
		a.log.Warn("config sections changed that need a restart to take effect",
			logx.String("changed", strings.Join(sections, ",")))
	}

	if changed[config.SectionLogging] && a.logs != nil {
		a.logs.Apply(mapLoggingConfig(next))
	}
	if changed[config.SectionDispatch] {
		if dc, err := mapDispatchConfig(next); err != nil {
			a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
		} else {
			a.disp.Apply(dc)
		}
	}
	if changed[config.SectionDisplay] {
		if err := a.sched.Apply(mapDisplayConfig(next)); err != nil {
			a.log.Warn("invalid display config; keeping previous", logx.Err(err))
		}
	}
	if changed[config.SectionCache] {
		if ttl, err := mapCacheTTL(next); err != nil {
			a.log.Warn("invalid cache config; keeping previous", logx.Err(err))
		} else {
			a.cache.SetTTL(ttl)
		}
	}
	if changed[config.SectionSweeper] {
		if swc, err := mapSweeperConfig(next); err != nil {
			a.log.Warn("invalid sweeper config; keeping previous", logx.Err(err))
		} else if err := a.sweep.Apply(ctx, swc); err != nil {
			a.log.Warn("sweeper reconfigure failed", logx.Err(err))
		}
	}
	if changed[config.SectionAdmin] {
		if ac, err := mapAdminConfig(next); err != nil {
			a.log.Warn("invalid admin config; keeping previous", logx.Err(err))
		} else {
			a.admin.Reconfigure(ctx, ac)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeStore()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("admin", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("lifecycle", 3*time.Second, func(c context.Context) error {
		err := a.sched.Stop(c)
		a.tasks.Cancel()
		return errors.Join(err, a.tasks.Wait(c))
	})
	step("sweeper", 2*time.Second, func(c context.Context) error { a.sweep.Stop(c); return nil })
	step("gateway", 2*time.Second, func(c context.Context) error { return a.gateway.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(context.Context) error { return a.closeStore() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}
