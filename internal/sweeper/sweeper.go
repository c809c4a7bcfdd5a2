// Package sweeper reclaims stale state on cron schedules: old delivery
// records (and the direct messages they point at), expired cache entries,
// idle owner locks and long-closed events.
//
// Passes are best-effort. A failing entry is logged and skipped; a pass never
// stops the process.
package sweeper

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"k8s.io/utils/clock"

	"rollcall/internal/eventbus"
	"rollcall/internal/metrics"
	"rollcall/internal/model"
	"rollcall/internal/storage"
	kit "rollcall/internal/transport"
	logx "rollcall/pkg/logx"
)

type Pass string

const (
	PassDeliveries Pass = "deliveries"
	PassCache      Pass = "cache"
	PassLocks      Pass = "locks"
	PassEvents     Pass = "events"
)

// ScheduleOff disables a pass.
const ScheduleOff = "off"

// Config holds schedules and ages. Empty schedules and zero durations take
// the defaults:
//   - deliveries: @every 1h, older than 48h
//   - cache: @every 6h, dispatch stats older than 24h
//   - locks: @every 1h, idle longer than 24h
//   - events: @daily, closed more than 7 days ago
type Config struct {
	Timezone string

	DeliveriesSchedule string
	DeliveryMaxAge     time.Duration
	BatchSize          int

	CacheSchedule string
	StatsMaxAge   time.Duration

	LocksSchedule string
	LockIdle      time.Duration

	EventsSchedule string
	EventRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.DeliveriesSchedule == "" {
		c.DeliveriesSchedule = "@every 1h"
	}
	if c.DeliveryMaxAge <= 0 {
		c.DeliveryMaxAge = 48 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.CacheSchedule == "" {
		c.CacheSchedule = "@every 6h"
	}
	if c.StatsMaxAge <= 0 {
		c.StatsMaxAge = 24 * time.Hour
	}
	if c.LocksSchedule == "" {
		c.LocksSchedule = "@every 1h"
	}
	if c.LockIdle <= 0 {
		c.LockIdle = 24 * time.Hour
	}
	if c.EventsSchedule == "" {
		c.EventsSchedule = "@daily"
	}
	if c.EventRetention <= 0 {
		c.EventRetention = 7 * 24 * time.Hour
	}
	return c
}

type DeliveryStore interface {
	DeliveriesBefore(ctx context.Context, t time.Time, limit int) ([]model.DeliveryRecord, error)
	DeleteDelivery(ctx context.Context, id int64) error
}

type EventStore interface {
	ClosedEventsBefore(ctx context.Context, t time.Time) ([]int64, error)
	DeleteEvent(ctx context.Context, id int64) error
}

type MessageDeleter interface {
	Delete(ctx context.Context, ref kit.MessageRef) error
}

type CacheCleaner interface {
	Cleanup(now time.Time) int
}

type StatsPruner interface {
	PruneRecent(cutoff time.Time) int
}

type LockSweeper interface {
	Sweep(idle time.Duration) int
}

// Deps wires the sweeper to what it reclaims. Any nil dependency skips the
// matching work.
type Deps struct {
	Deliveries DeliveryStore
	Events     EventStore
	Gateway    MessageDeleter
	Cache      CacheCleaner
	Stats      StatsPruner
	Locks      LockSweeper
	Bus        eventbus.Bus
	Clock      clock.PassiveClock
	Logger     logx.Logger
}

// PassResult describes one completed pass.
type PassResult struct {
	Pass     Pass          `json:"pass"`
	Removed  int           `json:"removed"`
	Errors   int           `json:"errors"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

type Sweeper struct {
	d      Deps
	log    logx.Logger
	parser cron.Parser

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron
}

func New(cfg Config, d Deps) *Sweeper {
	if d.Clock == nil {
		d.Clock = clock.RealClock{}
	}
	if d.Logger.IsZero() {
		d.Logger = logx.Nop()
	}
	return &Sweeper{
		d:   d,
		log: d.Logger.With(logx.Component("sweeper")),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cfg:    cfg.withDefaults(),
	}
}

// Validate checks that every enabled schedule parses.
func (s *Sweeper) Validate(cfg Config) error {
	cfg = cfg.withDefaults()
	for _, spec := range []string{cfg.DeliveriesSchedule, cfg.CacheSchedule, cfg.LocksSchedule, cfg.EventsSchedule} {
		if strings.EqualFold(spec, ScheduleOff) {
			continue
		}
		if _, err := s.parser.Parse(spec); err != nil {
			return err
		}
	}
	if _, err := loadLocation(cfg.Timezone); err != nil {
		return err
	}
	return nil
}

// Run registers the passes and blocks until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	return nil
}

// Start begins cron triggering. Passes run with ctx.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	return s.startLocked(ctx)
}

func (s *Sweeper) startLocked(ctx context.Context) error {
	cfg := s.cfg
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return err
	}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	jobs := []struct {
		spec string
		pass Pass
		run  func(context.Context) PassResult
	}{
		{cfg.DeliveriesSchedule, PassDeliveries, s.SweepDeliveries},
		{cfg.CacheSchedule, PassCache, s.SweepCache},
		{cfg.LocksSchedule, PassLocks, s.SweepLocks},
		{cfg.EventsSchedule, PassEvents, s.SweepEvents},
	}
	registered := 0
	for _, j := range jobs {
		if strings.EqualFold(j.spec, ScheduleOff) {
			continue
		}
		run := j.run
		if _, err := c.AddFunc(j.spec, func() { run(ctx) }); err != nil {
			return err
		}
		registered++
	}
	c.Start()
	s.c = c
	s.log.Info("sweeper started", logx.String("tz", loc.String()), logx.Int("passes", registered))
	return nil
}

// Stop halts triggering and waits for running passes, bounded by ctx.
func (s *Sweeper) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("sweeper stopped")
}

// Apply swaps the config. Running schedules are rebuilt with ctx.
func (s *Sweeper) Apply(ctx context.Context, cfg Config) error {
	if err := s.Validate(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	old := s.c
	s.c = nil
	s.mu.Unlock()
	if old == nil {
		return nil
	}
	// Running passes read the config, so wait for them outside the lock.
	<-old.Stop().Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	return s.startLocked(ctx)
}

func (s *Sweeper) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SweepDeliveries deletes delivery records older than DeliveryMaxAge, trying
// to delete the direct message each one points at first.
func (s *Sweeper) SweepDeliveries(ctx context.Context) PassResult {
	res := s.begin(PassDeliveries)
	if s.d.Deliveries == nil {
		return s.finish(res)
	}
	cfg := s.config()
	cutoff := res.Started.Add(-cfg.DeliveryMaxAge)

	for ctx.Err() == nil {
		recs, err := s.d.Deliveries.DeliveriesBefore(ctx, cutoff, cfg.BatchSize)
		if err != nil {
			res.Errors++
			s.log.Warn("delivery scan failed", logx.Err(err))
			break
		}
		removed := 0
		for _, rec := range recs {
			if s.d.Gateway != nil {
				if err := s.d.Gateway.Delete(ctx, rec.Ref); err != nil {
					// Gone or no longer ours: the record is still obsolete.
					s.log.Debug("direct message not deleted", logx.Owner(rec.RecipientID), logx.Int("msg", rec.Ref.MessageID), logx.Err(err))
				}
			}
			if err := s.d.Deliveries.DeleteDelivery(ctx, rec.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				res.Errors++
				s.log.Warn("delivery record not deleted", logx.Int64("id", rec.ID), logx.Err(err))
				continue
			}
			removed++
		}
		res.Removed += removed
		if len(recs) < cfg.BatchSize || removed == 0 {
			break
		}
	}
	return s.finish(res)
}

// SweepCache drops expired settings and old dispatch summaries.
func (s *Sweeper) SweepCache(_ context.Context) PassResult {
	res := s.begin(PassCache)
	if s.d.Cache != nil {
		res.Removed += s.d.Cache.Cleanup(res.Started)
	}
	if s.d.Stats != nil {
		res.Removed += s.d.Stats.PruneRecent(res.Started.Add(-s.config().StatsMaxAge))
	}
	return s.finish(res)
}

// SweepLocks evicts owner locks idle longer than LockIdle.
func (s *Sweeper) SweepLocks(_ context.Context) PassResult {
	res := s.begin(PassLocks)
	if s.d.Locks != nil {
		res.Removed = s.d.Locks.Sweep(s.config().LockIdle)
	}
	return s.finish(res)
}

// SweepEvents deletes closed events that started more than EventRetention
// ago, freeing their ids.
func (s *Sweeper) SweepEvents(ctx context.Context) PassResult {
	res := s.begin(PassEvents)
	if s.d.Events == nil {
		return s.finish(res)
	}
	ids, err := s.d.Events.ClosedEventsBefore(ctx, res.Started.Add(-s.config().EventRetention))
	if err != nil {
		res.Errors++
		s.log.Warn("closed event scan failed", logx.Err(err))
		return s.finish(res)
	}
	for _, id := range ids {
		if err := s.d.Events.DeleteEvent(ctx, id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			res.Errors++
			s.log.Warn("closed event not deleted", logx.EventID(id), logx.Err(err))
			continue
		}
		res.Removed++
	}
	return s.finish(res)
}

func (s *Sweeper) begin(p Pass) PassResult {
	return PassResult{Pass: p, Started: s.d.Clock.Now()}
}

func (s *Sweeper) finish(res PassResult) PassResult {
	res.Duration = s.d.Clock.Since(res.Started)
	metrics.SweepRemoved.WithLabelValues(string(res.Pass)).Add(float64(res.Removed))
	if res.Errors > 0 {
		metrics.SweepErrors.WithLabelValues(string(res.Pass)).Add(float64(res.Errors))
	}
	eventbus.Publish(s.d.Bus, eventbus.TopicSweepDone, res)

	fields := []logx.Field{
		logx.String("pass", string(res.Pass)),
		logx.Int("removed", res.Removed),
		logx.Int("errors", res.Errors),
		logx.Duration("dur", res.Duration),
	}
	if res.Errors > 0 {
		s.log.Warn("sweep pass finished with errors", fields...)
	} else {
		s.log.Debug("sweep pass finished", fields...)
	}
	return res
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}
