package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"rollcall/internal/eventbus"
	"rollcall/internal/metrics"
	"rollcall/internal/model"
	logx "rollcall/pkg/logx"
)

const (
	longTick      = 10 * time.Minute
	shortTick     = time.Minute
	tickThreshold = 30 * time.Minute
)

// NextTickDelay is the wait before the next announcement refresh: 10m while
// more than 30m remain, 1m after that, never past the event time.
func NextTickDelay(remaining time.Duration) time.Duration {
	if remaining <= 0 {
		return 0
	}
	d := shortTick
	if remaining > tickThreshold {
		d = longTick
	}
	return min(d, remaining)
}

// task is the single owner of an active event from Create until close or
// Delete. ctx is cancelled with ErrDeleted by Delete.
type task struct {
	ev     model.Event // guarded by Scheduler.mu
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// reserve registers a task for ev without starting it. It returns nil when
// the event already has one.
func (s *Scheduler) reserve(ev model.Event) *task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[ev.ID]; ok {
		return nil
	}
	ctx, cancel := context.WithCancelCause(s.base)
	t := &task{ev: ev, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	s.tasks[ev.ID] = t
	return t
}

// launch starts the countdown of a reserved task.
func (s *Scheduler) launch(t *task) {
	name := fmt.Sprintf("countdown.%d", t.ev.ID)
	fn := func(ctx context.Context) error {
		s.run(ctx, t)
		return nil
	}
	if s.d.Spawner != nil {
		s.d.Spawner.GoCtx(t.ctx, name, fn)
	} else {
		go func() { _ = fn(t.ctx) }()
	}
}

// finish unregisters t and releases anyone waiting on it.
func (s *Scheduler) finish(t *task) {
	t.cancel(context.Canceled)
	s.mu.Lock()
	if s.tasks[t.ev.ID] == t {
		delete(s.tasks, t.ev.ID)
	}
	s.mu.Unlock()
	close(t.done)
}

func (s *Scheduler) snapshot(t *task) model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.ev
}

func (s *Scheduler) run(ctx context.Context, t *task) {
	defer s.finish(t)

	startsAt := t.ev.StartsAt
	for {
		remaining := startsAt.Sub(s.d.Clock.Now())
		if remaining <= 0 {
			s.close(ctx, t)
			return
		}

		timer := s.d.Clock.NewTimer(NextTickDelay(remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}
		if ctx.Err() != nil {
			return
		}
		if !startsAt.After(s.d.Clock.Now()) {
			continue
		}
		s.tick(ctx, t)
	}
}

func (s *Scheduler) tick(ctx context.Context, t *task) {
	ev := s.snapshot(t)
	if err := s.render(ctx, ev); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.stall(ctx, ev, &ScheduleError{EventID: ev.ID, Op: "tick", Err: err})
		return
	}
	if ev.State == model.StateStalled {
		if err := s.setState(ctx, &ev, model.StateCountingDown, ""); err != nil {
			s.log.Warn("stall recovery not stored", logx.EventID(ev.ID), logx.Err(err))
			return
		}
		s.log.Info("event recovered", logx.EventID(ev.ID))
	}
}

func (s *Scheduler) stall(ctx context.Context, ev model.Event, serr *ScheduleError) {
	metrics.TickErrors.Inc()
	s.log.Error("countdown tick failed",
		logx.EventID(ev.ID),
		logx.String("op", serr.Op),
		logx.String("state", string(ev.State)),
		logx.Time("starts_at", ev.StartsAt),
		logx.Err(serr.Err),
	)
	if ev.State == model.StateStalled {
		return
	}
	if err := s.setState(ctx, &ev, model.StateStalled, serr.Error()); err != nil {
		s.log.Warn("stalled state not stored", logx.EventID(ev.ID), logx.Err(err))
	}
	eventbus.Publish(s.d.Bus, eventbus.TopicEventStalled, serr)
}

// close renders the final announcement, marks the event closed and schedules
// the next instance of a recurring series.
func (s *Scheduler) close(ctx context.Context, t *task) {
	ev := s.snapshot(t)
	log := s.log.With(logx.EventID(ev.ID))

	if !ev.Announcement.IsZero() {
		tally, err := s.d.Tallier.Tally(ctx, ev.ID)
		if err != nil {
			log.Warn("final tally unavailable", logx.Err(err))
			tally = model.Tally{EventID: ev.ID}
		}
		p := RenderAnnouncement(s.title(ctx), s.displayZones(), ev, tally, s.d.Clock.Now())
		if err := s.d.Gateway.Edit(ctx, ev.Announcement, p); err != nil {
			log.Warn("final announcement not rendered", logx.Err(err))
		}
	}
	if ctx.Err() != nil {
		return
	}
	if err := s.setState(ctx, &ev, model.StateClosed, ""); err != nil {
		log.Error("close not stored", logx.Err(err))
		return
	}
	eventbus.Publish(s.d.Bus, eventbus.TopicEventClosed, ev)
	log.Info("event closed")

	if ev.Recurrence != "" {
		s.scheduleNext(ev)
	}
}

func (s *Scheduler) scheduleNext(ev model.Event) {
	s.mu.Lock()
	base := s.base
	s.mu.Unlock()

	log := s.log.With(logx.EventID(ev.ID), logx.String("series", ev.SeriesID))
	next, rule, ok, err := NextOccurrence(ev.Recurrence, ev.StartsAt, s.d.Clock.Now())
	if err != nil {
		log.Error("recurrence not understood", logx.String("rrule", ev.Recurrence), logx.Err(err))
		return
	}
	if !ok {
		log.Info("series finished")
		return
	}

	recipients, err := s.d.Store.EventRecipients(base, ev.ID)
	if err != nil {
		log.Error("series recipients unavailable", logx.Err(err))
		return
	}
	ids := make([]int64, len(recipients))
	for i, r := range recipients {
		ids[i] = r.UserID
	}
	nextEv, err := s.Create(base, Spec{
		Message:    ev.Message,
		StartsAt:   next,
		Recurrence: rule,
		SeriesID:   ev.SeriesID,
		Recipients: ids,
		Targeted:   ev.Targeted,
		TargetChat: ev.TargetChat,
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrDeleted) {
			log.Error("next instance not created", logx.Time("starts_at", next), logx.Err(err))
		}
		return
	}
	log.Info("next instance scheduled", logx.Int64("next_id", nextEv.ID), logx.Time("starts_at", next))
}

// NextOccurrence finds the first occurrence of rec after current that is
// also after now. rest is the rule for the remaining series, with COUNT
// reduced by the occurrences consumed. ok is false once the series is done.
func NextOccurrence(rec string, current, now time.Time) (next time.Time, rest string, ok bool, err error) {
	opt, err := rrule.StrToROption(rec)
	if err != nil {
		return time.Time{}, "", false, err
	}
	opt.Dtstart = current
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return time.Time{}, "", false, err
	}

	next = current
	for {
		next = r.After(next, false)
		if next.IsZero() {
			return time.Time{}, "", false, nil
		}
		if opt.Count > 0 {
			opt.Count--
		}
		if next.After(now) {
			break
		}
	}
	opt.Dtstart = time.Time{}
	return next, opt.RRuleString(), true, nil
}
