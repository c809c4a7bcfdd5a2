// Package lifecycle owns events from creation to close: it posts the
// announcement, fans out the direct messages once, keeps the announcement
// current on a countdown cadence and closes the event at its start time.
//
// Each active event has exactly one countdown task. Delete cancels that task
// and waits for it, so nothing touches the event after Delete returns.
package lifecycle

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/teambition/rrule-go"
	"k8s.io/utils/clock"

	"rollcall/internal/dispatch"
	"rollcall/internal/eventbus"
	"rollcall/internal/metrics"
	"rollcall/internal/model"
	"rollcall/internal/settings"
	"rollcall/internal/storage"
	kit "rollcall/internal/transport"
	logx "rollcall/pkg/logx"
)

type Scheduler struct {
	d   Deps
	log logx.Logger

	dmu     sync.RWMutex
	display Display

	// idmu orders id allocation against Delete so a freed id never reaches
	// a new event while its old task is still registered. Never held while
	// waiting on a task.
	idmu sync.Mutex

	mu    sync.Mutex
	base  context.Context
	tasks map[int64]*task
}

func New(cfg Config, d Deps) (*Scheduler, error) {
	if d.Clock == nil {
		d.Clock = clock.RealClock{}
	}
	if d.Logger.IsZero() {
		d.Logger = logx.Nop()
	}
	disp, err := LoadDisplay(cfg.PrimaryZone, cfg.SecondaryZone)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		d:       d,
		log:     d.Logger.With(logx.Component("lifecycle")),
		display: disp,
		base:    context.Background(),
		tasks:   map[int64]*task{},
	}, nil
}

// Apply swaps display zones. Running tasks pick them up on their next tick.
func (s *Scheduler) Apply(cfg Config) error {
	disp, err := LoadDisplay(cfg.PrimaryZone, cfg.SecondaryZone)
	if err != nil {
		return err
	}
	s.dmu.Lock()
	s.display = disp
	s.dmu.Unlock()
	return nil
}

func (s *Scheduler) displayZones() Display {
	s.dmu.RLock()
	defer s.dmu.RUnlock()
	return s.display
}

// Start binds countdown tasks to ctx and resumes persisted events.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()
	return s.Restore(ctx)
}

// Stop cancels every countdown task and waits for them. Events stay stored
// and resume on the next Start.
func (s *Scheduler) Stop(ctx context.Context) error {
	return s.cancelAll(ctx)
}

// Create persists a new event, announces it, notifies its recipients once and
// starts its countdown.
func (s *Scheduler) Create(ctx context.Context, spec Spec) (model.Event, error) {
	msg := strings.TrimSpace(spec.Message)
	if msg == "" {
		return model.Event{}, ErrEmptyMessage
	}
	now := s.d.Clock.Now()
	if !spec.StartsAt.After(now) {
		return model.Event{}, fmt.Errorf("%w: %s", ErrInPast, spec.StartsAt.Format(time.RFC3339))
	}
	if spec.Recurrence != "" {
		if _, err := rrule.StrToROption(spec.Recurrence); err != nil {
			return model.Event{}, fmt.Errorf("recurrence %q: %w", spec.Recurrence, err)
		}
	}
	target, err := s.announcementTarget(ctx, spec)
	if err != nil {
		return model.Event{}, err
	}
	ids, err := s.recipientIDs(ctx, spec)
	if err != nil {
		return model.Event{}, err
	}

	seriesID := spec.SeriesID
	if spec.Recurrence != "" && seriesID == "" {
		seriesID = uuid.NewString()
	}
	s.idmu.Lock()
	ev, err := s.d.Store.InsertEvent(ctx, model.Event{
		SeriesID:   seriesID,
		Message:    msg,
		StartsAt:   spec.StartsAt,
		Recurrence: spec.Recurrence,
		Targeted:   spec.Targeted,
		TargetChat: spec.TargetChat,
		State:      model.StateCreated,
		CreatedAt:  now,
	}, ids)
	if err != nil {
		s.idmu.Unlock()
		return model.Event{}, fmt.Errorf("create event: %w", err)
	}
	t := s.reserve(ev)
	s.idmu.Unlock()
	if t == nil {
		s.rollback(context.WithoutCancel(ctx), ev.ID)
		return model.Event{}, fmt.Errorf("create event: id %d already has a countdown", ev.ID)
	}
	metrics.EventTransitions.WithLabelValues(string(model.StateCreated)).Inc()
	log := s.log.With(logx.EventID(ev.ID))

	// The row exists now; finish the bookkeeping even if the caller goes away.
	// Delete and Stop cancel sctx through the task.
	wctx := context.WithoutCancel(ctx)
	sctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(t.ctx, func() { cancel(context.Cause(t.ctx)) })
	defer stop()

	title := s.title(wctx)
	disp := s.displayZones()

	ref, err := s.d.Gateway.Post(sctx, target, RenderAnnouncement(title, disp, ev, model.Tally{EventID: ev.ID, NoResponse: len(ids)}, now))
	if err == nil {
		ev.Announcement = ref
		s.mu.Lock()
		t.ev.Announcement = ref
		s.mu.Unlock()
		if serr := s.d.Store.SetAnnouncement(wctx, ev.ID, ref); serr != nil {
			err = fmt.Errorf("store announcement: %w", serr)
		}
	} else {
		err = fmt.Errorf("post announcement: %w", err)
	}
	if t.ctx.Err() != nil {
		return model.Event{}, s.abandon(t)
	}
	if err != nil {
		if !ev.Announcement.IsZero() {
			_ = s.d.Gateway.Delete(wctx, ev.Announcement)
		}
		s.rollback(wctx, ev.ID)
		s.finish(t)
		return model.Event{}, err
	}
	if err := s.setState(wctx, &ev, model.StateAnnounced, ""); err != nil {
		s.finish(t)
		return model.Event{}, err
	}

	recipients, err := s.d.Store.EventRecipients(wctx, ev.ID)
	if err != nil {
		log.Warn("recipient names unavailable", logx.Err(err))
		recipients = make([]model.Recipient, len(ids))
		for i, id := range ids {
			recipients[i] = model.Recipient{UserID: id}
		}
	}
	rep := s.d.Dispatcher.Dispatch(sctx, ev.ID, recipients, RenderDirect(title, disp, ev))
	if t.ctx.Err() != nil {
		return model.Event{}, s.abandon(t)
	}

	if err := s.setState(wctx, &ev, model.StateCountingDown, ""); err != nil {
		s.finish(t)
		return model.Event{}, err
	}

	eventbus.Publish(s.d.Bus, eventbus.TopicEventCreated, ev)
	log.Info("event created",
		logx.Time("starts_at", ev.StartsAt),
		logx.Int("recipients", len(ids)),
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
		logx.String("series", ev.SeriesID),
	)
	s.launch(t)
	return ev, nil
}

// abandon ends a Create whose task was cancelled. The row stays for Delete,
// or for Restore after a stop.
func (s *Scheduler) abandon(t *task) error {
	cause := context.Cause(t.ctx)
	s.finish(t)
	return fmt.Errorf("create event %d: %w", t.ev.ID, cause)
}

func (s *Scheduler) rollback(ctx context.Context, id int64) {
	if err := s.d.Store.DeleteEvent(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.Error("rollback failed", logx.EventID(id), logx.Err(err))
	}
}

func (s *Scheduler) announcementTarget(ctx context.Context, spec Spec) (kit.ChatTarget, error) {
	if spec.Targeted && spec.TargetChat != 0 {
		return kit.ChatTarget{ChatID: spec.TargetChat}, nil
	}
	raw := ""
	if s.d.Settings != nil {
		raw = s.d.Settings.GetOr(ctx, settings.KeyAnnouncementChat, "")
	}
	if raw == "" {
		return kit.ChatTarget{}, ErrNoChat
	}
	return ParseChatTarget(raw)
}

// ParseChatTarget accepts "<chat>" or "<chat>:<thread>".
func ParseChatTarget(raw string) (kit.ChatTarget, error) {
	chat, thread, hasThread := strings.Cut(strings.TrimSpace(raw), ":")
	id, err := strconv.ParseInt(chat, 10, 64)
	if err != nil || id == 0 {
		return kit.ChatTarget{}, fmt.Errorf("%w: bad chat %q", ErrNoChat, raw)
	}
	t := kit.ChatTarget{ChatID: id}
	if hasThread {
		n, err := strconv.Atoi(thread)
		if err != nil || n < 0 {
			return kit.ChatTarget{}, fmt.Errorf("%w: bad thread %q", ErrNoChat, raw)
		}
		t.ThreadID = n
	}
	return t, nil
}

func (s *Scheduler) recipientIDs(ctx context.Context, spec Spec) ([]int64, error) {
	if len(spec.Recipients) > 0 {
		ids := slices.Clone(spec.Recipients)
		slices.Sort(ids)
		return slices.Compact(ids), nil
	}
	rs, err := s.d.Store.ListRecipients(ctx)
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	ids := make([]int64, len(rs))
	for i, r := range rs {
		ids[i] = r.UserID
	}
	return ids, nil
}

func (s *Scheduler) title(ctx context.Context) string {
	if s.d.Settings == nil {
		return DefaultTitle
	}
	return s.d.Settings.GetOr(ctx, settings.KeyAttendanceTitle, DefaultTitle)
}

// setState persists the new state and mirrors it into the running task, if any.
func (s *Scheduler) setState(ctx context.Context, ev *model.Event, st model.State, lastErr string) error {
	if err := s.d.Store.UpdateEventState(ctx, ev.ID, st, lastErr); err != nil {
		return fmt.Errorf("event %d -> %s: %w", ev.ID, st, err)
	}
	ev.State = st
	ev.LastError = lastErr
	s.mu.Lock()
	if t := s.tasks[ev.ID]; t != nil {
		t.ev.State = st
		t.ev.LastError = lastErr
	}
	s.mu.Unlock()
	metrics.EventTransitions.WithLabelValues(string(st)).Inc()
	return nil
}

// Delete stops the event's countdown or pending Create, waits for it and
// removes the event, freeing its id. Closed events are removed too. The
// public announcement is deleted afterwards on a best-effort basis.
func (s *Scheduler) Delete(ctx context.Context, id int64) error {
	var ev model.Event
	for {
		s.idmu.Lock()
		s.mu.Lock()
		t := s.tasks[id]
		s.mu.Unlock()
		if t == nil {
			var err error
			ev, err = s.removeEvent(ctx, id)
			s.idmu.Unlock()
			if err != nil {
				return err
			}
			break
		}
		s.idmu.Unlock()

		t.cancel(ErrDeleted)
		select {
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	log := s.log.With(logx.EventID(id))
	if !ev.Announcement.IsZero() {
		if err := s.d.Gateway.Delete(ctx, ev.Announcement); err != nil {
			log.Warn("announcement not removed", logx.Err(err))
		}
	}
	ev.State = model.StateDeleted
	metrics.EventTransitions.WithLabelValues(string(model.StateDeleted)).Inc()
	eventbus.Publish(s.d.Bus, eventbus.TopicEventDeleted, ev)
	log.Info("event deleted")
	return nil
}

// removeEvent runs under idmu with no task registered for id.
func (s *Scheduler) removeEvent(ctx context.Context, id int64) (model.Event, error) {
	ev, err := s.d.Store.GetEvent(ctx, id)
	if err != nil {
		return model.Event{}, mapNotFound(id, err)
	}
	if err := s.d.Store.DeleteEvent(ctx, id); err != nil {
		return model.Event{}, mapNotFound(id, err)
	}
	return ev, nil
}

// Resend re-sends the direct message for an active event to one recipient.
// The countdown is not touched.
func (s *Scheduler) Resend(ctx context.Context, id, recipient int64) (dispatch.Outcome, error) {
	ev, err := s.Get(ctx, id)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	if !ev.State.Active() {
		return dispatch.Outcome{}, fmt.Errorf("%w: %d", ErrClosed, id)
	}
	p := RenderDirect(s.title(ctx), s.displayZones(), ev)
	out := s.d.Dispatcher.Send(ctx, id, recipient, p)
	s.log.Info("direct message resent", logx.EventID(id), logx.Owner(recipient), logx.String("status", string(out.Status)))
	return out, nil
}

func (s *Scheduler) Tally(ctx context.Context, id int64) (model.Tally, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return model.Tally{}, err
	}
	return s.d.Tallier.Tally(ctx, id)
}

// Refresh re-renders the announcement of a counting-down event now instead
// of waiting for the next tick. Closed, stalled and unknown events are left
// alone.
func (s *Scheduler) Refresh(ctx context.Context, id int64) error {
	s.mu.Lock()
	t := s.tasks[id]
	var ev model.Event
	if t != nil {
		ev = t.ev
	}
	s.mu.Unlock()
	if t == nil || ev.State != model.StateCountingDown {
		return nil
	}
	return s.render(ctx, ev)
}

// render edits the announcement in place with the current tally.
func (s *Scheduler) render(ctx context.Context, ev model.Event) error {
	if ev.Announcement.IsZero() {
		return errors.New("no announcement to edit")
	}
	t, err := s.d.Tallier.Tally(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("tally: %w", err)
	}
	p := RenderAnnouncement(s.title(ctx), s.displayZones(), ev, t, s.d.Clock.Now())
	if err := s.d.Gateway.Edit(ctx, ev.Announcement, p); err != nil {
		return fmt.Errorf("edit announcement: %w", err)
	}
	return nil
}

// Restore resumes countdowns for stored active events. Events whose time
// passed while stopped close right away; events that never got announced are
// discarded.
func (s *Scheduler) Restore(ctx context.Context) error {
	evs, err := s.d.Store.ListEvents(ctx, model.StateCreated, model.StateAnnounced, model.StateCountingDown, model.StateStalled)
	if err != nil {
		return fmt.Errorf("restore events: %w", err)
	}
	resumed := 0
	for _, ev := range evs {
		if ev.State == model.StateCreated {
			s.log.Warn("discarding unannounced event", logx.EventID(ev.ID))
			s.rollback(ctx, ev.ID)
			continue
		}
		if ev.State == model.StateAnnounced {
			if err := s.setState(ctx, &ev, model.StateCountingDown, ""); err != nil {
				s.log.Error("restore failed", logx.EventID(ev.ID), logx.Err(err))
				continue
			}
		}
		if t := s.reserve(ev); t != nil {
			s.launch(t)
			resumed++
		}
	}
	if resumed > 0 {
		s.log.Info("countdowns restored", logx.Int("events", resumed))
	}
	return nil
}

// Reset deletes every event and clears cached settings.
func (s *Scheduler) Reset(ctx context.Context) (int64, error) {
	if err := s.cancelAll(ctx); err != nil {
		return 0, err
	}
	n, err := s.d.Store.DeleteAllEvents(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset: %w", err)
	}
	if s.d.Settings != nil {
		s.d.Settings.Clear()
	}
	s.log.Warn("all events reset", logx.Int64("removed", n))
	return n, nil
}

// Events lists events with a running countdown, ordered by id.
func (s *Scheduler) Events() []model.Event {
	s.mu.Lock()
	out := make([]model.Event, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.ev)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b model.Event) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// ActiveIDs lists the ids of events with a running countdown.
func (s *Scheduler) ActiveIDs() []int64 {
	evs := s.Events()
	ids := make([]int64, len(evs))
	for i, ev := range evs {
		ids[i] = ev.ID
	}
	return ids
}

// Len is the number of running countdown tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Get returns an event, preferring the live view of a running countdown.
func (s *Scheduler) Get(ctx context.Context, id int64) (model.Event, error) {
	s.mu.Lock()
	t := s.tasks[id]
	var ev model.Event
	if t != nil {
		ev = t.ev
	}
	s.mu.Unlock()
	if t != nil {
		return ev, nil
	}
	ev, err := s.d.Store.GetEvent(ctx, id)
	if err != nil {
		return model.Event{}, mapNotFound(id, err)
	}
	return ev, nil
}

func (s *Scheduler) cancelAll(ctx context.Context) error {
	s.mu.Lock()
	running := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		t.cancel(context.Canceled)
		running = append(running, t)
	}
	s.mu.Unlock()
	for _, t := range running {
		select {
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func mapNotFound(id int64, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return err
}
