package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"rollcall/internal/attendance"
	"rollcall/internal/dispatch"
	"rollcall/internal/eventbus"
	"rollcall/internal/lockreg"
	"rollcall/internal/model"
	"rollcall/internal/settings"
	"rollcall/internal/storage"
	kit "rollcall/internal/transport"
	logx "rollcall/pkg/logx"
)

var t0 = time.Date(2025, 10, 30, 18, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu      sync.Mutex
	seq     int
	posts   []kit.Payload
	edits   []kit.Payload
	deleted []kit.MessageRef
	sent    map[int64]int
	calls   int
	editErr error

	// held is closed by the first SendDirect while holding; every direct
	// send then blocks until its context ends.
	holding bool
	held    chan struct{}
	once    sync.Once
}

func (g *fakeGateway) Post(_ context.Context, to kit.ChatTarget, p kit.Payload) (kit.MessageRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	g.posts = append(g.posts, p)
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: g.seq}, nil
}

func (g *fakeGateway) Edit(_ context.Context, _ kit.MessageRef, p kit.Payload) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.editErr != nil {
		return g.editErr
	}
	g.edits = append(g.edits, p)
	return nil
}

func (g *fakeGateway) Delete(_ context.Context, ref kit.MessageRef) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted = append(g.deleted, ref)
	return nil
}

func (g *fakeGateway) SendDirect(ctx context.Context, id int64, _ kit.Payload) (kit.MessageRef, error) {
	g.mu.Lock()
	g.calls++
	holding := g.holding
	g.mu.Unlock()
	if holding {
		g.once.Do(func() { close(g.held) })
		<-ctx.Done()
		return kit.MessageRef{}, ctx.Err()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	if g.sent == nil {
		g.sent = map[int64]int{}
	}
	g.sent[id]++
	return kit.MessageRef{ChatID: id, MessageID: g.seq}, nil
}

func (g *fakeGateway) holdDirect() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.holding = true
	g.held = make(chan struct{})
	return g.held
}

func (g *fakeGateway) releaseDirect() {
	g.mu.Lock()
	g.holding = false
	g.mu.Unlock()
}

func (g *fakeGateway) directCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *fakeGateway) deletedRefs() []kit.MessageRef {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.deleted)
}

func (g *fakeGateway) setEditErr(err error) {
	g.mu.Lock()
	g.editErr = err
	g.mu.Unlock()
}

func (g *fakeGateway) editCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.edits)
}

func (g *fakeGateway) lastEdit() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.edits) == 0 {
		return ""
	}
	return g.edits[len(g.edits)-1].Text
}

func (g *fakeGateway) postCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.posts)
}

func (g *fakeGateway) sentTotal() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.sent {
		n += c
	}
	return n
}

type harness struct {
	st  *storage.Store
	gw  *fakeGateway
	clk *testclock.FakeClock
	agg *attendance.Aggregator
	sch *Scheduler
	bus eventbus.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "rollcall.db"),
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clk := testclock.NewFakeClock(t0)
	gw := &fakeGateway{}
	bus := eventbus.New()
	cache := settings.New(st, 0, clk, logx.Nop())
	require.NoError(t, cache.Set(ctx, settings.KeyAnnouncementChat, "-100123"))

	agg := attendance.NewAggregator(st, lockreg.New(lockreg.Options{}), bus, clk, logx.Nop())
	disp := dispatch.New(dispatch.Config{MaxInFlight: 15}, gw, st, bus, nil, logx.Nop())
	sch, err := New(Config{}, Deps{
		Store:      st,
		Tallier:    agg,
		Dispatcher: disp,
		Gateway:    gw,
		Settings:   cache,
		Bus:        bus,
		Clock:      clk,
		Logger:     logx.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sch.Stop(context.Background()) })
	return &harness{st: st, gw: gw, clk: clk, agg: agg, sch: sch, bus: bus}
}

func (h *harness) roster(t *testing.T, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		require.NoError(t, h.st.PutRecipient(context.Background(), model.Recipient{UserID: int64(i), JoinedAt: t0}))
	}
}

func (h *harness) waitTimer(t *testing.T) {
	t.Helper()
	require.Eventually(t, h.clk.HasWaiters, 2*time.Second, time.Millisecond, "countdown never armed its timer")
}

func (h *harness) waitEdits(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.gw.editCount() >= n }, 2*time.Second, time.Millisecond)
}

func (h *harness) waitState(t *testing.T, id int64, st model.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		ev, err := h.st.GetEvent(context.Background(), id)
		return err == nil && ev.State == st
	}, 2*time.Second, time.Millisecond)
}

func TestNextTickDelay(t *testing.T) {
	cases := []struct {
		remaining, want time.Duration
	}{
		{45 * time.Minute, 10 * time.Minute},
		{31 * time.Minute, 10 * time.Minute},
		{30 * time.Minute, time.Minute},
		{20 * time.Minute, time.Minute},
		{30 * time.Second, 30 * time.Second},
		{0, 0},
		{-time.Minute, 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NextTickDelay(tc.remaining), "remaining %s", tc.remaining)
	}
}

func TestScheduler_FullScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := h.st.InsertEvent(ctx, model.Event{Message: "old", StartsAt: t0.Add(-time.Hour), State: model.StateClosed}, nil)
		require.NoError(t, err)
	}
	h.roster(t, 20)

	ev, err := h.sch.Create(ctx, Spec{Message: "Raid night", StartsAt: t0.Add(60 * time.Minute)})
	require.NoError(t, err)
	require.Equal(t, int64(7), ev.ID)
	assert.Equal(t, model.StateCountingDown, ev.State)
	assert.Equal(t, 1, h.gw.postCount())
	assert.Equal(t, 20, h.gw.sentTotal())
	assert.Equal(t, int64(-100123), ev.Announcement.ChatID)

	for uid := int64(1); uid <= 10; uid++ {
		_, err := h.agg.Record(ctx, uid, 7, model.ChoiceYes)
		require.NoError(t, err)
	}
	for uid := int64(11); uid <= 13; uid++ {
		_, err := h.agg.Record(ctx, uid, 7, model.ChoiceNo)
		require.NoError(t, err)
	}
	tally, err := h.sch.Tally(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 10, tally.Yes)
	assert.Equal(t, 3, tally.No)
	assert.Equal(t, 7, tally.NoResponse)

	// Over 30m out: 10 minute cadence.
	for i, want := range []string{"50m", "40m", "30m"} {
		h.waitTimer(t)
		h.clk.Step(10 * time.Minute)
		h.waitEdits(t, i+1)
		assert.Contains(t, h.gw.lastEdit(), "Event is in: "+want)
	}
	assert.Contains(t, h.gw.lastEdit(), "<b>YES:</b> 10 | <b>NO:</b> 3")
	assert.Contains(t, h.gw.lastEdit(), "Event ID: 7")

	// 30m and under: one minute cadence.
	h.waitTimer(t)
	h.clk.Step(59 * time.Second)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 3, h.gw.editCount())
	h.clk.Step(time.Second)
	h.waitEdits(t, 4)
	assert.Contains(t, h.gw.lastEdit(), "Event is in: 29m")

	h.waitTimer(t)
	h.clk.Step(29 * time.Minute)
	h.waitEdits(t, 5)
	assert.Contains(t, h.gw.lastEdit(), "Event has started!")
	h.waitState(t, 7, model.StateClosed)
	require.Eventually(t, func() bool { return h.sch.Len() == 0 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 20, h.gw.sentTotal(), "ticks never re-dispatch")

	// Closed events can still be deleted, which frees the id.
	require.NoError(t, h.sch.Delete(ctx, 7))
	assert.Equal(t, []kit.MessageRef{ev.Announcement}, h.gw.deletedRefs())
	_, err = h.st.GetEvent(ctx, 7)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, h.sch.Delete(ctx, 7), ErrNotFound)
	assert.ErrorIs(t, h.sch.Delete(ctx, 99), ErrNotFound)

	again, err := h.sch.Create(ctx, Spec{Message: "Second", StartsAt: h.clk.Now().Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, int64(7), again.ID, "deleted id is reused")
	tally, err = h.sch.Tally(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 0, tally.Yes)
	assert.Equal(t, 20, tally.NoResponse)
}

func TestScheduler_CreateRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.sch.Create(ctx, Spec{Message: "late", StartsAt: t0.Add(-time.Minute)})
	assert.ErrorIs(t, err, ErrInPast)
	_, err = h.sch.Create(ctx, Spec{Message: "now", StartsAt: t0})
	assert.ErrorIs(t, err, ErrInPast)
	_, err = h.sch.Create(ctx, Spec{Message: "  ", StartsAt: t0.Add(time.Hour)})
	assert.ErrorIs(t, err, ErrEmptyMessage)
	_, err = h.sch.Create(ctx, Spec{Message: "x", StartsAt: t0.Add(time.Hour), Recurrence: "FREQ=SOMETIMES"})
	assert.Error(t, err)

	evs, err := h.st.ListEvents(ctx)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestScheduler_TargetedEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.roster(t, 5)
	require.NoError(t, h.st.PutRecipient(ctx, model.Recipient{UserID: 2, DisplayName: "bob"}))

	ev, err := h.sch.Create(ctx, Spec{
		Message:    "Officers",
		StartsAt:   t0.Add(2 * time.Hour),
		Recipients: []int64{2, 3, 2},
		Targeted:   true,
		TargetChat: -200,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(-200), ev.Announcement.ChatID)
	assert.Equal(t, 2, h.gw.sentTotal())

	_, err = h.agg.Record(ctx, 2, ev.ID, model.ChoiceYes)
	require.NoError(t, err)
	require.NoError(t, h.sch.Refresh(ctx, ev.ID))
	assert.Contains(t, h.gw.lastEdit(), "<b>YES (1):</b> bob")
}

func TestScheduler_TickFailureStallsAndRecovers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stalled, unsub := h.bus.Subscribe(16)
	defer unsub()

	ev, err := h.sch.Create(ctx, Spec{Message: "m", StartsAt: t0.Add(2 * time.Hour)})
	require.NoError(t, err)

	h.gw.setEditErr(&kit.TransientError{Op: "edit", Err: errors.New("bad gateway")})
	h.waitTimer(t)
	h.clk.Step(10 * time.Minute)
	h.waitState(t, ev.ID, model.StateStalled)

	stored, err := h.st.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.LastError, "bad gateway")

	var serr *ScheduleError
	require.Eventually(t, func() bool {
		for {
			select {
			case e := <-stalled:
				if e.Type == eventbus.TopicEventStalled {
					serr, _ = e.Data.(*ScheduleError)
					return serr != nil
				}
			default:
				return false
			}
		}
	}, time.Second, time.Millisecond)
	assert.Equal(t, ev.ID, serr.EventID)

	h.gw.setEditErr(nil)
	require.NoError(t, h.sch.Refresh(ctx, ev.ID))
	assert.Equal(t, 0, h.gw.editCount(), "stalled announcement stays frozen until a tick succeeds")

	h.waitTimer(t)
	h.clk.Step(10 * time.Minute)
	h.waitState(t, ev.ID, model.StateCountingDown)
	assert.Equal(t, 1, h.gw.editCount())
	assert.Equal(t, 1, h.sch.Len())
}

func TestScheduler_DeleteStopsCountdown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ev, err := h.sch.Create(ctx, Spec{Message: "m", StartsAt: t0.Add(2 * time.Hour)})
	require.NoError(t, err)
	h.waitTimer(t)

	require.NoError(t, h.sch.Delete(ctx, ev.ID))
	assert.Equal(t, 0, h.sch.Len())
	assert.False(t, h.clk.HasWaiters())

	assert.Equal(t, []kit.MessageRef{ev.Announcement}, h.gw.deletedRefs())

	h.clk.Step(3 * time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, h.gw.editCount())
	_, err = h.st.GetEvent(ctx, ev.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestScheduler_DeleteDuringDispatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.roster(t, 20)
	held := h.gw.holdDirect()

	type result struct {
		ev  model.Event
		err error
	}
	created := make(chan result, 1)
	go func() {
		ev, err := h.sch.Create(ctx, Spec{Message: "m", StartsAt: t0.Add(time.Hour)})
		created <- result{ev, err}
	}()
	select {
	case <-held:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch never started")
	}
	assert.Equal(t, 1, h.sch.Len())

	require.NoError(t, h.sch.Delete(ctx, 1))
	calls := h.gw.directCalls()

	var res result
	select {
	case res = <-created:
	case <-time.After(2 * time.Second):
		t.Fatal("create did not return after delete")
	}
	assert.ErrorIs(t, res.err, ErrDeleted)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, h.gw.directCalls(), "no direct sends after delete")
	assert.Equal(t, 0, h.gw.sentTotal())
	assert.Equal(t, 0, h.sch.Len())
	assert.False(t, h.clk.HasWaiters())
	_, err := h.st.GetEvent(ctx, 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, []kit.MessageRef{{ChatID: -100123, MessageID: 1}}, h.gw.deletedRefs())

	h.gw.releaseDirect()
	ev, err := h.sch.Create(ctx, Spec{Message: "again", StartsAt: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.ID)
	assert.Equal(t, 20, h.gw.sentTotal())
}

func TestScheduler_SingleTaskPerEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ev, err := h.sch.Create(ctx, Spec{Message: "m", StartsAt: t0.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Nil(t, h.sch.reserve(ev))
	require.NoError(t, h.sch.Restore(ctx))
	assert.Equal(t, 1, h.sch.Len())
	assert.Equal(t, []int64{ev.ID}, h.sch.ActiveIDs())
}

func TestScheduler_Restore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ref := model.MessageRef{ChatID: -100123, MessageID: 40}

	future, err := h.st.InsertEvent(ctx, model.Event{Message: "future", StartsAt: t0.Add(time.Hour), State: model.StateAnnounced, Announcement: ref}, nil)
	require.NoError(t, err)
	past, err := h.st.InsertEvent(ctx, model.Event{Message: "past", StartsAt: t0.Add(-time.Minute), State: model.StateStalled, Announcement: ref}, nil)
	require.NoError(t, err)
	orphan, err := h.st.InsertEvent(ctx, model.Event{Message: "orphan", StartsAt: t0.Add(time.Hour), State: model.StateCreated}, nil)
	require.NoError(t, err)

	require.NoError(t, h.sch.Start(ctx))

	h.waitState(t, past.ID, model.StateClosed)
	h.waitState(t, future.ID, model.StateCountingDown)
	_, err = h.st.GetEvent(ctx, orphan.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	require.Eventually(t, func() bool { return h.sch.Len() == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []int64{future.ID}, h.sch.ActiveIDs())
}

func TestScheduler_RecurringSeries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.roster(t, 3)

	first, err := h.sch.Create(ctx, Spec{Message: "daily", StartsAt: t0.Add(45 * time.Minute), Recurrence: "FREQ=DAILY;COUNT=2"})
	require.NoError(t, err)
	require.NotEmpty(t, first.SeriesID)

	h.waitTimer(t)
	h.clk.Step(45 * time.Minute)
	h.waitState(t, first.ID, model.StateClosed)

	var second model.Event
	require.Eventually(t, func() bool {
		evs := h.sch.Events()
		if len(evs) != 1 || evs[0].ID == first.ID {
			return false
		}
		second = evs[0]
		return true
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, first.SeriesID, second.SeriesID)
	assert.True(t, second.StartsAt.Equal(first.StartsAt.Add(24*time.Hour)))
	assert.Contains(t, second.Recurrence, "COUNT=1")
	assert.Equal(t, 6, h.gw.sentTotal())

	rs, err := h.st.EventRecipients(ctx, second.ID)
	require.NoError(t, err)
	assert.Len(t, rs, 3)
}

func TestScheduler_Reset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.sch.Create(ctx, Spec{Message: "m", StartsAt: t0.Add(time.Hour)})
		require.NoError(t, err)
	}
	n, err := h.sch.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, 0, h.sch.Len())

	ev, err := h.sch.Create(ctx, Spec{Message: "fresh", StartsAt: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.ID)
}

func TestScheduler_Resend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ev, err := h.sch.Create(ctx, Spec{Message: "m", StartsAt: t0.Add(time.Hour), Recipients: []int64{5}})
	require.NoError(t, err)
	out, err := h.sch.Resend(ctx, ev.ID, 9)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusSent, out.Status)
	assert.Equal(t, 2, h.gw.sentTotal())
	assert.Equal(t, 1, h.sch.Len())

	_, err = h.sch.Resend(ctx, 42, 9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNextOccurrence(t *testing.T) {
	next, rest, ok, err := NextOccurrence("FREQ=DAILY;COUNT=3", t0, t0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, next.Equal(t0.Add(24*time.Hour)))
	assert.Contains(t, rest, "COUNT=2")

	_, _, ok, err = NextOccurrence("FREQ=DAILY;COUNT=1", t0, t0)
	require.NoError(t, err)
	assert.False(t, ok)

	next, rest, ok, err = NextOccurrence("FREQ=DAILY;COUNT=5", t0, t0.Add(50*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, next.Equal(t0.Add(72*time.Hour)))
	assert.Contains(t, rest, "COUNT=2")

	next, _, ok, err = NextOccurrence("FREQ=WEEKLY", t0, t0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, next.Equal(t0.Add(7*24*time.Hour)))

	_, _, _, err = NextOccurrence("FREQ=SOMETIMES", t0, t0)
	assert.Error(t, err)
}
