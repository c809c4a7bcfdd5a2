package sweeper

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"rollcall/internal/eventbus"
	"rollcall/internal/lockreg"
	"rollcall/internal/model"
	"rollcall/internal/storage"
	kit "rollcall/internal/transport"
	logx "rollcall/pkg/logx"
)

var t0 = time.Date(2025, 11, 3, 12, 0, 0, 0, time.UTC)

type deleter struct {
	mu      sync.Mutex
	deleted []kit.MessageRef
	fail    map[int]error
}

func (d *deleter) Delete(_ context.Context, ref kit.MessageRef) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail[ref.MessageID]; err != nil {
		return err
	}
	d.deleted = append(d.deleted, ref)
	return nil
}

type counter struct{ n int }

func (c *counter) Cleanup(time.Time) int     { return c.n }
func (c *counter) PruneRecent(time.Time) int { return c.n }

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "rollcall.db"),
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func delivery(msg int, sent time.Time) model.DeliveryRecord {
	return model.DeliveryRecord{
		Ref:         model.MessageRef{ChatID: int64(msg), MessageID: msg},
		RecipientID: int64(msg),
		EventID:     1,
		SentAt:      sent,
	}
}

func TestSweepDeliveries(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	require.NoError(t, st.InsertDelivery(ctx, delivery(1, t0.Add(-50*time.Hour))))
	require.NoError(t, st.InsertDelivery(ctx, delivery(2, t0.Add(-49*time.Hour))))
	require.NoError(t, st.InsertDelivery(ctx, delivery(3, t0.Add(-time.Hour))))

	gw := &deleter{fail: map[int]error{2: &kit.PermanentError{Op: "delete", Err: errors.New("message to delete not found")}}}
	s := New(Config{}, Deps{Deliveries: st, Gateway: gw, Clock: testclock.NewFakePassiveClock(t0)})

	res := s.SweepDeliveries(ctx)
	assert.Equal(t, PassDeliveries, res.Pass)
	assert.Equal(t, 2, res.Removed)
	assert.Zero(t, res.Errors)
	assert.Len(t, gw.deleted, 1)

	left, err := st.DeliveriesBefore(ctx, t0.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, 3, left[0].Ref.MessageID)
}

func TestSweepDeliveriesBatches(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		require.NoError(t, st.InsertDelivery(ctx, delivery(i, t0.Add(-72*time.Hour))))
	}
	s := New(Config{BatchSize: 2}, Deps{Deliveries: st, Clock: testclock.NewFakePassiveClock(t0)})

	res := s.SweepDeliveries(ctx)
	assert.Equal(t, 5, res.Removed)
}

func TestSweepEvents(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	old, err := st.InsertEvent(ctx, model.Event{Message: "old", StartsAt: t0.Add(-8 * 24 * time.Hour), State: model.StateClosed}, nil)
	require.NoError(t, err)
	recent, err := st.InsertEvent(ctx, model.Event{Message: "recent", StartsAt: t0.Add(-48 * time.Hour), State: model.StateClosed}, nil)
	require.NoError(t, err)
	stuck, err := st.InsertEvent(ctx, model.Event{Message: "stuck", StartsAt: t0.Add(-8 * 24 * time.Hour), State: model.StateStalled}, nil)
	require.NoError(t, err)

	s := New(Config{}, Deps{Events: st, Clock: testclock.NewFakePassiveClock(t0)})
	res := s.SweepEvents(ctx)
	assert.Equal(t, 1, res.Removed)

	_, err = st.GetEvent(ctx, old.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	for _, id := range []int64{recent.ID, stuck.ID} {
		_, err = st.GetEvent(ctx, id)
		assert.NoError(t, err)
	}
}

func TestSweepCacheAndLocks(t *testing.T) {
	clk := testclock.NewFakeClock(t0)
	locks := lockreg.New(lockreg.Options{Clock: clk})
	for owner := int64(1); owner <= 3; owner++ {
		require.NoError(t, locks.WithLock(context.Background(), owner, func(context.Context) error { return nil }))
	}
	bus := eventbus.New()
	done, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(Config{}, Deps{Cache: &counter{n: 2}, Stats: &counter{n: 3}, Locks: locks, Bus: bus, Clock: clk})

	assert.Equal(t, 5, s.SweepCache(context.Background()).Removed)

	clk.Step(23 * time.Hour)
	assert.Equal(t, 0, s.SweepLocks(context.Background()).Removed)
	clk.Step(2 * time.Hour)
	assert.Equal(t, 3, s.SweepLocks(context.Background()).Removed)
	assert.Equal(t, 0, locks.Len())

	e := <-done
	assert.Equal(t, eventbus.TopicSweepDone, e.Type)
	res, ok := e.Data.(PassResult)
	require.True(t, ok)
	assert.Equal(t, PassCache, res.Pass)
}

func TestMissingDepsAreSkipped(t *testing.T) {
	s := New(Config{}, Deps{})
	ctx := context.Background()
	for _, res := range []PassResult{s.SweepDeliveries(ctx), s.SweepCache(ctx), s.SweepLocks(ctx), s.SweepEvents(ctx)} {
		assert.Zero(t, res.Removed)
		assert.Zero(t, res.Errors)
	}
}

func TestValidateAndLifecycle(t *testing.T) {
	s := New(Config{}, Deps{})
	assert.NoError(t, s.Validate(Config{}))
	assert.NoError(t, s.Validate(Config{LocksSchedule: ScheduleOff, EventsSchedule: "0 30 3 * * *"}))
	assert.Error(t, s.Validate(Config{CacheSchedule: "every now and then"}))
	assert.Error(t, s.Validate(Config{Timezone: "Mars/Olympus"}))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	require.NoError(t, s.Apply(ctx, Config{DeliveriesSchedule: ScheduleOff}))
	assert.Error(t, s.Apply(ctx, Config{DeliveriesSchedule: "nope"}))
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
