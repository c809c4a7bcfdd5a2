package attendance

import (
	"context"
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
	logx "rollcall/pkg/logx"
)

type fixture struct {
	store *storage.Store
	clock *testclock.FakeClock
	bus   eventbus.Bus
	agg   *Aggregator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{
		Path: filepath.Join(t.TempDir(), "att.db"),
		Pool: storage.PoolConfig{MinConns: 1, MaxConns: 8},
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	fc := testclock.NewFakeClock(time.Date(2025, 10, 30, 12, 0, 0, 0, time.UTC))
	bus := eventbus.New()
	locks := lockreg.New(lockreg.Options{Clock: fc})
	return &fixture{store: st, clock: fc, bus: bus, agg: NewAggregator(st, locks, bus, fc, logx.Nop())}
}

func (f *fixture) event(t *testing.T, recipients []int64) model.Event {
	t.Helper()
	ev, err := f.store.InsertEvent(context.Background(), model.Event{
		Message:  "weekly sync",
		StartsAt: f.clock.Now().Add(time.Hour),
	}, recipients)
	require.NoError(t, err)
	return ev
}

func TestRecord_SameChoiceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.event(t, []int64{1})

	sub, unsub := f.bus.Subscribe(4)
	defer unsub()

	r1, err := f.agg.Record(ctx, 1, ev.ID, model.ChoiceYes)
	require.NoError(t, err)
	f.clock.Step(time.Minute)
	r2, err := f.agg.Record(ctx, 1, ev.ID, model.ChoiceYes)
	require.NoError(t, err)

	assert.Equal(t, model.ChoiceYes, r2.Choice)
	assert.True(t, r2.UpdatedAt.After(r1.UpdatedAt))

	rs, err := f.store.ListResponses(ctx, ev.ID)
	require.NoError(t, err)
	assert.Len(t, rs, 1)

	e := <-sub
	assert.Equal(t, eventbus.TopicResponseRecorded, e.Type)
}

func TestRecord_LastWriteWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.event(t, []int64{1})

	_, err := f.agg.Record(ctx, 1, ev.ID, model.ChoiceYes)
	require.NoError(t, err)
	f.clock.Step(time.Second)
	_, err = f.agg.Record(ctx, 1, ev.ID, model.ChoiceNo)
	require.NoError(t, err)

	tally, err := f.agg.Tally(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, tally.Yes)
	assert.Equal(t, 1, tally.No)
}

func TestRecord_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.agg.Record(ctx, 1, 404, model.ChoiceYes)
	assert.ErrorIs(t, err, ErrUnknownEvent)

	ev := f.event(t, nil)
	_, err = f.agg.Record(ctx, 1, ev.ID, model.ChoiceNoResponse)
	assert.ErrorIs(t, err, ErrInvalidChoice)
}

func TestRecord_ConcurrentSameOwnerKeepsOneRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.event(t, []int64{5})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := model.ChoiceYes
			if i%2 == 1 {
				c = model.ChoiceNo
			}
			_, err := f.agg.Record(ctx, 5, ev.ID, c)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rs, err := f.store.ListResponses(ctx, ev.ID)
	require.NoError(t, err)
	assert.Len(t, rs, 1)
}

func TestTally_CountsNonRespondersAndNames(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	recipients := make([]int64, 20)
	for i := range recipients {
		recipients[i] = int64(i + 1)
	}
	require.NoError(t, f.store.PutRecipient(ctx, model.Recipient{UserID: 1, DisplayName: "ann"}))
	ev := f.event(t, recipients)

	for i := 1; i <= 10; i++ {
		_, err := f.agg.Record(ctx, int64(i), ev.ID, model.ChoiceYes)
		require.NoError(t, err)
	}
	for i := 11; i <= 13; i++ {
		_, err := f.agg.Record(ctx, int64(i), ev.ID, model.ChoiceNo)
		require.NoError(t, err)
	}

	tally, err := f.agg.Tally(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, tally.Yes)
	assert.Equal(t, 3, tally.No)
	assert.Equal(t, 7, tally.NoResponse)
	assert.Contains(t, tally.YesNames, "ann")
	assert.Contains(t, tally.NoNames, "12")
}

func TestTally_CountsOutsideResponders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.event(t, []int64{1, 2})

	_, err := f.agg.Record(ctx, 99, ev.ID, model.ChoiceYes)
	require.NoError(t, err)

	tally, err := f.agg.Tally(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, tally.Yes)
	assert.Equal(t, 2, tally.NoResponse)
}
