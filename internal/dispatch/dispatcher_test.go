package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollcall/internal/eventbus"
	"rollcall/internal/model"
	kit "rollcall/internal/transport"
	logx "rollcall/pkg/logx"
)

type fakeSender struct {
	hold time.Duration

	inFlight atomic.Int64
	peak     atomic.Int64

	mu    sync.Mutex
	calls map[int64]int
	// fail maps a recipient to the error returned for its first n calls.
	fail  map[int64]error
	failN map[int64]int
}

func newFakeSender(hold time.Duration) *fakeSender {
	return &fakeSender{hold: hold, calls: map[int64]int{}, fail: map[int64]error{}, failN: map[int64]int{}}
}

func (f *fakeSender) SendDirect(ctx context.Context, id int64, _ kit.Payload) (kit.MessageRef, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[id]++
	call := f.calls[id]
	err := f.fail[id]
	limit := f.failN[id]
	f.mu.Unlock()

	if f.hold > 0 {
		select {
		case <-time.After(f.hold):
		case <-ctx.Done():
			return kit.MessageRef{}, ctx.Err()
		}
	}
	if err != nil && (limit == 0 || call <= limit) {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: id, MessageID: call}, nil
}

func (f *fakeSender) callsFor(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type memRecorder struct {
	mu   sync.Mutex
	recs []model.DeliveryRecord
}

func (m *memRecorder) InsertDelivery(_ context.Context, d model.DeliveryRecord) error {
	m.mu.Lock()
	m.recs = append(m.recs, d)
	m.mu.Unlock()
	return nil
}

func fastConfig() Config {
	return Config{MaxInFlight: 15, MaxRetries: 3, RetryBase: time.Millisecond, RetryMaxDelay: 10 * time.Millisecond}
}

func recipients(n int) []model.Recipient {
	out := make([]model.Recipient, n)
	for i := range out {
		out[i] = model.Recipient{UserID: int64(i + 1)}
	}
	return out
}

func TestDispatch_CapsConcurrencyAndCoversEveryRecipient(t *testing.T) {
	s := newFakeSender(20 * time.Millisecond)
	rec := &memRecorder{}
	d := New(fastConfig(), s, rec, eventbus.New(), nil, logx.Nop())

	rep := d.Dispatch(context.Background(), 7, recipients(60), kit.Payload{Text: "hi"})

	require.Len(t, rep.Outcomes, 60)
	assert.LessOrEqual(t, s.peak.Load(), int64(15))
	assert.Equal(t, int64(15), s.peak.Load())
	assert.Equal(t, 60, rep.Sent)
	for i, o := range rep.Outcomes {
		assert.Equal(t, int64(i+1), o.RecipientID)
		assert.Equal(t, StatusSent, o.Status)
		assert.Equal(t, 1, o.Attempts)
	}
	assert.Len(t, rec.recs, 60)
}

func TestDispatch_PermanentErrorSkipsWithoutRetry(t *testing.T) {
	s := newFakeSender(0)
	s.fail[2] = &kit.PermanentError{Op: "send", Err: errors.New("blocked")}
	d := New(fastConfig(), s, nil, nil, nil, logx.Nop())

	rep := d.Dispatch(context.Background(), 1, recipients(3), kit.Payload{Text: "hi"})

	assert.Equal(t, StatusSkipped, rep.Outcomes[1].Status)
	assert.Equal(t, 1, rep.Outcomes[1].Attempts)
	assert.Equal(t, 1, s.callsFor(2))
	assert.Equal(t, 2, rep.Sent)
	assert.Equal(t, 1, rep.Skipped)
}

func TestDispatch_TransientRetriesThenFails(t *testing.T) {
	s := newFakeSender(0)
	s.fail[1] = &kit.TransientError{Op: "send", Err: errors.New("502")}
	d := New(fastConfig(), s, nil, nil, nil, logx.Nop())

	rep := d.Dispatch(context.Background(), 1, recipients(1), kit.Payload{Text: "hi"})

	o := rep.Outcomes[0]
	assert.Equal(t, StatusFailed, o.Status)
	assert.Equal(t, 4, o.Attempts)
	assert.Equal(t, 4, s.callsFor(1))
	assert.Error(t, o.Err)
}

func TestDispatch_TransientRecovers(t *testing.T) {
	s := newFakeSender(0)
	s.fail[1] = &kit.TransientError{Op: "send", Err: errors.New("flood")}
	s.failN[1] = 2
	d := New(fastConfig(), s, nil, nil, nil, logx.Nop())

	o := d.Send(context.Background(), 1, 1, kit.Payload{Text: "hi"})
	assert.Equal(t, StatusSent, o.Status)
	assert.Equal(t, 3, o.Attempts)
}

func TestDispatch_UnclassifiedErrorIsRetried(t *testing.T) {
	s := newFakeSender(0)
	s.fail[1] = errors.New("mystery")
	s.failN[1] = 1
	d := New(fastConfig(), s, nil, nil, nil, logx.Nop())

	o := d.Send(context.Background(), 1, 1, kit.Payload{Text: "hi"})
	assert.Equal(t, StatusSent, o.Status)
	assert.Equal(t, 2, o.Attempts)
}

func TestDispatch_CancelledContextStillYieldsOneOutcomeEach(t *testing.T) {
	s := newFakeSender(50 * time.Millisecond)
	cfg := fastConfig()
	cfg.MaxInFlight = 2
	d := New(cfg, s, nil, nil, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	rep := d.Dispatch(ctx, 1, recipients(10), kit.Payload{Text: "hi"})

	require.Len(t, rep.Outcomes, 10)
	assert.Equal(t, 10, rep.Sent+rep.Skipped+rep.Failed)
	assert.Positive(t, rep.Failed)
	for _, o := range rep.Outcomes {
		assert.NotEmpty(t, o.Status)
	}
}

func TestDispatch_PublishesSummary(t *testing.T) {
	bus := eventbus.New()
	sub, unsub := bus.Subscribe(1)
	defer unsub()
	d := New(fastConfig(), newFakeSender(0), nil, bus, nil, logx.Nop())

	d.Dispatch(context.Background(), 3, recipients(2), kit.Payload{Text: "hi"})

	e := <-sub
	assert.Equal(t, eventbus.TopicDispatchDone, e.Type)
	sum, ok := e.Data.(Summary)
	require.True(t, ok)
	assert.Equal(t, 2, sum.Sent)
	assert.Len(t, d.Recent(), 1)
	assert.Equal(t, 1, d.PruneRecent(time.Now().Add(time.Hour)))
	assert.Empty(t, d.Recent())
}

func TestRetryDelay(t *testing.T) {
	cfg := Config{RetryBase: time.Second, RetryMaxDelay: 30 * time.Second}.withDefaults()
	assert.Equal(t, time.Second, retryDelay(cfg, 0))
	assert.Equal(t, 2*time.Second, retryDelay(cfg, 1))
	assert.Equal(t, 4*time.Second, retryDelay(cfg, 2))
	assert.Equal(t, 30*time.Second, retryDelay(cfg, 10))

	cfg.RetryJitter = time.Second
	for i := 0; i < 20; i++ {
		d := retryDelay(cfg, 0)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 2*time.Second)
	}
}
