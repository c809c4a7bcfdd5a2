// Package dispatch fans a payload out to many recipients with bounded
// concurrency, pacing and retry.
//
// Every recipient passed to Dispatch ends with exactly one Outcome. Transient
// gateway errors are retried with exponential backoff plus jitter; permanent
// ones are skipped without retry. Delivery is at-least-once: a send that
// times out on our side may still have reached the recipient.
package dispatch

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"rollcall/internal/eventbus"
	"rollcall/internal/metrics"
	"rollcall/internal/model"
	kit "rollcall/internal/transport"
	logx "rollcall/pkg/logx"
)

// Sender is the part of the gateway used for fan-out.
type Sender interface {
	SendDirect(ctx context.Context, recipientID int64, p kit.Payload) (kit.MessageRef, error)
}

// Recorder persists delivery records for later cleanup.
type Recorder interface {
	InsertDelivery(ctx context.Context, d model.DeliveryRecord) error
}

type Dispatcher struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	sender   Sender
	recorder Recorder
	bus      eventbus.Bus
	clock    clock.Clock
	log      logx.Logger

	rmu    sync.Mutex
	recent []Summary
}

func New(cfg Config, sender Sender, recorder Recorder, bus eventbus.Bus, clk clock.Clock, log logx.Logger) *Dispatcher {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		sender:   sender,
		recorder: recorder,
		bus:      bus,
		clock:    clk,
		log:      log.With(logx.Component("dispatch")),
	}
	d.Apply(cfg)
	return d
}

// Apply swaps limits for subsequent dispatches. Running dispatches keep the
// snapshot they started with.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = max(1, int(cfg.RatePerSec))
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	} else {
		d.limiter = nil
	}
}

func (d *Dispatcher) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Dispatch sends p to every recipient and returns once each has an outcome.
// Outcomes are in the same order as recipients. Cancelling ctx fails the
// recipients not yet attempted with ctx.Err().
func (d *Dispatcher) Dispatch(ctx context.Context, eventID int64, recipients []model.Recipient, p kit.Payload) Report {
	d.mu.Lock()
	cfg := d.cfg
	lim := d.limiter
	d.mu.Unlock()

	timer := metrics.NewTimer()
	rep := Report{
		BatchID:  uuid.NewString(),
		EventID:  eventID,
		Started:  d.clock.Now(),
		Outcomes: make([]Outcome, len(recipients)),
	}

	sem := make(chan struct{}, cfg.MaxInFlight)
	var wg sync.WaitGroup

	for i, r := range recipients {
		rep.Outcomes[i] = Outcome{RecipientID: r.UserID}

		select {
		case <-ctx.Done():
			rep.Outcomes[i].fail(0, ctx.Err())
			continue
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(i int, r model.Recipient) {
			defer wg.Done()
			defer func() { <-sem }()

			metrics.DispatchInFlight.Inc()
			out := d.sendOne(ctx, cfg, lim, r.UserID, p)
			metrics.DispatchInFlight.Dec()
			rep.Outcomes[i] = out

			if out.Status == StatusSent {
				d.record(ctx, model.DeliveryRecord{Ref: out.Ref, RecipientID: r.UserID, EventID: eventID, SentAt: d.clock.Now()})
			}
			// Pace inside the slot so the cap also bounds the send rate.
			_ = d.sleep(ctx, cfg.SendDelay+jitter(cfg.SendJitter))
		}(i, r)
	}
	wg.Wait()

	rep.Duration = timer.Duration()
	for _, o := range rep.Outcomes {
		metrics.DispatchOutcomes.WithLabelValues(string(o.Status)).Inc()
		switch o.Status {
		case StatusSent:
			rep.Sent++
		case StatusSkipped:
			rep.Skipped++
		case StatusFailed:
			rep.Failed++
		}
	}
	timer.ObserveDuration(metrics.DispatchDuration)

	sum := rep.Summary()
	d.remember(sum)
	eventbus.Publish(d.bus, eventbus.TopicDispatchDone, sum)

	fields := []logx.Field{
		logx.String("batch", rep.BatchID),
		logx.EventID(eventID),
		logx.Int("total", len(recipients)),
		logx.Int("sent", rep.Sent),
		logx.Int("skipped", rep.Skipped),
		logx.Int("failed", rep.Failed),
		logx.Duration("dur", rep.Duration),
	}
	if rep.Failed > 0 {
		d.log.Warn("dispatch finished with failures", fields...)
	} else {
		d.log.Info("dispatch finished", fields...)
	}
	return rep
}

// Send delivers p to one recipient with the same retry policy as Dispatch.
func (d *Dispatcher) Send(ctx context.Context, eventID, recipientID int64, p kit.Payload) Outcome {
	rep := d.Dispatch(ctx, eventID, []model.Recipient{{UserID: recipientID}}, p)
	return rep.Outcomes[0]
}

func (d *Dispatcher) sendOne(ctx context.Context, cfg Config, lim *rate.Limiter, to int64, p kit.Payload) Outcome {
	out := Outcome{RecipientID: to}
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			out.fail(attempt, err)
			return out
		}
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				out.fail(attempt, err)
				return out
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		ref, err := d.sender.SendDirect(callCtx, to, p)
		cancel()
		out.Attempts = attempt + 1

		if err == nil {
			out.Status = StatusSent
			out.Ref = ref
			return out
		}
		if kit.IsPermanent(err) {
			out.Status = StatusSkipped
			out.setErr(err)
			d.log.Debug("recipient unreachable, skipped", logx.Owner(to), logx.Err(err))
			return out
		}
		if attempt >= cfg.MaxRetries || ctx.Err() != nil {
			out.fail(out.Attempts, err)
			return out
		}

		delay := retryDelay(cfg, attempt)
		if ra, ok := kit.RetryAfter(err); ok && ra > delay {
			delay = ra
		}
		metrics.DispatchRetries.Inc()
		d.log.Debug("send failed, retrying", logx.Owner(to), logx.Int("attempt", attempt+1), logx.Duration("backoff", delay), logx.Err(err))
		if err := d.sleep(ctx, delay); err != nil {
			out.fail(out.Attempts, err)
			return out
		}
	}
}

func (d *Dispatcher) record(ctx context.Context, rec model.DeliveryRecord) {
	if d.recorder == nil {
		return
	}
	if err := d.recorder.InsertDelivery(context.WithoutCancel(ctx), rec); err != nil {
		d.log.Warn("delivery record not stored", logx.Owner(rec.RecipientID), logx.EventID(rec.EventID), logx.Err(err))
	}
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return ctx.Err()
	}
	t := d.clock.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}

// retryDelay is RetryBase * 2^attempt plus up to RetryJitter, capped at
// RetryMaxDelay. attempt counts from 0 for the first retry.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d += jitter(cfg.RetryJitter)
	return min(d, cfg.RetryMaxDelay)
}

func jitter(maxJ time.Duration) time.Duration {
	if maxJ <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(maxJ) + 1))
}

func (d *Dispatcher) remember(s Summary) {
	d.rmu.Lock()
	defer d.rmu.Unlock()
	d.recent = append(d.recent, s)
	if len(d.recent) > 200 {
		d.recent = d.recent[len(d.recent)-200:]
	}
}

// Recent returns summaries of recent dispatches, oldest first.
func (d *Dispatcher) Recent() []Summary {
	d.rmu.Lock()
	defer d.rmu.Unlock()
	return append([]Summary(nil), d.recent...)
}

// PruneRecent drops summaries that started before cutoff.
func (d *Dispatcher) PruneRecent(cutoff time.Time) int {
	d.rmu.Lock()
	defer d.rmu.Unlock()
	kept := d.recent[:0]
	for _, s := range d.recent {
		if !s.Started.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	n := len(d.recent) - len(kept)
	clear(d.recent[len(kept):])
	d.recent = kept
	return n
}
