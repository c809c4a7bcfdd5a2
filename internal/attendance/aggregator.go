// Package attendance records yes/no responses and aggregates them into tallies.
//
// Writes for one owner go through that owner's write lock; reads never take
// it, so a tally may be one write behind but never blocks a responder.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"k8s.io/utils/clock"

	"rollcall/internal/eventbus"
	"rollcall/internal/metrics"
	"rollcall/internal/model"
	"rollcall/internal/storage"
	logx "rollcall/pkg/logx"
)

var (
	ErrUnknownEvent  = errors.New("attendance: unknown event")
	ErrInvalidChoice = errors.New("attendance: invalid choice")
)

// Store is the subset of storage the aggregator needs.
type Store interface {
	GetEvent(ctx context.Context, id int64) (model.Event, error)
	UpsertResponse(ctx context.Context, r model.Response) (model.Response, error)
	ListResponses(ctx context.Context, eventID int64) ([]model.Response, error)
	EventRecipients(ctx context.Context, eventID int64) ([]model.Recipient, error)
	RecipientNames(ctx context.Context, ids []int64) (map[int64]string, error)
}

// Locker serializes writes per owner.
type Locker interface {
	WithLock(ctx context.Context, owner int64, fn func(ctx context.Context) error) error
}

type Aggregator struct {
	store Store
	locks Locker
	bus   eventbus.Bus
	clock clock.PassiveClock
	log   logx.Logger
}

func NewAggregator(store Store, locks Locker, bus eventbus.Bus, clk clock.PassiveClock, log logx.Logger) *Aggregator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Aggregator{store: store, locks: locks, bus: bus, clock: clk, log: log.With(logx.Component("attendance"))}
}

// Record stores owner's choice for eventID. Submitting the same choice again
// keeps it and refreshes UpdatedAt.
func (a *Aggregator) Record(ctx context.Context, owner, eventID int64, choice model.Choice) (model.Response, error) {
	if choice != model.ChoiceYes && choice != model.ChoiceNo {
		return model.Response{}, fmt.Errorf("%w: %q", ErrInvalidChoice, choice)
	}

	var out model.Response
	err := a.locks.WithLock(ctx, owner, func(ctx context.Context) error {
		if _, err := a.store.GetEvent(ctx, eventID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("%w: %d", ErrUnknownEvent, eventID)
			}
			return err
		}
		r, err := a.store.UpsertResponse(ctx, model.Response{
			OwnerID:   owner,
			EventID:   eventID,
			Choice:    choice,
			UpdatedAt: a.clock.Now(),
		})
		if err != nil {
			return fmt.Errorf("record response: %w", err)
		}
		out = r
		return nil
	})
	if err != nil {
		return model.Response{}, err
	}

	metrics.ResponsesRecorded.WithLabelValues(string(out.Choice)).Inc()
	eventbus.Publish(a.bus, eventbus.TopicResponseRecorded, out)
	a.log.Debug("response recorded", logx.Owner(owner), logx.EventID(eventID), logx.String("choice", string(out.Choice)))
	return out, nil
}

// Tally counts stored responses against the event's recipient set. Recipients
// without a stored answer count as NoResponse; answers from owners outside the
// set still count toward Yes/No.
func (a *Aggregator) Tally(ctx context.Context, eventID int64) (model.Tally, error) {
	rs, err := a.store.ListResponses(ctx, eventID)
	if err != nil {
		return model.Tally{}, err
	}
	recipients, err := a.store.EventRecipients(ctx, eventID)
	if err != nil {
		return model.Tally{}, err
	}

	ids := make([]int64, 0, len(rs))
	for _, r := range rs {
		ids = append(ids, r.OwnerID)
	}
	names, err := a.store.RecipientNames(ctx, ids)
	if err != nil {
		a.log.Warn("tally names unavailable", logx.EventID(eventID), logx.Err(err))
		names = map[int64]string{}
	}

	t := model.Tally{EventID: eventID}
	answered := make(map[int64]bool, len(rs))
	for _, r := range rs {
		name := names[r.OwnerID]
		if name == "" {
			name = strconv.FormatInt(r.OwnerID, 10)
		}
		switch r.Choice {
		case model.ChoiceYes:
			t.Yes++
			t.YesNames = append(t.YesNames, name)
			answered[r.OwnerID] = true
		case model.ChoiceNo:
			t.No++
			t.NoNames = append(t.NoNames, name)
			answered[r.OwnerID] = true
		}
	}
	for _, rc := range recipients {
		if !answered[rc.UserID] {
			t.NoResponse++
		}
	}
	return t, nil
}
