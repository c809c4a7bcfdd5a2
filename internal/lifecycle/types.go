package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"rollcall/internal/dispatch"
	"rollcall/internal/eventbus"
	"rollcall/internal/model"
	kit "rollcall/internal/transport"
	logx "rollcall/pkg/logx"
)

var (
	ErrInPast       = errors.New("lifecycle: event time is in the past")
	ErrNotFound     = errors.New("lifecycle: event not found")
	ErrClosed       = errors.New("lifecycle: event is closed")
	ErrDeleted      = errors.New("lifecycle: event deleted")
	ErrNoChat       = errors.New("lifecycle: no announcement chat configured")
	ErrEmptyMessage = errors.New("lifecycle: message is required")
)

// ScheduleError is a countdown failure for one event. It stalls that event
// only.
type ScheduleError struct {
	EventID int64
	Op      string
	Err     error
}

func (e *ScheduleError) Error() string {
	return fmt.Sprintf("event %d: %s: %v", e.EventID, e.Op, e.Err)
}

func (e *ScheduleError) Unwrap() error { return e.Err }

// Store is the subset of storage the scheduler needs.
type Store interface {
	InsertEvent(ctx context.Context, ev model.Event, recipients []int64) (model.Event, error)
	GetEvent(ctx context.Context, id int64) (model.Event, error)
	ListEvents(ctx context.Context, states ...model.State) ([]model.Event, error)
	UpdateEventState(ctx context.Context, id int64, state model.State, lastErr string) error
	SetAnnouncement(ctx context.Context, id int64, ref model.MessageRef) error
	DeleteEvent(ctx context.Context, id int64) error
	DeleteAllEvents(ctx context.Context) (int64, error)
	ListRecipients(ctx context.Context) ([]model.Recipient, error)
	EventRecipients(ctx context.Context, eventID int64) ([]model.Recipient, error)
}

type Tallier interface {
	Tally(ctx context.Context, eventID int64) (model.Tally, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, eventID int64, recipients []model.Recipient, p kit.Payload) dispatch.Report
	Send(ctx context.Context, eventID, recipientID int64, p kit.Payload) dispatch.Outcome
}

// Announcer posts, edits and removes the public announcement.
type Announcer interface {
	Post(ctx context.Context, to kit.ChatTarget, p kit.Payload) (kit.MessageRef, error)
	Edit(ctx context.Context, ref kit.MessageRef, p kit.Payload) error
	Delete(ctx context.Context, ref kit.MessageRef) error
}

type Settings interface {
	GetOr(ctx context.Context, key, def string) string
	Clear()
}

// Spawner runs countdown tasks. *supervisor.Supervisor satisfies it.
type Spawner interface {
	GoCtx(ctx context.Context, name string, fn func(ctx context.Context) error)
}

// Deps are the collaborators a Scheduler is built from. Bus, Clock, Logger
// and Spawner are optional.
type Deps struct {
	Store      Store
	Tallier    Tallier
	Dispatcher Dispatcher
	Gateway    Announcer
	Settings   Settings
	Bus        eventbus.Bus
	Clock      clock.Clock
	Logger     logx.Logger
	Spawner    Spawner
}

// Config holds the hot-reloadable display settings.
type Config struct {
	PrimaryZone   string
	SecondaryZone string
}

// Spec describes an event to create.
type Spec struct {
	Message    string    `json:"message"`
	StartsAt   time.Time `json:"starts_at"`
	Recurrence string    `json:"recurrence,omitempty"`
	SeriesID   string    `json:"series_id,omitempty"`
	// Recipients overrides the roster. Required for targeted events.
	Recipients []int64 `json:"recipients,omitempty"`
	Targeted   bool    `json:"targeted,omitempty"`
	TargetChat int64   `json:"target_chat,omitempty"`
}
