// Package model holds the attendance domain types shared by storage,
// aggregation and scheduling.
package model

import (
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle state of an Event.
type State string

const (
	StateCreated      State = "created"
	StateAnnounced    State = "announced"
	StateCountingDown State = "counting_down"
	StateStalled      State = "stalled"
	StateClosed       State = "closed"
	StateDeleted      State = "deleted"
)

// Active reports whether the event still owns a countdown task.
func (s State) Active() bool {
	switch s {
	case StateCreated, StateAnnounced, StateCountingDown, StateStalled:
		return true
	}
	return false
}

// Choice is a recipient's answer for one event.
type Choice string

const (
	ChoiceNoResponse Choice = "no_response"
	ChoiceYes        Choice = "yes"
	ChoiceNo         Choice = "no"
)

// ParseChoice accepts yes/no in any case, plus y/n.
func ParseChoice(s string) (Choice, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y":
		return ChoiceYes, nil
	case "no", "n":
		return ChoiceNo, nil
	case "no_response", "":
		return ChoiceNoResponse, nil
	}
	return "", fmt.Errorf("invalid choice %q", s)
}

// MessageRef is an opaque handle to a message posted through the gateway.
type MessageRef struct {
	ChatID    int64 `json:"chat_id"`
	ThreadID  int   `json:"thread_id,omitempty"`
	MessageID int   `json:"message_id"`
}

func (r MessageRef) IsZero() bool { return r.ChatID == 0 && r.MessageID == 0 }

type Event struct {
	ID           int64      `json:"id"`
	SeriesID     string     `json:"series_id,omitempty"`
	Message      string     `json:"message"`
	StartsAt     time.Time  `json:"starts_at"`
	Recurrence   string     `json:"recurrence,omitempty"`
	Announcement MessageRef `json:"announcement"`
	Targeted     bool       `json:"targeted,omitempty"`
	TargetChat   int64      `json:"target_chat,omitempty"`
	State        State      `json:"state"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

type Response struct {
	OwnerID   int64     `json:"owner_id"`
	EventID   int64     `json:"event_id"`
	Choice    Choice    `json:"choice"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Recipient struct {
	UserID      int64     `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	JoinedAt    time.Time `json:"joined_at,omitempty"`
}

// Name returns the display name, or the numeric id when none is known.
func (r Recipient) Name() string {
	if n := strings.TrimSpace(r.DisplayName); n != "" {
		return n
	}
	return fmt.Sprintf("%d", r.UserID)
}

type DeliveryRecord struct {
	ID          int64      `json:"id"`
	Ref         MessageRef `json:"ref"`
	RecipientID int64      `json:"recipient_id"`
	EventID     int64      `json:"event_id"`
	SentAt      time.Time  `json:"sent_at"`
}

// Tally is the aggregated response count for one event.
type Tally struct {
	EventID    int64    `json:"event_id"`
	Yes        int      `json:"yes"`
	No         int      `json:"no"`
	NoResponse int      `json:"no_response"`
	YesNames   []string `json:"yes_names,omitempty"`
	NoNames    []string `json:"no_names,omitempty"`
}
