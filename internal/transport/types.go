package transport

import (
	"context"

	"rollcall/internal/model"
)

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

// Update is an inbound signal from the gateway: a text message or a button press.
type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	FromName     string
	Text         string
	Private      bool
}

type Callback struct {
	ID        string
	FromID    int64
	FromName  string
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// MessageRef identifies a posted message so it can be edited in place.
type MessageRef = model.MessageRef

// Button is an inline button; Data is returned verbatim in the Callback.
type Button struct {
	Text string
	Data string
}

// Payload is gateway-neutral message content.
type Payload struct {
	Text           string
	ParseMode      string
	DisablePreview bool
	Buttons        [][]Button
}

// Gateway is the messaging port. Send errors are *TransientError or
// *PermanentError so callers can decide whether to retry.
type Gateway interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendDirect(ctx context.Context, recipientID int64, p Payload) (MessageRef, error)
	Post(ctx context.Context, to ChatTarget, p Payload) (MessageRef, error)
	Edit(ctx context.Context, ref MessageRef, p Payload) error
	Delete(ctx context.Context, ref MessageRef) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that gateways can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
