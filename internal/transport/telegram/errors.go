package telegram

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "rollcall/internal/transport"
	"rollcall/pkg/tgui"
)

// Descriptions Telegram returns for recipients that can never be reached.
var unreachable = []string{
	"chat not found",
	"user not found",
	"bot was blocked by the user",
	"user is deactivated",
	"bot can't initiate conversation",
	"peer_id_invalid",
	"bot was kicked",
}

// classify maps a telebot error onto the gateway's transient/permanent split.
// Anything not recognized as permanent is treated as transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, tgui.ErrCallbackDataTooLong) {
		return &kit.PermanentError{Op: op, Err: err}
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &kit.TransientError{Op: op, RetryAfter: time.Duration(flood.RetryAfter) * time.Second, Err: err}
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return &kit.TransientError{Op: op, RetryAfter: time.Duration(floodPtr.RetryAfter) * time.Second, Err: err}
	}

	var te *tele.Error
	if errors.As(err, &te) && te != nil {
		desc := strings.ToLower(te.Description)
		switch {
		case te.Code == 403:
			return &kit.PermanentError{Op: op, Err: err}
		case te.Code == 429, te.Code >= 500:
			return &kit.TransientError{Op: op, Err: err}
		case te.Code == 400:
			for _, s := range unreachable {
				if strings.Contains(desc, s) {
					return &kit.PermanentError{Op: op, Err: err}
				}
			}
			// Malformed requests won't succeed on retry either.
			return &kit.PermanentError{Op: op, Err: err}
		}
	}

	msg := strings.ToLower(err.Error())
	for _, s := range unreachable {
		if strings.Contains(msg, s) {
			return &kit.PermanentError{Op: op, Err: err}
		}
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return &kit.TransientError{Op: op, Err: err}
	}
	return &kit.TransientError{Op: op, Err: err}
}

func isNotModified(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "message is not modified")
}
