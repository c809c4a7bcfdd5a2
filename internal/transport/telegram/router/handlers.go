package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"rollcall/internal/attendance"
	"rollcall/internal/lockreg"
	"rollcall/internal/model"
	"rollcall/internal/storage"
	kit "rollcall/internal/transport"
	logx "rollcall/pkg/logx"
	"rollcall/pkg/tgui"
)

func (r *Router) commands() []Command {
	return []Command{
		{Name: "start", Description: "join the attendance list", Handle: r.cmdStart},
		{Name: "stop", Description: "leave the attendance list", Handle: r.cmdStop},
		{Name: "events", Description: "list active events", Handle: r.cmdEvents},
		{Name: "help", Description: "how to answer", Handle: r.cmdHelp},
	}
}

func (r *Router) reply(ctx context.Context, req *Request, text string) error {
	_, err := r.d.Gateway.Post(ctx, req.Chat, kit.Payload{Text: text, DisablePreview: true})
	return err
}

// enroll adds the sender to the roster, keeping any name already known.
func (r *Router) enroll(ctx context.Context, req *Request) error {
	if r.d.Roster == nil {
		return nil
	}
	return r.d.Roster.PutRecipient(ctx, model.Recipient{UserID: req.FromID, DisplayName: req.FromName})
}

func (r *Router) cmdStart(ctx context.Context, req *Request) error {
	if err := r.enroll(ctx, req); err != nil {
		return err
	}
	return r.reply(ctx, req, "You're on the attendance list. Each new event arrives here as a direct message.")
}

func (r *Router) cmdStop(ctx context.Context, req *Request) error {
	if r.d.Roster == nil {
		return nil
	}
	err := r.d.Roster.DeleteRecipient(ctx, req.FromID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return r.reply(ctx, req, "You're not on the attendance list.")
	case err != nil:
		return err
	}
	return r.reply(ctx, req, "You've left the attendance list. Send /start to join again.")
}

func (r *Router) cmdEvents(ctx context.Context, req *Request) error {
	evs := r.d.Events.Events()
	if len(evs) == 0 {
		return r.reply(ctx, req, "There are no active events right now.")
	}
	var b strings.Builder
	b.WriteString("Active events:\n")
	for _, ev := range evs {
		fmt.Fprintf(&b, "\n#%d %s\n%s", ev.ID, tgui.FirstLine(ev.Message, 60), ev.StartsAt.Format("Mon 01/02 03:04 PM MST"))
		if t, err := r.d.Events.Tally(ctx, ev.ID); err == nil {
			fmt.Fprintf(&b, " | YES %d | NO %d", t.Yes, t.No)
		}
		b.WriteByte('\n')
	}
	return r.reply(ctx, req, b.String())
}

func (r *Router) cmdHelp(ctx context.Context, req *Request) error {
	var b strings.Builder
	b.WriteString("Answer an event with the buttons in its message, or type YES or NO.\n")
	b.WriteString("With several events active, add the Event ID: YES 7 or NO 7.\n\n")
	for _, c := range r.list {
		fmt.Fprintf(&b, "/%s - %s\n", c.Name, c.Description)
	}
	return r.reply(ctx, req, b.String())
}

func (r *Router) handleReply(ctx context.Context, req *Request) error {
	active := r.d.Events.ActiveIDs()
	id, choice, ok := attendance.ParseReply(req.Text, active)
	if !ok {
		return nil
	}
	if id == 0 {
		if len(active) == 0 {
			return r.reply(ctx, req, "There are no active events right now.")
		}
		return r.reply(ctx, req, ambiguousText(active))
	}

	if err := r.record(ctx, req, id, choice); err != nil {
		if msg, ok := userError(id, err); ok {
			return r.reply(ctx, req, msg)
		}
		return err
	}
	return r.reply(ctx, req, fmt.Sprintf("Attendance recorded: %s for Event ID %d", strings.ToUpper(string(choice)), id))
}

func (r *Router) handleCallback(ctx context.Context, req *Request) error {
	cb := req.Update.Callback
	if !attendance.IsChoiceData(req.Text) {
		return r.d.Gateway.AnswerCallback(ctx, cb.ID, "")
	}
	id, choice, err := attendance.DecodeChoiceData(req.Text)
	if err != nil {
		_ = r.d.Gateway.AnswerCallback(ctx, cb.ID, "That button is no longer valid.")
		return err
	}

	if err := r.record(ctx, req, id, choice); err != nil {
		if msg, ok := userError(id, err); ok {
			return r.d.Gateway.AnswerCallback(ctx, cb.ID, msg)
		}
		_ = r.d.Gateway.AnswerCallback(ctx, cb.ID, "Something went wrong, try again.")
		return err
	}
	return r.d.Gateway.AnswerCallback(ctx, cb.ID, fmt.Sprintf("Recorded: %s for Event ID %d", strings.ToUpper(string(choice)), id))
}

// record stores the answer, enrolls unknown senders and refreshes the
// announcement. Enrollment and refresh failures are logged only.
func (r *Router) record(ctx context.Context, req *Request, id int64, choice model.Choice) error {
	if _, err := r.d.Recorder.Record(ctx, req.FromID, id, choice); err != nil {
		return err
	}
	if err := r.enroll(ctx, req); err != nil {
		req.Logger.Warn("sender not enrolled", logx.Err(err))
	}
	if err := r.d.Events.Refresh(ctx, id); err != nil {
		req.Logger.Warn("announcement refresh failed", logx.EventID(id), logx.Err(err))
	}
	return nil
}

func userError(id int64, err error) (string, bool) {
	switch {
	case errors.Is(err, attendance.ErrUnknownEvent):
		return fmt.Sprintf("Event ID %d not found.", id), true
	case errors.Is(err, lockreg.ErrContentionTimeout), errors.Is(err, storage.ErrPoolExhausted):
		return "Busy right now, please try again.", true
	}
	return "", false
}

func ambiguousText(active []int64) string {
	ids := make([]string, len(active))
	for i, id := range active {
		ids[i] = strconv.FormatInt(id, 10)
	}
	return fmt.Sprintf("Multiple events active. Please specify Event ID.\nExample: YES %d or NO %d\n\nActive Events: %s",
		active[0], active[0], strings.Join(ids, ", "))
}
