package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"rollcall/internal/attendance"
	"rollcall/internal/model"
	kit "rollcall/internal/transport"
	"rollcall/pkg/tgui"
)

const (
	DefaultTitle         = "Attendance"
	DefaultPrimaryZone   = "America/Los_Angeles"
	DefaultSecondaryZone = "America/New_York"

	startedText = "Event has started!"
)

// Display holds the zones event times are rendered in.
type Display struct {
	Primary   *time.Location
	Secondary *time.Location
}

// LoadDisplay resolves zone names, falling back to the defaults for empty names.
func LoadDisplay(primary, secondary string) (Display, error) {
	if strings.TrimSpace(primary) == "" {
		primary = DefaultPrimaryZone
	}
	if strings.TrimSpace(secondary) == "" {
		secondary = DefaultSecondaryZone
	}
	p, err := time.LoadLocation(primary)
	if err != nil {
		return Display{}, fmt.Errorf("primary zone %q: %w", primary, err)
	}
	s, err := time.LoadLocation(secondary)
	if err != nil {
		return Display{}, fmt.Errorf("secondary zone %q: %w", secondary, err)
	}
	return Display{Primary: p, Secondary: s}, nil
}

// FormatEventTime renders "Monday 10/30/2025 07:00 PM PST | 10:00 PM EST".
func (d Display) FormatEventTime(t time.Time) string {
	p := t.In(d.Primary)
	s := t.In(d.Secondary)
	return p.Format("Monday 01/02/2006 03:04 PM MST") + " | " + s.Format("03:04 PM MST")
}

// Countdown renders the time left until the event, or startedText once it
// has passed.
func Countdown(remaining time.Duration) string {
	if remaining <= 0 {
		return startedText
	}
	total := int64(remaining / time.Second)
	days := total / 86400
	hours := (total % 86400) / 3600
	minutes := (total % 3600) / 60
	switch {
	case days > 0:
		return fmt.Sprintf("Event is in: %dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("Event is in: %dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("Event is in: %dm", minutes)
	}
}

// RenderAnnouncement builds the public message for ev as of now.
func RenderAnnouncement(title string, d Display, ev model.Event, t model.Tally, now time.Time) kit.Payload {
	if title == "" {
		title = DefaultTitle
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s (check your DM to confirm)</b>\n\n", tgui.Esc(title))
	b.WriteString(tgui.Esc(ev.Message).String())
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "<b>Event Time:</b> %s\n", d.FormatEventTime(ev.StartsAt))
	fmt.Fprintf(&b, "<b>%s</b>\n\n", Countdown(ev.StartsAt.Sub(now)))
	fmt.Fprintf(&b, "<b>YES:</b> %d | <b>NO:</b> %d\n\n", t.Yes, t.No)
	if ev.Targeted {
		if len(t.YesNames) > 0 {
			fmt.Fprintf(&b, "<b>YES (%d):</b> %s\n\n", t.Yes, tgui.EscJoin(", ", t.YesNames))
		}
		if len(t.NoNames) > 0 {
			fmt.Fprintf(&b, "<b>NO (%d):</b> %s\n\n", t.No, tgui.EscJoin(", ", t.NoNames))
		}
	}
	fmt.Fprintf(&b, "Event ID: %d", ev.ID)
	return kit.Payload{Text: b.String(), ParseMode: "HTML", DisablePreview: true}
}

// RenderDirect builds the direct message each recipient gets, with answer buttons.
func RenderDirect(title string, d Display, ev model.Event) kit.Payload {
	if title == "" {
		title = DefaultTitle
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s (Event ID: %d)</b>\n\n", tgui.Esc(title), ev.ID)
	b.WriteString(tgui.Esc(ev.Message).String())
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "<b>Event Time:</b> %s\n\n", d.FormatEventTime(ev.StartsAt))
	b.WriteString("<b>Please confirm your attendance with the buttons below, or by typing YES or NO.</b>\n")
	fmt.Fprintf(&b, "If there are multiple attendance events, answer <b>YES %d</b> or <b>NO %d</b> with the Event ID.", ev.ID, ev.ID)
	return kit.Payload{
		Text:           b.String(),
		ParseMode:      "HTML",
		DisablePreview: true,
		Buttons: [][]kit.Button{{
			{Text: "YES", Data: attendance.EncodeChoiceData(ev.ID, model.ChoiceYes)},
			{Text: "NO", Data: attendance.EncodeChoiceData(ev.ID, model.ChoiceNo)},
		}},
	}
}
