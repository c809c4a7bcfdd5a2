package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"rollcall/internal/admin"
	"rollcall/internal/model"
	"rollcall/pkg/tgui"
)

func addClientFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("addr", envOr("ROLLCALL_ADDR", admin.DefaultAddr), "admin API address (env ROLLCALL_ADDR)")
	f.String("token", os.Getenv("ROLLCALL_TOKEN"), "admin API bearer token (env ROLLCALL_TOKEN)")
	f.Duration("timeout", 30*time.Second, "request timeout")
	f.Bool("json", false, "print raw JSON")
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// clientFor builds an admin client and a request context from the
// persistent flags.
func clientFor(cmd *cobra.Command) (*admin.Client, context.Context, context.CancelFunc) {
	addr, _ := cmd.Flags().GetString("addr")
	token, _ := cmd.Flags().GetString("token")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	return admin.NewClient(addr, token), ctx, cancel
}

func wantJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(s), "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

// parseStart accepts RFC 3339 or "YYYY-MM-DD HH:MM" in loc.
func parseStart(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02 15:04", raw, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid start time %q: use RFC 3339 or \"YYYY-MM-DD HH:MM\"", raw)
	}
	return t, nil
}

// Event commands
var eventCmd = &cobra.Command{
	Use:     "event",
	Aliases: []string{"events"},
	Short:   "Manage events",
}

var eventCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an event and notify its recipients",
	Example: `  rollcall event create -m "Sunday practice" --at "2025-11-02 09:00" --tz America/Los_Angeles
  rollcall event create -m "Standup" --in 90m --recurrence "FREQ=WEEKLY;COUNT=4"
  rollcall event create -m "Leads only" --in 2h --recipient 42 --recipient 43 --chat -100123`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		msg, _ := cmd.Flags().GetString("message")
		at, _ := cmd.Flags().GetString("at")
		in, _ := cmd.Flags().GetDuration("in")
		tz, _ := cmd.Flags().GetString("tz")
		rec, _ := cmd.Flags().GetString("recurrence")
		recipients, _ := cmd.Flags().GetInt64Slice("recipient")
		chat, _ := cmd.Flags().GetInt64("chat")

		var startsAt time.Time
		switch {
		case at != "" && in > 0:
			return fmt.Errorf("use either --at or --in")
		case at != "":
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return fmt.Errorf("--tz: %w", err)
			}
			if startsAt, err = parseStart(at, loc); err != nil {
				return err
			}
		case in > 0:
			startsAt = time.Now().Add(in)
		default:
			return fmt.Errorf("one of --at or --in is required")
		}

		c, ctx, cancel := clientFor(cmd)
		defer cancel()
		ev, err := c.CreateEvent(ctx, admin.CreateRequest{
			Message:    msg,
			StartsAt:   startsAt,
			Recurrence: rec,
			Recipients: recipients,
			Targeted:   chat != 0 || len(recipients) > 0,
			TargetChat: chat,
		})
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), ev)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Event #%d created, starts %s\n", ev.ID, ev.StartsAt.Local().Format(time.RFC1123))
		return nil
	},
}

var eventListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List active events",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel := clientFor(cmd)
		defer cancel()
		evs, err := c.ListEvents(ctx)
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), evs)
		}
		if len(evs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No active events")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTARTS\tSTATE\tMESSAGE")
		for _, ev := range evs {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", ev.ID, ev.StartsAt.Local().Format("2006-01-02 15:04"), ev.State, tgui.FirstLine(ev.Message, 48))
		}
		return w.Flush()
	},
}

var eventGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show one event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		c, ctx, cancel := clientFor(cmd)
		defer cancel()
		ev, err := c.GetEvent(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), ev)
	},
}

var eventDeleteCmd = &cobra.Command{
	Use:     "delete ID",
	Aliases: []string{"rm"},
	Short:   "Cancel an active event and free its id",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		c, ctx, cancel := clientFor(cmd)
		defer cancel()
		if err := c.DeleteEvent(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Event #%d deleted\n", id)
		return nil
	},
}

var eventResendCmd = &cobra.Command{
	Use:   "resend ID",
	Short: "Send the direct message for an event to one recipient again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		to, _ := cmd.Flags().GetInt64("to")
		c, ctx, cancel := clientFor(cmd)
		defer cancel()
		out, err := c.Resend(ctx, id, to)
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), out)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Sent to %d after %d attempt(s)\n", out.RecipientID, out.Attempts)
		return nil
	},
}

var eventTallyCmd = &cobra.Command{
	Use:   "tally ID",
	Short: "Show the YES/NO counts for an event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		c, ctx, cancel := clientFor(cmd)
		defer cancel()
		t, err := c.Tally(ctx, id)
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), t)
		}
		writeTally(cmd.OutOrStdout(), t)
		return nil
	},
}

var eventResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete every event and restart ids at 1",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("reset deletes every event; pass --yes to confirm")
		}
		c, ctx, cancel := clientFor(cmd)
		defer cancel()
		n, err := c.Reset(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %d event(s) deleted\n", n)
		return nil
	},
}

func writeTally(w io.Writer, t model.Tally) {
	fmt.Fprintf(w, "Event #%d: YES %d | NO %d | no response %d\n", t.EventID, t.Yes, t.No, t.NoResponse)
	if len(t.YesNames) > 0 {
		fmt.Fprintf(w, "  YES: %s\n", strings.Join(t.YesNames, ", "))
	}
	if len(t.NoNames) > 0 {
		fmt.Fprintf(w, "  NO:  %s\n", strings.Join(t.NoNames, ", "))
	}
}

// Recipient commands
var recipientCmd = &cobra.Command{
	Use:     "recipient",
	Aliases: []string{"recipients", "roster"},
	Short:   "Manage the roster",
}

var recipientListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List roster members",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel := clientFor(cmd)
		defer cancel()
		list, err := c.ListRecipients(ctx)
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), list)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "USER ID\tNAME\tJOINED")
		for _, r := range list {
			fmt.Fprintf(w, "%d\t%s\t%s\n", r.UserID, r.Name(), r.JoinedAt.Local().Format("2006-01-02"))
		}
		return w.Flush()
	},
}

var recipientAddCmd = &cobra.Command{
	Use:   "add USER_ID [NAME]",
	Short: "Add or rename a roster member",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		name := ""
		if len(args) > 1 {
			name = args[1]
		}
		c, ctx, cancel := clientFor(cmd)
		defer cancel()
		rec, err := c.PutRecipient(ctx, id, name)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is on the roster\n", rec.Name())
		return nil
	},
}

var recipientRemoveCmd = &cobra.Command{
	Use:     "remove USER_ID",
	Aliases: []string{"rm"},
	Short:   "Remove a roster member",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		c, ctx, cancel := clientFor(cmd)
		defer cancel()
		if err := c.DeleteRecipient(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %d removed\n", id)
		return nil
	},
}

// Setting commands
var settingCmd = &cobra.Command{
	Use:   "setting",
	Short: "Change runtime settings",
	Long: `Change runtime settings stored in the database.

Known keys:
  attendance_title    heading shown on announcements and direct messages
  announcement_chat   group chat for announcements, "<chat>" or "<chat>:<thread>"`,
}

var settingSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a setting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel := clientFor(cmd)
		defer cancel()
		if err := c.SetSetting(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s updated\n", args[0])
		return nil
	},
}

func init() {
	f := eventCreateCmd.Flags()
	f.StringP("message", "m", "", "event message (first line is the headline)")
	f.String("at", "", `start time, RFC 3339 or "YYYY-MM-DD HH:MM" in --tz`)
	f.Duration("in", 0, "start after this duration instead of --at")
	f.String("tz", "Local", "time zone for --at without an offset")
	f.String("recurrence", "", `RRULE for follow-up events, e.g. "FREQ=WEEKLY;COUNT=4"`)
	f.Int64Slice("recipient", nil, "restrict to these user ids (repeatable)")
	f.Int64("chat", 0, "announce in this chat instead of announcement_chat")
	_ = eventCreateCmd.MarkFlagRequired("message")

	eventResendCmd.Flags().Int64("to", 0, "recipient user id")
	_ = eventResendCmd.MarkFlagRequired("to")

	eventResetCmd.Flags().Bool("yes", false, "confirm deleting every event")

	eventCmd.AddCommand(eventCreateCmd, eventListCmd, eventGetCmd, eventDeleteCmd, eventResendCmd, eventTallyCmd, eventResetCmd)
	recipientCmd.AddCommand(recipientListCmd, recipientAddCmd, recipientRemoveCmd)
	settingCmd.AddCommand(settingSetCmd)
}
