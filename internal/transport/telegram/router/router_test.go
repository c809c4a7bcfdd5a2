package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollcall/internal/attendance"
	"rollcall/internal/lockreg"
	"rollcall/internal/model"
	"rollcall/internal/storage"
	kit "rollcall/internal/transport"
)

type posted struct {
	to   kit.ChatTarget
	text string
}

type fakeGateway struct {
	mu      sync.Mutex
	posts   []posted
	answers map[string]string
	menu    []kit.BotCommand
}

func (g *fakeGateway) Post(_ context.Context, to kit.ChatTarget, p kit.Payload) (kit.MessageRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.posts = append(g.posts, posted{to: to, text: p.Text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(g.posts)}, nil
}

func (g *fakeGateway) AnswerCallback(_ context.Context, id, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.answers == nil {
		g.answers = map[string]string{}
	}
	g.answers[id] = text
	return nil
}

func (g *fakeGateway) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.menu = cmds
	return nil
}

func (g *fakeGateway) last() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.posts) == 0 {
		return ""
	}
	return g.posts[len(g.posts)-1].text
}

func (g *fakeGateway) answer(id string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.answers[id]
	return s, ok
}

type recorded struct {
	owner, event int64
	choice       model.Choice
}

type fakeRecorder struct {
	mu    sync.Mutex
	known map[int64]bool
	err   error
	got   []recorded
}

func (f *fakeRecorder) Record(_ context.Context, owner, eventID int64, choice model.Choice) (model.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return model.Response{}, f.err
	}
	if !f.known[eventID] {
		return model.Response{}, attendance.ErrUnknownEvent
	}
	f.got = append(f.got, recorded{owner, eventID, choice})
	return model.Response{OwnerID: owner, EventID: eventID, Choice: choice}, nil
}

type fakeEvents struct {
	evs       []model.Event
	refreshed []int64
}

func (f *fakeEvents) Events() []model.Event { return f.evs }

func (f *fakeEvents) ActiveIDs() []int64 {
	ids := make([]int64, 0, len(f.evs))
	for _, ev := range f.evs {
		ids = append(ids, ev.ID)
	}
	return ids
}

func (f *fakeEvents) Refresh(_ context.Context, id int64) error {
	f.refreshed = append(f.refreshed, id)
	return nil
}

func (f *fakeEvents) Tally(_ context.Context, id int64) (model.Tally, error) {
	return model.Tally{EventID: id, Yes: 2, No: 1}, nil
}

type fakeRoster struct {
	members map[int64]model.Recipient
}

func (f *fakeRoster) PutRecipient(_ context.Context, r model.Recipient) error {
	f.members[r.UserID] = r
	return nil
}

func (f *fakeRoster) DeleteRecipient(_ context.Context, id int64) error {
	if _, ok := f.members[id]; !ok {
		return storage.ErrNotFound
	}
	delete(f.members, id)
	return nil
}

type harness struct {
	r      *Router
	gw     *fakeGateway
	rec    *fakeRecorder
	events *fakeEvents
	roster *fakeRoster
}

func newHarness(active ...int64) *harness {
	h := &harness{
		gw:     &fakeGateway{},
		rec:    &fakeRecorder{known: map[int64]bool{}},
		events: &fakeEvents{},
		roster: &fakeRoster{members: map[int64]model.Recipient{}},
	}
	for _, id := range active {
		h.rec.known[id] = true
		h.events.evs = append(h.events.evs, model.Event{
			ID:       id,
			Message:  "Practice",
			StartsAt: time.Date(2025, 11, 1, 18, 0, 0, 0, time.UTC),
			State:    model.StateCountingDown,
		})
	}
	h.r = New(Deps{Gateway: h.gw, Recorder: h.rec, Events: h.events, Roster: h.roster})
	return h
}

// handle runs an update synchronously through the matched handler.
func (h *harness) handle(t *testing.T, up kit.Update) error {
	t.Helper()
	req, fn := h.r.match(up)
	if req == nil {
		return nil
	}
	return fn(context.Background(), req)
}

func dm(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ChatID: from, FromID: from, FromName: "user", Text: text, Private: true,
	}}
}

func press(id string, from int64, data string) kit.Update {
	return kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
		ID: id, FromID: from, FromName: "presser", ChatID: from, Data: data,
	}}
}

func TestReplySingleActiveEvent(t *testing.T) {
	h := newHarness(7)
	require.NoError(t, h.handle(t, dm(42, "yes")))

	require.Len(t, h.rec.got, 1)
	assert.Equal(t, recorded{42, 7, model.ChoiceYes}, h.rec.got[0])
	assert.Equal(t, "Attendance recorded: YES for Event ID 7", h.gw.last())
	assert.Equal(t, []int64{7}, h.events.refreshed)
	assert.Contains(t, h.roster.members, int64(42))
}

func TestReplyNeedsEventID(t *testing.T) {
	h := newHarness(7, 8)
	require.NoError(t, h.handle(t, dm(42, "NO")))
	assert.Empty(t, h.rec.got)
	assert.Equal(t, "Multiple events active. Please specify Event ID.\nExample: YES 7 or NO 7\n\nActive Events: 7, 8", h.gw.last())

	require.NoError(t, h.handle(t, dm(42, "no 8")))
	assert.Equal(t, "Attendance recorded: NO for Event ID 8", h.gw.last())
}

func TestReplyEdgeCases(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.handle(t, dm(42, "yes")))
	assert.Equal(t, "There are no active events right now.", h.gw.last())

	require.NoError(t, h.handle(t, dm(42, "YES 99")))
	assert.Equal(t, "Event ID 99 not found.", h.gw.last())

	before := len(h.gw.posts)
	require.NoError(t, h.handle(t, dm(42, "maybe later")))
	assert.Len(t, h.gw.posts, before)
}

func TestGroupTextIgnored(t *testing.T) {
	h := newHarness(7)
	up := dm(42, "yes")
	up.Message.Private = false
	up.Message.ChatID = -100123
	req, _ := h.r.match(up)
	assert.Nil(t, req)
}

func TestCallbackRecordsChoice(t *testing.T) {
	h := newHarness(7)
	require.NoError(t, h.handle(t, press("cb1", 42, attendance.EncodeChoiceData(7, model.ChoiceNo))))

	require.Len(t, h.rec.got, 1)
	assert.Equal(t, model.ChoiceNo, h.rec.got[0].choice)
	msg, ok := h.gw.answer("cb1")
	require.True(t, ok)
	assert.Equal(t, "Recorded: NO for Event ID 7", msg)
	assert.Equal(t, "presser", h.roster.members[42].DisplayName)
}

func TestCallbackErrors(t *testing.T) {
	h := newHarness(7)

	require.NoError(t, h.handle(t, press("cb1", 42, attendance.EncodeChoiceData(9, model.ChoiceYes))))
	msg, _ := h.gw.answer("cb1")
	assert.Equal(t, "Event ID 9 not found.", msg)

	h.rec.err = lockreg.ErrContentionTimeout
	require.NoError(t, h.handle(t, press("cb2", 42, attendance.EncodeChoiceData(7, model.ChoiceYes))))
	msg, _ = h.gw.answer("cb2")
	assert.Equal(t, "Busy right now, please try again.", msg)

	h.rec.err = errors.New("disk full")
	assert.Error(t, h.handle(t, press("cb3", 42, attendance.EncodeChoiceData(7, model.ChoiceYes))))
	msg, _ = h.gw.answer("cb3")
	assert.Equal(t, "Something went wrong, try again.", msg)

	require.NoError(t, h.handle(t, press("cb4", 42, "other:thing")))
	msg, ok := h.gw.answer("cb4")
	assert.True(t, ok)
	assert.Empty(t, msg)
}

func TestStartStopCommands(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.handle(t, dm(42, "/start")))
	assert.Contains(t, h.roster.members, int64(42))
	assert.Contains(t, h.gw.last(), "on the attendance list")

	require.NoError(t, h.handle(t, dm(42, "/stop@rollcall_bot")))
	assert.NotContains(t, h.roster.members, int64(42))
	assert.Contains(t, h.gw.last(), "left the attendance list")

	require.NoError(t, h.handle(t, dm(42, "/stop")))
	assert.Equal(t, "You're not on the attendance list.", h.gw.last())
}

func TestEventsAndHelp(t *testing.T) {
	h := newHarness(7)
	require.NoError(t, h.handle(t, dm(42, "/events")))
	assert.Contains(t, h.gw.last(), "#7 Practice")
	assert.Contains(t, h.gw.last(), "YES 2 | NO 1")

	require.NoError(t, h.handle(t, dm(42, "/help")))
	for _, name := range []string{"/start", "/stop", "/events", "/help"} {
		assert.Contains(t, h.gw.last(), name)
	}

	req, _ := h.r.match(dm(42, "/unknown"))
	assert.Nil(t, req)
}

func TestRunProcessesUpdates(t *testing.T) {
	h := newHarness(7)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan kit.Update, 1)
	done := make(chan error, 1)
	go func() { done <- h.r.Run(ctx, updates) }()

	updates <- press("cb1", 42, attendance.EncodeChoiceData(7, model.ChoiceYes))
	require.Eventually(t, func() bool {
		_, ok := h.gw.answer("cb1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		h.gw.mu.Lock()
		defer h.gw.mu.Unlock()
		return len(h.gw.menu) > 0
	}, 2*time.Second, 10*time.Millisecond)

	close(updates)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("router did not stop")
	}

	h.gw.mu.Lock()
	defer h.gw.mu.Unlock()
	names := make([]string, 0, len(h.gw.menu))
	for _, c := range h.gw.menu {
		names = append(names, c.Command)
	}
	assert.Equal(t, []string{"events", "help", "start", "stop"}, names)
}

func TestSanitizeCommand(t *testing.T) {
	cases := map[string]string{
		"Start":      "start",
		"my-command": "my_command",
		"  a  b ":    "a_b",
		"9lives":     "cmd_9lives",
		"!!!":        "",
		"x__y":       "x_y",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeCommand(in), in)
	}
}
