// Package router turns inbound gateway updates into attendance actions:
// button callbacks and YES/NO replies become recorded responses, slash
// commands manage roster membership.
package router

import (
	"context"
	"math/rand/v2"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"rollcall/internal/model"
	"rollcall/internal/runtime/supervisor"
	kit "rollcall/internal/transport"
	logx "rollcall/pkg/logx"
)

// Responder is the part of the gateway the router answers through.
type Responder interface {
	Post(ctx context.Context, to kit.ChatTarget, p kit.Payload) (kit.MessageRef, error)
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

type Recorder interface {
	Record(ctx context.Context, owner, eventID int64, choice model.Choice) (model.Response, error)
}

// Events is the scheduler view the router needs.
type Events interface {
	Events() []model.Event
	ActiveIDs() []int64
	Refresh(ctx context.Context, id int64) error
	Tally(ctx context.Context, id int64) (model.Tally, error)
}

type Roster interface {
	PutRecipient(ctx context.Context, r model.Recipient) error
	DeleteRecipient(ctx context.Context, userID int64) error
}

type Deps struct {
	Gateway  Responder
	Recorder Recorder
	Events   Events
	Roster   Roster
	Logger   logx.Logger
	// Timeout bounds a single handler. Zero means 15s.
	Timeout time.Duration
	// Workers defaults to NumCPU, at least 2.
	Workers int
}

type Command struct {
	Name        string
	Description string
	Handle      HandlerFunc
}

type Router struct {
	d    Deps
	log  logx.Logger
	cmds map[string]Command
	list []Command

	jobs chan func()
}

func New(d Deps) *Router {
	if d.Logger.IsZero() {
		d.Logger = logx.Nop()
	}
	if d.Timeout <= 0 {
		d.Timeout = 15 * time.Second
	}
	if d.Workers <= 0 {
		d.Workers = max(2, runtime.NumCPU())
	}
	r := &Router{
		d:    d,
		log:  d.Logger.With(logx.Component("router")),
		jobs: make(chan func(), 256),
	}
	r.register(r.commands()...)
	return r
}

func (r *Router) register(cmds ...Command) {
	r.cmds = map[string]Command{}
	for _, c := range cmds {
		if c.Name == "" || c.Handle == nil {
			continue
		}
		r.cmds[c.Name] = c
		r.list = append(r.list, c)
	}
}

// Run routes updates until ctx ends or updates closes. Handlers run on a
// bounded worker pool.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := supervisor.New(ctx,
		supervisor.WithLogger(r.log),
		supervisor.WithCancelOnError(false),
	)
	r.log.Info("router started", logx.Int("workers", r.d.Workers), logx.Int("job_queue_cap", cap(r.jobs)))

	if up, ok := r.d.Gateway.(kit.CommandMenuUpdater); ok {
		sup.Go("router.menu", func(ctx context.Context) error {
			mctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(mctx, menuCommands(r.list)); err != nil {
				r.log.Warn("menu update failed", logx.Err(err))
			}
			return nil
		})
	}

	for i := 0; i < r.d.Workers; i++ {
		idx := i
		sup.GoRestart("router.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in router job", logx.Int("worker", idx), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("router stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.Route(ctx, up)
		}
	}
}

func (r *Router) enqueue(fn func()) bool {
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// Route builds the request for up and queues its handler.
func (r *Router) Route(ctx context.Context, up kit.Update) {
	req, h := r.match(up)
	if req == nil {
		return
	}
	final := Chain(h,
		MWRecover(r.log),
		MWObserve(r.log, 750*time.Millisecond),
		MWTimeout(r.d.Timeout),
	)
	if !r.enqueue(func() { _ = final(ctx, req) }) {
		r.log.Warn("router queue full, update dropped", logx.String("cmd", req.Command), logx.Int64("from_id", req.FromID))
		if up.Kind == kit.UpdateCallback && up.Callback != nil {
			_ = r.d.Gateway.AnswerCallback(ctx, up.Callback.ID, "Busy, try again")
		}
	}
}

// match resolves an update to a request and its handler. It returns nil for
// updates the router ignores.
func (r *Router) match(up kit.Update) (*Request, HandlerFunc) {
	switch up.Kind {
	case kit.UpdateCallback:
		cb := up.Callback
		if cb == nil {
			return nil, nil
		}
		req := r.newRequest(up, kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}, cb.FromID, cb.FromName, "callback")
		req.Text = strings.TrimSpace(cb.Data)
		return req, r.handleCallback

	case kit.UpdateMessage:
		msg := up.Message
		if msg == nil || msg.FromID == 0 {
			return nil, nil
		}
		text := strings.TrimSpace(msg.Text)
		chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
		name := msg.FromName
		if name == "" {
			name = msg.FromUsername
		}
		if strings.HasPrefix(text, "/") {
			fields := strings.Fields(text)
			word := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
			if i := strings.IndexByte(word, '@'); i >= 0 {
				word = word[:i]
			}
			cmd, ok := r.cmds[word]
			if !ok {
				return nil, nil
			}
			req := r.newRequest(up, chat, msg.FromID, name, word)
			req.Args = fields[1:]
			req.Text = text
			return req, cmd.Handle
		}
		// Free-text answers are only read in direct chats.
		if !msg.Private || text == "" {
			return nil, nil
		}
		req := r.newRequest(up, chat, msg.FromID, name, "reply")
		req.Text = text
		return req, r.handleReply
	}
	return nil, nil
}

func (r *Router) newRequest(up kit.Update, chat kit.ChatTarget, from int64, name, cmd string) *Request {
	rid := newReqID()
	return &Request{
		Update:   up,
		Chat:     chat,
		FromID:   from,
		FromName: name,
		Command:  cmd,
		ReqID:    rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Owner(from),
			logx.String("cmd", cmd),
		),
	}
}

var ridSeq atomic.Uint64

// newReqID is a short id for correlating log lines: base36 time, sequence
// and two random characters.
func newReqID() string {
	const alpha = "abcdefghijklmnopqrstuvwxyz0123456789"
	n := ridSeq.Add(1)
	var b strings.Builder
	b.WriteString(strconv.FormatInt(time.Now().UnixNano(), 36))
	b.WriteByte('-')
	b.WriteString(strconv.FormatUint(n, 36))
	for i := 0; i < 2; i++ {
		b.WriteByte(alpha[rand.IntN(len(alpha))])
	}
	return b.String()
}
