// Package admin serves the operator HTTP API: event create/delete/resend,
// tallies, roster and settings writes, Prometheus metrics and health.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"rollcall/internal/attendance"
	"rollcall/internal/dispatch"
	"rollcall/internal/lifecycle"
	"rollcall/internal/lockreg"
	"rollcall/internal/metrics"
	"rollcall/internal/model"
	"rollcall/internal/storage"
	logx "rollcall/pkg/logx"
)

// Events is the scheduler surface the API drives.
type Events interface {
	Create(ctx context.Context, spec lifecycle.Spec) (model.Event, error)
	Delete(ctx context.Context, id int64) error
	Resend(ctx context.Context, id, recipient int64) (dispatch.Outcome, error)
	Tally(ctx context.Context, id int64) (model.Tally, error)
	Get(ctx context.Context, id int64) (model.Event, error)
	Events() []model.Event
	Reset(ctx context.Context) (int64, error)
}

type Roster interface {
	PutRecipient(ctx context.Context, r model.Recipient) error
	DeleteRecipient(ctx context.Context, userID int64) error
	ListRecipients(ctx context.Context) ([]model.Recipient, error)
}

// Settings writes through the cache so the next read sees the new value.
type Settings interface {
	Set(ctx context.Context, key, value string) error
}

type API struct {
	events   Events
	roster   Roster
	settings Settings
	log      logx.Logger
	now      func() time.Time
}

func NewAPI(events Events, roster Roster, settings Settings, log logx.Logger) *API {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &API{events: events, roster: roster, settings: settings, log: log, now: time.Now}
}

// Routes registers the API on mux. wrap is applied to every route except
// /healthz.
func (a *API) Routes(mux *http.ServeMux, wrap func(http.HandlerFunc) http.HandlerFunc) {
	if wrap == nil {
		wrap = func(h http.HandlerFunc) http.HandlerFunc { return h }
	}
	route := func(pattern string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, wrap(a.instrument(pattern, h)))
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "active_events": len(a.events.Events())})
	})
	mux.Handle("GET /metrics", wrap(metrics.Handler().ServeHTTP))

	route("POST /v1/events", a.createEvent)
	route("GET /v1/events", a.listEvents)
	route("GET /v1/events/{id}", a.getEvent)
	route("DELETE /v1/events/{id}", a.deleteEvent)
	route("POST /v1/events/{id}/resend", a.resend)
	route("GET /v1/events/{id}/tally", a.tally)
	route("GET /v1/recipients", a.listRecipients)
	route("PUT /v1/recipients/{id}", a.putRecipient)
	route("DELETE /v1/recipients/{id}", a.deleteRecipient)
	route("PUT /v1/settings/{key}", a.putSetting)
	route("POST /v1/reset", a.reset)
}

// Handler returns the API on a fresh mux without authentication.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	a.Routes(mux, nil)
	return mux
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (a *API) instrument(pattern string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := metrics.NewTimer()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		metrics.APIRequestsTotal.WithLabelValues(pattern, strconv.Itoa(sw.status)).Inc()
		t.ObserveDuration(metrics.APIRequestDuration.WithLabelValues(pattern))
		if sw.status >= 500 {
			a.log.Warn("admin request failed", logx.String("route", pattern), logx.Int("status", sw.status), logx.Duration("dur", t.Duration()))
		} else {
			a.log.Debug("admin request", logx.String("route", pattern), logx.Int("status", sw.status), logx.Duration("dur", t.Duration()))
		}
	}
}

// CreateRequest is the body of POST /v1/events.
type CreateRequest struct {
	Message    string    `json:"message"`
	StartsAt   time.Time `json:"starts_at"`
	Recurrence string    `json:"recurrence,omitempty"`
	Recipients []int64   `json:"recipients,omitempty"`
	Targeted   bool      `json:"targeted,omitempty"`
	TargetChat int64     `json:"target_chat,omitempty"`
}

func (a *API) createEvent(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.StartsAt.IsZero() {
		writeError(w, http.StatusBadRequest, errors.New("starts_at is required"))
		return
	}
	ev, err := a.events.Create(r.Context(), lifecycle.Spec{
		Message:    req.Message,
		StartsAt:   req.StartsAt,
		Recurrence: req.Recurrence,
		Recipients: req.Recipients,
		Targeted:   req.Targeted,
		TargetChat: req.TargetChat,
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (a *API) listEvents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.events.Events())
}

func (a *API) getEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ev, err := a.events.Get(r.Context(), id)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (a *API) deleteEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.events.Delete(r.Context(), id); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type ResendRequest struct {
	Recipient int64 `json:"recipient"`
}

func (a *API) resend(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req ResendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Recipient == 0 {
		writeError(w, http.StatusBadRequest, errors.New("recipient is required"))
		return
	}
	out, err := a.events.Resend(r.Context(), id, req.Recipient)
	if err != nil {
		a.fail(w, err)
		return
	}
	status := http.StatusOK
	if out.Status != dispatch.StatusSent {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, out)
}

func (a *API) tally(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	t, err := a.events.Tally(r.Context(), id)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) listRecipients(w http.ResponseWriter, r *http.Request) {
	list, err := a.roster.ListRecipients(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type RecipientRequest struct {
	DisplayName string `json:"display_name,omitempty"`
}

func (a *API) putRecipient(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req RecipientRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	rec := model.Recipient{UserID: id, DisplayName: strings.TrimSpace(req.DisplayName), JoinedAt: a.now().UTC()}
	if err := a.roster.PutRecipient(r.Context(), rec); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) deleteRecipient(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.roster.DeleteRecipient(r.Context(), id); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type SettingRequest struct {
	Value string `json:"value"`
}

func (a *API) putSetting(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, errors.New("key is required"))
		return
	}
	var req SettingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.settings.Set(r.Context(), key, req.Value); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": req.Value})
}

func (a *API) reset(w http.ResponseWriter, r *http.Request) {
	n, err := a.events.Reset(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	a.log.Warn("all events reset via admin API", logx.Int64("deleted", n))
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// StatusFor maps domain errors to HTTP status codes.
func StatusFor(err error) int {
	var serr *lifecycle.ScheduleError
	switch {
	case errors.Is(err, storage.ErrPoolExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, lockreg.ErrContentionTimeout), errors.Is(err, lifecycle.ErrClosed), errors.Is(err, lifecycle.ErrDeleted):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrNotFound), errors.Is(err, storage.ErrNotFound), errors.Is(err, attendance.ErrUnknownEvent):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInPast), errors.Is(err, lifecycle.ErrEmptyMessage), errors.Is(err, lifecycle.ErrNoChat),
		errors.Is(err, attendance.ErrInvalidChoice):
		return http.StatusBadRequest
	case errors.As(err, &serr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (a *API) fail(w http.ResponseWriter, err error) {
	code := StatusFor(err)
	if code >= 500 {
		a.log.Error("admin request error", logx.Int("status", code), logx.Err(err))
	}
	writeError(w, code, err)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

const maxBody = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid id %q", r.PathValue("id")))
		return 0, false
	}
	return id, true
}
