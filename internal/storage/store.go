package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"rollcall/internal/model"
	logx "rollcall/pkg/logx"
)

// Store is the SQL-backed record of events, responses, roster, settings and
// delivery records. It is safe for concurrent use.
type Store struct {
	pool *Pool
	log  logx.Logger
}

// NewStore layers queries over an existing pool. Open is the usual entry point.
func NewStore(pool *Pool, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{pool: pool, log: log}
}

func (s *Store) Pool() *Pool { return s.pool }

func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	return s.pool.Close()
}

// Lowest unused positive id. A single INSERT ... SELECT keeps allocation
// atomic; the primary key is the backstop against duplicates.
const nextEventIDExpr = `COALESCE(
	(SELECT 1 WHERE NOT EXISTS (SELECT 1 FROM events WHERE id = 1)),
	(SELECT MIN(e.id) + 1 FROM events e WHERE NOT EXISTS (SELECT 1 FROM events f WHERE f.id = e.id + 1))
)`

const eventColumns = `id, series_id, message, starts_at, zone, recurrence, ann_chat, ann_thread, ann_msg,
	targeted, target_chat, state, last_error, created_at`

// InsertEvent allocates the lowest free id, persists ev and snapshots its
// recipient set. The stored event is returned with ID and CreatedAt set.
func (s *Store) InsertEvent(ctx context.Context, ev model.Event, recipients []int64) (model.Event, error) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	if ev.State == "" {
		ev.State = model.StateCreated
	}
	zone := "UTC"
	if loc := ev.StartsAt.Location(); loc != nil {
		zone = loc.String()
	}

	err := s.pool.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`INSERT INTO events(id, series_id, message, starts_at, zone, recurrence, ann_chat, ann_thread, ann_msg,
				targeted, target_chat, state, last_error, created_at)
			 VALUES(`+nextEventIDExpr+`,?,?,?,?,?,?,?,?,?,?,?,?,?)
			 RETURNING id`,
			nullStr(ev.SeriesID), ev.Message, ev.StartsAt.UnixMilli(), zone, nullStr(ev.Recurrence),
			ev.Announcement.ChatID, ev.Announcement.ThreadID, ev.Announcement.MessageID,
			boolInt(ev.Targeted), ev.TargetChat, string(ev.State), nullStr(ev.LastError), ev.CreatedAt.UnixMilli(),
		)
		if err := row.Scan(&ev.ID); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		for _, uid := range recipients {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO event_recipients(event_id, user_id) VALUES(?,?)`, ev.ID, uid); err != nil {
				return fmt.Errorf("insert event recipient: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return model.Event{}, err
	}
	return ev, nil
}

func (s *Store) GetEvent(ctx context.Context, id int64) (model.Event, error) {
	var ev model.Event
	err := s.pool.WithConn(ctx, func(c *Conn) error {
		rows, cancel, err := c.Query(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
		if err != nil {
			return err
		}
		defer cancel()
		defer rows.Close()
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return err
			}
			return ErrNotFound
		}
		ev, err = scanEvent(rows)
		return err
	})
	return ev, err
}

// ListEvents returns events in the given states (all when none given), ordered by id.
func (s *Store) ListEvents(ctx context.Context, states ...model.State) ([]model.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		q += ` WHERE state IN (` + placeholders(len(states)) + `)`
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	q += ` ORDER BY id`

	var out []model.Event
	err := s.pool.WithConn(ctx, func(c *Conn) error {
		rows, cancel, err := c.Query(ctx, q, args...)
		if err != nil {
			return err
		}
		defer cancel()
		defer rows.Close()
		for rows.Next() {
			ev, err := scanEvent(rows)
			if err != nil {
				return err
			}
			out = append(out, ev)
		}
		return rows.Err()
	})
	return out, err
}

// UpdateEventState sets state and last_error (cleared when lastErr is empty).
func (s *Store) UpdateEventState(ctx context.Context, id int64, state model.State, lastErr string) error {
	return s.execOne(ctx, `UPDATE events SET state = ?, last_error = ? WHERE id = ?`, string(state), nullStr(lastErr), id)
}

func (s *Store) SetAnnouncement(ctx context.Context, id int64, ref model.MessageRef) error {
	return s.execOne(ctx, `UPDATE events SET ann_chat = ?, ann_thread = ?, ann_msg = ? WHERE id = ?`,
		ref.ChatID, ref.ThreadID, ref.MessageID, id)
}

// DeleteEvent removes the event, freeing its id. Responses and recipient
// snapshots go with it.
func (s *Store) DeleteEvent(ctx context.Context, id int64) error {
	return s.execOne(ctx, `DELETE FROM events WHERE id = ?`, id)
}

// DeleteAllEvents removes every event and returns how many were removed.
func (s *Store) DeleteAllEvents(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.WithConn(ctx, func(c *Conn) error {
		res, err := c.Exec(ctx, `DELETE FROM events`)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// ClosedEventsBefore lists closed events whose start time is before t.
func (s *Store) ClosedEventsBefore(ctx context.Context, t time.Time) ([]int64, error) {
	var ids []int64
	err := s.pool.WithConn(ctx, func(c *Conn) error {
		rows, cancel, err := c.Query(ctx, `SELECT id FROM events WHERE state = ? AND starts_at < ? ORDER BY id`,
			string(model.StateClosed), t.UnixMilli())
		if err != nil {
			return err
		}
		defer cancel()
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}

func (s *Store) execOne(ctx context.Context, q string, args ...any) error {
	return s.pool.WithConn(ctx, func(c *Conn) error {
		res, err := c.Exec(ctx, q, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(r scanner) (model.Event, error) {
	var (
		ev                       model.Event
		seriesID, rec, lastErr   sql.NullString
		startsAt, createdAt      int64
		zone, state              string
		annChat, annMsg, tgtChat int64
		annThread, targeted      int
	)
	if err := r.Scan(&ev.ID, &seriesID, &ev.Message, &startsAt, &zone, &rec, &annChat, &annThread, &annMsg,
		&targeted, &tgtChat, &state, &lastErr, &createdAt); err != nil {
		return model.Event{}, err
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		loc = time.UTC
	}
	ev.SeriesID = seriesID.String
	ev.Recurrence = rec.String
	ev.LastError = lastErr.String
	ev.StartsAt = time.UnixMilli(startsAt).In(loc)
	ev.CreatedAt = time.UnixMilli(createdAt)
	ev.Announcement = model.MessageRef{ChatID: annChat, ThreadID: annThread, MessageID: int(annMsg)}
	ev.Targeted = targeted != 0
	ev.TargetChat = tgtChat
	ev.State = model.State(state)
	return ev, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// IsNotFound reports whether err is a missing-row error from this package.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}
