package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"rollcall/internal/model"
)

// UpsertResponse writes the (owner, event) row. An older UpdatedAt never
// overwrites a newer one. The row as stored after the write is returned.
func (s *Store) UpsertResponse(ctx context.Context, r model.Response) (model.Response, error) {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	var out model.Response
	err := s.pool.WithConn(ctx, func(c *Conn) error {
		if _, err := c.Exec(ctx,
			`INSERT INTO responses(owner_id, event_id, choice, updated_at) VALUES(?,?,?,?)
			 ON CONFLICT(owner_id, event_id) DO UPDATE
			 SET choice = excluded.choice, updated_at = excluded.updated_at
			 WHERE excluded.updated_at >= responses.updated_at`,
			r.OwnerID, r.EventID, string(r.Choice), r.UpdatedAt.UnixMilli(),
		); err != nil {
			return err
		}
		var (
			choice string
			ts     int64
		)
		if err := c.QueryRow(ctx, `SELECT choice, updated_at FROM responses WHERE owner_id = ? AND event_id = ?`,
			[]any{r.OwnerID, r.EventID}, &choice, &ts); err != nil {
			return err
		}
		out = model.Response{OwnerID: r.OwnerID, EventID: r.EventID, Choice: model.Choice(choice), UpdatedAt: time.UnixMilli(ts)}
		return nil
	})
	return out, err
}

func (s *Store) GetResponse(ctx context.Context, owner, eventID int64) (model.Response, error) {
	var (
		choice string
		ts     int64
	)
	err := s.pool.WithConn(ctx, func(c *Conn) error {
		return c.QueryRow(ctx, `SELECT choice, updated_at FROM responses WHERE owner_id = ? AND event_id = ?`,
			[]any{owner, eventID}, &choice, &ts)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return model.Response{}, ErrNotFound
	}
	if err != nil {
		return model.Response{}, err
	}
	return model.Response{OwnerID: owner, EventID: eventID, Choice: model.Choice(choice), UpdatedAt: time.UnixMilli(ts)}, nil
}

// ListResponses returns every stored response for an event.
func (s *Store) ListResponses(ctx context.Context, eventID int64) ([]model.Response, error) {
	var out []model.Response
	err := s.pool.WithConn(ctx, func(c *Conn) error {
		rows, cancel, err := c.Query(ctx,
			`SELECT owner_id, choice, updated_at FROM responses WHERE event_id = ? ORDER BY updated_at, owner_id`, eventID)
		if err != nil {
			return err
		}
		defer cancel()
		defer rows.Close()
		for rows.Next() {
			var (
				r      model.Response
				choice string
				ts     int64
			)
			if err := rows.Scan(&r.OwnerID, &choice, &ts); err != nil {
				return err
			}
			r.EventID = eventID
			r.Choice = model.Choice(choice)
			r.UpdatedAt = time.UnixMilli(ts)
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}
