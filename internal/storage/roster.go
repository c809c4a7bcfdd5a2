package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"rollcall/internal/model"
)

// PutRecipient adds a user to the roster or updates the display name.
func (s *Store) PutRecipient(ctx context.Context, r model.Recipient) error {
	if r.JoinedAt.IsZero() {
		r.JoinedAt = time.Now()
	}
	return s.pool.WithConn(ctx, func(c *Conn) error {
		_, err := c.Exec(ctx,
			`INSERT INTO recipients(user_id, display_name, joined_at) VALUES(?,?,?)
			 ON CONFLICT(user_id) DO UPDATE SET display_name = COALESCE(excluded.display_name, recipients.display_name)`,
			r.UserID, nullStr(r.DisplayName), r.JoinedAt.UnixMilli())
		return err
	})
}

func (s *Store) DeleteRecipient(ctx context.Context, userID int64) error {
	return s.execOne(ctx, `DELETE FROM recipients WHERE user_id = ?`, userID)
}

func (s *Store) ListRecipients(ctx context.Context) ([]model.Recipient, error) {
	return s.queryRecipients(ctx, `SELECT user_id, display_name, joined_at FROM recipients ORDER BY user_id`)
}

// EventRecipients returns the recipient snapshot taken when the event was
// created, with roster display names where known.
func (s *Store) EventRecipients(ctx context.Context, eventID int64) ([]model.Recipient, error) {
	return s.queryRecipients(ctx,
		`SELECT er.user_id, r.display_name, COALESCE(r.joined_at, 0)
		 FROM event_recipients er LEFT JOIN recipients r ON r.user_id = er.user_id
		 WHERE er.event_id = ? ORDER BY er.user_id`, eventID)
}

// RecipientNames maps user ids to roster display names. Unknown ids are absent.
func (s *Store) RecipientNames(ctx context.Context, ids []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rs, err := s.queryRecipients(ctx,
		`SELECT user_id, display_name, joined_at FROM recipients WHERE user_id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	for _, r := range rs {
		if r.DisplayName != "" {
			out[r.UserID] = r.DisplayName
		}
	}
	return out, nil
}

func (s *Store) queryRecipients(ctx context.Context, q string, args ...any) ([]model.Recipient, error) {
	var out []model.Recipient
	err := s.pool.WithConn(ctx, func(c *Conn) error {
		rows, cancel, err := c.Query(ctx, q, args...)
		if err != nil {
			return err
		}
		defer cancel()
		defer rows.Close()
		for rows.Next() {
			var (
				r      model.Recipient
				name   sql.NullString
				joined int64
			)
			if err := rows.Scan(&r.UserID, &name, &joined); err != nil {
				return err
			}
			r.DisplayName = name.String
			if joined > 0 {
				r.JoinedAt = time.UnixMilli(joined)
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

// GetSetting returns (value, true) for a stored key and ("", false) for a missing one.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.pool.WithConn(ctx, func(c *Conn) error {
		return c.QueryRow(ctx, `SELECT value FROM settings WHERE key = ?`, []any{key}, &v)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	return s.pool.WithConn(ctx, func(c *Conn) error {
		_, err := c.Exec(ctx,
			`INSERT INTO settings(key, value, updated_at) VALUES(?,?,?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, time.Now().UnixMilli())
		return err
	})
}

// InsertDelivery records an outbound direct message for later cleanup.
func (s *Store) InsertDelivery(ctx context.Context, d model.DeliveryRecord) error {
	if d.SentAt.IsZero() {
		d.SentAt = time.Now()
	}
	return s.pool.WithConn(ctx, func(c *Conn) error {
		_, err := c.Exec(ctx,
			`INSERT INTO delivery_records(chat_id, thread_id, message_id, recipient_id, event_id, sent_at) VALUES(?,?,?,?,?,?)`,
			d.Ref.ChatID, d.Ref.ThreadID, d.Ref.MessageID, d.RecipientID, d.EventID, d.SentAt.UnixMilli())
		return err
	})
}

// DeliveriesBefore lists up to limit records sent before t, oldest first.
func (s *Store) DeliveriesBefore(ctx context.Context, t time.Time, limit int) ([]model.DeliveryRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	var out []model.DeliveryRecord
	err := s.pool.WithConn(ctx, func(c *Conn) error {
		rows, cancel, err := c.Query(ctx,
			`SELECT id, chat_id, thread_id, message_id, recipient_id, event_id, sent_at
			 FROM delivery_records WHERE sent_at < ? ORDER BY sent_at LIMIT ?`, t.UnixMilli(), limit)
		if err != nil {
			return err
		}
		defer cancel()
		defer rows.Close()
		for rows.Next() {
			var (
				d    model.DeliveryRecord
				sent int64
			)
			if err := rows.Scan(&d.ID, &d.Ref.ChatID, &d.Ref.ThreadID, &d.Ref.MessageID, &d.RecipientID, &d.EventID, &sent); err != nil {
				return err
			}
			d.SentAt = time.UnixMilli(sent)
			out = append(out, d)
		}
		return rows.Err()
	})
	return out, err
}

func (s *Store) DeleteDelivery(ctx context.Context, id int64) error {
	return s.execOne(ctx, `DELETE FROM delivery_records WHERE id = ?`, id)
}
