package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Subscribe adds (or reactivates) a user's stream subscription.
func (s *Store) Subscribe(ctx context.Context, userID, streamID int64) error {
	st, err := s.GetStream(ctx, streamID)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("subscribe: stream %d not found", streamID)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (user_id, recipient_id, active, in_home_view)
		VALUES (?, ?, 1, 1)
		ON CONFLICT(user_id, recipient_id) DO UPDATE SET active = 1
	`, userID, st.RecipientID)
	if err != nil {
		return fmt.Errorf("subscribe %d to %q: %w", userID, st.Name, err)
	}
	return nil
}

// Unsubscribe soft-deletes a stream subscription. When the stream is
// invite-only the user loses access to its history, so their topic
// visibility rows for the stream are removed in the same transaction.
func (s *Store) Unsubscribe(ctx context.Context, userID, streamID int64) error {
	st, err := s.GetStream(ctx, streamID)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("unsubscribe: stream %d not found", streamID)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE subscriptions SET active = 0 WHERE user_id = ? AND recipient_id = ?
		`, userID, st.RecipientID); err != nil {
			return fmt.Errorf("unsubscribe: %w", err)
		}
		if !st.InviteOnly {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM user_topics WHERE user_id = ? AND stream_id = ?
		`, userID, streamID); err != nil {
			return fmt.Errorf("clear topic policies: %w", err)
		}
		return nil
	})
}

// SetStreamMuted sets whether a subscribed stream is muted (hidden from the
// home view).
func (s *Store) SetStreamMuted(ctx context.Context, userID, streamID int64, muted bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET in_home_view = ?
		WHERE user_id = ? AND recipient_id = (SELECT recipient_id FROM streams WHERE id = ?)
	`, !muted, userID, streamID)
	if err != nil {
		return fmt.Errorf("set stream muted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set stream muted: user %d is not subscribed to stream %d", userID, streamID)
	}
	return nil
}

// IsSubscribed reports whether the user has an active subscription to the stream.
func (s *Store) IsSubscribed(ctx context.Context, userID, streamID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM subscriptions sub
		JOIN streams st ON st.recipient_id = sub.recipient_id
		WHERE sub.user_id = ? AND st.id = ? AND sub.active = 1
	`, userID, streamID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check subscription: %w", err)
	}
	return n > 0, nil
}

// MutedStreamRecipientIDs returns the recipient ids of the user's active,
// muted stream subscriptions.
func (s *Store) MutedStreamRecipientIDs(ctx context.Context, userID int64) ([]int64, error) {
	ids, err := s.recipientIDs(ctx, `
		SELECT sub.recipient_id FROM subscriptions sub
		JOIN recipients r ON r.id = sub.recipient_id
		WHERE sub.user_id = ? AND sub.active = 1 AND sub.in_home_view = 0 AND r.type = ?
		ORDER BY sub.recipient_id
	`, userID, RecipientStream)
	if err != nil {
		return nil, fmt.Errorf("muted streams: %w", err)
	}
	return ids, nil
}

// activeMemberIDs returns the users with an active subscription to a recipient.
func activeMemberIDs(ctx context.Context, q queryer, recipientID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT user_id FROM subscriptions WHERE recipient_id = ? AND active = 1 ORDER BY user_id
	`, recipientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeactivateStream marks a stream deactivated and deletes every topic
// visibility row that belongs to it.
func (s *Store) DeactivateStream(ctx context.Context, streamID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE streams SET deactivated = 1 WHERE id = ?`, streamID)
		if err != nil {
			return fmt.Errorf("deactivate stream: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("deactivate stream: stream %d not found", streamID)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM user_topics WHERE stream_id = ?`, streamID); err != nil {
			return fmt.Errorf("clear topic policies: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE subscriptions SET active = 0
			WHERE recipient_id = (SELECT recipient_id FROM streams WHERE id = ?)
		`, streamID); err != nil {
			return fmt.Errorf("deactivate subscriptions: %w", err)
		}
		return nil
	})
}
