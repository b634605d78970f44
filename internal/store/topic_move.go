package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/wesm/msgnarrow/internal/textutil"
)

// PropagateMode selects which messages of a topic move along with the
// edited message.
type PropagateMode string

const (
	ChangeOne   PropagateMode = "change_one"
	ChangeLater PropagateMode = "change_later"
	ChangeAll   PropagateMode = "change_all"
)

// InvalidPropagateModeError is returned for an unrecognized propagate mode.
type InvalidPropagateModeError struct {
	Mode string
}

func (e *InvalidPropagateModeError) Error() string {
	return fmt.Sprintf("invalid propagate_mode %q", e.Mode)
}

// Kind identifies the error class for structured responses.
func (e *InvalidPropagateModeError) Kind() string { return "invalid_propagate_mode" }

// ParsePropagateMode validates a propagate mode string.
func ParsePropagateMode(s string) (PropagateMode, error) {
	switch m := PropagateMode(s); m {
	case ChangeOne, ChangeLater, ChangeAll:
		return m, nil
	}
	return "", &InvalidPropagateModeError{Mode: s}
}

// MoveRequest describes a topic edit: the message being edited, where it
// (and, depending on Mode, its neighbours) should go.
type MoveRequest struct {
	MessageID int64
	EditorID  int64
	// NewStreamID is the destination stream; zero keeps the current stream.
	NewStreamID int64
	// NewTopic is the destination topic; nil keeps the current topic.
	NewTopic *string
	Mode     PropagateMode
	EditedAt time.Time
}

// PolicyChange is a visibility policy that a move changed.
type PolicyChange struct {
	UserID   int64
	StreamID int64
	Topic    string
	Policy   VisibilityPolicy
}

// MoveResult reports what MoveMessages did.
type MoveResult struct {
	MessageIDs        []int64
	SourceStreamID    int64
	SourceTopic       string
	TargetStreamID    int64
	TargetTopic       string
	TargetHadMessages bool
	// SourceCleared is true when no messages remain in the source topic and
	// its visibility rows were removed.
	SourceCleared bool
	PolicyChanges []PolicyChange
}

// ErrNothingToMove is returned when a move request changes neither the
// stream nor the topic.
var ErrNothingToMove = errors.New("nothing to change")

// MoveMessages moves messages to a new topic and/or stream and carries
// topic visibility policies along, all in one transaction so readers never
// see moved messages with stale policies.
func (s *Store) MoveMessages(ctx context.Context, req MoveRequest) (*MoveResult, error) {
	if _, err := ParsePropagateMode(string(req.Mode)); err != nil {
		return nil, err
	}
	if req.EditedAt.IsZero() {
		req.EditedAt = time.Now().UTC()
	}

	var result *MoveResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = moveMessagesTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

type topicRef struct {
	streamID    int64
	recipientID int64
	topic       string
}

func (r topicRef) key() string { return textutil.FoldTopic(r.topic) }

func (r topicRef) same(o topicRef) bool {
	return r.streamID == o.streamID && r.key() == o.key()
}

func moveMessagesTx(ctx context.Context, tx *sql.Tx, req MoveRequest) (*MoveResult, error) {
	var src topicRef
	err := tx.QueryRowContext(ctx, `
		SELECT st.id, m.recipient_id, m.topic FROM messages m
		JOIN streams st ON st.recipient_id = m.recipient_id
		WHERE m.id = ?
	`, req.MessageID).Scan(&src.streamID, &src.recipientID, &src.topic)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("move: stream message %d not found", req.MessageID)
	}
	if err != nil {
		return nil, fmt.Errorf("move: load message: %w", err)
	}

	dst := src
	if req.NewStreamID != 0 && req.NewStreamID != src.streamID {
		var deactivated bool
		err := tx.QueryRowContext(ctx, `SELECT recipient_id, deactivated FROM streams WHERE id = ?`, req.NewStreamID).
			Scan(&dst.recipientID, &deactivated)
		if errors.Is(err, sql.ErrNoRows) || deactivated {
			return nil, fmt.Errorf("move: stream %d not found", req.NewStreamID)
		}
		if err != nil {
			return nil, fmt.Errorf("move: load target stream: %w", err)
		}
		dst.streamID = req.NewStreamID
	}
	if req.NewTopic != nil {
		dst.topic = textutil.NormalizeTopic(*req.NewTopic)
	}
	if dst.streamID == src.streamID && dst.topic == src.topic {
		return nil, ErrNothingToMove
	}

	ids, err := selectMoveIDs(ctx, tx, req, src)
	if err != nil {
		return nil, err
	}

	result := &MoveResult{
		MessageIDs:     ids,
		SourceStreamID: src.streamID,
		SourceTopic:    src.topic,
		TargetStreamID: dst.streamID,
		TargetTopic:    dst.topic,
	}
	if !src.same(dst) {
		if result.TargetHadMessages, err = topicHasMessages(ctx, tx, dst.streamID, dst.topic); err != nil {
			return nil, err
		}
	}

	for _, id := range ids {
		if err := rewriteMessage(ctx, tx, id, req, src, dst); err != nil {
			return nil, err
		}
	}

	// A case-only rename keeps the same policy rows.
	if src.same(dst) {
		if _, err := tx.ExecContext(ctx, `
			UPDATE user_topics SET topic_name = ? WHERE stream_id = ? AND topic_key = ?
		`, dst.topic, dst.streamID, dst.key()); err != nil {
			return nil, fmt.Errorf("move: rename policies: %w", err)
		}
		return result, nil
	}

	remaining, err := topicHasMessages(ctx, tx, src.streamID, src.topic)
	if err != nil {
		return nil, err
	}
	result.SourceCleared = !remaining

	// Messages left behind keep the source topic alive, so a populated
	// target keeps its own policies.
	if !result.SourceCleared && result.TargetHadMessages {
		return result, nil
	}
	if result.PolicyChanges, err = mergePoliciesTx(ctx, tx, req.EditedAt, src, dst, result.TargetHadMessages, result.SourceCleared); err != nil {
		return nil, err
	}
	return result, nil
}

func selectMoveIDs(ctx context.Context, tx *sql.Tx, req MoveRequest, src topicRef) ([]int64, error) {
	if req.Mode == ChangeOne {
		return []int64{req.MessageID}, nil
	}
	query := `SELECT id FROM messages WHERE recipient_id = ? AND topic_key = ?`
	args := []interface{}{src.recipientID, src.key()}
	if req.Mode == ChangeLater {
		query += ` AND id >= ?`
		args = append(args, req.MessageID)
	}
	query += ` ORDER BY id`

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("move: select messages: %w", err)
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

func rewriteMessage(ctx context.Context, tx *sql.Tx, id int64, req MoveRequest, src, dst topicRef) error {
	var raw sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT edit_history FROM messages WHERE id = ?`, id).Scan(&raw); err != nil {
		return fmt.Errorf("move: load edit history of %d: %w", id, err)
	}
	var history []EditHistoryEntry
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &history); err != nil {
			return fmt.Errorf("move: decode edit history of %d: %w", id, err)
		}
	}

	entry := EditHistoryEntry{Timestamp: req.EditedAt.UTC(), UserID: req.EditorID}
	if src.topic != dst.topic {
		entry.PrevTopic = src.topic
		entry.Topic = dst.topic
	}
	if src.streamID != dst.streamID {
		entry.PrevStreamID = src.streamID
		entry.StreamID = dst.streamID
	}
	history = append(history, entry)
	encoded, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("move: encode edit history: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE messages
		SET recipient_id = ?, topic = ?, topic_key = ?, last_edit_time = ?, edit_history = ?
		WHERE id = ?
	`, dst.recipientID, dst.topic, dst.key(), req.EditedAt.UTC(), string(encoded), id)
	if err != nil {
		return fmt.Errorf("move: update message %d: %w", id, err)
	}
	return nil
}

// mergePoliciesTx writes the merged policies at dst and, when the source
// topic is now empty, clears every source row. It runs for full moves and
// for partial moves into a topic with no messages.
func mergePoliciesTx(ctx context.Context, tx *sql.Tx, at time.Time, src, dst topicRef, targetHadMessages, clearSource bool) ([]PolicyChange, error) {
	sourcePolicies, err := topicPoliciesByUser(ctx, tx, src.streamID, src.topic)
	if err != nil {
		return nil, err
	}
	targetPolicies, err := topicPoliciesByUser(ctx, tx, dst.streamID, dst.topic)
	if err != nil {
		return nil, err
	}

	merged := MergeTopicPolicies(sourcePolicies, targetPolicies, targetHadMessages)
	users := make([]int64, 0, len(merged))
	for uid := range merged {
		users = append(users, uid)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })

	var changes []PolicyChange
	for _, uid := range users {
		change, err := setTopicPolicyTx(ctx, tx, uid, dst.streamID, dst.recipientID, dst.topic, merged[uid], at)
		if err != nil {
			return nil, err
		}
		if change != ChangeNone {
			changes = append(changes, PolicyChange{UserID: uid, StreamID: dst.streamID, Topic: dst.topic, Policy: merged[uid]})
		}
	}

	if !clearSource {
		return changes, nil
	}
	for _, uid := range sortedKeys(sourcePolicies) {
		if _, err := setTopicPolicyTx(ctx, tx, uid, src.streamID, src.recipientID, src.topic, PolicyInherit, at); err != nil {
			return nil, err
		}
		changes = append(changes, PolicyChange{UserID: uid, StreamID: src.streamID, Topic: src.topic, Policy: PolicyInherit})
	}
	return changes, nil
}

func sortedKeys(m map[int64]VisibilityPolicy) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
