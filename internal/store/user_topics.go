package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/wesm/msgnarrow/internal/textutil"
)

// VisibilityPolicy is a user's setting for a single topic.
type VisibilityPolicy int

const (
	PolicyInherit  VisibilityPolicy = 0
	PolicyMuted    VisibilityPolicy = 1
	PolicyUnmuted  VisibilityPolicy = 2
	PolicyFollowed VisibilityPolicy = 3
)

func (p VisibilityPolicy) String() string {
	switch p {
	case PolicyInherit:
		return "inherit"
	case PolicyMuted:
		return "muted"
	case PolicyUnmuted:
		return "unmuted"
	case PolicyFollowed:
		return "followed"
	default:
		return "unknown(" + strconv.Itoa(int(p)) + ")"
	}
}

// Valid reports whether p is one of the defined policies.
func (p VisibilityPolicy) Valid() bool {
	return p >= PolicyInherit && p <= PolicyFollowed
}

// ParseVisibilityPolicy parses a policy name as produced by String.
func ParseVisibilityPolicy(s string) (VisibilityPolicy, error) {
	for p := PolicyInherit; p <= PolicyFollowed; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown visibility policy %q", s)
}

// Change describes what SetTopicPolicy did to the persisted row.
type Change int

const (
	ChangeNone Change = iota
	ChangeCreated
	ChangeUpdated
	ChangeDeleted
)

func (c Change) String() string {
	switch c {
	case ChangeNone:
		return "none"
	case ChangeCreated:
		return "created"
	case ChangeUpdated:
		return "updated"
	case ChangeDeleted:
		return "deleted"
	}
	return "unknown"
}

// TopicPolicy is one persisted user_topics row.
type TopicPolicy struct {
	UserID      int64
	StreamID    int64
	RecipientID int64
	TopicName   string
	Policy      VisibilityPolicy
	LastUpdated time.Time
}

// GetTopicPolicy returns the user's policy for a topic; PolicyInherit when
// no row exists. Topic matching is case-insensitive.
func (s *Store) GetTopicPolicy(ctx context.Context, userID, streamID int64, topic string) (VisibilityPolicy, error) {
	return getTopicPolicy(ctx, s.db, userID, streamID, topic)
}

func getTopicPolicy(ctx context.Context, q queryer, userID, streamID int64, topic string) (VisibilityPolicy, error) {
	var p VisibilityPolicy
	err := q.QueryRowContext(ctx, `
		SELECT visibility_policy FROM user_topics
		WHERE user_id = ? AND stream_id = ? AND topic_key = ?
	`, userID, streamID, textutil.FoldTopic(topic)).Scan(&p)
	if errors.Is(err, sql.ErrNoRows) {
		return PolicyInherit, nil
	}
	if err != nil {
		return PolicyInherit, fmt.Errorf("get topic policy: %w", err)
	}
	return p, nil
}

// TopicPolicies returns the user's persisted topic policies, optionally
// restricted to one stream (streamID > 0), ordered by stream and topic.
func (s *Store) TopicPolicies(ctx context.Context, userID, streamID int64) ([]TopicPolicy, error) {
	query := `
		SELECT user_id, stream_id, recipient_id, topic_name, visibility_policy, last_updated
		FROM user_topics WHERE user_id = ?`
	args := []interface{}{userID}
	if streamID > 0 {
		query += ` AND stream_id = ?`
		args = append(args, streamID)
	}
	query += ` ORDER BY stream_id, topic_key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list topic policies: %w", err)
	}
	defer rows.Close()

	var out []TopicPolicy
	for rows.Next() {
		var tp TopicPolicy
		if err := rows.Scan(&tp.UserID, &tp.StreamID, &tp.RecipientID, &tp.TopicName, &tp.Policy, &tp.LastUpdated); err != nil {
			return nil, fmt.Errorf("scan topic policy: %w", err)
		}
		out = append(out, tp)
	}
	return out, rows.Err()
}

// SetTopicPolicy upserts the user's policy for a topic, or deletes the row
// when policy is PolicyInherit. Setting the current value is a no-op that
// reports ChangeNone. Any policy other than PolicyInherit returns
// ErrTopicNotFound when the user has no delivery rows in the topic.
func (s *Store) SetTopicPolicy(ctx context.Context, userID, streamID int64, topic string, policy VisibilityPolicy, lastUpdated time.Time) (Change, error) {
	if !policy.Valid() {
		return ChangeNone, fmt.Errorf("invalid visibility policy %d", policy)
	}
	st, err := s.GetStream(ctx, streamID)
	if err != nil {
		return ChangeNone, err
	}
	if st == nil {
		return ChangeNone, fmt.Errorf("set topic policy: stream %d not found", streamID)
	}

	var change Change
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if policy != PolicyInherit {
			found, err := hasTopicDeliveryRows(ctx, tx, userID, st.RecipientID, topic)
			if err != nil {
				return err
			}
			if !found {
				return ErrTopicNotFound
			}
		}
		var err error
		change, err = setTopicPolicyTx(ctx, tx, userID, st.ID, st.RecipientID, topic, policy, lastUpdated)
		return err
	})
	return change, err
}

func setTopicPolicyTx(ctx context.Context, tx *sql.Tx, userID, streamID, recipientID int64, topic string, policy VisibilityPolicy, lastUpdated time.Time) (Change, error) {
	current, err := getTopicPolicy(ctx, tx, userID, streamID, topic)
	if err != nil {
		return ChangeNone, err
	}
	if current == policy {
		return ChangeNone, nil
	}

	key := textutil.FoldTopic(topic)
	switch {
	case policy == PolicyInherit:
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM user_topics WHERE user_id = ? AND stream_id = ? AND topic_key = ?
		`, userID, streamID, key); err != nil {
			return ChangeNone, fmt.Errorf("delete topic policy: %w", err)
		}
		return ChangeDeleted, nil
	case current == PolicyInherit:
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_topics (user_id, stream_id, recipient_id, topic_name, topic_key, visibility_policy, last_updated)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, userID, streamID, recipientID, topic, key, policy, lastUpdated.UTC()); err != nil {
			return ChangeNone, fmt.Errorf("insert topic policy: %w", err)
		}
		return ChangeCreated, nil
	default:
		if _, err := tx.ExecContext(ctx, `
			UPDATE user_topics SET visibility_policy = ?, last_updated = ?
			WHERE user_id = ? AND stream_id = ? AND topic_key = ?
		`, policy, lastUpdated.UTC(), userID, streamID, key); err != nil {
			return ChangeNone, fmt.Errorf("update topic policy: %w", err)
		}
		return ChangeUpdated, nil
	}
}

// BulkSetTopicPolicy applies SetTopicPolicy semantics to many users in one
// transaction. Users with an existing row are updated (or deleted for
// PolicyInherit); users without one get a row inserted unless policy is
// PolicyInherit. Returns the sorted ids of users whose row changed.
func (s *Store) BulkSetTopicPolicy(ctx context.Context, userIDs []int64, streamID int64, topic string, policy VisibilityPolicy, recipientID int64, lastUpdated time.Time) ([]int64, error) {
	if !policy.Valid() {
		return nil, fmt.Errorf("invalid visibility policy %d", policy)
	}
	users := dedupeIDs(userIDs)
	if len(users) == 0 {
		return nil, nil
	}
	key := textutil.FoldTopic(topic)

	var affected []int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing := make(map[int64]VisibilityPolicy)
		err := QueryInChunks(ctx, tx, users, []interface{}{streamID, key},
			`SELECT user_id, visibility_policy FROM user_topics
			 WHERE stream_id = ? AND topic_key = ? AND user_id IN (%s)`,
			func(rows *sql.Rows) error {
				var uid int64
				var p VisibilityPolicy
				if err := rows.Scan(&uid, &p); err != nil {
					return err
				}
				existing[uid] = p
				return nil
			})
		if err != nil {
			return fmt.Errorf("load existing policies: %w", err)
		}

		var toUpdate, toInsert []int64
		for _, uid := range users {
			cur, ok := existing[uid]
			switch {
			case ok && cur != policy:
				toUpdate = append(toUpdate, uid)
			case !ok && policy != PolicyInherit:
				toInsert = append(toInsert, uid)
			}
		}

		if len(toUpdate) > 0 {
			if policy == PolicyInherit {
				err = execInChunks(ctx, tx, toUpdate, []interface{}{streamID, key},
					`DELETE FROM user_topics WHERE stream_id = ? AND topic_key = ? AND user_id IN (%s)`)
			} else {
				err = execInChunks(ctx, tx, toUpdate, []interface{}{policy, lastUpdated.UTC(), streamID, key},
					`UPDATE user_topics SET visibility_policy = ?, last_updated = ?
					 WHERE stream_id = ? AND topic_key = ? AND user_id IN (%s)`)
			}
			if err != nil {
				return fmt.Errorf("update policies: %w", err)
			}
		}
		for _, uid := range toInsert {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO user_topics (user_id, stream_id, recipient_id, topic_name, topic_key, visibility_policy, last_updated)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, uid, streamID, recipientID, topic, key, policy, lastUpdated.UTC()); err != nil {
				return fmt.Errorf("insert policy for %d: %w", uid, err)
			}
		}

		affected = append(toUpdate, toInsert...)
		sort.Slice(affected, func(i, j int) bool { return affected[i] < affected[j] })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return affected, nil
}

// execInChunks runs a parameterized IN-statement in chunks, like QueryInChunks.
func execInChunks(ctx context.Context, tx *sql.Tx, ids []int64, prefixArgs []interface{}, template string) error {
	const chunkSize = 500
	for i := 0; i < len(ids); i += chunkSize {
		end := min(i+chunkSize, len(ids))
		args := append([]interface{}{}, prefixArgs...)
		for _, id := range ids[i:end] {
			args = append(args, id)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(template, Placeholders(end-i)), args...); err != nil {
			return err
		}
	}
	return nil
}

// topicPoliciesByUser loads every row for (stream, topic) keyed by user.
func topicPoliciesByUser(ctx context.Context, q queryer, streamID int64, topic string) (map[int64]VisibilityPolicy, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT user_id, visibility_policy FROM user_topics WHERE stream_id = ? AND topic_key = ?
	`, streamID, textutil.FoldTopic(topic))
	if err != nil {
		return nil, fmt.Errorf("load topic policies: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]VisibilityPolicy)
	for rows.Next() {
		var uid int64
		var p VisibilityPolicy
		if err := rows.Scan(&uid, &p); err != nil {
			return nil, err
		}
		out[uid] = p
	}
	return out, rows.Err()
}

// mergeRank orders policies for merging into a topic that already had
// messages: the stronger expressed interest wins.
func mergeRank(p VisibilityPolicy) int {
	switch p {
	case PolicyMuted:
		return 1
	case PolicyUnmuted:
		return 2
	case PolicyFollowed:
		return 3
	}
	return 0
}

// MergeTopicPolicy returns a user's policy at the target topic after all
// messages of the source topic moved there.
//
// If the target had no messages its policy was vacuous and the source
// policy transfers unchanged. Otherwise the higher of the two wins in the
// order inherit < muted < unmuted < followed.
func MergeTopicPolicy(source, target VisibilityPolicy, targetHadMessages bool) VisibilityPolicy {
	if !targetHadMessages {
		return source
	}
	if mergeRank(source) >= mergeRank(target) {
		return source
	}
	return target
}

// MergeTopicPolicies applies MergeTopicPolicy to every user present in
// either map. Users absent from a map are treated as PolicyInherit there.
func MergeTopicPolicies(source, target map[int64]VisibilityPolicy, targetHadMessages bool) map[int64]VisibilityPolicy {
	merged := make(map[int64]VisibilityPolicy, len(source)+len(target))
	for uid, sp := range source {
		merged[uid] = MergeTopicPolicy(sp, target[uid], targetHadMessages)
	}
	for uid, tp := range target {
		if _, ok := source[uid]; ok {
			continue
		}
		merged[uid] = MergeTopicPolicy(PolicyInherit, tp, targetHadMessages)
	}
	return merged
}
