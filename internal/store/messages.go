package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wesm/msgnarrow/internal/textutil"
)

// Flag is a bit in user_messages.flags.
type Flag int64

const (
	FlagRead              Flag = 1
	FlagStarred           Flag = 2
	FlagCollapsed         Flag = 4
	FlagMentioned         Flag = 8
	FlagWildcardMentioned Flag = 16
	FlagHasAlertWord      Flag = 512
	FlagHistorical        Flag = 1024
	FlagIsMeMessage       Flag = 2048
)

var flagNames = []struct {
	flag Flag
	name string
}{
	{FlagRead, "read"},
	{FlagStarred, "starred"},
	{FlagCollapsed, "collapsed"},
	{FlagMentioned, "mentioned"},
	{FlagWildcardMentioned, "wildcard_mentioned"},
	{FlagHasAlertWord, "has_alert_word"},
	{FlagHistorical, "historical"},
	{FlagIsMeMessage, "is_me_message"},
}

// FlagNames renders a flags bitset as names in a fixed order.
func FlagNames(bits int64) []string {
	names := []string{}
	for _, f := range flagNames {
		if bits&int64(f.flag) != 0 {
			names = append(names, f.name)
		}
	}
	return names
}

// ParseFlag returns the flag with the given name.
func ParseFlag(name string) (Flag, bool) {
	for _, f := range flagNames {
		if f.name == name {
			return f.flag, true
		}
	}
	return 0, false
}

// clientEditable reports whether clients may add or remove the flag.
func (f Flag) clientEditable() bool {
	switch f {
	case FlagRead, FlagStarred, FlagCollapsed:
		return true
	}
	return false
}

// kindError is a sentinel error with a client-facing kind.
type kindError struct {
	kind string
	msg  string
}

func (e *kindError) Error() string { return e.msg }

// Kind identifies the error class for structured responses.
func (e *kindError) Kind() string { return e.kind }

// ErrTopicNotFound is returned by topic-level operations when the user has
// no delivery rows in the topic.
var ErrTopicNotFound error = &kindError{kind: "topic_not_found", msg: "topic not found"}

// Message is a stored message.
type Message struct {
	ID              int64
	SenderID        int64
	RecipientID     int64
	Topic           string
	Content         string
	RenderedContent string
	DateSent        time.Time
	LastEditTime    *time.Time
	EditHistory     []EditHistoryEntry
	HasAttachment   bool
	HasImage        bool
	HasLink         bool
}

// EditHistoryEntry records one edit of a message, newest last.
type EditHistoryEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	UserID       int64     `json:"user_id"`
	PrevTopic    string    `json:"prev_topic,omitempty"`
	Topic        string    `json:"topic,omitempty"`
	PrevStreamID int64     `json:"prev_stream,omitempty"`
	StreamID     int64     `json:"stream,omitempty"`
}

// NewMessage describes a message to send. Exactly one of StreamID or
// ToUserIDs must be set.
type NewMessage struct {
	SenderID         int64
	StreamID         int64
	Topic            string
	ToUserIDs        []int64
	Content          string
	RenderedContent  string
	SentAt           time.Time
	MentionedUserIDs []int64
	WildcardMention  bool
	AlertWordUserIDs []int64
	MeMessage        bool
}

// ContentFlags holds the has_* columns derived from message content.
type ContentFlags struct {
	HasAttachment bool
	HasImage      bool
	HasLink       bool
}

// ComputeContentFlags inspects raw and rendered content for uploads,
// inline images and links.
func ComputeContentFlags(content, rendered string) ContentFlags {
	lowerRendered := strings.ToLower(rendered)
	return ContentFlags{
		HasAttachment: strings.Contains(content, "/user_uploads/"),
		HasImage:      strings.Contains(lowerRendered, "<img") || strings.Contains(lowerRendered, "message_inline_image"),
		HasLink: strings.Contains(content, "http://") || strings.Contains(content, "https://") ||
			strings.Contains(lowerRendered, "<a "),
	}
}

// SendMessage stores a message and creates delivery rows for every
// recipient. Returns the new message id.
func (s *Store) SendMessage(ctx context.Context, nm NewMessage) (int64, error) {
	if (nm.StreamID == 0) == (len(nm.ToUserIDs) == 0) {
		return 0, fmt.Errorf("send message: exactly one of stream or direct recipients is required")
	}
	if nm.SentAt.IsZero() {
		nm.SentAt = time.Now().UTC()
	}
	if nm.RenderedContent == "" {
		nm.RenderedContent = "<p>" + htmlEscaper.Replace(nm.Content) + "</p>"
	}
	topic := textutil.NormalizeTopic(nm.Topic)
	cf := ComputeContentFlags(nm.Content, nm.RenderedContent)

	var recipientID int64
	var receivers []int64
	if nm.StreamID != 0 {
		st, err := s.GetStream(ctx, nm.StreamID)
		if err != nil {
			return 0, err
		}
		if st == nil || st.Deactivated {
			return 0, fmt.Errorf("send message: stream %d not found", nm.StreamID)
		}
		recipientID = st.RecipientID
		if receivers, err = activeMemberIDs(ctx, s.db, recipientID); err != nil {
			return 0, fmt.Errorf("list subscribers: %w", err)
		}
	} else {
		topic = ""
		participants := dedupeIDs(append([]int64{nm.SenderID}, nm.ToUserIDs...))
		var err error
		switch len(participants) {
		case 1:
			recipientID, err = s.PersonalRecipientID(ctx, nm.SenderID)
		case 2:
			other := participants[0]
			if other == nm.SenderID {
				other = participants[1]
			}
			recipientID, err = s.PersonalRecipientID(ctx, other)
		default:
			recipientID, err = s.GetOrCreateHuddle(ctx, participants)
		}
		if err != nil {
			return 0, err
		}
		receivers = participants
	}
	receivers = dedupeIDs(append(receivers, nm.SenderID))

	mentioned := idSet(nm.MentionedUserIDs)
	alerted := idSet(nm.AlertWordUserIDs)

	var msgID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (sender_id, recipient_id, topic, topic_key, content, rendered_content,
				date_sent, has_attachment, has_image, has_link)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, nm.SenderID, recipientID, topic, textutil.FoldTopic(topic), nm.Content, nm.RenderedContent,
			nm.SentAt.UTC(), cf.HasAttachment, cf.HasImage, cf.HasLink)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if msgID, err = res.LastInsertId(); err != nil {
			return err
		}

		for _, uid := range receivers {
			var flags Flag
			if uid == nm.SenderID {
				flags |= FlagRead
			}
			if mentioned[uid] {
				flags |= FlagMentioned
			}
			if nm.WildcardMention {
				flags |= FlagWildcardMentioned
			}
			if alerted[uid] {
				flags |= FlagHasAlertWord
			}
			if nm.MeMessage {
				flags |= FlagIsMeMessage
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO user_messages (user_id, message_id, flags) VALUES (?, ?, ?)
			`, uid, msgID, flags); err != nil {
				return fmt.Errorf("insert user message for %d: %w", uid, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return msgID, nil
}

var htmlEscaper = strings.NewReplacer(`&`, "&amp;", `'`, "&#39;", `<`, "&lt;", `>`, "&gt;", `"`, "&quot;")

func idSet(ids []int64) map[int64]bool {
	m := make(map[int64]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

// GetMessage returns a message by id, or nil if it does not exist.
func (s *Store) GetMessage(ctx context.Context, id int64) (*Message, error) {
	var m Message
	var lastEdit sql.NullTime
	var history sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sender_id, recipient_id, topic, content, rendered_content, date_sent,
			last_edit_time, edit_history, has_attachment, has_image, has_link
		FROM messages WHERE id = ?
	`, id).Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Topic, &m.Content, &m.RenderedContent,
		&m.DateSent, &lastEdit, &history, &m.HasAttachment, &m.HasImage, &m.HasLink)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message %d: %w", id, err)
	}
	if lastEdit.Valid {
		m.LastEditTime = &lastEdit.Time
	}
	if history.Valid && history.String != "" {
		if err := json.Unmarshal([]byte(history.String), &m.EditHistory); err != nil {
			return nil, fmt.Errorf("decode edit history of %d: %w", id, err)
		}
	}
	return &m, nil
}

// FlagOp selects whether UpdateMessageFlags adds or removes a flag.
type FlagOp string

const (
	FlagAdd    FlagOp = "add"
	FlagRemove FlagOp = "remove"
)

// UpdateMessageFlags adds or removes a client-editable flag on the user's
// delivery rows and returns the ids whose flags actually changed. Adding a
// flag to a message the user can only see through stream history creates
// a delivery row marked historical and read.
func (s *Store) UpdateMessageFlags(ctx context.Context, userID int64, op FlagOp, flag Flag, messageIDs []int64) ([]int64, error) {
	if !flag.clientEditable() {
		return nil, fmt.Errorf("flag %v is not editable", FlagNames(int64(flag)))
	}
	if op != FlagAdd && op != FlagRemove {
		return nil, fmt.Errorf("invalid flag operation %q", op)
	}

	ids := dedupeIDs(messageIDs)
	var changed []int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current := make(map[int64]int64, len(ids))
		err := QueryInChunks(ctx, tx, ids, []interface{}{userID},
			`SELECT message_id, flags FROM user_messages WHERE user_id = ? AND message_id IN (%s)`,
			func(rows *sql.Rows) error {
				var id, flags int64
				if err := rows.Scan(&id, &flags); err != nil {
					return err
				}
				current[id] = flags
				return nil
			})
		if err != nil {
			return fmt.Errorf("load flags: %w", err)
		}

		for _, id := range ids {
			flags, ok := current[id]
			if !ok {
				if op == FlagRemove {
					continue
				}
				visible, err := historyVisible(ctx, tx, userID, id)
				if err != nil {
					return err
				}
				if !visible {
					continue
				}
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO user_messages (user_id, message_id, flags) VALUES (?, ?, ?)
				`, userID, id, FlagHistorical|FlagRead|flag); err != nil {
					return fmt.Errorf("create historical row: %w", err)
				}
				changed = append(changed, id)
				continue
			}

			next := flags | int64(flag)
			if op == FlagRemove {
				next = flags &^ int64(flag)
			}
			if next == flags {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE user_messages SET flags = ? WHERE user_id = ? AND message_id = ?
			`, next, userID, id); err != nil {
				return fmt.Errorf("update flags: %w", err)
			}
			changed = append(changed, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

// historyVisible reports whether a stream message is readable by the user
// through stream history without a delivery row.
func historyVisible(ctx context.Context, q queryer, userID, messageID int64) (bool, error) {
	var inviteOnly, historyPublic, isGuest bool
	var subscribed int
	err := q.QueryRowContext(ctx, `
		SELECT st.invite_only, st.history_public_to_subscribers, u.is_guest,
			(SELECT COUNT(*) FROM subscriptions sub
			 WHERE sub.user_id = u.id AND sub.recipient_id = st.recipient_id AND sub.active = 1)
		FROM messages m
		JOIN streams st ON st.recipient_id = m.recipient_id
		JOIN users u ON u.id = ? AND u.realm_id = st.realm_id
		WHERE m.id = ?
	`, userID, messageID).Scan(&inviteOnly, &historyPublic, &isGuest, &subscribed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check history access: %w", err)
	}
	if !inviteOnly && !isGuest {
		return true, nil
	}
	return subscribed > 0 && historyPublic, nil
}

// MarkTopicAsRead sets the read flag on every unread delivery row the user
// has in the topic and returns how many rows changed.
func (s *Store) MarkTopicAsRead(ctx context.Context, userID, streamID int64, topic string) (int64, error) {
	st, err := s.GetStream(ctx, streamID)
	if err != nil {
		return 0, err
	}
	if st == nil {
		return 0, ErrTopicNotFound
	}

	var updated int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		found, err := hasTopicDeliveryRows(ctx, tx, userID, st.RecipientID, topic)
		if err != nil {
			return err
		}
		if !found {
			return ErrTopicNotFound
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE user_messages SET flags = flags | ?
			WHERE user_id = ? AND flags & ? = 0 AND message_id IN (
				SELECT id FROM messages WHERE recipient_id = ? AND topic_key = ?
			)
		`, FlagRead, userID, FlagRead, st.RecipientID, textutil.FoldTopic(topic))
		if err != nil {
			return fmt.Errorf("mark topic read: %w", err)
		}
		updated, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

// TopicHasMessages reports whether any message exists in (stream, topic).
func (s *Store) TopicHasMessages(ctx context.Context, streamID int64, topic string) (bool, error) {
	return topicHasMessages(ctx, s.db, streamID, topic)
}

func topicHasMessages(ctx context.Context, q queryer, streamID int64, topic string) (bool, error) {
	var exists int
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM messages m
			JOIN streams st ON st.recipient_id = m.recipient_id
			WHERE st.id = ? AND m.topic_key = ?
		)
	`, streamID, textutil.FoldTopic(topic)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check topic messages: %w", err)
	}
	return exists == 1, nil
}

// hasTopicDeliveryRows reports whether the user received any message in the
// topic.
func hasTopicDeliveryRows(ctx context.Context, tx *sql.Tx, userID, recipientID int64, topic string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `
		SELECT 1 FROM user_messages um
		JOIN messages m ON m.id = um.message_id
		WHERE um.user_id = ? AND m.recipient_id = ? AND m.topic_key = ?
		LIMIT 1
	`, userID, recipientID, textutil.FoldTopic(topic)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check topic rows: %w", err)
	}
	return true, nil
}
