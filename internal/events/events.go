// Package events publishes change notifications for per-user state, such
// as topic visibility policies, to connected clients' event queues.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"
)

// Event is a notification delivered to one user's clients.
type Event interface {
	// Key groups events that must stay ordered relative to each other.
	Key() string
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// UserTopicEvent reports a user's new visibility policy for a topic.
// Policy is PolicyInherit (0) when the user's row was removed.
type UserTopicEvent struct {
	Type        string `json:"type"`
	UserID      int64  `json:"user_id"`
	StreamID    int64  `json:"stream_id"`
	TopicName   string `json:"topic_name"`
	Policy      int    `json:"visibility_policy"`
	LastUpdated int64  `json:"last_updated"`
}

// NewUserTopicEvent builds a user_topic event.
func NewUserTopicEvent(userID, streamID int64, topic string, policy int, at time.Time) UserTopicEvent {
	return UserTopicEvent{
		Type:        "user_topic",
		UserID:      userID,
		StreamID:    streamID,
		TopicName:   topic,
		Policy:      policy,
		LastUpdated: at.Unix(),
	}
}

// Key returns the user id, so one user's events stay in order.
func (e UserTopicEvent) Key() string {
	return strconv.FormatInt(e.UserID, 10)
}

// LogPublisher writes events to a logger. It is used when no broker is
// configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a LogPublisher; nil logger uses slog.Default().
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

// Publish logs ev at Info.
func (p *LogPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	p.logger.InfoContext(ctx, "event", "key", ev.Key(), "payload", string(data))
	return nil
}

// Close is a no-op.
func (p *LogPublisher) Close() error { return nil }
