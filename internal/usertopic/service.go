// Package usertopic applies topic visibility policy changes and notifies
// the affected users' clients once the change is committed.
package usertopic

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wesm/msgnarrow/internal/events"
	"github.com/wesm/msgnarrow/internal/store"
)

// Service wraps the store's visibility policy operations with change
// events.
type Service struct {
	store  *store.Store
	pub    events.Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a Service. A nil logger uses slog.Default().
func NewService(st *store.Store, pub events.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		pub:    pub,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the user's policy for a topic.
func (s *Service) Get(ctx context.Context, userID, streamID int64, topic string) (store.VisibilityPolicy, error) {
	return s.store.GetTopicPolicy(ctx, userID, streamID, topic)
}

// Set changes one user's policy. No event is sent when nothing changed.
func (s *Service) Set(ctx context.Context, userID, streamID int64, topic string, policy store.VisibilityPolicy) (store.Change, error) {
	at := s.now()
	change, err := s.store.SetTopicPolicy(ctx, userID, streamID, topic, policy, at)
	if err != nil {
		return store.ChangeNone, err
	}
	s.logger.Debug("topic policy set",
		"user_id", userID, "stream_id", streamID, "topic", topic,
		"policy", policy.String(), "change", change.String())
	if change != store.ChangeNone {
		s.publish(ctx, events.NewUserTopicEvent(userID, streamID, topic, int(policy), at))
	}
	return change, nil
}

// BulkSet sets the same policy for many users in one transaction and
// notifies each user whose row changed.
func (s *Service) BulkSet(ctx context.Context, userIDs []int64, streamID int64, topic string, policy store.VisibilityPolicy) ([]int64, error) {
	st, err := s.store.GetStream(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("stream %d not found", streamID)
	}

	at := s.now()
	affected, err := s.store.BulkSetTopicPolicy(ctx, userIDs, streamID, topic, policy, st.RecipientID, at)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("topic policy bulk set",
		"stream_id", streamID, "topic", topic, "policy", policy.String(),
		"requested", len(userIDs), "changed", len(affected))
	for _, uid := range affected {
		s.publish(ctx, events.NewUserTopicEvent(uid, streamID, topic, int(policy), at))
	}
	return affected, nil
}

// Move moves messages between topics and notifies every user whose
// visibility policy the move changed.
func (s *Service) Move(ctx context.Context, req store.MoveRequest) (*store.MoveResult, error) {
	if req.EditedAt.IsZero() {
		req.EditedAt = s.now()
	}
	res, err := s.store.MoveMessages(ctx, req)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("messages moved",
		"message_id", req.MessageID, "mode", string(req.Mode), "moved", len(res.MessageIDs),
		"target_stream_id", res.TargetStreamID, "target_topic", res.TargetTopic,
		"policy_changes", len(res.PolicyChanges))
	for _, c := range res.PolicyChanges {
		s.publish(ctx, events.NewUserTopicEvent(c.UserID, c.StreamID, c.Topic, int(c.Policy), req.EditedAt))
	}
	return res, nil
}

// publish sends ev. The change is already committed, so a failed publish
// is logged rather than returned.
func (s *Service) publish(ctx context.Context, ev events.Event) {
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.logger.Warn("user topic event not delivered", "key", ev.Key(), "error", err)
	}
}
