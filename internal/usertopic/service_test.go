package usertopic

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wesm/msgnarrow/internal/events"
	"github.com/wesm/msgnarrow/internal/events/eventstest"
	"github.com/wesm/msgnarrow/internal/store"
	"github.com/wesm/msgnarrow/internal/testutil"
	"github.com/wesm/msgnarrow/internal/testutil/ptr"
)

var at = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *testutil.Fixture, *eventstest.Recorder) {
	t.Helper()
	f := testutil.NewFixture(t)
	rec := &eventstest.Recorder{}
	svc := NewService(f.Store, rec, nil)
	svc.now = func() time.Time { return at }
	return svc, f, rec
}

func userTopicEvents(rec *eventstest.Recorder) []events.UserTopicEvent {
	var out []events.UserTopicEvent
	for _, ev := range rec.Events() {
		out = append(out, ev.(events.UserTopicEvent))
	}
	return out
}

func TestService_Set(t *testing.T) {
	svc, f, rec := newTestService(t)
	ctx := context.Background()
	hamlet := f.User("hamlet@zulip.com")
	denmark := f.Stream("Denmark", store.StreamOptions{}, hamlet)
	f.StreamMessage(hamlet, denmark, "castle", "hello")

	for _, p := range []store.VisibilityPolicy{store.PolicyMuted, store.PolicyMuted, store.PolicyInherit} {
		_, err := svc.Set(ctx, hamlet.ID, denmark.ID, "castle", p)
		testutil.MustNoErr(t, err, "set")
	}

	want := []events.UserTopicEvent{
		events.NewUserTopicEvent(hamlet.ID, denmark.ID, "castle", int(store.PolicyMuted), at),
		events.NewUserTopicEvent(hamlet.ID, denmark.ID, "castle", int(store.PolicyInherit), at),
	}
	if diff := cmp.Diff(want, userTopicEvents(rec)); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}

	p, err := svc.Get(ctx, hamlet.ID, denmark.ID, "castle")
	testutil.MustNoErr(t, err, "get")
	if p != store.PolicyInherit {
		t.Errorf("policy = %v, want inherit", p)
	}
}

func TestService_PublishFailureDoesNotFailSet(t *testing.T) {
	svc, f, rec := newTestService(t)
	rec.Err = errors.New("broker down")
	hamlet := f.User("hamlet@zulip.com")
	denmark := f.Stream("Denmark", store.StreamOptions{}, hamlet)
	f.StreamMessage(hamlet, denmark, "castle", "hello")

	change, err := svc.Set(context.Background(), hamlet.ID, denmark.ID, "castle", store.PolicyFollowed)
	if err != nil || change != store.ChangeCreated {
		t.Errorf("Set() = %v, %v; want created, nil", change, err)
	}
}

func TestService_BulkSet(t *testing.T) {
	svc, f, rec := newTestService(t)
	ctx := context.Background()
	hamlet := f.User("hamlet@zulip.com")
	othello := f.User("othello@zulip.com")
	denmark := f.Stream("Denmark", store.StreamOptions{}, hamlet, othello)
	f.StreamMessage(hamlet, denmark, "castle", "hello")
	f.SetPolicy(othello, denmark, "castle", store.PolicyFollowed)

	affected, err := svc.BulkSet(ctx, []int64{hamlet.ID, othello.ID}, denmark.ID, "castle", store.PolicyFollowed)
	testutil.MustNoErr(t, err, "bulk set")
	testutil.AssertEqualSlices(t, affected, hamlet.ID)

	got := userTopicEvents(rec)
	if len(got) != 1 || got[0].UserID != hamlet.ID {
		t.Errorf("events = %+v, want one for hamlet", got)
	}

	if _, err := svc.BulkSet(ctx, []int64{hamlet.ID}, denmark.ID+100, "castle", store.PolicyMuted); err == nil {
		t.Error("expected error for unknown stream")
	}
}

func TestService_Move(t *testing.T) {
	svc, f, rec := newTestService(t)
	hamlet := f.User("hamlet@zulip.com")
	othello := f.User("othello@zulip.com")
	denmark := f.Stream("Denmark", store.StreamOptions{}, hamlet, othello)
	id := f.StreamMessage(hamlet, denmark, "topic1", "hello")
	f.StreamMessage(hamlet, denmark, "topic2", "already here")
	f.SetPolicy(hamlet, denmark, "topic1", store.PolicyMuted)

	res, err := svc.Move(context.Background(), store.MoveRequest{
		MessageID: id, EditorID: hamlet.ID, NewTopic: ptr.String("topic2"), Mode: store.ChangeAll,
	})
	testutil.MustNoErr(t, err, "move")
	if !res.SourceCleared {
		t.Error("expected the source topic to be cleared")
	}

	want := []events.UserTopicEvent{
		events.NewUserTopicEvent(hamlet.ID, denmark.ID, "topic2", int(store.PolicyMuted), at),
		events.NewUserTopicEvent(hamlet.ID, denmark.ID, "topic1", int(store.PolicyInherit), at),
	}
	if diff := cmp.Diff(want, userTopicEvents(rec)); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}
