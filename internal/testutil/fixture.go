package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/wesm/msgnarrow/internal/store"
)

// Fixture builds realm data for tests. Every helper fails the test on error.
type Fixture struct {
	t     testing.TB
	Store *store.Store
	Realm *store.Realm
	ctx   context.Context
	clock time.Time
}

// NewFixture creates a fresh store with one realm.
func NewFixture(t testing.TB) *Fixture {
	t.Helper()
	st := NewTestStore(t)
	ctx := context.Background()
	realm, err := st.CreateRealm(ctx, "zulip")
	MustNoErr(t, err, "create realm")
	return &Fixture{
		t:     t,
		Store: st,
		Realm: realm,
		ctx:   ctx,
		clock: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

// User creates a realm member.
func (f *Fixture) User(email string, opts ...store.UserOptions) *store.User {
	f.t.Helper()
	var o store.UserOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	u, err := f.Store.CreateUser(f.ctx, f.Realm.ID, email, o)
	MustNoErr(f.t, err, "create user "+email)
	return u
}

// Stream creates a stream and subscribes the given users to it.
func (f *Fixture) Stream(name string, opts store.StreamOptions, subscribers ...*store.User) *store.Stream {
	f.t.Helper()
	st, err := f.Store.CreateStream(f.ctx, f.Realm.ID, name, opts)
	MustNoErr(f.t, err, "create stream "+name)
	for _, u := range subscribers {
		f.Subscribe(u, st)
	}
	return st
}

// Subscribe subscribes u to st.
func (f *Fixture) Subscribe(u *store.User, st *store.Stream) {
	f.t.Helper()
	MustNoErr(f.t, f.Store.Subscribe(f.ctx, u.ID, st.ID), "subscribe "+u.Email)
}

func (f *Fixture) tick() time.Time {
	f.clock = f.clock.Add(time.Minute)
	return f.clock
}

// Send stores nm, filling in the send time, and returns the message id.
func (f *Fixture) Send(nm store.NewMessage) int64 {
	f.t.Helper()
	if nm.SentAt.IsZero() {
		nm.SentAt = f.tick()
	}
	id, err := f.Store.SendMessage(f.ctx, nm)
	MustNoErr(f.t, err, "send message")
	return id
}

// StreamMessage sends content to a stream topic.
func (f *Fixture) StreamMessage(sender *store.User, st *store.Stream, topic, content string) int64 {
	f.t.Helper()
	return f.Send(store.NewMessage{SenderID: sender.ID, StreamID: st.ID, Topic: topic, Content: content})
}

// StreamMessages sends n messages to a stream topic and returns their ids.
func (f *Fixture) StreamMessages(sender *store.User, st *store.Stream, topic string, n int) []int64 {
	f.t.Helper()
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = f.StreamMessage(sender, st, topic, "message")
	}
	return ids
}

// DirectMessage sends content from sender to the given users.
func (f *Fixture) DirectMessage(sender *store.User, content string, to ...*store.User) int64 {
	f.t.Helper()
	ids := make([]int64, len(to))
	for i, u := range to {
		ids[i] = u.ID
	}
	return f.Send(store.NewMessage{SenderID: sender.ID, ToUserIDs: ids, Content: content})
}

// MarkRead marks messages read for u.
func (f *Fixture) MarkRead(u *store.User, ids ...int64) {
	f.t.Helper()
	_, err := f.Store.UpdateMessageFlags(f.ctx, u.ID, store.FlagAdd, store.FlagRead, ids)
	MustNoErr(f.t, err, "mark read")
}

// SetPolicy sets u's visibility policy for a topic.
func (f *Fixture) SetPolicy(u *store.User, st *store.Stream, topic string, p store.VisibilityPolicy) {
	f.t.Helper()
	_, err := f.Store.SetTopicPolicy(f.ctx, u.ID, st.ID, topic, p, f.tick())
	MustNoErr(f.t, err, "set topic policy")
}

// MuteStream sets whether st is muted for u.
func (f *Fixture) MuteStream(u *store.User, st *store.Stream, muted bool) {
	f.t.Helper()
	MustNoErr(f.t, f.Store.SetStreamMuted(f.ctx, u.ID, st.ID, muted), "mute stream")
}
