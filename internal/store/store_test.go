package store_test

import (
	"context"
	"strings"
	"testing"

	"github.com/wesm/msgnarrow/internal/store"
	"github.com/wesm/msgnarrow/internal/testutil"
)

func TestOpen_RejectsPostgres(t *testing.T) {
	_, err := store.Open("postgres://localhost/zulip")
	if err == nil || !strings.Contains(err.Error(), "PostgreSQL") {
		t.Errorf("Open(postgres URL) err = %v", err)
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	st := testutil.NewTestStore(t)
	testutil.MustNoErr(t, st.InitSchema(), "second InitSchema")
}

func TestGetStats(t *testing.T) {
	f := testutil.NewFixture(t)
	hamlet := f.User("hamlet@zulip.com")
	othello := f.User("othello@zulip.com")
	denmark := f.Stream("Denmark", store.StreamOptions{}, hamlet, othello)
	f.StreamMessages(hamlet, denmark, "castle", 2)
	f.SetPolicy(hamlet, denmark, "castle", store.PolicyMuted)

	stats, err := f.Store.GetStats(context.Background())
	testutil.MustNoErr(t, err, "stats")
	want := store.Stats{
		RealmCount:       1,
		UserCount:        2,
		StreamCount:      1,
		MessageCount:     2,
		UserMessageCount: 4,
		UserTopicCount:   1,
		DatabaseSize:     stats.DatabaseSize,
	}
	if *stats != want {
		t.Errorf("stats = %+v, want %+v", *stats, want)
	}
}

func TestUserByEmail(t *testing.T) {
	f := testutil.NewFixture(t)
	ctx := context.Background()
	hamlet := f.User("hamlet@zulip.com")

	other, err := f.Store.CreateRealm(ctx, "lear")
	testutil.MustNoErr(t, err, "create realm")
	bot, err := f.Store.CreateUser(ctx, other.ID, "welcome-bot@zulip.com", store.UserOptions{IsCrossRealmBot: true})
	testutil.MustNoErr(t, err, "create bot")
	_, err = f.Store.CreateUser(ctx, other.ID, "cordelia@zulip.com", store.UserOptions{})
	testutil.MustNoErr(t, err, "create foreign user")

	tests := []struct {
		email  string
		wantID int64
	}{
		{"HAMLET@zulip.com", hamlet.ID},
		{" hamlet@zulip.com ", hamlet.ID},
		{"welcome-bot@zulip.com", bot.ID},
		{"cordelia@zulip.com", 0},
		{"nobody@zulip.com", 0},
	}
	for _, tt := range tests {
		u, err := f.Store.UserByEmail(ctx, f.Realm.ID, tt.email)
		testutil.MustNoErr(t, err, "lookup "+tt.email)
		var got int64
		if u != nil {
			got = u.ID
		}
		if got != tt.wantID {
			t.Errorf("UserByEmail(%q) = %d, want %d", tt.email, got, tt.wantID)
		}
	}
}

func TestStreamByName_CaseInsensitive(t *testing.T) {
	f := testutil.NewFixture(t)
	denmark := f.Stream("Denmark", store.StreamOptions{})

	st, err := f.Store.StreamByName(context.Background(), f.Realm.ID, "denmark")
	testutil.MustNoErr(t, err, "lookup")
	if st == nil || st.ID != denmark.ID {
		t.Errorf("StreamByName(denmark) = %+v, want %d", st, denmark.ID)
	}
	if !denmark.IsPublic() {
		t.Error("stream without invite_only should be public")
	}
}
