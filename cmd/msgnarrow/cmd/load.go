package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesm/msgnarrow/internal/store"
)

// fixture is the JSON document accepted by the load command.
type fixture struct {
	Realms []fixtureRealm `json:"realms"`
}

type fixtureRealm struct {
	Name     string           `json:"name"`
	Users    []fixtureUser    `json:"users"`
	Streams  []fixtureStream  `json:"streams"`
	Messages []fixtureMessage `json:"messages"`
}

type fixtureUser struct {
	Email           string `json:"email"`
	FullName        string `json:"full_name"`
	IsGuest         bool   `json:"is_guest"`
	IsCrossRealmBot bool   `json:"is_cross_realm_bot"`
}

type fixtureStream struct {
	Name           string   `json:"name"`
	InviteOnly     bool     `json:"invite_only"`
	HistoryPrivate bool     `json:"history_private"`
	Subscribers    []string `json:"subscribers"`
}

// fixtureMessage is a stream message when Stream is set, otherwise a
// direct message to To.
type fixtureMessage struct {
	Sender    string     `json:"sender"`
	Stream    string     `json:"stream"`
	Topic     string     `json:"topic"`
	To        []string   `json:"to"`
	Content   string     `json:"content"`
	Mentions  []string   `json:"mentions"`
	SentAt    *time.Time `json:"sent_at"`
	ReadBy    []string   `json:"read_by"`
	StarredBy []string   `json:"starred_by"`
}

type loadSummary struct {
	Realms, Users, Streams, Messages int
}

var loadCmd = &cobra.Command{
	Use:   "load <fixture.json>",
	Short: "Load realms, users, streams and messages from a JSON fixture",
	Long: `Load test or demo data from a JSON file of the form:

  {"realms": [{
    "name": "zulip",
    "users": [{"email": "hamlet@zulip.com"}],
    "streams": [{"name": "Denmark", "subscribers": ["hamlet@zulip.com"]}],
    "messages": [
      {"sender": "hamlet@zulip.com", "stream": "Denmark", "topic": "castle", "content": "hi"},
      {"sender": "hamlet@zulip.com", "to": ["othello@zulip.com"], "content": "psst"}
    ]
  }]}

Messages are sent in file order, so ids increase in that order.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read fixture: %w", err)
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		sum, err := loadFixture(cmd.Context(), s, data)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d realms, %d users, %d streams, %d messages\n",
			sum.Realms, sum.Users, sum.Streams, sum.Messages)
		return nil
	},
}

func loadFixture(ctx context.Context, s *store.Store, data []byte) (*loadSummary, error) {
	var fx fixture
	if err := json.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("decode fixture: %w", err)
	}

	sum := &loadSummary{}
	for _, fr := range fx.Realms {
		realm, err := s.CreateRealm(ctx, fr.Name)
		if err != nil {
			return nil, err
		}
		sum.Realms++

		users := make(map[string]*store.User, len(fr.Users))
		for _, fu := range fr.Users {
			u, err := s.CreateUser(ctx, realm.ID, fu.Email, store.UserOptions{
				FullName:        fu.FullName,
				IsGuest:         fu.IsGuest,
				IsCrossRealmBot: fu.IsCrossRealmBot,
			})
			if err != nil {
				return nil, err
			}
			users[fu.Email] = u
			sum.Users++
		}
		userIDs := func(emails []string) ([]int64, error) {
			ids := make([]int64, 0, len(emails))
			for _, e := range emails {
				u, ok := users[e]
				if !ok {
					return nil, fmt.Errorf("realm %q: unknown user %q", fr.Name, e)
				}
				ids = append(ids, u.ID)
			}
			return ids, nil
		}

		streams := make(map[string]*store.Stream, len(fr.Streams))
		for _, fs := range fr.Streams {
			st, err := s.CreateStream(ctx, realm.ID, fs.Name, store.StreamOptions{
				InviteOnly:     fs.InviteOnly,
				HistoryPrivate: fs.HistoryPrivate,
			})
			if err != nil {
				return nil, err
			}
			subs, err := userIDs(fs.Subscribers)
			if err != nil {
				return nil, err
			}
			for _, uid := range subs {
				if err := s.Subscribe(ctx, uid, st.ID); err != nil {
					return nil, err
				}
			}
			streams[fs.Name] = st
			sum.Streams++
		}

		for i, fm := range fr.Messages {
			if err := loadMessage(ctx, s, fm, users, streams, userIDs); err != nil {
				return nil, fmt.Errorf("realm %q message %d: %w", fr.Name, i, err)
			}
			sum.Messages++
		}
	}
	return sum, nil
}

func loadMessage(ctx context.Context, s *store.Store, fm fixtureMessage,
	users map[string]*store.User, streams map[string]*store.Stream,
	userIDs func([]string) ([]int64, error)) error {
	sender, ok := users[fm.Sender]
	if !ok {
		return fmt.Errorf("unknown sender %q", fm.Sender)
	}
	nm := store.NewMessage{SenderID: sender.ID, Topic: fm.Topic, Content: fm.Content}
	if fm.SentAt != nil {
		nm.SentAt = *fm.SentAt
	}
	if fm.Stream != "" {
		st, ok := streams[fm.Stream]
		if !ok {
			return fmt.Errorf("unknown stream %q", fm.Stream)
		}
		nm.StreamID = st.ID
	} else {
		to, err := userIDs(fm.To)
		if err != nil {
			return err
		}
		nm.ToUserIDs = to
	}
	var err error
	if nm.MentionedUserIDs, err = userIDs(fm.Mentions); err != nil {
		return err
	}

	id, err := s.SendMessage(ctx, nm)
	if err != nil {
		return err
	}

	for _, f := range []struct {
		emails []string
		flag   store.Flag
	}{
		{fm.ReadBy, store.FlagRead},
		{fm.StarredBy, store.FlagStarred},
	} {
		ids, err := userIDs(f.emails)
		if err != nil {
			return err
		}
		for _, uid := range ids {
			if _, err := s.UpdateMessageFlags(ctx, uid, store.FlagAdd, f.flag, []int64{id}); err != nil {
				return err
			}
		}
	}
	return nil
}

func init() {
	rootCmd.AddCommand(loadCmd)
}
