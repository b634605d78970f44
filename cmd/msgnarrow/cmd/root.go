package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/wesm/msgnarrow/internal/config"
	"github.com/wesm/msgnarrow/internal/events"
	"github.com/wesm/msgnarrow/internal/store"
	"github.com/wesm/msgnarrow/internal/usertopic"
)

var (
	cfgFile string
	verbose bool
	realmID int64
	cfg     *config.Config
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "msgnarrow",
	Short: "Narrow and search queries over a team chat message store",
	Long: `msgnarrow runs per-user narrow queries (stream, topic, sender, direct
message, flag and full-text filters) against a SQLite message store and
manages topic visibility policies.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}

		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return nil
	},
}

// Execute runs the root command with a background context.
// Prefer ExecuteContext for signal-aware execution.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with the given context,
// enabling graceful shutdown when the context is cancelled.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// openStore opens the configured database and makes sure the schema exists.
func openStore() (*store.Store, error) {
	s, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := s.InitSchema(); err != nil {
		s.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// openTopicService wires the visibility policy service to the configured
// event publisher. The caller closes the returned publisher.
func openTopicService(s *store.Store) (*usertopic.Service, events.Publisher) {
	pub := events.Open(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic, logger)
	return usertopic.NewService(s, pub, logger), pub
}

// lookupUser resolves an email in the selected realm.
func lookupUser(ctx context.Context, s *store.Store, email string) (*store.User, error) {
	u, err := s.UserByEmail(ctx, realmID, email)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("no user %q in realm %d", email, realmID)
	}
	return u, nil
}

// lookupStream resolves a stream name in the selected realm.
func lookupStream(ctx context.Context, s *store.Store, name string) (*store.Stream, error) {
	st, err := s.StreamByName(ctx, realmID, name)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("no stream %q in realm %d", name, realmID)
	}
	return st, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.msgnarrow/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().Int64Var(&realmID, "realm", 1, "realm id for user and stream lookups")
}
