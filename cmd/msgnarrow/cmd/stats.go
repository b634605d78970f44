package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wesm/msgnarrow/internal/store"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()
		return printStats(cmd, s)
	},
}

func printStats(cmd *cobra.Command, s *store.Store) error {
	stats, err := s.GetStats(cmd.Context())
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Database: %s\n", cfg.DatabasePath())
	fmt.Fprintf(out, "  Realms:          %d\n", stats.RealmCount)
	fmt.Fprintf(out, "  Users:           %d\n", stats.UserCount)
	fmt.Fprintf(out, "  Streams:         %d\n", stats.StreamCount)
	fmt.Fprintf(out, "  Messages:        %d\n", stats.MessageCount)
	fmt.Fprintf(out, "  Delivery rows:   %d\n", stats.UserMessageCount)
	fmt.Fprintf(out, "  Topic policies:  %d\n", stats.UserTopicCount)
	fmt.Fprintf(out, "  Size:            %.2f MB\n", float64(stats.DatabaseSize)/(1024*1024))
	return nil
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
