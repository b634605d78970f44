package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wesm/msgnarrow/internal/store"
)

var (
	markReadUser   string
	markReadStream string
	markReadTopic  string
)

var markReadCmd = &cobra.Command{
	Use:   "mark-read",
	Short: "Mark every message in a topic as read for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		if markReadUser == "" || markReadStream == "" {
			return fmt.Errorf("--user and --stream are required")
		}
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := cmd.Context()
		user, err := lookupUser(ctx, s, markReadUser)
		if err != nil {
			return err
		}
		st, err := lookupStream(ctx, s, markReadStream)
		if err != nil {
			return err
		}

		n, err := s.MarkTopicAsRead(ctx, user.ID, st.ID, markReadTopic)
		if errors.Is(err, store.ErrTopicNotFound) {
			return fmt.Errorf("%s has no messages in %s > %s", markReadUser, markReadStream, markReadTopic)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Marked %d messages as read\n", n)
		return nil
	},
}

func init() {
	markReadCmd.Flags().StringVar(&markReadUser, "user", "", "user email")
	markReadCmd.Flags().StringVar(&markReadStream, "stream", "", "stream name")
	markReadCmd.Flags().StringVar(&markReadTopic, "topic", "", "topic name")
	rootCmd.AddCommand(markReadCmd)
}
