package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wesm/msgnarrow/internal/store"
)

var (
	topicUsers    []string
	topicStream   string
	topicName     string
	topicPolicy   string
	moveMessageID int64
	moveEditor    string
	moveToStream  string
	moveToTopic   string
	moveMode      string
)

var topicCmd = &cobra.Command{
	Use:   "topic",
	Short: "Inspect and change topic visibility policies",
}

var topicGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show a user's visibility policy for a topic, or all their policies",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(topicUsers) != 1 {
			return fmt.Errorf("exactly one --user is required")
		}
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := cmd.Context()
		user, err := lookupUser(ctx, s, topicUsers[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if topicStream != "" && topicName != "" {
			st, err := lookupStream(ctx, s, topicStream)
			if err != nil {
				return err
			}
			p, err := s.GetTopicPolicy(ctx, user.ID, st.ID, topicName)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, p.String())
			return nil
		}

		var streamID int64
		if topicStream != "" {
			st, err := lookupStream(ctx, s, topicStream)
			if err != nil {
				return err
			}
			streamID = st.ID
		}
		rows, err := s.TopicPolicies(ctx, user.ID, streamID)
		if err != nil {
			return err
		}
		for _, r := range rows {
			fmt.Fprintf(out, "%d\t%s\t%s\t%s\n", r.StreamID, r.TopicName, r.Policy, r.LastUpdated.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var topicSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Set visibility policy for one or more users",
	Long: `Set a topic visibility policy: inherit, muted, unmuted or followed.

With several --user flags the change is applied to all of them in one
transaction. Users whose policy changed are notified.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(topicUsers) == 0 || topicStream == "" {
			return fmt.Errorf("--user and --stream are required")
		}
		policy, err := store.ParseVisibilityPolicy(topicPolicy)
		if err != nil {
			return err
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()
		svc, pub := openTopicService(s)
		defer pub.Close()

		ctx := cmd.Context()
		st, err := lookupStream(ctx, s, topicStream)
		if err != nil {
			return err
		}
		ids := make([]int64, 0, len(topicUsers))
		for _, email := range topicUsers {
			u, err := lookupUser(ctx, s, email)
			if err != nil {
				return err
			}
			ids = append(ids, u.ID)
		}

		out := cmd.OutOrStdout()
		if len(ids) == 1 {
			change, err := svc.Set(ctx, ids[0], st.ID, topicName, policy)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, change.String())
			return nil
		}
		changed, err := svc.BulkSet(ctx, ids, st.ID, topicName, policy)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%d of %d users changed\n", len(changed), len(ids))
		return nil
	},
}

var topicMoveCmd = &cobra.Command{
	Use:   "move",
	Short: "Move messages to another topic or stream",
	Long: `Move a message, and depending on --mode the rest of its topic, to a new
topic and/or stream. Visibility policies follow the messages.

Modes: change_one, change_later, change_all.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if moveMessageID <= 0 || moveEditor == "" {
			return fmt.Errorf("--message and --editor are required")
		}
		mode, err := store.ParsePropagateMode(moveMode)
		if err != nil {
			return err
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()
		svc, pub := openTopicService(s)
		defer pub.Close()

		ctx := cmd.Context()
		editor, err := lookupUser(ctx, s, moveEditor)
		if err != nil {
			return err
		}
		req := store.MoveRequest{MessageID: moveMessageID, EditorID: editor.ID, Mode: mode}
		if moveToStream != "" {
			st, err := lookupStream(ctx, s, moveToStream)
			if err != nil {
				return err
			}
			req.NewStreamID = st.ID
		}
		if cmd.Flags().Changed("to-topic") {
			req.NewTopic = &moveToTopic
		}

		res, err := svc.Move(ctx, req)
		if err != nil {
			return err
		}
		ids := make([]string, len(res.MessageIDs))
		for i, id := range res.MessageIDs {
			ids[i] = fmt.Sprint(id)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Moved %d messages to stream %d topic %q: %s\n",
			len(res.MessageIDs), res.TargetStreamID, res.TargetTopic, strings.Join(ids, ","))
		fmt.Fprintf(cmd.OutOrStdout(), "Policy changes: %d\n", len(res.PolicyChanges))
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{topicGetCmd, topicSetCmd} {
		c.Flags().StringArrayVar(&topicUsers, "user", nil, "user email (repeatable for set)")
		c.Flags().StringVar(&topicStream, "stream", "", "stream name")
		c.Flags().StringVar(&topicName, "topic", "", "topic name")
	}
	topicSetCmd.Flags().StringVar(&topicPolicy, "policy", "", "inherit, muted, unmuted or followed")

	topicMoveCmd.Flags().Int64Var(&moveMessageID, "message", 0, "id of the message being edited")
	topicMoveCmd.Flags().StringVar(&moveEditor, "editor", "", "email of the user making the edit")
	topicMoveCmd.Flags().StringVar(&moveToStream, "to-stream", "", "destination stream (default: unchanged)")
	topicMoveCmd.Flags().StringVar(&moveToTopic, "to-topic", "", "destination topic (default: unchanged)")
	topicMoveCmd.Flags().StringVar(&moveMode, "mode", string(store.ChangeOne), "change_one, change_later or change_all")

	topicCmd.AddCommand(topicGetCmd, topicSetCmd, topicMoveCmd)
	rootCmd.AddCommand(topicCmd)
}
