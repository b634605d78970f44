package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wesm/msgnarrow/internal/narrow"
	"github.com/wesm/msgnarrow/internal/query"
)

var (
	fetchUser        string
	fetchNarrow      string
	fetchAnchor      string
	fetchBefore      int
	fetchAfter       int
	fetchFirstUnread bool
	fetchHighlight   bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch a window of message ids matching a narrow",
	Long: `Fetch the ids and flags of messages matching a narrow, positioned
around an anchor, as seen by one user.

The narrow is a JSON list of terms in either form:
  [["stream","Denmark"],["topic","castle"]]
  [{"operator":"sender","operand":"hamlet@zulip.com","negated":true}]

The anchor is a message id, or one of newest, oldest, first_unread.

Errors in the narrow or the request are printed as {"kind","detail"}.

Examples:
  msgnarrow fetch --user hamlet@zulip.com --anchor newest --before 50
  msgnarrow fetch --user hamlet@zulip.com --narrow '[["search","castle"]]' --highlight
  msgnarrow fetch --user hamlet@zulip.com --first-unread --before 10 --after 10`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if fetchUser == "" {
			return fmt.Errorf("--user is required")
		}
		anchorArg := fetchAnchor
		if fetchFirstUnread {
			anchorArg = "first_unread"
		}
		mode, anchor, err := parseAnchor(anchorArg)
		if err != nil {
			return err
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := cmd.Context()
		user, err := lookupUser(ctx, s, fetchUser)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		n, err := narrow.Parse([]byte(fetchNarrow))
		if err != nil {
			return writeFailure(out, err)
		}

		engine := query.NewEngine(s.DB(), s, cfg.EngineConfig(), logger)
		res, err := engine.Fetch(ctx, query.FetchRequest{
			UserID:     user.ID,
			Narrow:     n,
			AnchorMode: mode,
			Anchor:     anchor,
			NumBefore:  fetchBefore,
			NumAfter:   fetchAfter,
			Highlight:  fetchHighlight,
		})
		if err != nil {
			return writeFailure(out, err)
		}

		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

// parseAnchor interprets the --anchor value.
func parseAnchor(s string) (query.AnchorMode, int64, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "newest":
		return query.AnchorNewest, 0, nil
	case "oldest":
		return query.AnchorOldest, 0, nil
	case "first_unread":
		return query.AnchorFirstUnread, 0, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid anchor %q: want a message id, newest, oldest or first_unread", s)
	}
	return query.AnchorID, id, nil
}

// writeFailure prints the structured form of err and returns an error
// naming its kind, so the command exits non-zero.
func writeFailure(w io.Writer, err error) error {
	f := query.FailureFrom(err)
	if f.Kind == "internal" {
		logger.Error("fetch failed", "error", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(f); encErr != nil {
		return encErr
	}
	return fmt.Errorf("fetch failed: %s", f.Kind)
}

func init() {
	fetchCmd.Flags().StringVar(&fetchUser, "user", "", "email of the user the query runs as")
	fetchCmd.Flags().StringVar(&fetchNarrow, "narrow", "", "narrow as a JSON list of terms")
	fetchCmd.Flags().StringVar(&fetchAnchor, "anchor", "newest", "message id, newest, oldest or first_unread")
	fetchCmd.Flags().IntVar(&fetchBefore, "before", 20, "messages to return before the anchor")
	fetchCmd.Flags().IntVar(&fetchAfter, "after", 0, "messages to return after the anchor")
	fetchCmd.Flags().BoolVar(&fetchFirstUnread, "first-unread", false, "anchor at the first unread message (same as --anchor first_unread)")
	fetchCmd.Flags().BoolVar(&fetchHighlight, "highlight", false, "include highlighted content and topic for search narrows")
	rootCmd.AddCommand(fetchCmd)
}
