package cmd

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

// newTestRootCmd returns a bare root command so tests never mutate rootCmd.
func newTestRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "msgnarrow",
		Short: "Narrow and search queries over a team chat message store",
	}
}

func TestExecuteContext_CancellationPropagates(t *testing.T) {
	var cancelled atomic.Bool
	started := make(chan struct{})

	root := newTestRootCmd()
	root.AddCommand(&cobra.Command{
		Use: "wait",
		RunE: func(cmd *cobra.Command, args []string) error {
			close(started)
			select {
			case <-cmd.Context().Done():
				cancelled.Store(true)
				return cmd.Context().Err()
			case <-time.After(5 * time.Second):
				return nil
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		root.SetArgs([]string{"wait"})
		done <- root.ExecuteContext(ctx)
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("command handler did not start in time")
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command did not return after cancellation")
	}
	if !cancelled.Load() {
		t.Error("handler did not observe cancellation")
	}
}

func TestRootCmd_RegistersSubcommands(t *testing.T) {
	want := []string{"init-db", "stats", "version", "fetch", "load", "topic", "mark-read"}
	for _, name := range want {
		c, _, err := rootCmd.Find([]string{name})
		if err != nil || c == rootCmd {
			t.Errorf("subcommand %q not registered", name)
		}
	}
	for _, name := range []string{"get", "set", "move"} {
		c, _, err := rootCmd.Find([]string{"topic", name})
		if err != nil || c.Name() != name {
			t.Errorf("topic subcommand %q not registered", name)
		}
	}
}
