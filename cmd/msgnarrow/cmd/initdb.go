package cmd

import (
	"github.com/spf13/cobra"
)

var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Initialize the database schema",
	Long: `Initialize the msgnarrow database with the required schema.

This creates the realm, message, delivery, subscription and topic policy
tables, and the full-text index when SQLite has FTS5. It is safe to run
multiple times.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath := cfg.DatabasePath()
		logger.Info("initializing database", "path", dbPath)

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		logger.Info("database initialized", "fts5", s.FTS5Available())
		return printStats(cmd, s)
	},
}

func init() {
	rootCmd.AddCommand(initDBCmd)
}
