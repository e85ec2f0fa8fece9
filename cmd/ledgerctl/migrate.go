package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mbd888/creditledger/migrations"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate COMMAND [VERSION]",
	Short:     "Run goose migrations (up, down, status, version, redo, up-to, down-to)",
	Args:      cobra.RangeArgs(1, 2),
	ValidArgs: []string{"up", "down", "status", "version", "redo", "up-to", "down-to"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if dbURL == "" {
			return fmt.Errorf("DATABASE_URL or --database-url is required")
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		db, err := sql.Open("postgres", dbURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer func() { _ = db.Close() }()

		return migrations.Run(ctx, db, args[0], args[1:]...)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
