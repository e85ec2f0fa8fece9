package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/creditledger/internal/statement"
)

var statementCmd = &cobra.Command{
	Use:   "statement",
	Short: "Print an account statement for a period",
	Example: `  # Current month to date
  ledgerctl statement --account acct_123

  # A closed month, stored as an immutable snapshot
  ledgerctl statement --account acct_123 --from 2026-09-01 --to 2026-10-01 --snapshot`,
	RunE: func(cmd *cobra.Command, args []string) error {
		account, _ := cmd.Flags().GetString("account")
		rawFrom, _ := cmd.Flags().GetString("from")
		rawTo, _ := cmd.Flags().GetString("to")
		withEntries, _ := cmd.Flags().GetBool("entries")
		snapshot, _ := cmd.Flags().GetBool("snapshot")

		now := time.Now().UTC()
		from, _ := statement.MonthBounds(now)
		to := now
		var err error
		if rawFrom != "" {
			if from, err = statement.ParseTime(rawFrom); err != nil {
				return err
			}
		}
		if rawTo != "" {
			if to, err = statement.ParseTime(rawTo); err != nil {
				return err
			}
		}

		return withDeps(func(ctx context.Context, d *deps) error {
			if snapshot {
				st, _, err := d.statements.Snapshot(ctx, account, from, to)
				if err != nil {
					return err
				}
				return printJSON(st)
			}
			st, err := d.statements.Generate(ctx, account, from, to, withEntries)
			if err != nil {
				return err
			}
			return printJSON(st)
		})
	},
}

func init() {
	rootCmd.AddCommand(statementCmd)
	statementCmd.Flags().String("account", "", "Account ID")
	statementCmd.Flags().String("from", "", "Period start (RFC 3339 or YYYY-MM-DD, default start of month)")
	statementCmd.Flags().String("to", "", "Period end, exclusive (default now)")
	statementCmd.Flags().Bool("entries", true, "Include ledger entries")
	statementCmd.Flags().Bool("snapshot", false, "Store the statement as an immutable snapshot")
	_ = statementCmd.MarkFlagRequired("account")
}
