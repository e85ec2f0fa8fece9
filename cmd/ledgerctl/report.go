package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mbd888/creditledger/internal/admin"
	"github.com/mbd888/creditledger/internal/billing"
	"github.com/mbd888/creditledger/internal/dispute"
	"github.com/mbd888/creditledger/internal/events"
	"github.com/mbd888/creditledger/internal/reconciliation"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the operations report: holds, dead gateway events, exhausted payments, overdue invoices",
	RunE: func(cmd *cobra.Command, args []string) error {
		strict, _ := cmd.Flags().GetBool("strict")
		return withDeps(func(ctx context.Context, d *deps) error {
			rep := admin.NewReporter(admin.Sources{
				Accounts: d.credit,
				Inbox:    reconciliation.NewPostgresInbox(d.db),
				Payments: billing.NewPostgresStore(d.db),
				Disputes: dispute.NewResolver(dispute.NewPostgresStore(d.db), d.credit, d.credit, d.logger),
				Outbox:   events.NewPostgresOutbox(d.db),
			}, d.logger).Report(ctx)
			if err := printJSON(rep); err != nil {
				return err
			}
			if strict && !rep.Healthy {
				return fmt.Errorf("report lists %d problems", len(rep.Problems))
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().Bool("strict", false, "Exit non-zero when anything needs attention")
}
