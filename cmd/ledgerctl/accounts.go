package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/mbd888/creditledger/internal/credit"
	"github.com/mbd888/creditledger/internal/ledger"
	"github.com/mbd888/creditledger/internal/money"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage credit accounts",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts, optionally filtered by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		return withDeps(func(ctx context.Context, d *deps) error {
			accts, err := d.credit.ListAccounts(ctx, ledger.Status(status), limit)
			if err != nil {
				return err
			}
			return printJSON(accts)
		})
	},
}

var accountsOpenCmd = &cobra.Command{
	Use:     "open BUSINESS_ID",
	Short:   "Open a pending account for a business",
	Args:    cobra.ExactArgs(1),
	Example: `  ledgerctl accounts open biz_123 --limit 5000.00 --currency AUD --terms 30`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rawLimit, _ := cmd.Flags().GetString("limit")
		currency, _ := cmd.Flags().GetString("currency")
		terms, _ := cmd.Flags().GetInt("terms")
		feeBps, _ := cmd.Flags().GetInt("late-fee-bps")
		limit, err := money.Parse(rawLimit)
		if err != nil {
			return err
		}
		return withDeps(func(ctx context.Context, d *deps) error {
			acct, err := d.credit.Open(ctx, credit.OpenRequest{
				BusinessID:       args[0],
				Currency:         currency,
				CreditLimit:      limit,
				PaymentTermsDays: terms,
				LateFeeBps:       feeBps,
			})
			if err != nil {
				return err
			}
			return printJSON(acct)
		})
	},
}

// lifecycleCmd builds a single-account status command.
func lifecycleCmd(use, short string, run func(ctx context.Context, d *deps, id, reason string) (*ledger.Account, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " ACCOUNT_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			return withDeps(func(ctx context.Context, d *deps) error {
				acct, err := run(ctx, d, args[0], reason)
				if err != nil {
					return err
				}
				return printJSON(acct)
			})
		},
	}
	cmd.Flags().String("reason", "", "Reason recorded on the account and in the audit log")
	return cmd
}

var accountsSetLimitCmd = &cobra.Command{
	Use:   "set-limit ACCOUNT_ID AMOUNT",
	Short: "Change an account's credit limit",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		limit, err := money.Parse(args[1])
		if err != nil {
			return err
		}
		return withDeps(func(ctx context.Context, d *deps) error {
			acct, err := d.credit.SetCreditLimit(ctx, args[0], limit, reason)
			if err != nil {
				return err
			}
			return printJSON(acct)
		})
	},
}

func init() {
	rootCmd.AddCommand(accountsCmd)

	accountsListCmd.Flags().String("status", "", "Filter by status (pending, active, suspended, closed)")
	accountsListCmd.Flags().Int("limit", 100, "Maximum accounts to list")

	accountsOpenCmd.Flags().String("limit", "0", "Credit limit in major units")
	accountsOpenCmd.Flags().String("currency", "", "ISO 4217 currency (default DEFAULT_CURRENCY)")
	accountsOpenCmd.Flags().Int("terms", 0, "Payment terms in days (default 30)")
	accountsOpenCmd.Flags().Int("late-fee-bps", 0, "Late fee in basis points (default 200)")

	accountsSetLimitCmd.Flags().String("reason", "", "Reason recorded in the audit log")

	accountsCmd.AddCommand(
		accountsListCmd,
		accountsOpenCmd,
		accountsSetLimitCmd,
		lifecycleCmd("approve", "Approve a pending account", func(ctx context.Context, d *deps, id, _ string) (*ledger.Account, error) {
			return d.credit.Approve(ctx, id)
		}),
		lifecycleCmd("suspend", "Suspend an account; debits are rejected", func(ctx context.Context, d *deps, id, reason string) (*ledger.Account, error) {
			return d.credit.Suspend(ctx, id, reason)
		}),
		lifecycleCmd("reactivate", "Reactivate a suspended account", func(ctx context.Context, d *deps, id, _ string) (*ledger.Account, error) {
			return d.credit.Reactivate(ctx, id)
		}),
		lifecycleCmd("close", "Close an account with a zero balance", func(ctx context.Context, d *deps, id, reason string) (*ledger.Account, error) {
			return d.credit.Close(ctx, id, reason)
		}),
		lifecycleCmd("release-hold", "Release an integrity hold after reconciliation", func(ctx context.Context, d *deps, id, _ string) (*ledger.Account, error) {
			return d.credit.ReleaseHold(ctx, id)
		}),
	)
}
