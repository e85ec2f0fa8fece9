package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Re-verify ledger integrity",
	Long: `verify replays each account's entry chain and checks it against the
stored balance. A mismatch places an integrity hold on the account.

Exits non-zero when any account fails.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		account, _ := cmd.Flags().GetString("account")
		return withDeps(func(ctx context.Context, d *deps) error {
			if account != "" {
				res, err := d.credit.Verify(ctx, account)
				if err != nil {
					return err
				}
				if err := printJSON(res); err != nil {
					return err
				}
				if !res.OK {
					return fmt.Errorf("account %s failed verification", account)
				}
				return nil
			}
			checked, failed, err := d.credit.VerifyAll(ctx)
			if err != nil {
				return err
			}
			if err := printJSON(map[string]int{"checked": checked, "failed": failed}); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d accounts failed verification", failed, checked)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().String("account", "", "Verify a single account")
}
