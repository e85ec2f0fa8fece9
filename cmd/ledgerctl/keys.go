package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/creditledger/internal/idempotency"
)

var apiKeysCmd = &cobra.Command{
	Use:   "api-keys",
	Short: "Issue and revoke collaborator service API keys",
}

var apiKeysIssueCmd = &cobra.Command{
	Use:   "issue SERVICE",
	Short: "Issue a key for a collaborator service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if name == "" {
			name = args[0] + " key"
		}
		return withDeps(func(ctx context.Context, d *deps) error {
			raw, key, err := d.auth.GenerateKey(ctx, args[0], name, ttl)
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{
				"apiKey":  raw,
				"key":     key,
				"warning": "Store this key securely. It will not be shown again.",
			})
		})
	},
}

var apiKeysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List keys, optionally for one service",
	RunE: func(cmd *cobra.Command, args []string) error {
		service, _ := cmd.Flags().GetString("service")
		return withDeps(func(ctx context.Context, d *deps) error {
			keys, err := d.auth.ListKeys(ctx, service)
			if err != nil {
				return err
			}
			return printJSON(keys)
		})
	},
}

var apiKeysRevokeCmd = &cobra.Command{
	Use:   "revoke KEY_ID",
	Short: "Revoke a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(func(ctx context.Context, d *deps) error {
			key, err := d.auth.RevokeKey(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(key)
		})
	},
}

var purgeKeysCmd = &cobra.Command{
	Use:   "purge-keys",
	Short: "Delete gateway idempotency keys older than the retention window",
	Long: `purge-keys removes processed gateway event keys older than --retention.
Ledger entry keys live on the entries themselves and are never purged.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		retention, _ := cmd.Flags().GetDuration("retention")
		return withDeps(func(ctx context.Context, d *deps) error {
			timer := idempotency.NewPurgeTimer(idempotency.NewPostgresStore(d.db), retention, d.logger)
			n, err := timer.RunOnce(ctx, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Printf("purged %d keys\n", n)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(apiKeysCmd, purgeKeysCmd)

	apiKeysIssueCmd.Flags().String("name", "", "Human-readable key name")
	apiKeysIssueCmd.Flags().Duration("ttl", 0, "Key lifetime (0 never expires)")
	apiKeysListCmd.Flags().String("service", "", "Only keys for this service")
	apiKeysCmd.AddCommand(apiKeysIssueCmd, apiKeysListCmd, apiKeysRevokeCmd)

	purgeKeysCmd.Flags().Duration("retention", 2*365*24*time.Hour, "Keep keys newer than this")
}
