package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/spf13/cobra"

	"github.com/mbd888/creditledger/internal/audit"
	"github.com/mbd888/creditledger/internal/auth"
	"github.com/mbd888/creditledger/internal/billing"
	"github.com/mbd888/creditledger/internal/credit"
	"github.com/mbd888/creditledger/internal/events"
	"github.com/mbd888/creditledger/internal/ledger"
	"github.com/mbd888/creditledger/internal/logging"
	"github.com/mbd888/creditledger/internal/statement"
)

var version = "dev"

var (
	dbURL    string
	logLevel string
	operator string
	timeout  time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Operate the B2B credit ledger",
	Long: `ledgerctl runs operator tasks against the credit ledger database:
account lifecycle, integrity verification, statements, API key issuance
and idempotency key retention.

Every change is recorded in the audit log as admin:<operator>.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
		if dbURL == "" {
			dbURL = os.Getenv("DATABASE_URL")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "database-url", "", "PostgreSQL connection string (default $DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&operator, "operator", os.Getenv("USER"), "Operator name recorded in the audit log")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Overall command timeout")
}

// deps are the services a command needs, all backed by Postgres.
type deps struct {
	db         *sql.DB
	logger     *slog.Logger
	ledger     ledger.Store
	credit     *credit.Manager
	billing    *billing.Service
	statements *statement.Generator
	auth       *auth.Manager
}

func (d *deps) Close() {
	_ = d.db.Close()
}

func openDeps(ctx context.Context) (*deps, error) {
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL or --database-url is required")
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	logger := logging.NewWithWriter(os.Stderr, logLevel, "text")
	outbox := events.NewPostgresOutbox(db)
	ls := ledger.NewPostgresStore(db)
	mgr := credit.NewManager(ls, logger).WithAuditLogger(audit.NewPostgresLogger(db))
	if cur := os.Getenv("DEFAULT_CURRENCY"); cur != "" {
		mgr.WithDefaultCurrency(cur)
	}
	bs := billing.NewPostgresStore(db)
	bill := billing.NewService(bs, mgr, mgr, outbox, logger)

	return &deps{
		db:         db,
		logger:     logger,
		ledger:     ls,
		credit:     mgr,
		billing:    bill,
		statements: statement.NewGenerator(ls, bill.Store(), statement.NewPostgresStore(db), logger),
		auth:       auth.NewManager(auth.NewPostgresStore(db)),
	}, nil
}

// withDeps runs fn with a timeout-bound, operator-attributed context.
func withDeps(fn func(ctx context.Context, d *deps) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	name := operator
	if name == "" {
		name = "operator"
	}
	ctx = audit.WithActor(ctx, audit.ActorAdmin, name)

	d, err := openDeps(ctx)
	if err != nil {
		return err
	}
	defer d.Close()
	return fn(ctx, d)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
