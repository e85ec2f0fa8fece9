// Command migrate applies the embedded schema migrations in container
// entrypoints, where the full ledgerctl binary is not shipped.
//
//	migrate up | down | status | version | redo | up-to N | down-to N
//
// With no command it runs "up". DATABASE_URL is required.
package main

import (
	"context"
	"database/sql"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/mbd888/creditledger/internal/logging"
	"github.com/mbd888/creditledger/migrations"
)

func main() {
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	command, args := "up", []string(nil)
	if len(os.Args) > 1 {
		command, args = os.Args[1], os.Args[2:]
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(2)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		logger.Error("connect to database", "error", err)
		os.Exit(1)
	}

	if err := migrations.Run(ctx, db, command, args...); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		os.Exit(1)
	}
}
