package migrations

import (
	"context"
	"database/sql"
	"log"
	"os"

	"github.com/pressly/goose/v3"
)

func setup(logger goose.Logger) error {
	goose.SetBaseFS(FS)
	goose.SetLogger(logger)
	return goose.SetDialect("postgres")
}

// Up applies every pending migration without logging.
func Up(ctx context.Context, db *sql.DB) error {
	if err := setup(goose.NopLogger()); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

// Run executes a goose command (up, down, status, version, redo, up-to,
// down-to) against the embedded migrations, printing progress to stdout.
func Run(ctx context.Context, db *sql.DB, command string, args ...string) error {
	if err := setup(log.New(os.Stdout, "", 0)); err != nil {
		return err
	}
	return goose.RunContext(ctx, command, db, ".", args...)
}
