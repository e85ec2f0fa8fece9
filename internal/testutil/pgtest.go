// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mbd888/creditledger/migrations"
)

// PGTest opens a test database, applies the embedded goose migrations and
// returns the *sql.DB plus a cleanup function.
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// POSTGRES_URL selects an existing database. Without it, PGTEST_CONTAINER=1
// starts a throwaway PostgreSQL container; otherwise the test is skipped.
// Cleanup truncates every application table.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	ctx := context.Background()

	dbURL := os.Getenv("POSTGRES_URL")
	stopContainer := func() {}
	if dbURL == "" {
		if os.Getenv("PGTEST_CONTAINER") != "1" {
			t.Skip("POSTGRES_URL not set, skipping integration test")
		}
		dbURL, stopContainer = startContainer(ctx, t)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		stopContainer()
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		stopContainer()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		stopContainer()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	cleanup := func() {
		truncateAll(ctx, db)
		_ = db.Close()
		stopContainer()
	}
	return db, cleanup
}

// Migrate applies all embedded migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	return migrations.Up(ctx, db)
}

func startContainer(ctx context.Context, t *testing.T) (string, func()) {
	t.Helper()
	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("creditledger_test"),
		tcpostgres.WithUsername("ledger"),
		tcpostgres.WithPassword("ledger"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("pgtest: start postgres container: %v", err)
	}
	stop := func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("pgtest: terminate container: %v", err)
		}
	}
	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		stop()
		t.Fatalf("pgtest: container dsn: %v", err)
	}
	return dsn, stop
}

// truncateAll empties every application table between tests. The goose
// version table is kept so migrations are not re-applied. The append-only
// trigger on ledger_entries fires on DELETE, not TRUNCATE.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename <> 'goose_db_version'
	`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}

	if len(tables) > 0 {
		stmt := "TRUNCATE " + strings.Join(tables, ", ") + " CASCADE" // #nosec G202 -- table names from pg_tables
		_, _ = db.ExecContext(ctx, stmt)
	}
}
