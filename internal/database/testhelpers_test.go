package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// portfolioTables lists every table the migrations create
var portfolioTables = []string{"transactions", "positions", "quote_history"}

// TestDB is a migrated database running in a throwaway Postgres container
type TestDB struct {
	*DB
	connStr string
}

// SetupTestDB starts Postgres, applies db/migrations and registers cleanup
// with t
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("portfolio_test"),
		tcpostgres.WithUsername("portfolio"),
		tcpostgres.WithPassword("portfolio"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Errorf("failed to terminate postgres container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	db, err := New(connStr)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(migrationsDir()); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	return &TestDB{DB: db, connStr: connStr}
}

// migrationsDir resolves db/migrations relative to this file
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "db", "migrations")
}

// Reset empties every portfolio table between subtests
func (tdb *TestDB) Reset(t *testing.T) {
	t.Helper()
	if _, err := tdb.conn.Exec("TRUNCATE TABLE " + strings.Join(portfolioTables, ", ")); err != nil {
		t.Fatalf("failed to reset tables: %v", err)
	}
}

// Raw exposes the pool for assertions the DB methods do not cover
func (tdb *TestDB) Raw() *sql.DB {
	return tdb.conn
}

// ConnectionString returns the container's DSN
func (tdb *TestDB) ConnectionString() string {
	return tdb.connStr
}
