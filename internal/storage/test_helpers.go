package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/chain-crawler/internal/config"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// testDB connects to the integration database, applies the migrations and
// empties every table. The test is skipped when Postgres is not reachable.
func testDB(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := &config.PostgresConfig{
		Host:           envOr("TEST_POSTGRES_HOST", "localhost"),
		Port:           envOr("TEST_POSTGRES_PORT", "5432"),
		Database:       envOr("TEST_POSTGRES_DB", "chain_crawler_test"),
		User:           envOr("TEST_POSTGRES_USER", "crawler"),
		Password:       envOr("TEST_POSTGRES_PASSWORD", "crawler"),
		MaxConnections: 5,
	}

	db, err := NewPostgresDB(testContext(t), cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	if err := NewMigrator(cfg.URL(), "../../migrations").Up(); err != nil {
		t.Fatalf("migrations failed: %v", err)
	}

	_, err = db.Pool().Exec(testContext(t), "TRUNCATE account_resources, proposals, transactions RESTART IDENTITY")
	if err != nil {
		t.Fatalf("truncate failed: %v", err)
	}
	return db
}
