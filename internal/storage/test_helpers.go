package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/market-sync/internal/config"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func testPostgresConfig() *config.PostgresConfig {
	return &config.PostgresConfig{
		Host:           testEnv("POSTGRES_HOST", "localhost"),
		Port:           testEnv("POSTGRES_PORT", "5432"),
		Database:       testEnv("POSTGRES_DB", "market_sync_test"),
		User:           testEnv("POSTGRES_USER", "market"),
		Password:       testEnv("POSTGRES_PASSWORD", "market_dev_password"),
		MaxConnections: 5,
	}
}

// setupPostgres connects to a local Postgres and applies migrations,
// skipping the test when the server is unavailable
func setupPostgres(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	db, err := NewPostgresDB(testContext(t), cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	if err := RunMigrations(cfg.URL()); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	return db
}
