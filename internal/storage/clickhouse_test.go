package storage

import (
	"testing"
	"time"

	"github.com/market-sync/internal/config"
	"github.com/market-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupClickHouse(t *testing.T) *ClickHouseDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, err := NewClickHouseDB(testContext(t), &config.ClickHouseConfig{
		Host:     testEnv("CLICKHOUSE_HOST", "localhost"),
		Port:     testEnv("CLICKHOUSE_PORT", "9000"),
		Database: testEnv("CLICKHOUSE_DB", "default"),
		User:     testEnv("CLICKHOUSE_USER", "default"),
		Password: testEnv("CLICKHOUSE_PASSWORD", ""),
	})
	if err != nil {
		t.Skipf("Skipping test - ClickHouse not available: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestEventMirror_InsertEvents(t *testing.T) {
	db := setupClickHouse(t)
	ctx := testContext(t)
	require.NoError(t, RunClickHouseMigrations(ctx, db))

	contract := randomContract()
	mirror := NewEventMirror(db, "")
	err := mirror.InsertEvents(ctx, []models.ChainEvent{{
		ChainID:         testChain,
		ContractAddress: contract,
		BlockNumber:     12,
		LogIndex:        3,
		TxHash:          "0xabc",
		EventName:       "Transfer",
		Args:            map[string]interface{}{"tokenId": "5"},
		BlockTimestamp:  time.Unix(1700000000, 0).UTC(),
	}})
	require.NoError(t, err)

	var n uint64
	require.NoError(t, db.Conn().QueryRow(ctx,
		`SELECT count() FROM events WHERE address = ?`, contract).Scan(&n))
	assert.Equal(t, uint64(1), n)
}

func TestSplitSQLStatements(t *testing.T) {
	script := `
-- header comment
CREATE TABLE a (x Int8);

CREATE TABLE b (
    y String
);
SELECT 1`

	got := splitSQLStatements(script)
	require.Len(t, got, 3)
	assert.Equal(t, "CREATE TABLE a (x Int8)", got[0])
	assert.Contains(t, got[1], "y String")
	assert.Equal(t, "SELECT 1", got[2])
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	entries, err := postgresMigrations.ReadDir("migrations/postgres")
	require.NoError(t, err)
	assert.Len(t, entries, 6, "three up/down pairs")

	entries, err = clickhouseMigrations.ReadDir("migrations/clickhouse")
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}
