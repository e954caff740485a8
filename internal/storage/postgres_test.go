package storage

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChain types.ChainID = 8453

func randomContract() string {
	id := uuid.New()
	return "0x" + fmtHex(id[:]) + "00000000"
}

func fmtHex(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, 0, len(b)*2)
	for _, c := range b {
		out = append(out, digits[c>>4], digits[c&0x0f])
	}
	return string(out)
}

func TestNewPostgresDB(t *testing.T) {
	db := setupPostgres(t)
	assert.NoError(t, db.Ping(testContext(t)))
	assert.NotNil(t, db.Pool())
}

func TestCheckpointRepository(t *testing.T) {
	db := setupPostgres(t)
	repo := NewCheckpointRepository(db)
	ctx := testContext(t)
	contract := randomContract()
	t.Cleanup(func() { _, _ = repo.DeleteMany(ctx, testChain, []string{contract}) })

	_, err := repo.Get(ctx, contract, testChain)
	assert.True(t, errors.Is(err, ErrNotFound))

	cp, err := repo.GetOrCreate(ctx, contract, testChain, 1000)
	require.NoError(t, err)
	last, err := cp.LastBlock()
	require.NoError(t, err)
	assert.Equal(t, uint64(999), last)
	assert.False(t, cp.Initialized)

	// A second create keeps the stored value
	require.NoError(t, repo.Advance(ctx, contract, testChain, 2999))
	cp, err = repo.GetOrCreate(ctx, contract, testChain, 1000)
	require.NoError(t, err)
	assert.Equal(t, "2999", cp.LastSyncedBlock)
	assert.True(t, cp.Initialized)

	// Advancing backwards is a no-op
	require.NoError(t, repo.Advance(ctx, contract, testChain, 10))
	cp, err = repo.Get(ctx, contract, testChain)
	require.NoError(t, err)
	assert.Equal(t, "2999", cp.LastSyncedBlock)
}

func TestEventRepository_UpsertIsIdempotent(t *testing.T) {
	db := setupPostgres(t)
	repo := NewEventRepository(db)
	ctx := testContext(t)
	contract := randomContract()
	t.Cleanup(func() { _, _ = repo.DeleteMany(ctx, testChain, contract, 0, 1<<40) })

	// Unique block range per run so parallel runs do not collide on the natural key
	base := uint64(time.Now().UnixNano() % 1_000_000_000)
	events := []models.ChainEvent{
		{ChainID: testChain, ContractAddress: contract, BlockNumber: base + 1, LogIndex: 0, TxHash: "0x01", EventName: "Mint",
			Args: map[string]interface{}{"tokenId": "1", "to": "0x00000000000000000000000000000000000000aa"}, BlockTimestamp: time.Unix(100, 0).UTC()},
		{ChainID: testChain, ContractAddress: contract, BlockNumber: base + 1, LogIndex: 1, TxHash: "0x01", EventName: "Transfer",
			Args: map[string]interface{}{"tokenId": "1"}, BlockTimestamp: time.Unix(100, 0).UTC()},
	}

	inserted, err := repo.UpsertEvents(ctx, events)
	require.NoError(t, err)
	assert.Len(t, inserted, 2)

	inserted, err = repo.UpsertEvents(ctx, events)
	require.NoError(t, err)
	assert.Empty(t, inserted)

	listed, err := repo.ListAfterBlock(ctx, testChain, contract, base, []string{"Mint"}, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "1", listed[0].Args["tokenId"])

	n, err := repo.Count(ctx, testChain, contract)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestListingRepository(t *testing.T) {
	db := setupPostgres(t)
	repo := NewListingRepository(db)
	ctx := testContext(t)
	id := strconv.FormatInt(time.Now().UnixNano(), 10)
	t.Cleanup(func() { _, _ = repo.DeleteMany(ctx, types.ListingFixedPrice, []string{id}) })
	_, _ = repo.DeleteMany(ctx, types.ListingFixedPrice, []string{id})

	l := &models.Listing{
		ListingID:   id,
		ListingType: types.ListingFixedPrice,
		TokenID:     "42",
		Creator:     "0x00000000000000000000000000000000000000AA",
		Price:       "1000000000000000000",
		Status:      types.StatusActive,
	}
	created, err := repo.Insert(ctx, l)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.Insert(ctx, l)
	require.NoError(t, err)
	assert.False(t, created)

	l.Status = types.StatusSold
	l.Buyer = &types.Identity{Address: "0x00000000000000000000000000000000000000bb"}
	require.NoError(t, repo.Save(ctx, l))

	got, err := repo.Get(ctx, id, types.ListingFixedPrice)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSold, got.Status)
	assert.Equal(t, "0x00000000000000000000000000000000000000aa", got.Creator)
	require.NotNil(t, got.Buyer)
	assert.Equal(t, "0x00000000000000000000000000000000000000bb", got.Buyer.Address)
	assert.Empty(t, got.HighestBid)

	_, err = repo.Get(ctx, id, types.ListingAuction)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCollectibleRepository(t *testing.T) {
	db := setupPostgres(t)
	repo := NewCollectibleRepository(db)
	ctx := testContext(t)
	tokenID := strconv.FormatInt(time.Now().UnixNano(), 10)
	t.Cleanup(func() { _, _ = repo.DeleteMany(ctx, []string{tokenID}) })

	found, err := repo.UpdateOwner(ctx, tokenID, "0x00000000000000000000000000000000000000aa", 5)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, repo.Create(ctx, &models.Collectible{
		TokenID:      tokenID,
		Owner:        "0x00000000000000000000000000000000000000aa",
		Cast:         &types.Content{Hash: "0xcafe", Text: "gm"},
		MintedBlock:  10,
		UpdatedBlock: 10,
	}))

	found, err = repo.UpdateOwner(ctx, tokenID, "0x00000000000000000000000000000000000000BB", 11)
	require.NoError(t, err)
	assert.True(t, found)

	got, err := repo.Get(ctx, tokenID)
	require.NoError(t, err)
	assert.Equal(t, "0x00000000000000000000000000000000000000bb", got.Owner)
	assert.Equal(t, "gm", got.Cast.Text)
	assert.Equal(t, uint64(11), got.UpdatedBlock)

	require.NoError(t, repo.Delete(ctx, tokenID))
	_, err = repo.Get(ctx, tokenID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSyncSnapshotRepository_Lock(t *testing.T) {
	db := setupPostgres(t)
	repo := NewSyncSnapshotRepository(db)
	ctx := testContext(t)
	scope := "test-" + uuid.NewString()
	t.Cleanup(func() {
		_, _ = db.Pool().Exec(ctx, `DELETE FROM sync_snapshot WHERE scope = $1`, scope)
	})

	ok, err := repo.TryAcquire(ctx, scope, models.JobListings, "run-a", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.TryAcquire(ctx, scope, models.JobListings, "run-b", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "second run must not take a held lock")

	// The collectible job has its own lock
	ok, err = repo.TryAcquire(ctx, scope, models.JobCollectibles, "run-b", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	// Release by a non-owner does nothing
	require.NoError(t, repo.Release(ctx, scope, models.JobListings, "run-b"))
	snap, err := repo.Get(ctx, scope)
	require.NoError(t, err)
	assert.True(t, snap.ListingSyncLock)

	require.NoError(t, repo.Release(ctx, scope, models.JobListings, "run-a"))
	ok, err = repo.TryAcquire(ctx, scope, models.JobListings, "run-b", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSyncSnapshotRepository_StaleLockIsTakenOver(t *testing.T) {
	db := setupPostgres(t)
	repo := NewSyncSnapshotRepository(db)
	ctx := testContext(t)
	scope := "test-" + uuid.NewString()
	t.Cleanup(func() {
		_, _ = db.Pool().Exec(ctx, `DELETE FROM sync_snapshot WHERE scope = $1`, scope)
	})

	ok, err := repo.TryAcquire(ctx, scope, models.JobCollectibles, "crashed", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = db.Pool().Exec(ctx,
		`UPDATE sync_snapshot SET collectible_locked_at = NOW() - INTERVAL '2 hours' WHERE scope = $1`, scope)
	require.NoError(t, err)

	ok, err = repo.TryAcquire(ctx, scope, models.JobCollectibles, "next", 0)
	require.NoError(t, err)
	assert.False(t, ok, "expiry disabled")

	ok, err = repo.TryAcquire(ctx, scope, models.JobCollectibles, "next", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSyncSnapshotRepository_WatermarkNeverMovesBack(t *testing.T) {
	db := setupPostgres(t)
	repo := NewSyncSnapshotRepository(db)
	ctx := testContext(t)
	scope := "test-" + uuid.NewString()
	t.Cleanup(func() {
		_, _ = db.Pool().Exec(ctx, `DELETE FROM sync_snapshot WHERE scope = $1`, scope)
	})

	_, ok, err := repo.Watermark(ctx, scope, models.JobListings)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.AdvanceWatermark(ctx, scope, models.JobListings, 200))
	require.NoError(t, repo.AdvanceWatermark(ctx, scope, models.JobListings, 150))

	v, ok, err := repo.Watermark(ctx, scope, models.JobListings)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(200), v)
}
