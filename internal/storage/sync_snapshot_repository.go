package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/market-sync/internal/models"
)

// SyncSnapshotRepository holds the durable single-flight locks and the
// progress watermarks of the reconstructors
type SyncSnapshotRepository struct {
	db *PostgresDB
}

// NewSyncSnapshotRepository creates a new sync snapshot repository
func NewSyncSnapshotRepository(db *PostgresDB) *SyncSnapshotRepository {
	return &SyncSnapshotRepository{db: db}
}

type jobColumns struct {
	lock, lockedAt, owner, watermark string
}

func columnsFor(job models.SyncJob) (jobColumns, error) {
	switch job {
	case models.JobListings:
		return jobColumns{"listing_sync_lock", "listing_locked_at", "listing_lock_owner", "last_synced_block_timestamp"}, nil
	case models.JobCollectibles:
		return jobColumns{"collectible_sync_lock", "collectible_locked_at", "collectible_lock_owner", "last_collectible_synced_block_number"}, nil
	default:
		return jobColumns{}, fmt.Errorf("unknown sync job %q", job)
	}
}

// Ensure creates the snapshot row of scope if it does not exist
func (r *SyncSnapshotRepository) Ensure(ctx context.Context, scope string) error {
	_, err := r.db.Pool().Exec(ctx,
		`INSERT INTO sync_snapshot (scope) VALUES ($1) ON CONFLICT (scope) DO NOTHING`, scope)
	if err != nil {
		return fmt.Errorf("failed to ensure sync snapshot: %w", err)
	}
	return nil
}

// Get retrieves the snapshot of scope; ErrNotFound when absent
func (r *SyncSnapshotRepository) Get(ctx context.Context, scope string) (*models.SyncSnapshot, error) {
	query := `
		SELECT scope, listing_sync_lock, listing_locked_at, listing_lock_owner,
			   collectible_sync_lock, collectible_locked_at, collectible_lock_owner,
			   COALESCE(last_synced_block_timestamp, 0),
			   COALESCE(last_collectible_synced_block_number, 0),
			   updated_at
		FROM sync_snapshot
		WHERE scope = $1
	`

	var (
		s         models.SyncSnapshot
		lastBlock int64
	)
	err := r.db.Pool().QueryRow(ctx, query, scope).Scan(
		&s.Scope,
		&s.ListingSyncLock,
		&s.ListingLockedAt,
		&s.ListingLockOwner,
		&s.CollectibleSyncLock,
		&s.CollectibleLockedAt,
		&s.CollectibleLockOwner,
		&s.LastSyncedBlockTimestamp,
		&lastBlock,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get sync snapshot: %w", err)
	}
	s.LastCollectibleSyncedBlockNumber = uint64(lastBlock) // #nosec G115 - stored from uint64

	return &s, nil
}

// TryAcquire takes the lock of job for owner with a single conditional update.
// A lock held longer than maxAge is taken over; maxAge <= 0 never expires locks.
// It reports false when another run holds the lock.
func (r *SyncSnapshotRepository) TryAcquire(ctx context.Context, scope string, job models.SyncJob, owner string, maxAge time.Duration) (bool, error) {
	cols, err := columnsFor(job)
	if err != nil {
		return false, err
	}
	if err := r.Ensure(ctx, scope); err != nil {
		return false, err
	}

	// $3 is NULL when locks never expire
	var cutoff *time.Time
	if maxAge > 0 {
		c := time.Now().UTC().Add(-maxAge)
		cutoff = &c
	}

	query := fmt.Sprintf(`
		UPDATE sync_snapshot
		SET %[1]s = TRUE, %[2]s = NOW(), %[3]s = $2, updated_at = NOW()
		WHERE scope = $1
		  AND (%[1]s = FALSE OR ($3::timestamptz IS NOT NULL AND %[2]s < $3::timestamptz))
	`, cols.lock, cols.lockedAt, cols.owner)

	tag, err := r.db.Pool().Exec(ctx, query, scope, owner, cutoff)
	if err != nil {
		return false, fmt.Errorf("failed to acquire %s lock: %w", job, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release clears the lock of job if owner still holds it
func (r *SyncSnapshotRepository) Release(ctx context.Context, scope string, job models.SyncJob, owner string) error {
	cols, err := columnsFor(job)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE sync_snapshot
		SET %[1]s = FALSE, %[2]s = NULL, %[3]s = '', updated_at = NOW()
		WHERE scope = $1 AND %[3]s = $2
	`, cols.lock, cols.lockedAt, cols.owner)

	if _, err := r.db.Pool().Exec(ctx, query, scope, owner); err != nil {
		return fmt.Errorf("failed to release %s lock: %w", job, err)
	}
	return nil
}

// Watermark returns the progress watermark of job; ok is false before the first advance
func (r *SyncSnapshotRepository) Watermark(ctx context.Context, scope string, job models.SyncJob) (value int64, ok bool, err error) {
	cols, err := columnsFor(job)
	if err != nil {
		return 0, false, err
	}

	var v *int64
	err = r.db.Pool().QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM sync_snapshot WHERE scope = $1`, cols.watermark), scope).Scan(&v)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to read %s watermark: %w", job, err)
	}
	if v == nil {
		return 0, false, nil
	}
	return *v, true, nil
}

// AdvanceWatermark moves the watermark of job forward to value; it never moves back
func (r *SyncSnapshotRepository) AdvanceWatermark(ctx context.Context, scope string, job models.SyncJob, value int64) error {
	cols, err := columnsFor(job)
	if err != nil {
		return err
	}
	if err := r.Ensure(ctx, scope); err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE sync_snapshot
		SET %[1]s = GREATEST(COALESCE(%[1]s, $2), $2), updated_at = NOW()
		WHERE scope = $1
	`, cols.watermark)

	if _, err := r.db.Pool().Exec(ctx, query, scope, value); err != nil {
		return fmt.Errorf("failed to advance %s watermark: %w", job, err)
	}
	return nil
}
