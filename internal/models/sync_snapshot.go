package models

import "time"

// SyncJob identifies one of the single-flight reconstruction jobs
type SyncJob string

const (
	// JobListings is the listing/auction reconstructor
	JobListings SyncJob = "listings"
	// JobCollectibles is the collectible ownership reconstructor
	JobCollectibles SyncJob = "collectibles"
)

// SyncSnapshot holds the durable locks and watermarks of the reconstructors.
// There is one row per scope.
type SyncSnapshot struct {
	Scope                            string     `json:"scope" db:"scope"`
	ListingSyncLock                  bool       `json:"listingSyncLock" db:"listing_sync_lock"`
	ListingLockedAt                  *time.Time `json:"listingLockedAt,omitempty" db:"listing_locked_at"`
	ListingLockOwner                 string     `json:"listingLockOwner,omitempty" db:"listing_lock_owner"`
	CollectibleSyncLock              bool       `json:"collectibleSyncLock" db:"collectible_sync_lock"`
	CollectibleLockedAt              *time.Time `json:"collectibleLockedAt,omitempty" db:"collectible_locked_at"`
	CollectibleLockOwner             string     `json:"collectibleLockOwner,omitempty" db:"collectible_lock_owner"`
	LastSyncedBlockTimestamp         int64      `json:"lastSyncedBlockTimeStamp" db:"last_synced_block_timestamp"`
	LastCollectibleSyncedBlockNumber uint64     `json:"lastCollectibleSyncedBlockNumber" db:"last_collectible_synced_block_number"`
	UpdatedAt                        time.Time  `json:"updatedAt" db:"updated_at"`
}
