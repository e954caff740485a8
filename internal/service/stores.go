// Package service implements the sync engine: block-range event sync, the
// listing and collectible reconstructors and the ownership replay query.
package service

import (
	"context"
	"time"

	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/types"
)

// CheckpointStore persists block-sync progress per (contract, chain)
type CheckpointStore interface {
	GetOrCreate(ctx context.Context, contract string, chainID types.ChainID, startBlock uint64) (*models.SyncCheckpoint, error)
	Advance(ctx context.Context, contract string, chainID types.ChainID, block uint64) error
}

// EventStore persists decoded chain events
type EventStore interface {
	// UpsertEvents returns the events that were not stored before
	UpsertEvents(ctx context.Context, events []models.ChainEvent) ([]models.ChainEvent, error)
	ListAfterBlock(ctx context.Context, chainID types.ChainID, contract string, afterBlock uint64, names []string, limit int) ([]models.ChainEvent, error)
}

// EventMirror copies newly stored events to an analytics store
type EventMirror interface {
	InsertEvents(ctx context.Context, events []models.ChainEvent) error
}

// ListingStore persists listing read-model records
type ListingStore interface {
	Get(ctx context.Context, listingID string, listingType types.ListingType) (*models.Listing, error)
	Insert(ctx context.Context, l *models.Listing) (bool, error)
	Save(ctx context.Context, l *models.Listing) error
}

// CollectibleStore persists collectible ownership records
type CollectibleStore interface {
	Create(ctx context.Context, c *models.Collectible) error
	UpdateOwner(ctx context.Context, tokenID, owner string, block uint64) (bool, error)
	Delete(ctx context.Context, tokenID string) error
}

// SnapshotStore holds the durable single-flight locks and the watermarks
type SnapshotStore interface {
	TryAcquire(ctx context.Context, scope string, job models.SyncJob, owner string, maxAge time.Duration) (bool, error)
	Release(ctx context.Context, scope string, job models.SyncJob, owner string) error
	Watermark(ctx context.Context, scope string, job models.SyncJob) (int64, bool, error)
	AdvanceWatermark(ctx context.Context, scope string, job models.SyncJob, value int64) error
}
