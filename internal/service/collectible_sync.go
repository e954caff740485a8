package service

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/types"
)

// DefaultEventBatchSize is the number of persisted events read per batch
const DefaultEventBatchSize = 1000

// CollectibleSyncConfig configures the collectible reconstructor
type CollectibleSyncConfig struct {
	Collectible string
	ChainID     types.ChainID
	Scope       string
	LockMaxAge  time.Duration
	BatchSize   int
}

// CollectibleSyncer folds persisted Mint and Transfer events into current
// per-token ownership records
type CollectibleSyncer struct {
	cfg          CollectibleSyncConfig
	events       EventStore
	collectibles CollectibleStore
	snapshots    SnapshotStore
	enricher     *Enricher
}

// NewCollectibleSyncer creates a collectible reconstructor
func NewCollectibleSyncer(cfg CollectibleSyncConfig, events EventStore, collectibles CollectibleStore, snapshots SnapshotStore, enricher *Enricher) (*CollectibleSyncer, error) {
	if events == nil || collectibles == nil || snapshots == nil || enricher == nil {
		return nil, fmt.Errorf("collectible syncer dependencies cannot be nil")
	}
	if !types.IsAddress(cfg.Collectible) {
		return nil, fmt.Errorf("invalid collectible address: %s", cfg.Collectible)
	}
	if cfg.Scope == "" {
		cfg.Scope = "default"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultEventBatchSize
	}
	cfg.Collectible = types.NormalizeAddress(cfg.Collectible)

	return &CollectibleSyncer{
		cfg:          cfg,
		events:       events,
		collectibles: collectibles,
		snapshots:    snapshots,
		enricher:     enricher,
	}, nil
}

// SyncCollectibles applies every Mint and Transfer after the block watermark.
// A run already in flight yields InProgress without error.
func (s *CollectibleSyncer) SyncCollectibles(ctx context.Context) (*ReconcileResult, error) {
	result := &ReconcileResult{}
	acquired, err := runLocked(ctx, s.snapshots, s.cfg.Scope, models.JobCollectibles, s.cfg.LockMaxAge,
		func(ctx context.Context) error {
			return s.reconcile(ctx, result)
		})
	if err != nil {
		return nil, err
	}
	if !acquired {
		return &ReconcileResult{InProgress: true}, nil
	}
	return result, nil
}

func (s *CollectibleSyncer) reconcile(ctx context.Context, result *ReconcileResult) error {
	logger := logging.FromContext(ctx)

	watermark, _, err := s.snapshots.Watermark(ctx, s.cfg.Scope, models.JobCollectibles)
	if err != nil {
		return err
	}
	result.Watermark = watermark

	after := uint64(max(watermark, 0)) // #nosec G115 - clamped to non-negative
	limit := s.cfg.BatchSize
	for {
		batch, err := s.events.ListAfterBlock(ctx, s.cfg.ChainID, s.cfg.Collectible, after, types.TokenEventNames, limit)
		if err != nil {
			return fmt.Errorf("failed to read token events: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		full := len(batch) == limit
		if full {
			// The last block may continue past the limit; it is read whole next time
			batch = trimTrailingBlock(batch)
			if len(batch) == 0 {
				limit *= 2
				continue
			}
		}

		for _, ev := range batch {
			if err := s.apply(ctx, ev, result); err != nil {
				return fmt.Errorf("failed to apply %s at block %d: %w", ev.EventName, ev.BlockNumber, err)
			}
		}
		result.Events += len(batch)

		last := batch[len(batch)-1].BlockNumber
		if err := s.snapshots.AdvanceWatermark(ctx, s.cfg.Scope, models.JobCollectibles, int64(last)); err != nil { // #nosec G115 - block numbers fit in int64
			return err
		}
		result.Watermark = int64(last) // #nosec G115 - block numbers fit in int64
		after = last
		limit = s.cfg.BatchSize

		if !full {
			break
		}
	}

	logger.WithFields(map[string]interface{}{
		"events":    result.Events,
		"created":   result.Created,
		"updated":   result.Updated,
		"skipped":   result.Skipped,
		"watermark": result.Watermark,
	}).Info("collectibles reconciled")
	return nil
}

// trimTrailingBlock drops the events of the last block in batch
func trimTrailingBlock(batch []models.ChainEvent) []models.ChainEvent {
	last := batch[len(batch)-1].BlockNumber
	i := len(batch)
	for i > 0 && batch[i-1].BlockNumber == last {
		i--
	}
	return batch[:i]
}

func (s *CollectibleSyncer) apply(ctx context.Context, ev models.ChainEvent, result *ReconcileResult) error {
	logger := logging.FromContext(ctx)

	te, err := types.ParseTokenEvent(ev.EventName, types.Params(ev.Args), ev.BlockNumber, ev.LogIndex)
	if err != nil {
		logger.WithError(apperrors.NewMalformedEventError(ev.EventName, err.Error())).
			WithField("tx", ev.TxHash).Warn("skipping malformed event")
		result.Skipped++
		return nil
	}

	switch te.Kind {
	case types.KindMint:
		if err := s.collectibles.Delete(ctx, te.TokenID); err != nil {
			return err
		}
		return s.createFromContent(ctx, te, result)
	case types.KindTransfer:
		found, err := s.collectibles.UpdateOwner(ctx, te.TokenID, te.To, te.BlockNumber)
		if err != nil {
			return err
		}
		if found {
			result.Updated++
			return nil
		}
		logger.WithField("tokenId", te.TokenID).Info("transfer for unknown token, recreating record")
		return s.createFromContent(ctx, te, result)
	}
	return nil
}

// createFromContent creates the record of a token owned by te.To. Tokens
// whose content cannot be resolved are not created.
func (s *CollectibleSyncer) createFromContent(ctx context.Context, te types.TokenEvent, result *ReconcileResult) error {
	content := s.enricher.ContentForToken(ctx, te.TokenID, te.ContentHash)
	if !content.Found() {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"tokenId": te.TokenID,
			"reason":  content.Reason(),
		}).Warn("no content for token, skipping record")
		result.Skipped++
		return nil
	}

	if err := s.collectibles.Create(ctx, &models.Collectible{
		TokenID:      te.TokenID,
		Owner:        te.To,
		Cast:         content.Value,
		MintedBlock:  te.BlockNumber,
		UpdatedBlock: te.BlockNumber,
	}); err != nil {
		return err
	}
	result.Created++
	return nil
}
