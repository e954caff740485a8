package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/market-sync/internal/adapter"
	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/types"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultChunkSize is the number of blocks fetched per chunk
	DefaultChunkSize uint64 = 2000
	// DefaultRetrySubRange is the piece size used to re-walk a failed chunk
	DefaultRetrySubRange uint64 = 100
)

// BlockSyncConfig configures the block-range sync of one contract
type BlockSyncConfig struct {
	Contract      string
	ChainID       types.ChainID
	ABIName       string
	EventNames    []string
	StartBlock    uint64
	ChunkSize     uint64
	RetrySubRange uint64
}

// BlockRange is an inclusive block interval
type BlockRange struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// SyncReport summarizes one SyncToCurrentBlock run
type SyncReport struct {
	Contract      string        `json:"contract"`
	FromBlock     uint64        `json:"fromBlock"`
	ToBlock       uint64        `json:"toBlock"`
	UpToDate      bool          `json:"upToDate"`
	Chunks        int           `json:"chunks"`
	EventsFetched int           `json:"eventsFetched"`
	EventsStored  int           `json:"eventsStored"`
	SkippedRanges []BlockRange  `json:"skippedRanges,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// BlockSyncer walks a contract's event history from its checkpoint to the
// chain head, persisting decoded events chunk by chunk
type BlockSyncer struct {
	cfg         BlockSyncConfig
	client      adapter.ChainClient
	logs        *LogCache
	checkpoints CheckpointStore
	events      EventStore
	mirror      EventMirror
}

// NewBlockSyncer creates a block syncer. mirror may be nil.
func NewBlockSyncer(cfg BlockSyncConfig, client adapter.ChainClient, logs *LogCache, checkpoints CheckpointStore, events EventStore, mirror EventMirror) (*BlockSyncer, error) {
	if client == nil {
		return nil, fmt.Errorf("chain client cannot be nil")
	}
	if checkpoints == nil || events == nil {
		return nil, fmt.Errorf("checkpoint and event stores cannot be nil")
	}
	if !types.IsAddress(cfg.Contract) {
		return nil, fmt.Errorf("invalid contract address: %s", cfg.Contract)
	}
	if len(cfg.EventNames) == 0 {
		return nil, fmt.Errorf("no events configured for %s", cfg.Contract)
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.RetrySubRange == 0 || cfg.RetrySubRange > cfg.ChunkSize {
		cfg.RetrySubRange = min(DefaultRetrySubRange, cfg.ChunkSize)
	}
	cfg.Contract = types.NormalizeAddress(cfg.Contract)

	return &BlockSyncer{
		cfg:         cfg,
		client:      client,
		logs:        logs,
		checkpoints: checkpoints,
		events:      events,
		mirror:      mirror,
	}, nil
}

// Contract returns the synced contract address
func (s *BlockSyncer) Contract() string {
	return s.cfg.Contract
}

// SyncToCurrentBlock syncs from the checkpoint to the current head.
// Failing ranges are retried once in smaller pieces and then skipped; only
// cancellation and checkpoint failures are returned.
func (s *BlockSyncer) SyncToCurrentBlock(ctx context.Context) (*SyncReport, error) {
	start := time.Now()
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"contract": s.cfg.Contract,
		"chainId":  s.cfg.ChainID,
	})
	ctx = logging.WithLogger(ctx, logger)

	checkpoint, err := s.checkpoints.GetOrCreate(ctx, s.cfg.Contract, s.cfg.ChainID, s.cfg.StartBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	next, err := checkpoint.NextBlock()
	if err != nil {
		return nil, err
	}

	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read head block: %w", err)
	}

	report := &SyncReport{Contract: s.cfg.Contract, FromBlock: next, ToBlock: head}
	if head < next {
		report.UpToDate = true
		report.FromBlock = next - 1
		report.ToBlock = next - 1
		return report, nil
	}

	logger.WithFields(map[string]interface{}{
		"from": next,
		"head": head,
	}).Info("syncing block range")

	for from := next; from <= head; from += s.cfg.ChunkSize {
		to := min(from+s.cfg.ChunkSize-1, head)
		report.Chunks++

		fetched, stored, err := s.syncRange(ctx, from, to)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			logger.WithError(err).WithFields(map[string]interface{}{
				"from": from,
				"to":   to,
			}).Warn("chunk failed, retrying in sub-ranges")
			fetched, stored = s.retrySubRanges(ctx, from, to, report)
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
		}
		report.EventsFetched += fetched
		report.EventsStored += stored

		if err := s.checkpoints.Advance(ctx, s.cfg.Contract, s.cfg.ChainID, to); err != nil {
			return report, fmt.Errorf("failed to advance checkpoint to %d: %w", to, err)
		}
	}

	report.Duration = time.Since(start)
	logger.WithFields(map[string]interface{}{
		"to":            head,
		"chunks":        report.Chunks,
		"eventsStored":  report.EventsStored,
		"skippedRanges": len(report.SkippedRanges),
		"duration":      report.Duration.String(),
	}).Info("block range synced")
	return report, nil
}

// retrySubRanges re-walks a failed chunk once; failing pieces are skipped
func (s *BlockSyncer) retrySubRanges(ctx context.Context, from, to uint64, report *SyncReport) (fetched, stored int) {
	logger := logging.FromContext(ctx)
	for sub := from; sub <= to; sub += s.cfg.RetrySubRange {
		subTo := min(sub+s.cfg.RetrySubRange-1, to)
		f, st, err := s.syncRange(ctx, sub, subTo)
		if err != nil {
			if ctx.Err() != nil {
				return fetched, stored
			}
			logger.WithError(err).WithFields(map[string]interface{}{
				"from": sub,
				"to":   subTo,
			}).Error("sub-range failed, skipping")
			report.SkippedRanges = append(report.SkippedRanges, BlockRange{From: sub, To: subTo})
			continue
		}
		fetched += f
		stored += st
	}
	return fetched, stored
}

// syncRange fetches every configured event type over [from, to] in parallel
// and persists the result. A failing event type contributes nothing unless
// every type failed.
func (s *BlockSyncer) syncRange(ctx context.Context, from, to uint64) (fetched, stored int, err error) {
	logger := logging.FromContext(ctx)

	var (
		mu       sync.Mutex
		decoded  []types.DecodedEvent
		failures []error
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range s.cfg.EventNames {
		name := name
		g.Go(func() error {
			evs, err := s.logs.GetLogsWithCache(gctx, s.client, adapter.LogQuery{
				Contract:  s.cfg.Contract,
				ABIName:   s.cfg.ABIName,
				EventName: name,
				FromBlock: from,
				ToBlock:   to,
			}, s.cfg.ChainID)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				logger.WithError(err).WithFields(map[string]interface{}{
					"event": name,
					"from":  from,
					"to":    to,
				}).Warn("event fetch failed, continuing without it")
				failures = append(failures, err)
				return nil
			}
			decoded = append(decoded, evs...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	if len(failures) == len(s.cfg.EventNames) {
		return 0, 0, fmt.Errorf("all event fetches failed for %d-%d: %w", from, to, errors.Join(failures...))
	}
	if len(decoded) == 0 {
		return 0, 0, nil
	}

	events, err := s.toChainEvents(ctx, decoded)
	if err != nil {
		return 0, 0, err
	}

	inserted, err := s.events.UpsertEvents(ctx, events)
	if err != nil {
		return len(events), 0, fmt.Errorf("failed to persist events: %w", err)
	}

	if s.mirror != nil && len(inserted) > 0 {
		if err := s.mirror.InsertEvents(ctx, inserted); err != nil {
			logger.WithError(err).WithField("events", len(inserted)).Warn("failed to mirror events to analytics store")
		}
	}

	return len(events), len(inserted), nil
}

func (s *BlockSyncer) toChainEvents(ctx context.Context, decoded []types.DecodedEvent) ([]models.ChainEvent, error) {
	events := make([]models.ChainEvent, 0, len(decoded))
	for _, ev := range decoded {
		ts, err := s.client.BlockTime(ctx, ev.BlockNumber)
		if err != nil {
			return nil, fmt.Errorf("failed to read time of block %d: %w", ev.BlockNumber, err)
		}
		if ev.Address == "" {
			ev.Address = s.cfg.Contract
		}
		events = append(events, models.ChainEventFromDecoded(s.cfg.ChainID, ev, ts))
	}
	return events, nil
}
