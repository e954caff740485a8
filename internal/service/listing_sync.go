package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/market-sync/internal/adapter"
	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/storage"
	"github.com/market-sync/internal/types"
)

// ListingSyncConfig configures the listing reconstructor
type ListingSyncConfig struct {
	Marketplace string
	Scope       string
	LockMaxAge  time.Duration
	Epoch       time.Time // watermark used before the first run
}

// ReconcileResult summarizes one reconstructor run
type ReconcileResult struct {
	InProgress bool  `json:"inProgress"`
	Events     int   `json:"events"`
	Created    int   `json:"created"`
	Updated    int   `json:"updated"`
	Skipped    int   `json:"skipped"`
	Watermark  int64 `json:"watermark"`
}

// ListingSyncer folds marketplace events from the analytics service into
// listing records. Runs are single-flight through a durable lock.
type ListingSyncer struct {
	cfg       ListingSyncConfig
	analytics adapter.AnalyticsService
	queries   *QueryBuilder
	listings  ListingStore
	snapshots SnapshotStore
	enricher  *Enricher
	now       func() time.Time
}

// NewListingSyncer creates a listing reconstructor
func NewListingSyncer(cfg ListingSyncConfig, analytics adapter.AnalyticsService, queries *QueryBuilder, listings ListingStore, snapshots SnapshotStore, enricher *Enricher) (*ListingSyncer, error) {
	if analytics == nil || queries == nil || listings == nil || snapshots == nil || enricher == nil {
		return nil, fmt.Errorf("listing syncer dependencies cannot be nil")
	}
	if !types.IsAddress(cfg.Marketplace) {
		return nil, fmt.Errorf("invalid marketplace address: %s", cfg.Marketplace)
	}
	if cfg.Scope == "" {
		cfg.Scope = "default"
	}
	if cfg.Epoch.IsZero() {
		cfg.Epoch = time.Unix(0, 0).UTC()
	}
	return &ListingSyncer{
		cfg:       cfg,
		analytics: analytics,
		queries:   queries,
		listings:  listings,
		snapshots: snapshots,
		enricher:  enricher,
		now:       time.Now,
	}, nil
}

// SyncListings applies every marketplace event newer than the watermark.
// A run already in flight yields InProgress without error.
func (s *ListingSyncer) SyncListings(ctx context.Context) (*ReconcileResult, error) {
	result := &ReconcileResult{}
	acquired, err := runLocked(ctx, s.snapshots, s.cfg.Scope, models.JobListings, s.cfg.LockMaxAge,
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

func (s *ListingSyncer) reconcile(ctx context.Context, result *ReconcileResult) error {
	logger := logging.FromContext(ctx)

	watermark, ok, err := s.snapshots.Watermark(ctx, s.cfg.Scope, models.JobListings)
	if err != nil {
		return err
	}
	if !ok {
		watermark = s.cfg.Epoch.Unix()
	}
	result.Watermark = watermark

	sql, err := s.queries.MarketEvents(s.cfg.Marketplace, watermark)
	if err != nil {
		return err
	}
	res, err := s.analytics.Execute(ctx, sql)
	if err != nil {
		return fmt.Errorf("failed to query marketplace events: %w", err)
	}

	rows := res.Rows
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Position().Before(rows[j].Position())
	})
	result.Events = len(rows)

	maxSeen := watermark
	for _, row := range rows {
		pos := row.Position()
		maxSeen = max(maxSeen, pos.Timestamp)

		if row.Err != nil {
			logger.WithError(row.Err).WithField("tx", pos.TxHash).Warn("skipping undecodable event")
			result.Skipped++
			continue
		}
		ev, err := types.ParseMarketEvent(row.EventName, row.Parameters, pos)
		if err != nil {
			logger.WithError(apperrors.NewMalformedEventError(row.EventName, err.Error())).
				WithField("tx", pos.TxHash).Warn("skipping malformed event")
			result.Skipped++
			continue
		}

		outcome, err := s.apply(ctx, ev)
		if err != nil {
			return fmt.Errorf("failed to apply %s at block %d: %w", row.EventName, pos.BlockNumber, err)
		}
		switch outcome {
		case outcomeCreated:
			result.Created++
		case outcomeUpdated:
			result.Updated++
		default:
			result.Skipped++
		}
	}

	if maxSeen > watermark {
		if err := s.snapshots.AdvanceWatermark(ctx, s.cfg.Scope, models.JobListings, maxSeen); err != nil {
			return err
		}
		result.Watermark = maxSeen
	}

	logger.WithFields(map[string]interface{}{
		"events":    result.Events,
		"created":   result.Created,
		"updated":   result.Updated,
		"skipped":   result.Skipped,
		"watermark": result.Watermark,
	}).Info("listings reconciled")
	return nil
}

type foldOutcome int

const (
	outcomeSkipped foldOutcome = iota
	outcomeCreated
	outcomeUpdated
)

// apply folds one event; only storage failures are returned
func (s *ListingSyncer) apply(ctx context.Context, ev types.MarketEvent) (foldOutcome, error) {
	switch e := ev.(type) {
	case types.ListingCreated:
		return s.create(ctx, &models.Listing{
			ListingID:   e.ListingID,
			ListingType: types.ListingFixedPrice,
			TokenID:     e.TokenID,
			Creator:     e.Creator,
			Price:       e.Price,
			LastEventAt: e.Timestamp,
		})
	case types.AuctionStarted:
		return s.create(ctx, &models.Listing{
			ListingID:      e.ListingID,
			ListingType:    types.ListingAuction,
			TokenID:        e.TokenID,
			Creator:        e.Creator,
			Price:          e.ReservePrice,
			AuctionStarted: true,
			AuctionEndTime: e.EndTime,
			LastEventAt:    e.Timestamp,
		})
	case types.ListingPurchased:
		return s.update(ctx, e.ListingID, types.ListingFixedPrice, e, func(l *models.Listing) bool {
			l.Status = types.StatusSold
			if e.Price != "" {
				l.Price = e.Price
			}
			buyer := s.enricher.IdentityOrWallet(ctx, e.Buyer)
			l.Buyer = &buyer
			return true
		})
	case types.AuctionSettled:
		return s.update(ctx, e.ListingID, types.ListingAuction, e, func(l *models.Listing) bool {
			l.Status = types.StatusSettled
			if e.Amount != "" {
				l.HighestBid = e.Amount
			}
			winner := s.enricher.IdentityOrWallet(ctx, e.Winner)
			l.Buyer = &winner
			return true
		})
	case types.ListingCancelled:
		return s.update(ctx, e.ListingID, types.ListingFixedPrice, e, func(l *models.Listing) bool {
			l.Status = types.StatusCancelled
			return true
		})
	case types.AuctionCancelled:
		return s.update(ctx, e.ListingID, types.ListingAuction, e, func(l *models.Listing) bool {
			l.Status = types.StatusCancelled
			return true
		})
	case types.BidPlaced:
		return s.update(ctx, e.ListingID, types.ListingAuction, e, func(l *models.Listing) bool {
			if l.HasBid(e.TxHash, e.LogIndex) {
				return false
			}
			l.HighestBid = e.Amount
			l.Bids = append(l.Bids, models.Bid{
				Bidder:   s.enricher.IdentityOrWallet(ctx, e.Bidder),
				Amount:   e.Amount,
				TxHash:   e.TxHash,
				LogIndex: e.LogIndex,
				PlacedAt: e.Timestamp,
			})
			if e.EndTime != nil {
				l.AuctionEndTime = e.EndTime
			}
			return true
		})
	default:
		logging.FromContext(ctx).WithField("event", ev.Kind()).Debug("skipping unknown marketplace event")
		return outcomeSkipped, nil
	}
}

// create inserts an active listing unless (id, type) already exists
func (s *ListingSyncer) create(ctx context.Context, l *models.Listing) (foldOutcome, error) {
	if _, err := s.listings.Get(ctx, l.ListingID, l.ListingType); err == nil {
		return outcomeSkipped, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return outcomeSkipped, err
	}

	l.Status = types.StatusActive
	l.Bids = []models.Bid{}
	l.CreatedAt = s.now().UTC()
	l.UpdatedAt = l.CreatedAt

	content := s.enricher.ContentForToken(ctx, l.TokenID, "")
	if content.Found() {
		l.Cast = content.Value
	} else {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"listingId": l.ListingID,
			"tokenId":   l.TokenID,
			"reason":    content.Reason(),
		}).Debug("listing created without content")
	}

	created, err := s.listings.Insert(ctx, l)
	if err != nil || !created {
		return outcomeSkipped, err
	}
	return outcomeCreated, nil
}

// update loads a listing, applies mutate and saves it. Events for unknown
// listings and for listings in a terminal state are skipped.
func (s *ListingSyncer) update(ctx context.Context, id string, listingType types.ListingType, ev types.MarketEvent, mutate func(*models.Listing) bool) (foldOutcome, error) {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"event":     ev.Kind(),
		"listingId": id,
		"type":      listingType,
	})

	l, err := s.listings.Get(ctx, id, listingType)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Warn("event for unknown listing, skipping")
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeSkipped, err
	}
	if l.Status.Terminal() {
		logger.WithField("status", l.Status).Debug("listing already closed, skipping")
		return outcomeSkipped, nil
	}

	if !mutate(l) {
		return outcomeSkipped, nil
	}
	l.LastEventAt = ev.Pos().Timestamp
	l.UpdatedAt = s.now().UTC()

	if err := s.listings.Save(ctx, l); err != nil {
		return outcomeSkipped, err
	}
	return outcomeUpdated, nil
}
