// Package worker drives the sync jobs on a fixed interval.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/service"
	"golang.org/x/sync/singleflight"
)

// EventSyncer walks a contract's logs up to the chain head
type EventSyncer interface {
	Contract() string
	SyncToCurrentBlock(ctx context.Context) (*service.SyncReport, error)
}

// ListingReconciler folds marketplace events into listings
type ListingReconciler interface {
	SyncListings(ctx context.Context) (*service.ReconcileResult, error)
}

// CollectibleReconciler folds token events into collectibles
type CollectibleReconciler interface {
	SyncCollectibles(ctx context.Context) (*service.ReconcileResult, error)
}

// SyncRunnerConfig holds configuration for a sync runner
type SyncRunnerConfig struct {
	EventSyncers []EventSyncer
	Listings     ListingReconciler
	Collectibles CollectibleReconciler
	PollInterval time.Duration
	StopTimeout  time.Duration
}

// CycleResult summarizes one pass over every job
type CycleResult struct {
	Events       []*service.SyncReport    `json:"events"`
	Listings     *service.ReconcileResult `json:"listings,omitempty"`
	Collectibles *service.ReconcileResult `json:"collectibles,omitempty"`
	Duration     time.Duration            `json:"duration"`
}

// SyncRunnerStatus represents the current state of the runner
type SyncRunnerStatus struct {
	Running      bool                `json:"running"`
	Cycles       int                 `json:"cycles"`
	LastCycleAt  time.Time           `json:"lastCycleAt"`
	LastError    string              `json:"lastError,omitempty"`
	PollInterval string              `json:"pollInterval"`
	Jobs         map[string]JobStats `json:"jobs"`
}

// SyncRunner runs event sync and both reconstructors, on demand or on a ticker
type SyncRunner struct {
	cfg SyncRunnerConfig

	mu          sync.RWMutex
	running     bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	cycles      int
	lastCycleAt time.Time
	lastErr     error

	// concurrent triggers of the same job share one run
	flight  singleflight.Group
	monitor *JobMonitor
}

// NewSyncRunner creates a new sync runner
func NewSyncRunner(cfg SyncRunnerConfig) (*SyncRunner, error) {
	if len(cfg.EventSyncers) == 0 && cfg.Listings == nil && cfg.Collectibles == nil {
		return nil, fmt.Errorf("sync runner needs at least one job")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	return &SyncRunner{cfg: cfg, monitor: NewJobMonitor(cfg.PollInterval)}, nil
}

// Start begins polling. The first cycle runs immediately.
func (r *SyncRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("sync runner is already running")
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	logging.FromContext(ctx).WithField("pollInterval", r.cfg.PollInterval.String()).Info("starting sync runner")
	go r.pollLoop(ctx, r.stopCh, r.doneCh)
	return nil
}

// Stop signals the poll loop and waits for the cycle in flight to finish.
// After a timeout Stop may be called again to keep waiting.
func (r *SyncRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return fmt.Errorf("sync runner is not running")
	}
	if r.stopCh != nil {
		close(r.stopCh)
		r.stopCh = nil
	}
	doneCh := r.doneCh
	r.mu.Unlock()

	logger := logging.FromContext(ctx)
	logger.Info("stopping sync runner")

	timer := time.NewTimer(r.cfg.StopTimeout)
	defer timer.Stop()

	select {
	case <-doneCh:
		logger.Info("sync runner stopped gracefully")
	case <-ctx.Done():
		logger.Warn("sync runner stop cancelled")
		return ctx.Err()
	case <-timer.C:
		logger.Warnf("sync runner stop timed out after %v", r.cfg.StopTimeout)
		return fmt.Errorf("stop timeout")
	}

	r.mu.Lock()
	if r.doneCh == doneCh {
		r.running = false
	}
	r.mu.Unlock()
	return nil
}

func (r *SyncRunner) pollLoop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	logger := logging.FromContext(ctx)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil {
			logger.WithError(err).Warn("sync cycle finished with errors")
		}
		for _, issue := range r.monitor.Check() {
			logger.Warn(issue)
		}

		select {
		case <-ctx.Done():
			logger.Info("sync runner context cancelled")
			return
		case <-stopCh:
			logger.Info("sync runner stop signal received")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce runs every job once: event sync for each contract, then the
// listing and collectible reconstructors. A failing job does not stop the
// others; the failures are joined into the returned error.
func (r *SyncRunner) RunOnce(ctx context.Context) (*CycleResult, error) {
	start := time.Now()
	result := &CycleResult{}
	var errs []error

	if len(r.cfg.EventSyncers) > 0 {
		reports, err := r.SyncEvents(ctx)
		result.Events = reports
		if err != nil {
			errs = append(errs, err)
		}
	}
	if ctx.Err() == nil && r.cfg.Listings != nil {
		res, err := r.SyncListings(ctx)
		result.Listings = res
		if err != nil {
			errs = append(errs, err)
		}
	}
	if ctx.Err() == nil && r.cfg.Collectibles != nil {
		res, err := r.SyncCollectibles(ctx)
		result.Collectibles = res
		if err != nil {
			errs = append(errs, err)
		}
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}

	result.Duration = time.Since(start)
	err := errors.Join(errs...)

	r.mu.Lock()
	r.cycles++
	r.lastCycleAt = time.Now()
	r.lastErr = err
	r.mu.Unlock()

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"duration": result.Duration.String(),
		"failed":   len(errs),
	}).Info("sync cycle complete")
	return result, err
}

// SyncEvents walks every configured contract to the chain head
func (r *SyncRunner) SyncEvents(ctx context.Context) ([]*service.SyncReport, error) {
	v, err, _ := r.flight.Do("events", func() (interface{}, error) {
		var (
			reports []*service.SyncReport
			errs    []error
		)
		for _, s := range r.cfg.EventSyncers {
			if ctx.Err() != nil {
				errs = append(errs, ctx.Err())
				break
			}
			started := time.Now()
			report, err := s.SyncToCurrentBlock(ctx)
			r.monitor.Record("events:"+s.Contract(), time.Since(started), err)
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to sync events of %s: %w", s.Contract(), err))
				continue
			}
			reports = append(reports, report)
		}
		return reports, errors.Join(errs...)
	})
	reports, _ := v.([]*service.SyncReport)
	return reports, err
}

// SyncListings runs the listing reconstructor
func (r *SyncRunner) SyncListings(ctx context.Context) (*service.ReconcileResult, error) {
	if r.cfg.Listings == nil {
		return nil, fmt.Errorf("listing sync is not configured")
	}
	v, err, _ := r.flight.Do("listings", func() (interface{}, error) {
		started := time.Now()
		res, err := r.cfg.Listings.SyncListings(ctx)
		r.monitor.Record("listings", time.Since(started), err)
		if err != nil {
			return res, fmt.Errorf("failed to sync listings: %w", err)
		}
		return res, nil
	})
	res, _ := v.(*service.ReconcileResult)
	return res, err
}

// SyncCollectibles runs the collectible reconstructor
func (r *SyncRunner) SyncCollectibles(ctx context.Context) (*service.ReconcileResult, error) {
	if r.cfg.Collectibles == nil {
		return nil, fmt.Errorf("collectible sync is not configured")
	}
	v, err, _ := r.flight.Do("collectibles", func() (interface{}, error) {
		started := time.Now()
		res, err := r.cfg.Collectibles.SyncCollectibles(ctx)
		r.monitor.Record("collectibles", time.Since(started), err)
		if err != nil {
			return res, fmt.Errorf("failed to sync collectibles: %w", err)
		}
		return res, nil
	})
	res, _ := v.(*service.ReconcileResult)
	return res, err
}

// GetStatus returns the current runner status
func (r *SyncRunner) GetStatus() *SyncRunnerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := &SyncRunnerStatus{
		Running:      r.running,
		Cycles:       r.cycles,
		LastCycleAt:  r.lastCycleAt,
		PollInterval: r.cfg.PollInterval.String(),
		Jobs:         r.monitor.Stats(),
	}
	if r.lastErr != nil {
		status.LastError = r.lastErr.Error()
	}
	return status
}
