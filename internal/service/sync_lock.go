package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/models"
)

const releaseTimeout = 10 * time.Second

// runLocked runs fn while holding the durable lock of job. It reports
// acquired=false without running fn when another run holds the lock.
// The lock is released on every exit path, even when ctx was cancelled.
func runLocked(ctx context.Context, snapshots SnapshotStore, scope string, job models.SyncJob, maxAge time.Duration, fn func(ctx context.Context) error) (acquired bool, err error) {
	owner := uuid.NewString()
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"job":   job,
		"runId": owner,
	})

	ok, err := snapshots.TryAcquire(ctx, scope, job, owner, maxAge)
	if err != nil {
		return false, err
	}
	if !ok {
		logger.Info("sync already in progress")
		return false, nil
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if rerr := snapshots.Release(releaseCtx, scope, job, owner); rerr != nil {
			logger.WithError(rerr).Error("failed to release sync lock")
		}
	}()

	return true, fn(logging.WithLogger(ctx, logger))
}
