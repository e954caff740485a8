// Package app wires configuration into the sync engine's object graph.
// The worker and the server binaries share it.
package app

import (
	"context"
	"fmt"

	"github.com/market-sync/internal/adapter"
	"github.com/market-sync/internal/api"
	"github.com/market-sync/internal/circuitbreaker"
	"github.com/market-sync/internal/config"
	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/ratelimit"
	"github.com/market-sync/internal/service"
	"github.com/market-sync/internal/storage"
	"github.com/market-sync/internal/types"
	"github.com/market-sync/internal/worker"
)

var (
	_ service.CheckpointStore  = (*storage.CheckpointRepository)(nil)
	_ service.EventStore       = (*storage.EventRepository)(nil)
	_ service.EventMirror      = (*storage.EventMirror)(nil)
	_ service.ListingStore     = (*storage.ListingRepository)(nil)
	_ service.CollectibleStore = (*storage.CollectibleRepository)(nil)
	_ service.SnapshotStore    = (*storage.SyncSnapshotRepository)(nil)
	_ adapter.AnalyticsService = (*adapter.AnalyticsHTTPClient)(nil)
	_ adapter.AnalyticsService = (*adapter.ClickHouseAnalytics)(nil)
	_ adapter.SocialLookup     = (*adapter.SocialClient)(nil)
	_ adapter.ChainClient      = (*adapter.EthereumClient)(nil)
)

// App holds the connections and services built from one configuration
type App struct {
	Postgres   *storage.PostgresDB
	Redis      *storage.RedisCache
	ClickHouse *storage.ClickHouseDB // nil when ClickHouse is not configured

	Cache     *storage.TTLCache
	Chain     *adapter.EthereumClient
	Social    *adapter.SocialClient
	Ownership *service.OwnershipService
	Runner    *worker.SyncRunner
}

// Build connects to every backing service and assembles the sync jobs.
// priority selects the RPC budget pool of this process when the shared
// budget is enabled. On error, whatever was already opened is closed.
func Build(ctx context.Context, cfg *config.Config, priority ratelimit.Priority) (_ *App, err error) {
	logger := logging.FromContext(ctx)
	a := &App{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	logger.Info("connecting to databases")
	if a.Postgres, err = storage.NewPostgresDB(ctx, &cfg.Database.Postgres); err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	if a.Redis, err = storage.NewRedisCache(ctx, &cfg.Database.Redis); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if cfg.Database.ClickHouse.Enabled() {
		if a.ClickHouse, err = storage.NewClickHouseDB(ctx, &cfg.Database.ClickHouse); err != nil {
			return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
	}
	logger.Info("database connections established")

	chainID := types.ChainID(cfg.Chain.ID)
	a.Cache = storage.NewTTLCache(a.Redis, cfg.Cache.DefaultTTL)

	var dial adapter.DialFunc
	if cfg.Chain.BudgetCU > 0 {
		tracker, err := ratelimit.NewBudgetTracker(&ratelimit.BudgetTrackerConfig{
			Redis:          a.Redis.Client(),
			TotalBudget:    cfg.Chain.BudgetCU,
			ReservedBudget: cfg.Chain.ReservedCU,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create RPC budget: %w", err)
		}
		dial = ratelimit.BudgetedDialer(adapter.DialEthclient, ratelimit.BackendConfig{
			Tracker:  tracker,
			Priority: priority,
		})
		logger.WithFields(map[string]interface{}{
			"budgetCU": cfg.Chain.BudgetCU,
			"priority": priority.String(),
		}).Info("shared RPC budget enabled")
	}

	a.Chain, err = adapter.NewEthereumClient(ctx, &adapter.EthereumClientConfig{
		ChainID:           chainID,
		RPCURLs:           cfg.Chain.RPCURL,
		RequestsPerSecond: cfg.Chain.RequestsPerS,
		Dial:              dial,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chain client: %w", err)
	}

	analytics, err := a.analytics(cfg)
	if err != nil {
		return nil, err
	}
	queries, err := service.NewQueryBuilder(cfg.Analytics.Table)
	if err != nil {
		return nil, err
	}

	a.Social = adapter.NewSocialClient(cfg.Social.BaseURL, cfg.Social.APIKey)
	enricher := service.NewEnricher(a.Social, a.Chain, a.Cache, service.EnricherConfig{
		Collectible:          cfg.Contracts.Collectible,
		TokenContentHashView: cfg.Contracts.TokenContentHashView,
		IdentityTTL:          cfg.Cache.IdentityTTL,
		ContentTTL:           cfg.Cache.ContentTTL,
	})

	checkpoints := storage.NewCheckpointRepository(a.Postgres)
	events := storage.NewEventRepository(a.Postgres)
	snapshots := storage.NewSyncSnapshotRepository(a.Postgres)
	logs := service.NewLogCache(a.Cache, cfg.Cache.LogTTL)

	var mirror service.EventMirror
	if a.ClickHouse != nil {
		mirror = storage.NewEventMirror(a.ClickHouse, cfg.Analytics.Table)
	}

	marketSync, err := service.NewBlockSyncer(service.BlockSyncConfig{
		Contract:      cfg.Contracts.Marketplace,
		ChainID:       chainID,
		ABIName:       adapter.MarketplaceABIName,
		EventNames:    types.MarketEventNames,
		StartBlock:    cfg.Contracts.MarketplaceStart,
		ChunkSize:     cfg.Sync.ChunkSize,
		RetrySubRange: cfg.Sync.RetrySubRange,
	}, a.Chain, logs, checkpoints, events, mirror)
	if err != nil {
		return nil, err
	}
	tokenSync, err := service.NewBlockSyncer(service.BlockSyncConfig{
		Contract:      cfg.Contracts.Collectible,
		ChainID:       chainID,
		ABIName:       adapter.CollectibleABIName,
		EventNames:    types.TokenEventNames,
		StartBlock:    cfg.Contracts.CollectibleStart,
		ChunkSize:     cfg.Sync.ChunkSize,
		RetrySubRange: cfg.Sync.RetrySubRange,
	}, a.Chain, logs, checkpoints, events, mirror)
	if err != nil {
		return nil, err
	}

	listings, err := service.NewListingSyncer(service.ListingSyncConfig{
		Marketplace: cfg.Contracts.Marketplace,
		Scope:       cfg.Sync.SnapshotScope,
		LockMaxAge:  cfg.Sync.LockMaxAge,
		Epoch:       cfg.Sync.ListingEpoch,
	}, analytics, queries, storage.NewListingRepository(a.Postgres), snapshots, enricher)
	if err != nil {
		return nil, err
	}
	collectibles, err := service.NewCollectibleSyncer(service.CollectibleSyncConfig{
		Collectible: cfg.Contracts.Collectible,
		ChainID:     chainID,
		Scope:       cfg.Sync.SnapshotScope,
		LockMaxAge:  cfg.Sync.LockMaxAge,
		BatchSize:   cfg.Sync.EventBatchSize,
	}, events, storage.NewCollectibleRepository(a.Postgres), snapshots, enricher)
	if err != nil {
		return nil, err
	}

	a.Ownership, err = service.NewOwnershipService(service.OwnershipConfig{
		Marketplace:     cfg.Contracts.Marketplace,
		CollectibleView: cfg.Contracts.CollectibleView,
		PageTTL:         cfg.Cache.OwnedTTL,
	}, a.Chain, analytics, queries, a.Cache)
	if err != nil {
		return nil, err
	}

	a.Runner, err = worker.NewSyncRunner(worker.SyncRunnerConfig{
		EventSyncers: []worker.EventSyncer{marketSync, tokenSync},
		Listings:     listings,
		Collectibles: collectibles,
		PollInterval: cfg.Sync.PollInterval,
	})
	if err != nil {
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"chainId":     chainID,
		"marketplace": cfg.Contracts.Marketplace,
		"collectible": cfg.Contracts.Collectible,
		"analytics":   cfg.Analytics.Backend,
		"mirror":      mirror != nil,
	}).Info("sync engine initialized")
	return a, nil
}

func (a *App) analytics(cfg *config.Config) (adapter.AnalyticsService, error) {
	switch cfg.Analytics.Backend {
	case "clickhouse":
		if a.ClickHouse == nil {
			return nil, fmt.Errorf("clickhouse analytics backend requires CLICKHOUSE_HOST")
		}
		return adapter.NewClickHouseAnalytics(a.ClickHouse.Conn()), nil
	case "http":
		return adapter.NewAnalyticsHTTPClient(cfg.Analytics.BaseURL, cfg.Analytics.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported analytics backend %q", cfg.Analytics.Backend)
	}
}

// HealthChecks returns a reachability check per backing service
func (a *App) HealthChecks() map[string]api.HealthCheck {
	checks := map[string]api.HealthCheck{
		"postgres": a.Postgres.Ping,
		"redis":    a.Redis.Ping,
	}
	if a.ClickHouse != nil {
		checks["clickhouse"] = a.ClickHouse.Ping
	}
	if a.Social != nil {
		breaker := a.Social.Breaker()
		checks["social"] = func(ctx context.Context) error {
			if breaker.GetState() == circuitbreaker.StateOpen {
				return circuitbreaker.ErrCircuitOpen
			}
			return nil
		}
	}
	return checks
}

// Close releases every open connection
func (a *App) Close() {
	if a.Chain != nil {
		a.Chain.Close()
	}
	if a.ClickHouse != nil {
		_ = a.ClickHouse.Close()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Postgres != nil {
		a.Postgres.Close()
	}
}
