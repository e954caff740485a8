package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/market-sync/internal/adapter"
	"github.com/market-sync/internal/logging"
)

// DefaultMaxWait bounds how long a call waits for budget.
const DefaultMaxWait = 30 * time.Second

// ErrMaxWaitExceeded is returned when budget did not free up within MaxWait.
// The budget is shared by every endpoint, so this must not trigger failover.
var ErrMaxWaitExceeded = errors.New("gave up waiting for shared RPC budget")

// BudgetedBackend wraps an RPC backend so that every call first takes its
// cost from the shared budget.
type BudgetedBackend struct {
	underlying adapter.Backend
	tracker    *BudgetTracker
	costs      *CostRegistry
	priority   Priority
	maxWait    time.Duration
	logger     *logging.Logger
}

var _ adapter.Backend = (*BudgetedBackend)(nil)

// BackendConfig holds configuration for a budgeted backend.
type BackendConfig struct {
	Tracker  *BudgetTracker
	Costs    *CostRegistry // default: NewCostRegistry(0, nil)
	Priority Priority
	MaxWait  time.Duration // default: 30s
}

// WrapBackend wraps backend with budget enforcement.
func WrapBackend(backend adapter.Backend, cfg BackendConfig) (*BudgetedBackend, error) {
	if backend == nil {
		return nil, errors.New("underlying backend is required")
	}
	if cfg.Tracker == nil {
		return nil, errors.New("budget tracker is required")
	}
	if cfg.Costs == nil {
		cfg.Costs = NewCostRegistry(0, nil)
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	return &BudgetedBackend{
		underlying: backend,
		tracker:    cfg.Tracker,
		costs:      cfg.Costs,
		priority:   cfg.Priority,
		maxWait:    cfg.MaxWait,
		logger:     logging.GetGlobalLogger().WithField("component", "rpc-budget"),
	}, nil
}

// BudgetedDialer returns a dial function whose backends draw from the budget.
func BudgetedDialer(dial adapter.DialFunc, cfg BackendConfig) adapter.DialFunc {
	if dial == nil {
		dial = adapter.DialEthclient
	}
	return func(ctx context.Context, url string) (adapter.Backend, error) {
		backend, err := dial(ctx, url)
		if err != nil {
			return nil, err
		}
		return WrapBackend(backend, cfg)
	}
}

// waitForBudget blocks until cu was consumed, ctx ends or maxWait passes.
func (b *BudgetedBackend) waitForBudget(ctx context.Context, method string) error {
	cu := b.costs.GetCost(method)
	deadline := time.Now().Add(b.maxWait)
	logger := b.logger.WithFields(map[string]interface{}{
		"method":   method,
		"priority": b.priority.String(),
		"cu":       cu,
	})

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		allowed, wait, err := b.tracker.TryConsume(ctx, cu, b.priority)
		if allowed {
			return nil
		}
		if err != nil {
			logger.WithError(err).Warn("budget check failed")
		}
		if time.Now().Add(wait).After(deadline) {
			logger.Warn("max wait exceeded waiting for RPC budget")
			return ErrMaxWaitExceeded
		}

		logger.WithField("wait", wait.String()).Debug("waiting for RPC budget")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// BlockNumber wraps eth_blockNumber.
func (b *BudgetedBackend) BlockNumber(ctx context.Context) (uint64, error) {
	if err := b.waitForBudget(ctx, MethodEthBlockNumber); err != nil {
		return 0, fmt.Errorf("rate limit: %w", err)
	}
	return b.underlying.BlockNumber(ctx)
}

// HeaderByNumber wraps eth_getBlockByNumber.
func (b *BudgetedBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error) {
	if err := b.waitForBudget(ctx, MethodEthGetBlockByNumber); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return b.underlying.HeaderByNumber(ctx, number)
}

// FilterLogs wraps eth_getLogs.
func (b *BudgetedBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	if err := b.waitForBudget(ctx, MethodEthGetLogs); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return b.underlying.FilterLogs(ctx, q)
}

// CallContract wraps eth_call.
func (b *BudgetedBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := b.waitForBudget(ctx, MethodEthCall); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return b.underlying.CallContract(ctx, msg, blockNumber)
}

// Close closes the underlying backend.
func (b *BudgetedBackend) Close() {
	b.underlying.Close()
}
