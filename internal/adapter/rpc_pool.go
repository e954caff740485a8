package adapter

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/market-sync/internal/logging"
)

// Backend is the subset of *ethclient.Client the chain client uses
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// DialFunc connects to one RPC endpoint
type DialFunc func(ctx context.Context, url string) (Backend, error)

// DialEthclient dials url with go-ethereum's ethclient
func DialEthclient(ctx context.Context, url string) (Backend, error) {
	return ethclient.DialContext(ctx, url)
}

// RPCPool manages several RPC endpoints for one chain.
// It sticks to the current endpoint until it fails with a rate limit or
// connectivity error, then moves to the next endpoint not in cooldown.
type RPCPool struct {
	endpoints    []string
	backends     []Backend
	currentIndex int
	mu           sync.RWMutex
	cooldowns    map[int]time.Time
	cooldownTime time.Duration
	dial         DialFunc
	logger       *logging.Logger
}

// RPCPoolConfig holds configuration for creating an RPC pool
type RPCPoolConfig struct {
	// Endpoints is a list of RPC URLs in order of preference
	Endpoints []string
	// CooldownTime is how long a failed endpoint is skipped (default: 60s)
	CooldownTime time.Duration
	// Dial connects to an endpoint (default: DialEthclient)
	Dial DialFunc
}

// NewRPCPool connects to the first endpoint; the others are dialed on failover
func NewRPCPool(ctx context.Context, cfg *RPCPoolConfig) (*RPCPool, error) {
	if cfg == nil || len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}

	cooldown := cfg.CooldownTime
	if cooldown == 0 {
		cooldown = 60 * time.Second
	}
	dial := cfg.Dial
	if dial == nil {
		dial = DialEthclient
	}

	pool := &RPCPool{
		endpoints:    cfg.Endpoints,
		backends:     make([]Backend, len(cfg.Endpoints)),
		cooldowns:    make(map[int]time.Time),
		cooldownTime: cooldown,
		dial:         dial,
		logger:       logging.GetGlobalLogger().WithField("component", "rpc_pool"),
	}

	backend, err := dial(ctx, cfg.Endpoints[0])
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary RPC endpoint: %w", err)
	}
	pool.backends[0] = backend

	return pool, nil
}

// ParseEndpoints splits a comma-separated URL list, dropping blanks
func ParseEndpoints(urls string) []string {
	var endpoints []string
	for _, ep := range strings.Split(urls, ",") {
		if ep = strings.TrimSpace(ep); ep != "" {
			endpoints = append(endpoints, ep)
		}
	}
	return endpoints
}

// Current returns the active backend and its index
func (p *RPCPool) Current() (Backend, int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.backends[p.currentIndex], p.currentIndex
}

// EndpointCount returns the number of endpoints in the pool
func (p *RPCPool) EndpointCount() int {
	return len(p.endpoints)
}

// OnFailure puts the endpoint at index into cooldown and switches to the next
// available one. A stale index (another caller already switched) is a no-op.
func (p *RPCPool) OnFailure(ctx context.Context, index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index != p.currentIndex {
		return nil
	}

	p.cooldowns[index] = time.Now()

	for i := 1; i < len(p.endpoints); i++ {
		next := (index + i) % len(p.endpoints)

		if since, ok := p.cooldowns[next]; ok {
			if time.Since(since) < p.cooldownTime {
				continue
			}
			delete(p.cooldowns, next)
		}

		if err := p.switchTo(ctx, next); err != nil {
			p.logger.WithError(err).WithField("endpoint", next).Warn("failed to switch RPC endpoint")
			continue
		}

		p.logger.WithFields(map[string]interface{}{
			"from": index,
			"to":   next,
		}).Warn("switched RPC endpoint")
		return nil
	}

	return fmt.Errorf("%w: all %d RPC endpoints are failing", ErrProviderUnavailable, len(p.endpoints))
}

// switchTo must be called with mu held
func (p *RPCPool) switchTo(ctx context.Context, index int) error {
	if p.backends[index] == nil {
		backend, err := p.dial(ctx, p.endpoints[index])
		if err != nil {
			return fmt.Errorf("failed to connect to endpoint %d: %w", index, err)
		}
		p.backends[index] = backend
	}
	p.currentIndex = index
	return nil
}

// TryResetToPrimary switches back to the first endpoint once its cooldown expired
func (p *RPCPool) TryResetToPrimary(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.currentIndex == 0 {
		return true
	}
	if since, ok := p.cooldowns[0]; ok {
		if time.Since(since) < p.cooldownTime {
			return false
		}
		delete(p.cooldowns, 0)
	}
	if err := p.switchTo(ctx, 0); err != nil {
		p.logger.WithError(err).Warn("failed to reset to primary RPC endpoint")
		return false
	}
	return true
}

// Close closes all backends
func (p *RPCPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, b := range p.backends {
		if b != nil {
			b.Close()
			p.backends[i] = nil
		}
	}
}

// IsRateLimitError checks if an error indicates rate limiting (429)
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "throttl")
}

// shouldFailover reports errors that another endpoint may not have
func shouldFailover(err error) bool {
	if err == nil {
		return false
	}
	if IsRateLimitError(err) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "eof")
}
