// Package ratelimit shares an RPC compute-unit budget between the processes
// of the sync engine. The budget lives in Redis so that the worker and the
// server draw from the same per-second allowance of the RPC provider.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default budget configuration values.
const (
	DefaultTotalBudget    = 500             // CU per window
	DefaultReservedBudget = 200             // reserved for interactive reads
	DefaultWindowSize     = time.Second     // fixed window length
	DefaultKeyTTL         = 2 * time.Second // window + buffer
)

// Redis key prefixes for budget tracking.
const (
	KeyPrefixTotal    = "rpcbudget:total:"
	KeyPrefixReserved = "rpcbudget:reserved:"
	KeyPrefixShared   = "rpcbudget:shared:"
)

// Priority selects the pool a request draws from.
type Priority int

const (
	// PriorityInteractive is for API reads; it draws from the reserved pool.
	PriorityInteractive Priority = iota
	// PriorityBackground is for block-range sync; it draws from the shared pool.
	PriorityBackground
)

// String returns a string representation of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityInteractive:
		return "interactive"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// BudgetTracker coordinates CU consumption across processes using Redis.
// Each window has a total allowance split into a reserved pool and a shared pool.
type BudgetTracker struct {
	redis          redis.Cmdable
	totalBudget    int
	reservedBudget int
	sharedBudget   int
	windowSize     time.Duration
	keyTTL         time.Duration
	now            func() time.Time
}

// BudgetTrackerConfig holds configuration for the budget tracker.
type BudgetTrackerConfig struct {
	Redis          redis.Cmdable
	TotalBudget    int           // default 500
	ReservedBudget int           // default 200
	WindowSize     time.Duration // default 1s
	KeyTTL         time.Duration // default 2s; must cover WindowSize
}

// Usage contains the consumption of the current window.
type Usage struct {
	TotalUsed      int       `json:"totalUsed"`
	ReservedUsed   int       `json:"reservedUsed"`
	SharedUsed     int       `json:"sharedUsed"`
	TotalBudget    int       `json:"totalBudget"`
	ReservedBudget int       `json:"reservedBudget"`
	SharedBudget   int       `json:"sharedBudget"`
	WindowStart    time.Time `json:"windowStart"`
}

// Validate checks if the configuration is valid.
func (c *BudgetTrackerConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.TotalBudget < 0 {
		return errors.New("total budget cannot be negative")
	}
	if c.ReservedBudget < 0 {
		return errors.New("reserved budget cannot be negative")
	}

	total, reserved := c.budgets()
	if reserved > total {
		return fmt.Errorf("reserved budget (%d) cannot exceed total budget (%d)", reserved, total)
	}
	return nil
}

func (c *BudgetTrackerConfig) budgets() (total, reserved int) {
	total, reserved = c.TotalBudget, c.ReservedBudget
	if total == 0 {
		total = DefaultTotalBudget
	}
	if reserved == 0 {
		reserved = min(DefaultReservedBudget, total)
	}
	return total, reserved
}

// NewBudgetTracker creates a new tracker with the given configuration.
func NewBudgetTracker(cfg *BudgetTrackerConfig) (*BudgetTracker, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	total, reserved := cfg.budgets()

	windowSize := cfg.WindowSize
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	keyTTL := cfg.KeyTTL
	if keyTTL < windowSize {
		keyTTL = max(DefaultKeyTTL, 2*windowSize)
	}

	return &BudgetTracker{
		redis:          cfg.Redis,
		totalBudget:    total,
		reservedBudget: reserved,
		sharedBudget:   total - reserved,
		windowSize:     windowSize,
		keyTTL:         keyTTL,
		now:            time.Now,
	}, nil
}

func (t *BudgetTracker) windowStart() time.Time {
	return t.now().Truncate(t.windowSize)
}

func (t *BudgetTracker) keys(window time.Time) (totalKey, reservedKey, sharedKey string) {
	ts := strconv.FormatInt(window.UnixMilli(), 10)
	return KeyPrefixTotal + ts, KeyPrefixReserved + ts, KeyPrefixShared + ts
}

// consumeScript checks both the total and the pool allowance and
// increments both counters in one atomic step.
var consumeScript = redis.NewScript(`
	local totalUsed = tonumber(redis.call('GET', KEYS[1]) or '0')
	local poolUsed = tonumber(redis.call('GET', KEYS[2]) or '0')
	local cu = tonumber(ARGV[1])

	if totalUsed + cu > tonumber(ARGV[2]) or poolUsed + cu > tonumber(ARGV[3]) then
		return 0
	end

	redis.call('INCRBY', KEYS[1], cu)
	redis.call('PEXPIRE', KEYS[1], ARGV[4])
	redis.call('INCRBY', KEYS[2], cu)
	redis.call('PEXPIRE', KEYS[2], ARGV[4])
	return 1
`)

// TryConsume takes cu from the pool of priority. When the budget is
// exhausted it reports the wait until the next window.
// A Redis failure denies the request.
func (t *BudgetTracker) TryConsume(ctx context.Context, cu int, priority Priority) (bool, time.Duration, error) {
	if cu <= 0 {
		return true, 0, nil
	}

	window := t.windowStart()
	totalKey, reservedKey, sharedKey := t.keys(window)

	poolKey, poolBudget := sharedKey, t.sharedBudget
	if priority == PriorityInteractive {
		poolKey, poolBudget = reservedKey, t.reservedBudget
	}

	allowed, err := consumeScript.Run(ctx, t.redis, []string{totalKey, poolKey},
		cu, t.totalBudget, poolBudget, t.keyTTL.Milliseconds()).Int()
	if err != nil {
		return false, t.untilNextWindow(window), fmt.Errorf("failed to consume budget: %w", err)
	}
	if allowed != 1 {
		return false, t.untilNextWindow(window), nil
	}
	return true, 0, nil
}

func (t *BudgetTracker) untilNextWindow(window time.Time) time.Duration {
	wait := window.Add(t.windowSize).Sub(t.now())
	if wait < 0 {
		wait = 0
	}
	// land safely inside the next window
	return wait + time.Millisecond
}

// GetUsage returns the consumption of the current window.
func (t *BudgetTracker) GetUsage(ctx context.Context) (*Usage, error) {
	window := t.windowStart()
	totalKey, reservedKey, sharedKey := t.keys(window)

	pipe := t.redis.Pipeline()
	totalCmd := pipe.Get(ctx, totalKey)
	reservedCmd := pipe.Get(ctx, reservedKey)
	sharedCmd := pipe.Get(ctx, sharedKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read budget usage: %w", err)
	}

	return &Usage{
		TotalUsed:      intOrZero(totalCmd),
		ReservedUsed:   intOrZero(reservedCmd),
		SharedUsed:     intOrZero(sharedCmd),
		TotalBudget:    t.totalBudget,
		ReservedBudget: t.reservedBudget,
		SharedBudget:   t.sharedBudget,
		WindowStart:    window,
	}, nil
}

func intOrZero(cmd *redis.StringCmd) int {
	v, err := cmd.Int()
	if err != nil {
		return 0
	}
	return v
}

// Budgets returns the total, reserved and shared allowance per window.
func (t *BudgetTracker) Budgets() (total, reserved, shared int) {
	return t.totalBudget, t.reservedBudget, t.sharedBudget
}

// WindowSize returns the configured window size.
func (t *BudgetTracker) WindowSize() time.Duration {
	return t.windowSize
}
