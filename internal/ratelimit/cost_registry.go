package ratelimit

import "sync"

// Default CU costs of the RPC methods the chain client issues.
const (
	DefaultCUCost = 20

	CostEthBlockNumber      = 10
	CostEthGetBlockByNumber = 16
	CostEthGetLogs          = 75
	CostEthCall             = 26
)

// RPC method names
const (
	MethodEthBlockNumber      = "eth_blockNumber"
	MethodEthGetBlockByNumber = "eth_getBlockByNumber"
	MethodEthGetLogs          = "eth_getLogs"
	MethodEthCall             = "eth_call"
)

// CostRegistry maps RPC methods to their CU costs.
// It is safe for concurrent use.
type CostRegistry struct {
	mu          sync.RWMutex
	costs       map[string]int
	defaultCost int
}

// NewCostRegistry creates a registry with the default costs. Overrides with
// a non-positive cost are ignored; defaultCost <= 0 keeps DefaultCUCost.
func NewCostRegistry(defaultCost int, overrides map[string]int) *CostRegistry {
	costs := map[string]int{
		MethodEthBlockNumber:      CostEthBlockNumber,
		MethodEthGetBlockByNumber: CostEthGetBlockByNumber,
		MethodEthGetLogs:          CostEthGetLogs,
		MethodEthCall:             CostEthCall,
	}
	for method, cost := range overrides {
		if cost > 0 {
			costs[method] = cost
		}
	}
	if defaultCost <= 0 {
		defaultCost = DefaultCUCost
	}
	return &CostRegistry{costs: costs, defaultCost: defaultCost}
}

// GetCost returns the CU cost of method, or the default for unknown methods.
func (r *CostRegistry) GetCost(method string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cost, ok := r.costs[method]; ok {
		return cost
	}
	return r.defaultCost
}

// SetCost updates the cost of a method; non-positive costs are ignored.
func (r *CostRegistry) SetCost(method string, cost int) {
	if cost <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.costs[method] = cost
}
