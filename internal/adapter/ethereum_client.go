package adapter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/types"
	"golang.org/x/time/rate"
)

const blockTimeCacheSize = 10000

// EthereumClient implements ChainClient over go-ethereum with endpoint
// failover and a client-side request rate limit
type EthereumClient struct {
	chainID types.ChainID
	pool    *RPCPool
	abis    *ABIRegistry
	limiter *rate.Limiter
	logger  *logging.Logger

	timesMu    sync.Mutex
	blockTimes map[uint64]time.Time
}

// EthereumClientConfig holds configuration for creating an EthereumClient
type EthereumClientConfig struct {
	ChainID types.ChainID
	// RPCURLs is a comma-separated endpoint list; the first is preferred
	RPCURLs string
	// RequestsPerSecond limits RPC calls; 0 disables the limit
	RequestsPerSecond int
	// Dial overrides how endpoints are dialed
	Dial DialFunc
	// FailoverCooldown is how long a failed endpoint is skipped (default: 60s)
	FailoverCooldown time.Duration
	// ABIs overrides the ABI registry (default: NewABIRegistry)
	ABIs *ABIRegistry
}

// NewEthereumClient dials the configured endpoints
func NewEthereumClient(ctx context.Context, cfg *EthereumClientConfig) (*EthereumClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration cannot be nil")
	}

	pool, err := NewRPCPool(ctx, &RPCPoolConfig{
		Endpoints:    ParseEndpoints(cfg.RPCURLs),
		Dial:         cfg.Dial,
		CooldownTime: cfg.FailoverCooldown,
	})
	if err != nil {
		return nil, NewAdapterError("rpc", "NewEthereumClient", err, nil)
	}

	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = cfg.RequestsPerSecond
	}

	abis := cfg.ABIs
	if abis == nil {
		abis = NewABIRegistry()
	}

	return &EthereumClient{
		chainID:    cfg.ChainID,
		pool:       pool,
		abis:       abis,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logging.GetGlobalLogger().WithFields(map[string]interface{}{"component": "ethereum_client", "chain": cfg.ChainID}),
		blockTimes: make(map[uint64]time.Time),
	}, nil
}

// Close closes the RPC connections
func (c *EthereumClient) Close() {
	c.pool.Close()
}

// ABIs returns the ABI registry
func (c *EthereumClient) ABIs() *ABIRegistry {
	return c.abis
}

// call runs fn against the current backend, failing over once on endpoint
// errors. The primary is preferred again once its cooldown has passed.
func (c *EthereumClient) call(ctx context.Context, op string, details map[string]interface{}, fn func(Backend) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	backend, index := c.pool.Current()
	if index != 0 && c.pool.TryResetToPrimary(ctx) {
		backend, index = c.pool.Current()
	}
	err := fn(backend)
	if err != nil && ctx.Err() == nil && shouldFailover(err) && c.pool.EndpointCount() > 1 {
		c.logger.WithError(err).WithField("op", op).Warn("RPC call failed, trying next endpoint")
		if failErr := c.pool.OnFailure(ctx, index); failErr == nil {
			backend, _ = c.pool.Current()
			err = fn(backend)
		}
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return err
		}
		return apperrors.NewTransientError("rpc", NewAdapterError("rpc", op, err, details))
	}
	return nil
}

// BlockNumber returns the current head block
func (c *EthereumClient) BlockNumber(ctx context.Context) (uint64, error) {
	var head uint64
	err := c.call(ctx, "BlockNumber", nil, func(b Backend) error {
		var err error
		head, err = b.BlockNumber(ctx)
		return err
	})
	return head, err
}

// BlockTime returns the timestamp of a block; results are memoized
func (c *EthereumClient) BlockTime(ctx context.Context, block uint64) (time.Time, error) {
	c.timesMu.Lock()
	if t, ok := c.blockTimes[block]; ok {
		c.timesMu.Unlock()
		return t, nil
	}
	c.timesMu.Unlock()

	var header *ethtypes.Header
	err := c.call(ctx, "BlockTime", map[string]interface{}{"block": block}, func(b Backend) error {
		var err error
		header, err = b.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
		return err
	})
	if err != nil {
		return time.Time{}, err
	}

	t := time.Unix(int64(header.Time), 0).UTC() // #nosec G115 - block timestamps fit in int64

	c.timesMu.Lock()
	if len(c.blockTimes) >= blockTimeCacheSize {
		c.blockTimes = make(map[uint64]time.Time)
	}
	c.blockTimes[block] = t
	c.timesMu.Unlock()

	return t, nil
}

// CallView calls a read-only method at the latest block
func (c *EthereumClient) CallView(ctx context.Context, contract, abiName, method string, args ...interface{}) ([]interface{}, error) {
	if !types.IsAddress(contract) {
		return nil, apperrors.NewInvalidAddressError(contract)
	}
	parsed, err := c.abis.Get(abiName)
	if err != nil {
		return nil, err
	}

	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}

	to := common.HexToAddress(contract)
	var out []byte
	err = c.call(ctx, "CallView", map[string]interface{}{"contract": contract, "method": method}, func(b Backend) error {
		var err error
		out, err = b.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	values, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, NewAdapterError("rpc", "CallView", fmt.Errorf("%w: %v", ErrMalformedResponse, err), map[string]interface{}{"method": method})
	}

	normalized := make([]interface{}, len(values))
	for i, v := range values {
		normalized[i] = normalizeValue(v)
	}
	return normalized, nil
}

// FilterLogs fetches logs of one event, optionally filtered on an indexed argument
func (c *EthereumClient) FilterLogs(ctx context.Context, q LogQuery) ([]ethtypes.Log, error) {
	if q.FromBlock > q.ToBlock {
		return nil, NewAdapterError("rpc", "FilterLogs", ErrInvalidBlockRange, map[string]interface{}{
			"fromBlock": q.FromBlock,
			"toBlock":   q.ToBlock,
		})
	}
	if !types.IsAddress(q.Contract) {
		return nil, apperrors.NewInvalidAddressError(q.Contract)
	}

	topics, err := c.eventTopics(q)
	if err != nil {
		return nil, err
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(q.FromBlock),
		ToBlock:   new(big.Int).SetUint64(q.ToBlock),
		Addresses: []common.Address{common.HexToAddress(q.Contract)},
		Topics:    topics,
	}

	var logs []ethtypes.Log
	err = c.call(ctx, "FilterLogs", map[string]interface{}{
		"contract":  q.Contract,
		"event":     q.EventName,
		"fromBlock": q.FromBlock,
		"toBlock":   q.ToBlock,
	}, func(b Backend) error {
		var err error
		logs, err = b.FilterLogs(ctx, query)
		return err
	})
	return logs, err
}

// eventTopics builds the topic filter: the event id, then the optional
// indexed argument value at its position
func (c *EthereumClient) eventTopics(q LogQuery) ([][]common.Hash, error) {
	parsed, err := c.abis.Get(q.ABIName)
	if err != nil {
		return nil, err
	}
	event, ok := parsed.Events[q.EventName]
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrUnknownEvent, q.EventName, q.ABIName)
	}

	topics := [][]common.Hash{{event.ID}}
	if q.FilterArg == "" {
		return topics, nil
	}

	position := 0
	for _, input := range event.Inputs {
		if !input.Indexed {
			continue
		}
		position++
		if input.Name != q.FilterArg {
			continue
		}

		value, err := topicValue(input.Type, q.FilterValue)
		if err != nil {
			return nil, err
		}
		rule, err := abi.MakeTopics([]interface{}{value})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
		}
		for len(topics) < position {
			topics = append(topics, nil)
		}
		return append(topics, rule[0]), nil
	}

	return nil, fmt.Errorf("%w: %s is not an indexed argument of %s", ErrInvalidFilter, q.FilterArg, q.EventName)
}

func topicValue(t abi.Type, raw string) (interface{}, error) {
	switch t.T {
	case abi.AddressTy:
		if !types.IsAddress(raw) {
			return nil, fmt.Errorf("%w: %q is not an address", ErrInvalidFilter, raw)
		}
		return common.HexToAddress(raw), nil
	case abi.UintTy, abi.IntTy:
		n, ok := new(big.Int).SetString(raw, 0)
		if !ok {
			return nil, fmt.Errorf("%w: %q is not an integer", ErrInvalidFilter, raw)
		}
		return n, nil
	case abi.FixedBytesTy:
		return common.HexToHash(raw), nil
	default:
		return nil, fmt.Errorf("%w: unsupported topic type %s", ErrInvalidFilter, t.String())
	}
}

// DecodeLogs decodes logs against the named ABI. Logs that do not match an
// event of the ABI or fail to unpack are logged and dropped.
func (c *EthereumClient) DecodeLogs(abiName string, logs []ethtypes.Log) ([]types.DecodedEvent, error) {
	parsed, err := c.abis.Get(abiName)
	if err != nil {
		return nil, err
	}

	decoded := make([]types.DecodedEvent, 0, len(logs))
	for _, lg := range logs {
		ev, err := decodeLog(parsed, lg)
		if err != nil {
			c.logger.WithError(err).WithFields(map[string]interface{}{
				"txHash":   lg.TxHash.Hex(),
				"block":    lg.BlockNumber,
				"logIndex": lg.Index,
			}).Warn("skipping undecodable log")
			continue
		}
		decoded = append(decoded, ev)
	}
	return decoded, nil
}

func decodeLog(parsed abi.ABI, lg ethtypes.Log) (types.DecodedEvent, error) {
	if len(lg.Topics) == 0 {
		return types.DecodedEvent{}, fmt.Errorf("%w: log without topics", ErrUnknownEvent)
	}
	event, err := parsed.EventByID(lg.Topics[0])
	if err != nil {
		return types.DecodedEvent{}, fmt.Errorf("%w: %s", ErrUnknownEvent, lg.Topics[0].Hex())
	}

	raw := make(map[string]interface{})
	if len(lg.Data) > 0 {
		if err := event.Inputs.UnpackIntoMap(raw, lg.Data); err != nil {
			return types.DecodedEvent{}, fmt.Errorf("failed to unpack %s data: %w", event.Name, err)
		}
	}

	var indexed abi.Arguments
	for _, input := range event.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}
	if err := abi.ParseTopicsIntoMap(raw, indexed, lg.Topics[1:]); err != nil {
		return types.DecodedEvent{}, fmt.Errorf("failed to parse %s topics: %w", event.Name, err)
	}

	args := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		args[k] = normalizeValue(v)
	}

	return types.DecodedEvent{
		EventName:       event.Name,
		Args:            args,
		TransactionHash: lg.TxHash.Hex(),
		BlockNumber:     lg.BlockNumber,
		LogIndex:        lg.Index,
		Address:         types.NormalizeAddress(lg.Address.Hex()),
	}, nil
}

// normalizeValue makes ABI values JSON friendly: integers become decimal
// strings, addresses lower-case hex and byte arrays 0x-prefixed hex
func normalizeValue(v interface{}) interface{} {
	switch x := v.(type) {
	case nil:
		return nil
	case *big.Int:
		if x == nil {
			return nil
		}
		return x.String()
	case common.Address:
		return strings.ToLower(x.Hex())
	case common.Hash:
		return x.Hex()
	case []byte:
		return hexutil.Encode(x)
	case string, bool:
		return x
	case uint8, uint16, uint32, uint64, int8, int16, int32, int64:
		return fmt.Sprint(x)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			return hexutil.Encode(b)
		}
		fallthrough
	case reflect.Slice:
		out := make([]interface{}, rv.Len())
		for i := range out {
			out[i] = normalizeValue(rv.Index(i).Interface())
		}
		return out
	default:
		return v
	}
}
