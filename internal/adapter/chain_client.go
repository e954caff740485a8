// Package adapter wraps the external collaborators of the sync engine: the
// chain RPC endpoint, the analytical query service and the social lookup API.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/market-sync/internal/types"
)

// LogQuery selects the logs of one event of one contract in [FromBlock, ToBlock].
// FilterArg optionally names an indexed argument that must equal FilterValue.
type LogQuery struct {
	Contract    string
	ABIName     string
	EventName   string
	FilterArg   string
	FilterValue string
	FromBlock   uint64
	ToBlock     uint64
}

// ChainClient reads blocks, logs and contract views
type ChainClient interface {
	// BlockNumber returns the current head block
	BlockNumber(ctx context.Context) (uint64, error)

	// BlockTime returns the timestamp of a block
	BlockTime(ctx context.Context, block uint64) (time.Time, error)

	// CallView calls a read-only contract method. Results are normalized the
	// same way as decoded event arguments.
	CallView(ctx context.Context, contract, abiName, method string, args ...interface{}) ([]interface{}, error)

	// FilterLogs fetches the raw logs matching q
	FilterLogs(ctx context.Context, q LogQuery) ([]ethtypes.Log, error)

	// DecodeLogs decodes logs against a registered ABI; logs of unknown
	// events are dropped
	DecodeLogs(abiName string, logs []ethtypes.Log) ([]types.DecodedEvent, error)
}

var (
	// ErrUnknownABI indicates no ABI is registered under the requested name
	ErrUnknownABI = errors.New("unknown ABI")

	// ErrUnknownEvent indicates the ABI has no such event
	ErrUnknownEvent = errors.New("unknown event")

	// ErrInvalidFilter indicates a LogQuery filter that cannot be encoded
	ErrInvalidFilter = errors.New("invalid log filter")

	// ErrInvalidBlockRange indicates FromBlock > ToBlock
	ErrInvalidBlockRange = errors.New("invalid block range")

	// ErrProviderUnavailable indicates every RPC endpoint failed
	ErrProviderUnavailable = errors.New("data provider unavailable")

	// ErrMalformedResponse indicates a collaborator returned an unexpected payload
	ErrMalformedResponse = errors.New("malformed response")
)

// AdapterError wraps errors with the failed operation and its inputs
type AdapterError struct {
	Source  string // "rpc", "analytics", "social"
	Op      string
	Err     error
	Details map[string]interface{}
}

func (e *AdapterError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("%s adapter error [%s]: %v (details: %+v)", e.Source, e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s adapter error [%s]: %v", e.Source, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError creates a new AdapterError
func NewAdapterError(source, op string, err error, details map[string]interface{}) *AdapterError {
	return &AdapterError{
		Source:  source,
		Op:      op,
		Err:     err,
		Details: details,
	}
}
