package models

import (
	"time"

	"github.com/market-sync/internal/types"
)

// ChainEvent is a decoded contract event persisted by the block sync.
// (ChainID, BlockNumber, LogIndex) is unique.
type ChainEvent struct {
	ChainID         types.ChainID          `json:"chainId" db:"chain_id" ch:"chain_id"`
	ContractAddress string                 `json:"contractAddress" db:"contract_address" ch:"address"`
	BlockNumber     uint64                 `json:"blockNumber" db:"block_number" ch:"block_number"`
	LogIndex        uint                   `json:"logIndex" db:"log_index" ch:"log_index"`
	TxHash          string                 `json:"txHash" db:"tx_hash" ch:"transaction_hash"`
	EventName       string                 `json:"eventName" db:"event_name" ch:"event_name"`
	Args            map[string]interface{} `json:"args" db:"args" ch:"parameters"`
	BlockTimestamp  time.Time              `json:"blockTimestamp" db:"block_timestamp" ch:"block_timestamp"`
	CreatedAt       time.Time              `json:"createdAt" db:"created_at"`
}

// ChainEventFromDecoded converts a decoded log into its persisted form
func ChainEventFromDecoded(chainID types.ChainID, ev types.DecodedEvent, blockTime time.Time) ChainEvent {
	return ChainEvent{
		ChainID:         chainID,
		ContractAddress: types.NormalizeAddress(ev.Address),
		BlockNumber:     ev.BlockNumber,
		LogIndex:        ev.LogIndex,
		TxHash:          ev.TransactionHash,
		EventName:       ev.EventName,
		Args:            ev.Args,
		BlockTimestamp:  blockTime.UTC(),
	}
}
