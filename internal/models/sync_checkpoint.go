package models

import (
	"fmt"
	"strconv"
	"time"

	"github.com/market-sync/internal/types"
)

// SyncCheckpoint is the persisted block-sync progress for one contract on one chain.
// Block numbers are string encoded so they survive any JSON or document round trip.
type SyncCheckpoint struct {
	ContractAddress string        `json:"contractAddress" db:"contract_address"`
	ChainID         types.ChainID `json:"chainId" db:"chain_id"`
	LastSyncedBlock string        `json:"lastSyncedBlock" db:"last_synced_block"`
	StartBlock      string        `json:"startBlock" db:"start_block"`
	// Initialized is false until a block has been synced; LastSyncedBlock is
	// only a placeholder before that.
	Initialized bool      `json:"initialized" db:"initialized"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`
}

// NewSyncCheckpoint creates a checkpoint positioned just before startBlock.
// Nothing is synced yet, so NextBlock returns startBlock, including block 0.
func NewSyncCheckpoint(contract string, chainID types.ChainID, startBlock uint64) *SyncCheckpoint {
	last := uint64(0)
	if startBlock > 0 {
		last = startBlock - 1
	}
	return &SyncCheckpoint{
		ContractAddress: types.NormalizeAddress(contract),
		ChainID:         chainID,
		LastSyncedBlock: strconv.FormatUint(last, 10),
		StartBlock:      strconv.FormatUint(startBlock, 10),
		Initialized:     false,
		UpdatedAt:       time.Now().UTC(),
	}
}

// LastBlock parses LastSyncedBlock
func (c *SyncCheckpoint) LastBlock() (uint64, error) {
	n, err := strconv.ParseUint(c.LastSyncedBlock, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid last synced block %q: %w", c.LastSyncedBlock, err)
	}
	return n, nil
}

// NextBlock returns the first block still to be synced
func (c *SyncCheckpoint) NextBlock() (uint64, error) {
	if !c.Initialized {
		n, err := strconv.ParseUint(c.StartBlock, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid start block %q: %w", c.StartBlock, err)
		}
		return n, nil
	}
	last, err := c.LastBlock()
	if err != nil {
		return 0, err
	}
	return last + 1, nil
}
