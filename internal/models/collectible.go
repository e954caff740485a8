package models

import (
	"time"

	"github.com/market-sync/internal/types"
)

// Collectible is the current ownership record of one collectible token
type Collectible struct {
	TokenID      string         `json:"tokenId" db:"token_id"`
	Owner        string         `json:"owner" db:"owner"`
	Cast         *types.Content `json:"cast" db:"cast_payload"`
	MintedBlock  uint64         `json:"mintedBlock" db:"minted_block"`
	UpdatedBlock uint64         `json:"updatedBlock" db:"updated_block"`
	CreatedAt    time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time      `json:"updatedAt" db:"updated_at"`
}
