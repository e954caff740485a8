package models

import (
	"time"

	"github.com/market-sync/internal/types"
)

// Listing is the read-model record of a fixed-price listing or an auction.
// (ListingID, ListingType) is unique.
type Listing struct {
	ListingID      string              `json:"listingId" db:"listing_id"`
	ListingType    types.ListingType   `json:"listingType" db:"listing_type"`
	TokenID        string              `json:"tokenId" db:"token_id"`
	Creator        string              `json:"creator" db:"creator"`
	Price          string              `json:"price,omitempty" db:"price"`
	HighestBid     string              `json:"highestBid,omitempty" db:"highest_bid"`
	Buyer          *types.Identity     `json:"buyer,omitempty" db:"buyer"`
	AuctionStarted bool                `json:"auctionStarted" db:"auction_started"`
	AuctionEndTime *time.Time          `json:"auctionEndTime,omitempty" db:"auction_end_time"`
	Cast           *types.Content      `json:"cast,omitempty" db:"cast_payload"`
	Bids           []Bid               `json:"bids" db:"bids"`
	Status         types.ListingStatus `json:"status" db:"status"`
	LastEventAt    int64               `json:"lastEventAt" db:"last_event_at"`
	CreatedAt      time.Time           `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time           `json:"updatedAt" db:"updated_at"`
}

// Bid is one entry of an auction's bid history
type Bid struct {
	Bidder   types.Identity `json:"bidder"`
	Amount   string         `json:"amount"`
	TxHash   string         `json:"txHash"`
	LogIndex uint           `json:"logIndex"`
	PlacedAt int64          `json:"placedAt"`
}

// HasBid reports whether the bid emitted at (txHash, logIndex) is already recorded
func (l *Listing) HasBid(txHash string, logIndex uint) bool {
	for _, b := range l.Bids {
		if b.TxHash == txHash && b.LogIndex == logIndex {
			return true
		}
	}
	return false
}

// EffectiveStatus reports ended for an active auction whose end time has passed
func (l *Listing) EffectiveStatus(now time.Time) types.ListingStatus {
	if l.ListingType == types.ListingAuction && l.Status == types.StatusActive &&
		l.AuctionEndTime != nil && now.After(*l.AuctionEndTime) {
		return types.StatusEnded
	}
	return l.Status
}
