package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMarketEvent(t *testing.T) {
	pos := EventPosition{Timestamp: 100, BlockNumber: 10, LogIndex: 2, TxHash: "0xaa"}

	t.Run("listing created", func(t *testing.T) {
		ev, err := ParseMarketEvent("ListingCreated", Params{
			"listingId": "5",
			"tokenId":   json.Number("9"),
			"creator":   "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
			"startAsk":  float64(1000),
		}, pos)
		require.NoError(t, err)

		created, ok := ev.(ListingCreated)
		require.True(t, ok)
		assert.Equal(t, "5", created.ListingID)
		assert.Equal(t, "9", created.TokenID)
		assert.Equal(t, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", created.Creator)
		assert.Equal(t, "1000", created.Price)
		assert.Equal(t, pos, created.Pos())
	})

	t.Run("auction started with end time", func(t *testing.T) {
		ev, err := ParseMarketEvent("AuctionStarted", Params{
			"auctionId":    "7",
			"tokenId":      "3",
			"creator":      "0x1111111111111111111111111111111111111111",
			"reservePrice": "0x64",
			"endTime":      "1700000000",
		}, pos)
		require.NoError(t, err)

		started := ev.(AuctionStarted)
		assert.Equal(t, "100", started.ReservePrice)
		require.NotNil(t, started.EndTime)
		assert.Equal(t, int64(1700000000), started.EndTime.Unix())
	})

	t.Run("missing parameter is a ParamError", func(t *testing.T) {
		_, err := ParseMarketEvent("BidPlaced", Params{
			"auctionId": "7",
			"bidder":    "0x1111111111111111111111111111111111111111",
		}, pos)
		var perr *ParamError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "amount", perr.Param)
	})

	t.Run("bad address is rejected", func(t *testing.T) {
		_, err := ParseMarketEvent("ListingPurchased", Params{"listingId": "1", "buyer": "bob"}, pos)
		assert.Error(t, err)
	})

	t.Run("unknown events are kept", func(t *testing.T) {
		ev, err := ParseMarketEvent("RoyaltyPaid", Params{}, pos)
		require.NoError(t, err)
		assert.Equal(t, EventKind("RoyaltyPaid"), ev.Kind())
		_, ok := ev.(UnknownEvent)
		assert.True(t, ok)
	})
}

func TestParseTokenEvent(t *testing.T) {
	mint, err := ParseTokenEvent("Mint", Params{
		"tokenId": "12",
		"to":      "0x2222222222222222222222222222222222222222",
		"hash":    "0xcafe",
	}, 50, 1)
	require.NoError(t, err)
	assert.Equal(t, KindMint, mint.Kind)
	assert.Equal(t, "0xcafe", mint.ContentHash)

	transfer, err := ParseTokenEvent("Transfer", Params{
		"tokenId": "12",
		"from":    "0x2222222222222222222222222222222222222222",
		"to":      "0x3333333333333333333333333333333333333333",
	}, 51, 0)
	require.NoError(t, err)
	assert.Equal(t, "0x3333333333333333333333333333333333333333", transfer.To)

	_, err = ParseTokenEvent("Approval", Params{}, 1, 1)
	assert.Error(t, err)
}

func TestNewPagination(t *testing.T) {
	tests := []struct {
		name               string
		page, perPage, n   int
		wantPages          int
		wantNext, wantPrev bool
	}{
		{name: "last partial page", page: 3, perPage: 12, n: 25, wantPages: 3, wantNext: false, wantPrev: true},
		{name: "first page", page: 1, perPage: 12, n: 25, wantPages: 3, wantNext: true, wantPrev: false},
		{name: "empty result", page: 1, perPage: 10, n: 0, wantPages: 0, wantNext: false, wantPrev: false},
		{name: "beyond end", page: 5, perPage: 10, n: 20, wantPages: 2, wantNext: false, wantPrev: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPagination(tt.page, tt.perPage, tt.n)
			assert.Equal(t, tt.wantPages, p.TotalPages)
			assert.Equal(t, tt.wantNext, p.HasNextPage)
			assert.Equal(t, tt.wantPrev, p.HasPreviousPage)
		})
	}
}

func TestListingStatusTerminal(t *testing.T) {
	assert.False(t, StatusActive.Terminal())
	assert.False(t, StatusEnded.Terminal())
	assert.True(t, StatusSold.Terminal())
	assert.True(t, StatusSettled.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}
