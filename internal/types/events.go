package types

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// EventKind names a marketplace or collectible event
type EventKind string

const (
	KindListingCreated   EventKind = "ListingCreated"
	KindAuctionStarted   EventKind = "AuctionStarted"
	KindListingPurchased EventKind = "ListingPurchased"
	KindAuctionSettled   EventKind = "AuctionSettled"
	KindListingCancelled EventKind = "ListingCancelled"
	KindAuctionCancelled EventKind = "AuctionCancelled"
	KindBidPlaced        EventKind = "BidPlaced"
	KindMint             EventKind = "Mint"
	KindTransfer         EventKind = "Transfer"
)

// MarketEventNames lists the marketplace events the listing reconstructor folds
var MarketEventNames = []string{
	string(KindListingCreated), string(KindAuctionStarted),
	string(KindListingPurchased), string(KindAuctionSettled),
	string(KindListingCancelled), string(KindAuctionCancelled),
	string(KindBidPlaced),
}

// TokenEventNames lists the collectible events the ownership reconstructor folds
var TokenEventNames = []string{string(KindMint), string(KindTransfer)}

// EventPosition locates an event on chain
type EventPosition struct {
	Timestamp   int64  `json:"timestamp"`
	BlockNumber uint64 `json:"blockNumber"`
	LogIndex    uint   `json:"logIndex"`
	TxHash      string `json:"txHash"`
}

// Before orders positions by (timestamp, block, log index)
func (p EventPosition) Before(o EventPosition) bool {
	if p.Timestamp != o.Timestamp {
		return p.Timestamp < o.Timestamp
	}
	if p.BlockNumber != o.BlockNumber {
		return p.BlockNumber < o.BlockNumber
	}
	return p.LogIndex < o.LogIndex
}

// MarketEvent is the closed set of events the listing reconstructor understands.
// Unknown names parse into UnknownEvent rather than failing.
type MarketEvent interface {
	Kind() EventKind
	Pos() EventPosition
}

// ListingCreated opens a fixed-price listing
type ListingCreated struct {
	EventPosition
	ListingID string
	TokenID   string
	Creator   string
	Price     string
}

// AuctionStarted opens an auction
type AuctionStarted struct {
	EventPosition
	ListingID    string
	TokenID      string
	Creator      string
	ReservePrice string
	EndTime      *time.Time
}

// ListingPurchased closes a fixed-price listing
type ListingPurchased struct {
	EventPosition
	ListingID string
	Buyer     string
	Price     string
}

// AuctionSettled closes an auction in favour of its winner
type AuctionSettled struct {
	EventPosition
	ListingID string
	Winner    string
	Amount    string
}

// ListingCancelled withdraws a fixed-price listing
type ListingCancelled struct {
	EventPosition
	ListingID string
}

// AuctionCancelled withdraws an auction
type AuctionCancelled struct {
	EventPosition
	ListingID string
}

// BidPlaced records a bid; EndTime is set when the bid extended the auction
type BidPlaced struct {
	EventPosition
	ListingID string
	Bidder    string
	Amount    string
	EndTime   *time.Time
}

// UnknownEvent keeps events this version does not fold
type UnknownEvent struct {
	EventPosition
	Name string
}

func (e ListingCreated) Kind() EventKind   { return KindListingCreated }
func (e AuctionStarted) Kind() EventKind   { return KindAuctionStarted }
func (e ListingPurchased) Kind() EventKind { return KindListingPurchased }
func (e AuctionSettled) Kind() EventKind   { return KindAuctionSettled }
func (e ListingCancelled) Kind() EventKind { return KindListingCancelled }
func (e AuctionCancelled) Kind() EventKind { return KindAuctionCancelled }
func (e BidPlaced) Kind() EventKind        { return KindBidPlaced }
func (e UnknownEvent) Kind() EventKind     { return EventKind(e.Name) }

func (p EventPosition) Pos() EventPosition { return p }

// ParseMarketEvent validates raw parameters into a typed event.
// A missing or unparsable parameter yields a *ParamError.
func ParseMarketEvent(name string, params Params, pos EventPosition) (MarketEvent, error) {
	var err error
	switch EventKind(name) {
	case KindListingCreated:
		e := ListingCreated{EventPosition: pos}
		e.ListingID, err = params.Uint(name, "listingId")
		if err == nil {
			e.TokenID, err = params.Uint(name, "tokenId")
		}
		if err == nil {
			e.Creator, err = params.Address(name, "creator", "seller")
		}
		if err == nil {
			e.Price, err = params.Uint(name, "startAsk", "price")
		}
		return e, err
	case KindAuctionStarted:
		e := AuctionStarted{EventPosition: pos}
		e.ListingID, err = params.Uint(name, "auctionId", "listingId")
		if err == nil {
			e.TokenID, err = params.Uint(name, "tokenId")
		}
		if err == nil {
			e.Creator, err = params.Address(name, "creator", "seller")
		}
		if err == nil {
			e.ReservePrice, err = params.Uint(name, "reservePrice", "startAsk", "price")
		}
		if err == nil {
			e.EndTime, err = params.OptionalTime(name, "endTime")
		}
		return e, err
	case KindListingPurchased:
		e := ListingPurchased{EventPosition: pos}
		e.ListingID, err = params.Uint(name, "listingId")
		if err == nil {
			e.Buyer, err = params.Address(name, "buyer")
		}
		if err == nil && params.Has("price", "amount") {
			e.Price, err = params.Uint(name, "price", "amount")
		}
		return e, err
	case KindAuctionSettled:
		e := AuctionSettled{EventPosition: pos}
		e.ListingID, err = params.Uint(name, "auctionId", "listingId")
		if err == nil {
			e.Winner, err = params.Address(name, "winner", "buyer")
		}
		if err == nil && params.Has("amount", "price") {
			e.Amount, err = params.Uint(name, "amount", "price")
		}
		return e, err
	case KindListingCancelled:
		e := ListingCancelled{EventPosition: pos}
		e.ListingID, err = params.Uint(name, "listingId")
		return e, err
	case KindAuctionCancelled:
		e := AuctionCancelled{EventPosition: pos}
		e.ListingID, err = params.Uint(name, "auctionId", "listingId")
		return e, err
	case KindBidPlaced:
		e := BidPlaced{EventPosition: pos}
		e.ListingID, err = params.Uint(name, "auctionId", "listingId")
		if err == nil {
			e.Bidder, err = params.Address(name, "bidder")
		}
		if err == nil {
			e.Amount, err = params.Uint(name, "amount")
		}
		if err == nil {
			e.EndTime, err = params.OptionalTime(name, "endTime")
		}
		return e, err
	default:
		return UnknownEvent{EventPosition: pos, Name: name}, nil
	}
}

// TokenEvent is a Mint or Transfer of a collectible token
type TokenEvent struct {
	Kind        EventKind
	TokenID     string
	From        string
	To          string
	ContentHash string // only present on Mint, and only when the contract emits it
	BlockNumber uint64
	LogIndex    uint
}

// ParseTokenEvent validates a decoded Mint or Transfer
func ParseTokenEvent(name string, params Params, blockNumber uint64, logIndex uint) (TokenEvent, error) {
	e := TokenEvent{Kind: EventKind(name), BlockNumber: blockNumber, LogIndex: logIndex}
	var err error
	switch e.Kind {
	case KindMint:
		e.TokenID, err = params.Uint(name, "tokenId")
		if err == nil {
			e.To, err = params.Address(name, "to", "recipient")
		}
		if err == nil && params.Has("hash", "castHash") {
			e.ContentHash, err = params.String(name, "hash", "castHash")
		}
	case KindTransfer:
		e.TokenID, err = params.Uint(name, "tokenId", "id")
		if err == nil {
			e.From, err = params.Address(name, "from")
		}
		if err == nil {
			e.To, err = params.Address(name, "to")
		}
	default:
		err = &ParamError{Event: name, Reason: "not a token event"}
	}
	return e, err
}

// ParamError reports a missing or malformed event parameter
type ParamError struct {
	Event  string
	Param  string
	Reason string
}

func (e *ParamError) Error() string {
	if e.Param == "" {
		return fmt.Sprintf("%s: %s", e.Event, e.Reason)
	}
	return fmt.Sprintf("%s.%s: %s", e.Event, e.Param, e.Reason)
}

// Params is the loosely typed parameter map produced by decoders and the
// analytics service. Accessors accept aliases and try them in order.
type Params map[string]interface{}

// Has reports whether any of the keys is present and non-nil
func (p Params) Has(keys ...string) bool {
	_, _, ok := p.lookup(keys)
	return ok
}

func (p Params) lookup(keys []string) (string, interface{}, bool) {
	for _, k := range keys {
		if v, ok := p[k]; ok && v != nil {
			return k, v, true
		}
	}
	return keys[0], nil, false
}

// String returns the first present key as a non-empty string
func (p Params) String(event string, keys ...string) (string, error) {
	key, v, ok := p.lookup(keys)
	if !ok {
		return "", &ParamError{Event: event, Param: key, Reason: "missing"}
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	if s == "" {
		return "", &ParamError{Event: event, Param: key, Reason: "empty"}
	}
	return s, nil
}

// Uint returns the first present key as a non-negative decimal string
func (p Params) Uint(event string, keys ...string) (string, error) {
	key, v, ok := p.lookup(keys)
	if !ok {
		return "", &ParamError{Event: event, Param: key, Reason: "missing"}
	}
	n, err := toBigInt(v)
	if err != nil || n.Sign() < 0 {
		return "", &ParamError{Event: event, Param: key, Reason: fmt.Sprintf("not an unsigned integer: %v", v)}
	}
	return n.String(), nil
}

// Address returns the first present key as a lower-case address
func (p Params) Address(event string, keys ...string) (string, error) {
	key, v, ok := p.lookup(keys)
	if !ok {
		return "", &ParamError{Event: event, Param: key, Reason: "missing"}
	}
	s, isString := v.(string)
	if !isString || !IsAddress(s) {
		return "", &ParamError{Event: event, Param: key, Reason: fmt.Sprintf("not an address: %v", v)}
	}
	return NormalizeAddress(s), nil
}

// OptionalTime reads a unix-seconds parameter; absence is not an error
func (p Params) OptionalTime(event string, keys ...string) (*time.Time, error) {
	if !p.Has(keys...) {
		return nil, nil
	}
	s, err := p.Uint(event, keys...)
	if err != nil {
		return nil, err
	}
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, &ParamError{Event: event, Param: keys[0], Reason: "timestamp out of range"}
	}
	t := time.Unix(secs, 0).UTC()
	return &t, nil
}

func toBigInt(v interface{}) (*big.Int, error) {
	switch n := v.(type) {
	case string:
		s := strings.TrimSpace(n)
		base := 10
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			s, base = s[2:], 16
		}
		out, ok := new(big.Int).SetString(s, base)
		if !ok {
			return nil, fmt.Errorf("invalid integer %q", n)
		}
		return out, nil
	case json.Number:
		return toBigInt(n.String())
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return nil, fmt.Errorf("non-integral number %v", n)
		}
		out, _ := big.NewFloat(n).Int(nil)
		return out, nil
	case int:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case *big.Int:
		if n == nil {
			return nil, fmt.Errorf("nil integer")
		}
		return new(big.Int).Set(n), nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}
