// Package types provides common type definitions for the marketplace sync engine.
package types

import (
	"math/big"
	"regexp"
	"strings"
	"time"
)

// ChainID is the EVM chain id the engine follows (e.g. 8453 for Base)
type ChainID int64

// ListingType distinguishes fixed-price listings from auctions
type ListingType string

const (
	// ListingFixedPrice is a listing bought outright at its ask
	ListingFixedPrice ListingType = "fixed-price"
	// ListingAuction is a reserve auction settled to the highest bidder
	ListingAuction ListingType = "auction"
)

// ListingStatus represents the lifecycle state of a listing
type ListingStatus string

const (
	StatusActive    ListingStatus = "active"
	StatusSold      ListingStatus = "sold"
	StatusEnded     ListingStatus = "ended"
	StatusSettled   ListingStatus = "settled"
	StatusCancelled ListingStatus = "cancelled"
)

// Terminal reports whether no further event may change the status
func (s ListingStatus) Terminal() bool {
	return s == StatusSold || s == StatusSettled || s == StatusCancelled
}

// DecodedEvent is a log decoded against a contract ABI.
// Args values are JSON friendly: integers are decimal strings and
// addresses are lower-case hex.
type DecodedEvent struct {
	EventName       string                 `json:"eventName"`
	Args            map[string]interface{} `json:"args"`
	TransactionHash string                 `json:"transactionHash"`
	BlockNumber     uint64                 `json:"blockNumber"`
	LogIndex        uint                   `json:"logIndex"`
	Address         string                 `json:"address"`
}

// Identity is a social profile resolved from a wallet address.
// A wallet-only identity carries just Address.
type Identity struct {
	Address     string `json:"address"`
	FID         int64  `json:"fid,omitempty"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	PfpURL      string `json:"pfpUrl,omitempty"`
}

// Content is the social post (cast) a collectible token represents
type Content struct {
	Hash      string    `json:"hash"`
	Author    *Identity `json:"author,omitempty"`
	Text      string    `json:"text"`
	Embeds    []string  `json:"embeds,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Pagination describes a page of a larger result
type Pagination struct {
	Page            int  `json:"page"`
	PerPage         int  `json:"perPage"`
	TotalItems      int  `json:"totalItems"`
	TotalPages      int  `json:"totalPages"`
	HasNextPage     bool `json:"hasNextPage"`
	HasPreviousPage bool `json:"hasPreviousPage"`
}

// NewPagination computes page metadata for totalItems items
func NewPagination(page, perPage, totalItems int) Pagination {
	totalPages := 0
	if perPage > 0 {
		totalPages = (totalItems + perPage - 1) / perPage
	}
	return Pagination{
		Page:            page,
		PerPage:         perPage,
		TotalItems:      totalItems,
		TotalPages:      totalPages,
		HasNextPage:     page < totalPages,
		HasPreviousPage: page > 1,
	}
}

var addressPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// IsAddress checks the 0x-prefixed 20-byte hex format
func IsAddress(address string) bool {
	return addressPattern.MatchString(address)
}

// NormalizeAddress lower-cases an address; the analytics service stores addresses lower-case
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// CompareTokenIDs orders decimal token ids numerically.
// Ids that do not parse sort after numeric ones, lexically.
func CompareTokenIDs(a, b string) int {
	x, okA := new(big.Int).SetString(a, 10)
	y, okB := new(big.Int).SetString(b, 10)
	switch {
	case okA && okB:
		return x.Cmp(y)
	case okA:
		return -1
	case okB:
		return 1
	default:
		return strings.Compare(a, b)
	}
}
