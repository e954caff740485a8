package adapter

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const (
	// MarketplaceABIName is the registry name of the marketplace contract ABI
	MarketplaceABIName = "marketplace"
	// CollectibleABIName is the registry name of the collectible contract ABI
	CollectibleABIName = "collectible"
)

const marketplaceABI = `[
  {"type":"event","name":"ListingCreated","anonymous":false,"inputs":[
    {"name":"listingId","type":"uint256","indexed":true},
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"creator","type":"address","indexed":true},
    {"name":"startAsk","type":"uint256","indexed":false}]},
  {"type":"event","name":"AuctionStarted","anonymous":false,"inputs":[
    {"name":"auctionId","type":"uint256","indexed":true},
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"creator","type":"address","indexed":true},
    {"name":"reservePrice","type":"uint256","indexed":false},
    {"name":"endTime","type":"uint256","indexed":false}]},
  {"type":"event","name":"ListingPurchased","anonymous":false,"inputs":[
    {"name":"listingId","type":"uint256","indexed":true},
    {"name":"buyer","type":"address","indexed":true},
    {"name":"price","type":"uint256","indexed":false}]},
  {"type":"event","name":"AuctionSettled","anonymous":false,"inputs":[
    {"name":"auctionId","type":"uint256","indexed":true},
    {"name":"winner","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"ListingCancelled","anonymous":false,"inputs":[
    {"name":"listingId","type":"uint256","indexed":true}]},
  {"type":"event","name":"AuctionCancelled","anonymous":false,"inputs":[
    {"name":"auctionId","type":"uint256","indexed":true}]},
  {"type":"event","name":"BidPlaced","anonymous":false,"inputs":[
    {"name":"auctionId","type":"uint256","indexed":true},
    {"name":"bidder","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"endTime","type":"uint256","indexed":false}]},
  {"type":"function","name":"castNFT","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"address"}]}
]`

const collectibleABI = `[
  {"type":"event","name":"Mint","anonymous":false,"inputs":[
    {"name":"to","type":"address","indexed":true},
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"hash","type":"bytes32","indexed":false}]},
  {"type":"event","name":"Transfer","anonymous":false,"inputs":[
    {"name":"from","type":"address","indexed":true},
    {"name":"to","type":"address","indexed":true},
    {"name":"tokenId","type":"uint256","indexed":true}]},
  {"type":"function","name":"tokenHash","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"bytes32"}]},
  {"type":"function","name":"ownerOf","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"address"}]}
]`

// ABIRegistry holds parsed contract ABIs by name
type ABIRegistry struct {
	mu   sync.RWMutex
	abis map[string]abi.ABI
}

// NewABIRegistry returns a registry preloaded with the marketplace and collectible ABIs
func NewABIRegistry() *ABIRegistry {
	r := &ABIRegistry{abis: make(map[string]abi.ABI)}
	for name, def := range map[string]string{
		MarketplaceABIName: marketplaceABI,
		CollectibleABIName: collectibleABI,
	} {
		if err := r.Register(name, def); err != nil {
			panic(fmt.Sprintf("built-in ABI %s: %v", name, err))
		}
	}
	return r
}

// Register parses a JSON ABI and stores it under name
func (r *ABIRegistry) Register(name, jsonABI string) error {
	parsed, err := abi.JSON(strings.NewReader(jsonABI))
	if err != nil {
		return fmt.Errorf("failed to parse ABI %s: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abis[name] = parsed
	return nil
}

// Get returns the ABI registered under name
func (r *ABIRegistry) Get(name string) (abi.ABI, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	parsed, ok := r.abis[name]
	if !ok {
		return abi.ABI{}, fmt.Errorf("%w: %s", ErrUnknownABI, name)
	}
	return parsed, nil
}
