package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/market-sync/internal/adapter"
	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/storage"
	"github.com/market-sync/internal/types"
	"golang.org/x/sync/errgroup"
)

const (
	// MaxPerPage bounds the page size of owned-token queries
	MaxPerPage = 50
	// DefaultPerPage is used when no page size is given
	DefaultPerPage = 12

	ownedPageTTL        = time.Hour
	contractResolveTTL  = 24 * time.Hour
	defaultResolverView = "castNFT"
)

// OwnershipConfig configures the replay query
type OwnershipConfig struct {
	Marketplace     string
	CollectibleView string // marketplace view returning the collectible contract
	PageTTL         time.Duration
}

// OwnedTokensPage is one page of the tokens an address currently holds
type OwnedTokensPage struct {
	Address    string           `json:"address"`
	TokenIDs   []string         `json:"tokenIds"`
	Pagination types.Pagination `json:"pagination"`
}

// OwnershipService derives current token ownership by replaying Transfer
// events from the analytics service. It never reads persisted ownership.
type OwnershipService struct {
	cfg       OwnershipConfig
	chain     adapter.ChainClient
	analytics adapter.AnalyticsService
	queries   *QueryBuilder
	cache     *storage.TTLCache
}

// NewOwnershipService creates the replay query service; cache may be nil
func NewOwnershipService(cfg OwnershipConfig, chain adapter.ChainClient, analytics adapter.AnalyticsService, queries *QueryBuilder, cache *storage.TTLCache) (*OwnershipService, error) {
	if chain == nil || analytics == nil || queries == nil {
		return nil, fmt.Errorf("ownership service dependencies cannot be nil")
	}
	if !types.IsAddress(cfg.Marketplace) {
		return nil, fmt.Errorf("invalid marketplace address: %s", cfg.Marketplace)
	}
	if cfg.CollectibleView == "" {
		cfg.CollectibleView = defaultResolverView
	}
	if cfg.PageTTL <= 0 {
		cfg.PageTTL = ownedPageTTL
	}
	return &OwnershipService{cfg: cfg, chain: chain, analytics: analytics, queries: queries, cache: cache}, nil
}

// ClampPage normalizes paging input: page >= 1, perPage in [1, MaxPerPage]
func ClampPage(page, perPage int) (int, int) {
	if page < 1 {
		page = 1
	}
	switch {
	case perPage < 1:
		perPage = 1
	case perPage > MaxPerPage:
		perPage = MaxPerPage
	}
	return page, perPage
}

// GetOwnedTokens returns the page of token ids address currently holds,
// ordered numerically. Pages past the end are empty, not errors.
func (s *OwnershipService) GetOwnedTokens(ctx context.Context, address string, page, perPage int) (*OwnedTokensPage, error) {
	if !types.IsAddress(address) {
		return nil, apperrors.NewInvalidAddressError(address)
	}
	address = types.NormalizeAddress(address)
	page, perPage = ClampPage(page, perPage)

	key := storage.CacheKey("owned", address, strconv.Itoa(page), strconv.Itoa(perPage))
	return storage.GetOrSet(ctx, s.cache, key, s.cfg.PageTTL, func(ctx context.Context) (*OwnedTokensPage, error) {
		owned, err := s.ownedTokenIDs(ctx, address)
		if err != nil {
			return nil, err
		}
		return paginate(address, owned, page, perPage), nil
	})
}

// CollectibleContract resolves the collectible contract from the marketplace
func (s *OwnershipService) CollectibleContract(ctx context.Context) (string, error) {
	key := storage.CacheKey("contract", s.cfg.Marketplace, s.cfg.CollectibleView)
	return storage.GetOrSet(ctx, s.cache, key, contractResolveTTL, func(ctx context.Context) (string, error) {
		out, err := s.chain.CallView(ctx, s.cfg.Marketplace, adapter.MarketplaceABIName, s.cfg.CollectibleView)
		if err != nil {
			return "", fmt.Errorf("failed to resolve collectible contract: %w", err)
		}
		if len(out) == 0 {
			return "", fmt.Errorf("%s returned no value", s.cfg.CollectibleView)
		}
		addr, ok := out[0].(string)
		if !ok || !types.IsAddress(addr) {
			return "", fmt.Errorf("%s returned %v, not an address", s.cfg.CollectibleView, out[0])
		}
		return types.NormalizeAddress(addr), nil
	})
}

func (s *OwnershipService) ownedTokenIDs(ctx context.Context, address string) ([]string, error) {
	contract, err := s.CollectibleContract(ctx)
	if err != nil {
		return nil, err
	}

	var incoming, outgoing []adapter.AnalyticsRow
	g, gctx := errgroup.WithContext(ctx)
	for _, q := range []struct {
		direction TransferDirection
		out       *[]adapter.AnalyticsRow
	}{
		{TransfersTo, &incoming},
		{TransfersFrom, &outgoing},
	} {
		q := q
		g.Go(func() error {
			sql, err := s.queries.Transfers(contract, q.direction, address)
			if err != nil {
				return err
			}
			res, err := s.analytics.Execute(gctx, sql)
			if err != nil {
				return fmt.Errorf("failed to query transfers %s %s: %w", q.direction, address, err)
			}
			*q.out = res.Rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return FoldOwnership(ctx, address, append(incoming, outgoing...)), nil
}

// FoldOwnership replays transfers in (block, log index) order and returns the
// token ids address holds at the end, sorted numerically. Rows appearing in
// both the incoming and outgoing result are counted once.
func FoldOwnership(ctx context.Context, address string, rows []adapter.AnalyticsRow) []string {
	address = types.NormalizeAddress(address)
	logger := logging.FromContext(ctx)

	type position struct {
		block uint64
		index uint
	}
	seen := make(map[position]struct{}, len(rows))
	transfers := make([]adapter.AnalyticsRow, 0, len(rows))
	for _, r := range rows {
		if r.Err != nil {
			logger.WithError(r.Err).WithField("tx", r.TransactionHash).Warn("skipping undecodable transfer")
			continue
		}
		p := position{r.BlockNumber, r.LogIndex}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		transfers = append(transfers, r)
	}

	sort.SliceStable(transfers, func(i, j int) bool {
		if transfers[i].BlockNumber != transfers[j].BlockNumber {
			return transfers[i].BlockNumber < transfers[j].BlockNumber
		}
		return transfers[i].LogIndex < transfers[j].LogIndex
	})

	owned := make(map[string]bool)
	for _, r := range transfers {
		te, err := types.ParseTokenEvent(string(types.KindTransfer), r.Parameters, r.BlockNumber, r.LogIndex)
		if err != nil {
			logger.WithError(err).WithField("tx", r.TransactionHash).Warn("skipping malformed transfer")
			continue
		}
		switch address {
		case te.To:
			owned[te.TokenID] = true
		case te.From:
			owned[te.TokenID] = false
		}
	}

	ids := make([]string, 0, len(owned))
	for id, held := range owned {
		if held {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return types.CompareTokenIDs(ids[i], ids[j]) < 0 })
	return ids
}

func paginate(address string, ids []string, page, perPage int) *OwnedTokensPage {
	start := len(ids)
	if page-1 <= len(ids)/perPage {
		start = min((page-1)*perPage, len(ids))
	}
	end := min(start+perPage, len(ids))

	pageIDs := make([]string, end-start)
	copy(pageIDs, ids[start:end])

	return &OwnedTokensPage{
		Address:    address,
		TokenIDs:   pageIDs,
		Pagination: types.NewPagination(page, perPage, len(ids)),
	}
}
