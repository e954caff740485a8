package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/market-sync/internal/adapter"
	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/storage"
	"github.com/market-sync/internal/types"
)

// EnrichmentStatus is the outcome of a best-effort lookup
type EnrichmentStatus string

const (
	// EnrichmentFound means Value is set
	EnrichmentFound EnrichmentStatus = "found"
	// EnrichmentMissing means the collaborator has nothing for the key
	EnrichmentMissing EnrichmentStatus = "missing"
	// EnrichmentFailed means the lookup itself errored; Err is set
	EnrichmentFailed EnrichmentStatus = "failed"
)

// Enrichment is the result of a lookup that never aborts the caller
type Enrichment[T any] struct {
	Value  T
	Status EnrichmentStatus
	Err    error
}

// Found reports whether the lookup produced a value
func (e Enrichment[T]) Found() bool { return e.Status == EnrichmentFound }

// Reason describes a non-found result for logs
func (e Enrichment[T]) Reason() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Status, e.Err)
	}
	return string(e.Status)
}

var errNothingFound = errors.New("nothing found")

// EnricherConfig holds the contract views and TTLs used by the enricher
type EnricherConfig struct {
	Collectible          string
	TokenContentHashView string
	IdentityTTL          time.Duration
	ContentTTL           time.Duration
}

// Enricher resolves identities and social content for the reconstructors.
// Found results are cached; missing and failed results are not.
type Enricher struct {
	social adapter.SocialLookup
	chain  adapter.ChainClient
	cache  *storage.TTLCache
	cfg    EnricherConfig
}

// NewEnricher creates an enricher. A nil social lookup reports every lookup as missing.
func NewEnricher(social adapter.SocialLookup, chain adapter.ChainClient, cache *storage.TTLCache, cfg EnricherConfig) *Enricher {
	if cfg.IdentityTTL <= 0 {
		cfg.IdentityTTL = 2 * time.Hour
	}
	if cfg.ContentTTL <= 0 {
		cfg.ContentTTL = 24 * time.Hour
	}
	if cfg.TokenContentHashView == "" {
		cfg.TokenContentHashView = "tokenHash"
	}
	return &Enricher{social: social, chain: chain, cache: cache, cfg: cfg}
}

// Identity resolves the social profile of address
func (e *Enricher) Identity(ctx context.Context, address string) Enrichment[*types.Identity] {
	address = types.NormalizeAddress(address)
	if e.social == nil {
		return Enrichment[*types.Identity]{Status: EnrichmentMissing}
	}

	identity, err := storage.GetOrSet(ctx, e.cache, storage.CacheKey("identity", address), e.cfg.IdentityTTL,
		func(ctx context.Context) (*types.Identity, error) {
			id, err := e.social.GetIdentityByAddress(ctx, address)
			if err != nil {
				return nil, err
			}
			if id == nil {
				return nil, errNothingFound
			}
			id.Address = address
			return id, nil
		})
	return classify(identity, err, "identity")
}

// IdentityOrWallet resolves address, degrading to a wallet-only identity
func (e *Enricher) IdentityOrWallet(ctx context.Context, address string) types.Identity {
	res := e.Identity(ctx, address)
	if res.Found() {
		return *res.Value
	}
	if res.Status == EnrichmentFailed {
		logging.FromContext(ctx).WithError(res.Err).WithField("address", address).
			Debug("identity lookup failed, using wallet-only record")
	}
	return types.Identity{Address: types.NormalizeAddress(address)}
}

// Content resolves the social content with the given hash
func (e *Enricher) Content(ctx context.Context, hash string) Enrichment[*types.Content] {
	hash = strings.ToLower(strings.TrimSpace(hash))
	if e.social == nil || hash == "" {
		return Enrichment[*types.Content]{Status: EnrichmentMissing}
	}

	content, err := storage.GetOrSet(ctx, e.cache, storage.CacheKey("content", hash), e.cfg.ContentTTL,
		func(ctx context.Context) (*types.Content, error) {
			c, err := e.social.GetContentByHash(ctx, hash)
			if err != nil {
				return nil, err
			}
			if c == nil {
				return nil, errNothingFound
			}
			return c, nil
		})
	return classify(content, err, "content")
}

// ContentForToken resolves the content a collectible token represents.
// hashHint is used when the event already carried the content hash;
// otherwise the hash is read from the collectible contract.
func (e *Enricher) ContentForToken(ctx context.Context, tokenID, hashHint string) Enrichment[*types.Content] {
	hash := castHash(hashHint)
	if hash == "" {
		res := e.tokenContentHash(ctx, tokenID)
		if !res.Found() {
			return Enrichment[*types.Content]{Status: res.Status, Err: res.Err}
		}
		hash = res.Value
	}
	return e.Content(ctx, hash)
}

func (e *Enricher) tokenContentHash(ctx context.Context, tokenID string) Enrichment[string] {
	if e.chain == nil || e.cfg.Collectible == "" {
		return Enrichment[string]{Status: EnrichmentMissing}
	}

	key := storage.CacheKey("tokenhash", e.cfg.Collectible, tokenID)
	hash, err := storage.GetOrSet(ctx, e.cache, key, e.cfg.ContentTTL, func(ctx context.Context) (string, error) {
		id, ok := new(big.Int).SetString(tokenID, 10)
		if !ok {
			return "", apperrors.NewMalformedEventError("tokenId", tokenID)
		}
		out, err := e.chain.CallView(ctx, e.cfg.Collectible, adapter.CollectibleABIName, e.cfg.TokenContentHashView, id)
		if err != nil {
			return "", err
		}
		if len(out) == 0 {
			return "", errNothingFound
		}
		h := castHash(fmt.Sprint(out[0]))
		if h == "" {
			return "", errNothingFound
		}
		return h, nil
	})

	var res Enrichment[string]
	switch {
	case err == nil:
		res = Enrichment[string]{Value: hash, Status: EnrichmentFound}
	case errors.Is(err, errNothingFound):
		res = Enrichment[string]{Status: EnrichmentMissing}
	default:
		res = Enrichment[string]{Status: EnrichmentFailed, Err: apperrors.NewEnrichmentError("token content hash", err)}
	}
	return res
}

func classify[T any](value T, err error, lookup string) Enrichment[T] {
	switch {
	case err == nil:
		return Enrichment[T]{Value: value, Status: EnrichmentFound}
	case errors.Is(err, errNothingFound):
		return Enrichment[T]{Status: EnrichmentMissing}
	default:
		return Enrichment[T]{Status: EnrichmentFailed, Err: apperrors.NewEnrichmentError(lookup, err)}
	}
}

// castHash normalizes a content hash. A bytes32 word holding a 20-byte hash
// is right padded, so the padding is cut; an all-zero word means no hash.
func castHash(raw string) string {
	h := strings.ToLower(strings.TrimSpace(raw))
	if h == "" || strings.Trim(strings.TrimPrefix(h, "0x"), "0") == "" {
		return ""
	}
	if len(h) == 66 && strings.HasPrefix(h, "0x") && strings.Trim(h[42:], "0") == "" {
		return h[:42]
	}
	return h
}
