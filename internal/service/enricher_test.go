package service

import (
	"errors"
	"testing"

	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnricher_Identity(t *testing.T) {
	cache, _ := newTestCache(t)
	social := &fakeSocial{identities: map[string]*types.Identity{alice: {Username: "alice"}}}
	e := NewEnricher(social, nil, cache, EnricherConfig{})

	t.Run("found is cached", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			res := e.Identity(testContext(t), "0x00000000000000000000000000000000000000AA")
			require.True(t, res.Found())
			assert.Equal(t, alice, res.Value.Address)
			assert.Equal(t, "alice", res.Value.Username)
		}
		assert.Equal(t, 1, social.identityCalls)
	})

	t.Run("missing is not cached", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			res := e.Identity(testContext(t), bob)
			assert.Equal(t, EnrichmentMissing, res.Status)
			assert.NoError(t, res.Err)
		}
		assert.Equal(t, 3, social.identityCalls)
	})

	t.Run("failure degrades to wallet", func(t *testing.T) {
		social.err = errors.New("circuit breaker is open")
		defer func() { social.err = nil }()

		res := e.Identity(testContext(t), carol)
		assert.Equal(t, EnrichmentFailed, res.Status)
		assert.True(t, apperrors.Is(res.Err, apperrors.CategoryEnrichment))
		assert.Contains(t, res.Reason(), "failed")

		assert.Equal(t, types.Identity{Address: carol}, e.IdentityOrWallet(testContext(t), carol))
	})
}

func TestEnricher_NilSocialIsMissing(t *testing.T) {
	e := NewEnricher(nil, nil, nil, EnricherConfig{})
	assert.Equal(t, EnrichmentMissing, e.Identity(testContext(t), alice).Status)
	assert.Equal(t, EnrichmentMissing, e.Content(testContext(t), "0x01").Status)
	assert.Equal(t, EnrichmentMissing, e.ContentForToken(testContext(t), "1", "").Status)
}

func TestEnricher_ContentForToken(t *testing.T) {
	cache, _ := newTestCache(t)
	social := &fakeSocial{contents: map[string]*types.Content{"0xabcd": {Hash: "0xabcd", Text: "hello"}}}
	chain := &fakeChain{views: map[string][]interface{}{
		"tokenHash(1)": {"0xABCD"},
		"tokenHash(2)": {"0x0000000000000000000000000000000000000000000000000000000000000000"},
	}}
	e := NewEnricher(social, chain, cache, EnricherConfig{Collectible: collectible})

	t.Run("hint skips the chain", func(t *testing.T) {
		res := e.ContentForToken(testContext(t), "1", "0xabcd")
		require.True(t, res.Found())
		assert.Equal(t, 0, chain.viewCalls)
	})

	t.Run("hash read from chain and cached", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			res := e.ContentForToken(testContext(t), "1", "")
			require.True(t, res.Found())
			assert.Equal(t, "hello", res.Value.Text)
		}
		assert.Equal(t, 1, chain.viewCalls)
	})

	t.Run("zero hash is missing", func(t *testing.T) {
		res := e.ContentForToken(testContext(t), "2", "")
		assert.Equal(t, EnrichmentMissing, res.Status)
	})

	t.Run("reverted view is a failure", func(t *testing.T) {
		res := e.ContentForToken(testContext(t), "3", "")
		assert.Equal(t, EnrichmentFailed, res.Status)
		assert.Error(t, res.Err)
	})

	t.Run("bad token id is a failure", func(t *testing.T) {
		res := e.ContentForToken(testContext(t), "x", "")
		assert.Equal(t, EnrichmentFailed, res.Status)
	})
}

func TestCastHash(t *testing.T) {
	tests := map[string]string{
		"":    "",
		"0x0": "",
		"0x0000000000000000000000000000000000000000000000000000000000000000": "",
		"0xAB": "0xab",
		"0x1234567890123456789012345678901234567890000000000000000000000000": "0x1234567890123456789012345678901234567890",
		"0x1234567890123456789012345678901234567890000000000000000000000001": "0x1234567890123456789012345678901234567890000000000000000000000001",
	}
	for in, want := range tests {
		assert.Equal(t, want, castHash(in), in)
	}
}
