package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/market-sync/internal/circuitbreaker"
	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/retry"
	"github.com/market-sync/internal/types"
)

// SocialLookup resolves social content and identities. A nil result with a
// nil error means the lookup found nothing.
type SocialLookup interface {
	GetContentByHash(ctx context.Context, hash string) (*types.Content, error)
	GetIdentityByAddress(ctx context.Context, address string) (*types.Identity, error)
}

// SocialClient calls the social graph HTTP API
type SocialClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	retry      *retry.Config
}

// NewSocialClient creates a client for baseURL. All calls share one circuit breaker.
func NewSocialClient(baseURL, apiKey string) *SocialClient {
	return &SocialClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		breaker:    circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig("social")),
		retry:      retry.DefaultConfig(),
	}
}

// SetRetryConfig replaces the retry policy
func (c *SocialClient) SetRetryConfig(cfg *retry.Config) {
	c.retry = cfg
}

// Breaker exposes the circuit breaker for stats and tests
func (c *SocialClient) Breaker() *circuitbreaker.CircuitBreaker {
	return c.breaker
}

type castResponse struct {
	Cast *struct {
		Hash      string `json:"hash"`
		Text      string `json:"text"`
		Timestamp string `json:"timestamp"`
		Author    *user  `json:"author"`
		Embeds    []struct {
			URL string `json:"url"`
		} `json:"embeds"`
	} `json:"cast"`
}

type user struct {
	FID         int64  `json:"fid"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	PfpURL      string `json:"pfp_url"`
}

// GetContentByHash fetches the cast with the given hash
func (c *SocialClient) GetContentByHash(ctx context.Context, hash string) (*types.Content, error) {
	query := url.Values{}
	query.Set("identifier", hash)
	query.Set("type", "hash")

	var resp castResponse
	found, err := c.get(ctx, "GetContentByHash", "/v2/farcaster/cast", query, &resp)
	if err != nil || !found || resp.Cast == nil {
		return nil, err
	}

	content := &types.Content{
		Hash: resp.Cast.Hash,
		Text: resp.Cast.Text,
	}
	if resp.Cast.Author != nil {
		content.Author = resp.Cast.Author.identity("")
	}
	for _, e := range resp.Cast.Embeds {
		if e.URL != "" {
			content.Embeds = append(content.Embeds, e.URL)
		}
	}
	if ts, err := time.Parse(time.RFC3339, resp.Cast.Timestamp); err == nil {
		content.Timestamp = ts.UTC()
	}
	return content, nil
}

// GetIdentityByAddress fetches the first profile verified for address
func (c *SocialClient) GetIdentityByAddress(ctx context.Context, address string) (*types.Identity, error) {
	address = types.NormalizeAddress(address)
	query := url.Values{}
	query.Set("addresses", address)

	resp := map[string][]user{}
	found, err := c.get(ctx, "GetIdentityByAddress", "/v2/farcaster/user/bulk-by-address", query, &resp)
	if err != nil || !found {
		return nil, err
	}

	for key, users := range resp {
		if types.NormalizeAddress(key) == address && len(users) > 0 {
			return users[0].identity(address), nil
		}
	}
	return nil, nil
}

func (u *user) identity(address string) *types.Identity {
	return &types.Identity{
		Address:     address,
		FID:         u.FID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		PfpURL:      u.PfpURL,
	}
}

// get performs a GET through the circuit breaker. A 404 reports found=false.
func (c *SocialClient) get(ctx context.Context, op, path string, query url.Values, out interface{}) (bool, error) {
	found := false
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, c.retry, func(ctx context.Context, _ int) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
			if err != nil {
				return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
			}
			req.Header.Set("Accept", "application/json")
			req.Header.Set("X-Api-Key", c.apiKey)

			resp, err := c.httpClient.Do(req)
			if err != nil {
				if ctx.Err() != nil {
					return retry.Permanent(ctx.Err())
				}
				return apperrors.NewTransientError("social", err)
			}
			body, err := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if err != nil {
				return apperrors.NewTransientError("social", err)
			}

			switch {
			case resp.StatusCode == http.StatusNotFound:
				found = false
				return nil
			case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
				return apperrors.NewTransientError("social",
					fmt.Errorf("status=%d, body=%s", resp.StatusCode, truncateBody(body)))
			case resp.StatusCode != http.StatusOK:
				return retry.Permanent(NewAdapterError("social", op,
					fmt.Errorf("status=%d, body=%s", resp.StatusCode, truncateBody(body)), nil))
			}

			if err := json.Unmarshal(body, out); err != nil {
				return retry.Permanent(NewAdapterError("social", op,
					fmt.Errorf("%w: %v", ErrMalformedResponse, err), nil))
			}
			found = true
			return nil
		})
	})
	if err != nil {
		return false, err
	}
	return found, nil
}
