package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/retry"
)

// AnalyticsHTTPClient calls a hosted analytical query service
type AnalyticsHTTPClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	retry      *retry.Config
}

// NewAnalyticsHTTPClient creates a client for baseURL authenticated with apiKey
func NewAnalyticsHTTPClient(baseURL, apiKey string) *AnalyticsHTTPClient {
	return &AnalyticsHTTPClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		retry:      retry.DefaultConfig(),
	}
}

// SetRetryConfig replaces the retry policy
func (c *AnalyticsHTTPClient) SetRetryConfig(cfg *retry.Config) {
	c.retry = cfg
}

type analyticsRequest struct {
	SQL string `json:"sql"`
}

// Execute posts sql to the query endpoint. 5xx responses and network errors
// are retried; other failures return immediately.
func (c *AnalyticsHTTPClient) Execute(ctx context.Context, sql string) (*AnalyticsResult, error) {
	payload, err := json.Marshal(analyticsRequest{SQL: sql})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	logger := logging.FromContext(ctx).WithField("component", "analytics")
	var result *AnalyticsResult

	err = retry.Do(ctx, c.retry, func(ctx context.Context, attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/query", bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Api-Key", c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return retry.Permanent(ctx.Err())
			}
			return apperrors.NewTransientError("analytics", err)
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return apperrors.NewTransientError("analytics", err)
		}

		if resp.StatusCode >= http.StatusInternalServerError {
			return apperrors.NewTransientError("analytics",
				fmt.Errorf("status=%d, body=%s", resp.StatusCode, truncateBody(body)))
		}
		if resp.StatusCode != http.StatusOK {
			return retry.Permanent(NewAdapterError("analytics", "Execute",
				fmt.Errorf("status=%d, body=%s", resp.StatusCode, truncateBody(body)), nil))
		}

		result, err = decodeResult(body)
		if err != nil {
			return retry.Permanent(NewAdapterError("analytics", "Execute", err, nil))
		}

		logger.WithFields(map[string]interface{}{
			"rows":    len(result.Rows),
			"attempt": attempt,
		}).Debug("analytics query executed")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func truncateBody(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
