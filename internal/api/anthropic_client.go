// Package api fetches Anthropic OAuth usage and converts it into history samples.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// DefaultUsageURL is Anthropic's OAuth usage endpoint.
const DefaultUsageURL = "https://api.anthropic.com/api/oauth/usage"

// maxUsageBody caps how much of a usage response is read.
const maxUsageBody = 1 << 20

// Custom errors for Anthropic API failures.
var (
	ErrAnthropicUnauthorized    = errors.New("anthropic: unauthorized - invalid or expired token")
	ErrAnthropicRateLimited     = errors.New("anthropic: rate limited")
	ErrAnthropicServerError     = errors.New("anthropic: server error")
	ErrAnthropicNetworkError    = errors.New("anthropic: network error")
	ErrAnthropicInvalidResponse = errors.New("anthropic: invalid response")
)

// RateLimitError carries the server's Retry-After hint. It matches
// ErrAnthropicRateLimited with errors.Is.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%v (retry after %s)", ErrAnthropicRateLimited, e.RetryAfter)
	}
	return ErrAnthropicRateLimited.Error()
}

func (e *RateLimitError) Is(target error) bool { return target == ErrAnthropicRateLimited }

// AnthropicClient polls the usage endpoint with an OAuth bearer token.
type AnthropicClient struct {
	httpClient *http.Client
	token      string
	baseURL    string
	userAgent  string
	logger     *slog.Logger
}

// AnthropicOption configures an AnthropicClient.
type AnthropicOption func(*AnthropicClient)

// WithAnthropicBaseURL sets a custom usage URL (for testing).
func WithAnthropicBaseURL(url string) AnthropicOption {
	return func(c *AnthropicClient) {
		c.baseURL = url
	}
}

// WithAnthropicTimeout sets the overall request timeout.
func WithAnthropicTimeout(timeout time.Duration) AnthropicOption {
	return func(c *AnthropicClient) {
		c.httpClient.Timeout = timeout
	}
}

// WithAnthropicUserAgent overrides the User-Agent header.
func WithAnthropicUserAgent(ua string) AnthropicOption {
	return func(c *AnthropicClient) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// NewAnthropicClient creates a usage client. A nil logger uses slog.Default().
func NewAnthropicClient(token string, logger *slog.Logger, opts ...AnthropicOption) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	client := &AnthropicClient{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       30 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ForceAttemptHTTP2:     true,
			},
		},
		token:     token,
		baseURL:   DefaultUsageURL,
		userAgent: "onwatch-history/1.0",
		logger:    logger,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// FetchQuotas retrieves the current usage windows.
func (c *AnthropicClient) FetchQuotas(ctx context.Context) (*AnthropicQuotaResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("anthropic: creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("anthropic-beta", "oauth-2025-04-20")
	req.Header.Set("User-Agent", c.userAgent)

	c.logger.Debug("Fetching Anthropic usage",
		"url", c.baseURL,
		"token", redactAnthropicToken(c.token),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrAnthropicNetworkError, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("Anthropic usage response received", "status", resp.StatusCode)

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, ErrAnthropicUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrAnthropicServerError, resp.StatusCode)
	default:
		return nil, fmt.Errorf("anthropic: unexpected status code %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUsageBody))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrAnthropicInvalidResponse, err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty response body", ErrAnthropicInvalidResponse)
	}

	var usage AnthropicQuotaResponse
	if err := json.Unmarshal(body, &usage); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAnthropicInvalidResponse, err)
	}

	c.logger.Debug("Anthropic usage fetched", "active_quotas", usage.ActiveQuotaNames())
	return &usage, nil
}

// parseRetryAfter understands the delay-seconds form only.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// redactAnthropicToken masks the token for logging.
func redactAnthropicToken(key string) string {
	if key == "" {
		return "(empty)"
	}
	if len(key) < 8 {
		return "***...***"
	}
	return key[:4] + "***...***" + key[len(key)-3:]
}
