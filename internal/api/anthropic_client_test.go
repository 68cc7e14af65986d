package api_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onllm-dev/onwatch-history/internal/api"
	"github.com/onllm-dev/onwatch-history/internal/testutil"
)

func TestAnthropicClient_FetchQuotas_Success(t *testing.T) {
	ms := testutil.NewMockServer(t, testutil.WithToken("test_token"))

	client := api.NewAnthropicClient("test_token", testutil.DiscardLogger(),
		api.WithAnthropicBaseURL(ms.UsageURL()),
	)

	resp, err := client.FetchQuotas(context.Background())
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.Equal(t, []string{"five_hour", "seven_day"}, resp.ActiveQuotaNames())
	entry := (*resp)["five_hour"]
	require.NotNil(t, entry)
	require.NotNil(t, entry.Utilization)
	assert.InDelta(t, 45.2, *entry.Utilization, 0.001)
	assert.Equal(t, 1, ms.RequestCount())
}

func TestAnthropicClient_FetchQuotas_Headers(t *testing.T) {
	var gotAuth, gotBeta, gotUserAgent atomic.Value

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		gotBeta.Store(r.Header.Get("anthropic-beta"))
		gotUserAgent.Store(r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, testutil.DefaultUsageResponse())
	}))
	defer server.Close()

	client := api.NewAnthropicClient("my_secret_token", testutil.DiscardLogger(),
		api.WithAnthropicBaseURL(server.URL),
		api.WithAnthropicUserAgent("history-test/0.1"),
	)

	_, err := client.FetchQuotas(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "Bearer my_secret_token", gotAuth.Load())
	assert.Equal(t, "oauth-2025-04-20", gotBeta.Load())
	assert.Equal(t, "history-test/0.1", gotUserAgent.Load())
}

func TestAnthropicClient_FetchQuotas_StatusErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, api.ErrAnthropicUnauthorized},
		{"forbidden", http.StatusForbidden, api.ErrAnthropicUnauthorized},
		{"rate limited", http.StatusTooManyRequests, api.ErrAnthropicRateLimited},
		{"server error", http.StatusInternalServerError, api.ErrAnthropicServerError},
		{"bad gateway", http.StatusBadGateway, api.ErrAnthropicServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := testutil.NewMockServer(t)
			ms.SetError(tt.status)

			client := api.NewAnthropicClient("tok", testutil.DiscardLogger(),
				api.WithAnthropicBaseURL(ms.UsageURL()),
			)
			_, err := client.FetchQuotas(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAnthropicClient_FetchQuotas_UnexpectedStatus(t *testing.T) {
	ms := testutil.NewMockServer(t)
	ms.SetError(http.StatusTeapot)

	client := api.NewAnthropicClient("tok", testutil.DiscardLogger(),
		api.WithAnthropicBaseURL(ms.UsageURL()),
	)
	_, err := client.FetchQuotas(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "418")
}

func TestAnthropicClient_FetchQuotas_RetryAfter(t *testing.T) {
	ms := testutil.NewMockServer(t)
	ms.SetRateLimited(120)

	client := api.NewAnthropicClient("tok", testutil.DiscardLogger(),
		api.WithAnthropicBaseURL(ms.UsageURL()),
	)
	_, err := client.FetchQuotas(context.Background())

	var rl *api.RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 2*time.Minute, rl.RetryAfter)
	assert.Contains(t, err.Error(), "retry after 2m0s")
}

func TestAnthropicClient_FetchQuotas_InvalidBodies(t *testing.T) {
	for name, body := range map[string]string{
		"empty":      "",
		"malformed":  `{"five_hour": `,
		"wrong type": `["five_hour"]`,
	} {
		t.Run(name, func(t *testing.T) {
			ms := testutil.NewMockServer(t, testutil.WithResponses(body))
			client := api.NewAnthropicClient("tok", testutil.DiscardLogger(),
				api.WithAnthropicBaseURL(ms.UsageURL()),
			)
			_, err := client.FetchQuotas(context.Background())
			assert.ErrorIs(t, err, api.ErrAnthropicInvalidResponse)
		})
	}
}

func TestAnthropicClient_FetchQuotas_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := api.NewAnthropicClient("tok", testutil.DiscardLogger(),
		api.WithAnthropicBaseURL(url),
		api.WithAnthropicTimeout(2*time.Second),
	)
	_, err := client.FetchQuotas(context.Background())
	assert.ErrorIs(t, err, api.ErrAnthropicNetworkError)
}

func TestAnthropicClient_FetchQuotas_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := api.NewAnthropicClient("tok", testutil.DiscardLogger(),
		api.WithAnthropicBaseURL(server.URL),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.FetchQuotas(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAnthropicClient_DoesNotLogToken(t *testing.T) {
	var buf strings.Builder
	logger := testutil.BufferLogger(&buf)

	ms := testutil.NewMockServer(t)
	client := api.NewAnthropicClient("sk-ant-REDACTED", logger,
		api.WithAnthropicBaseURL(ms.UsageURL()),
	)
	_, err := client.FetchQuotas(context.Background())
	require.NoError(t, err)

	assert.NotContains(t, buf.String(), "verysecretvalue")
	assert.Contains(t, buf.String(), "sk-a***...***lue")
}
