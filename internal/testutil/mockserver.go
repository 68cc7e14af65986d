package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
)

// UsagePath is the route the mock serves, matching Anthropic's.
const UsagePath = "/api/oauth/usage"

// MockServer imitates the Anthropic usage endpoint. Responses are served
// round-robin; errors can be injected at runtime. Safe for concurrent use.
type MockServer struct {
	*httptest.Server

	mu        sync.RWMutex
	token     string
	responses []string

	errCode    atomic.Int32 // 0 = no error
	retryAfter atomic.Int32
	idx        atomic.Int64
	count      atomic.Int64
}

// MockOption configures a MockServer.
type MockOption func(*MockServer)

// WithToken sets the expected bearer token. Empty accepts any request.
func WithToken(token string) MockOption {
	return func(ms *MockServer) {
		ms.token = token
	}
}

// WithResponses sets the response sequence.
func WithResponses(responses ...string) MockOption {
	return func(ms *MockServer) {
		ms.responses = responses
	}
}

// NewMockServer starts a mock usage server that is closed when the test ends.
func NewMockServer(t *testing.T, opts ...MockOption) *MockServer {
	t.Helper()

	ms := &MockServer{}
	for _, opt := range opts {
		opt(ms)
	}
	if len(ms.responses) == 0 {
		ms.responses = []string{DefaultUsageResponse()}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(UsagePath, ms.handleUsage)
	ms.Server = httptest.NewServer(mux)
	t.Cleanup(ms.Close)
	return ms
}

// UsageURL is the full URL of the usage route.
func (ms *MockServer) UsageURL() string {
	return ms.URL + UsagePath
}

func (ms *MockServer) handleUsage(w http.ResponseWriter, r *http.Request) {
	ms.count.Add(1)

	if code := ms.errCode.Load(); code > 0 {
		if ra := ms.retryAfter.Load(); ra > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(ra)))
		}
		w.WriteHeader(int(code))
		fmt.Fprintf(w, `{"error": "injected error %d"}`, code)
		return
	}

	ms.mu.RLock()
	token := ms.token
	responses := ms.responses
	ms.mu.RUnlock()

	if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": "unauthorized"}`)
		return
	}

	i := int(ms.idx.Add(1)-1) % len(responses)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, responses[i])
}

// SetResponses replaces the response sequence and restarts it.
func (ms *MockServer) SetResponses(responses ...string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.responses = responses
	ms.idx.Store(0)
}

// SetError makes subsequent requests fail with code. Zero clears it.
func (ms *MockServer) SetError(code int) {
	ms.errCode.Store(int32(code))
}

// SetRateLimited makes subsequent requests return 429 with Retry-After.
func (ms *MockServer) SetRateLimited(retryAfterSeconds int) {
	ms.retryAfter.Store(int32(retryAfterSeconds))
	ms.errCode.Store(http.StatusTooManyRequests)
}

// ClearErrors removes any injected error.
func (ms *MockServer) ClearErrors() {
	ms.errCode.Store(0)
	ms.retryAfter.Store(0)
}

// RequestCount returns how many requests reached the usage route.
func (ms *MockServer) RequestCount() int {
	return int(ms.count.Load())
}
