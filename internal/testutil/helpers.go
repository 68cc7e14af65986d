package testutil

import (
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/onllm-dev/onwatch-history/internal/config"
	"github.com/onllm-dev/onwatch-history/internal/store"
)

// DiscardLogger returns a logger that discards all output.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// BufferLogger returns a debug-level text logger writing to w.
func BufferLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// InMemoryStore creates an in-memory history store that is closed when the
// test completes.
func InMemoryStore(t *testing.T, opts ...store.Option) *store.Store {
	t.Helper()
	return openStore(t, ":memory:", opts)
}

// TempStore creates a file-backed history store in a temporary directory.
func TempStore(t *testing.T, opts ...store.Option) *store.Store {
	t.Helper()
	return openStore(t, filepath.Join(t.TempDir(), "history.db"), opts)
}

func openStore(t *testing.T, path string, opts []store.Option) *store.Store {
	t.Helper()
	opts = append([]store.Option{store.WithLogger(DiscardLogger())}, opts...)
	s, err := store.Open(path, opts...)
	if err != nil {
		t.Fatalf("open history store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Clock is a manually advanced clock for store.WithClock.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock returns a Clock set to t.
func NewClock(t time.Time) *Clock {
	return &Clock{t: t}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// TestConfig creates a Config suitable for testing against a mock usage
// server at usageURL.
func TestConfig(usageURL string) *config.Config {
	return &config.Config{
		AnthropicToken:      "anth_test_token",
		Tier:                "pro",
		UsageURL:            usageURL,
		PollInterval:        10 * time.Second,
		MaintenanceInterval: time.Minute,
		DBPath:              ":memory:",
		RetentionDays:       90,
		LogLevel:            "debug",
		DebugMode:           true,
	}
}
