package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onllm-dev/onwatch-history/internal/metrics"
	"github.com/onllm-dev/onwatch-history/internal/store"
	"github.com/onllm-dev/onwatch-history/internal/testutil"
)

func TestCommandArg(t *testing.T) {
	tests := []struct {
		args   []string
		want   string
		wantOK bool
	}{
		{[]string{"history", "week"}, "week", true},
		{[]string{"--db", "/tmp/x.db", "history"}, "day", true},
		{[]string{"history", "--db", "/tmp/x.db"}, "day", true},
		{[]string{"--debug"}, "", false},
	}
	for _, tt := range tests {
		got, ok := commandArg(tt.args, "history", "day")
		assert.Equal(t, tt.wantOK, ok, tt.args)
		assert.Equal(t, tt.want, got, tt.args)
	}
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("WARNING"))
	assert.Equal(t, slog.LevelError, parseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel(""))
}

func TestRedactAPIKey(t *testing.T) {
	assert.Equal(t, "(not set)", redactAPIKey(""))
	assert.Equal(t, "***", redactAPIKey("short"))
	assert.Equal(t, "sk-a***cdef", redactAPIKey("sk-ant-oat01-abcdef"))
}

func TestFormatPercent(t *testing.T) {
	v := 45.25
	assert.Equal(t, "45.2%", formatPercent(&v))
	assert.Equal(t, "-", formatPercent(nil))
}

func TestHealthz(t *testing.T) {
	t.Run("available", func(t *testing.T) {
		db := testutil.TempStore(t)
		mux := newMetricsMux(prometheus.NewRegistry(), db)

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var h healthStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
		assert.Equal(t, "ok", h.Status)
		assert.True(t, h.HistoryAvailable)
		assert.Positive(t, h.DatabaseBytes)
		assert.Empty(t, h.LastRollup)
	})

	t.Run("degraded", func(t *testing.T) {
		db := store.New(filepath.Join(t.TempDir(), "never-opened.db"))
		mux := newMetricsMux(prometheus.NewRegistry(), db)

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		var h healthStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
		assert.Equal(t, "degraded", h.Status)
		assert.False(t, h.HistoryAvailable)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.NewPrometheus(reg).SamplePersisted()
	mux := newMetricsMux(reg, testutil.InMemoryStore(t))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "onwatch_history_samples_total 1")
}

func TestRunHistory_PrintsResolvedRows(t *testing.T) {
	cfg := testutil.TestConfig("")
	cfg.DBPath = filepath.Join(t.TempDir(), "history.db")

	seed, err := store.Open(cfg.DBPath, store.WithLogger(testutil.DiscardLogger()))
	require.NoError(t, err)
	now := time.Now()
	for i, util := range []float64{45.2, 47.0} {
		require.NoError(t, seed.PersistSample(store.Sample{
			Timestamp:    now.Add(time.Duration(i-2) * time.Minute),
			FiveHourUtil: &util,
		}, ""))
	}
	require.NoError(t, seed.Close())

	var out bytes.Buffer
	require.NoError(t, runHistory(cfg, "week", &out))

	s := out.String()
	assert.Contains(t, s, "PERIOD START")
	assert.Contains(t, s, "raw")
	assert.Contains(t, s, "45.2%")
	assert.Contains(t, s, "47.0%")
	assert.Contains(t, s, "2 rows")
}

func TestRunHistory_RejectsUnknownRange(t *testing.T) {
	cfg := testutil.TestConfig("")
	err := runHistory(cfg, "fortnight", &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fortnight")
}

func TestRunMaintain(t *testing.T) {
	cfg := testutil.TestConfig("")
	cfg.DBPath = filepath.Join(t.TempDir(), "history.db")
	cfg.LogLevel = "error"

	var out bytes.Buffer
	require.NoError(t, runMaintain(cfg, &out))
	assert.Contains(t, out.String(), "Rollups written: 0 five-minute, 0 hourly, 0 daily")
	assert.Contains(t, out.String(), "Database size:")

	db, err := store.Open(cfg.DBPath, store.WithLogger(testutil.DiscardLogger()))
	require.NoError(t, err)
	defer db.Close()
	_, ok, err := db.LastRollupTime()
	require.NoError(t, err)
	assert.True(t, ok)
}

func gaugeOrCounter(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		var total float64
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				total += c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				total += g.GetValue()
			}
		}
		return total
	}
	return 0
}

func TestServe_PollsPersistsAndShutsDown(t *testing.T) {
	ms := testutil.NewMockServer(t, testutil.WithToken("anth_test_token"))
	cfg := testutil.TestConfig(ms.UsageURL())
	cfg.DBPath = filepath.Join(t.TempDir(), "history.db")
	reg := prometheus.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, testutil.DiscardLogger(), reg) }()

	require.Eventually(t, func() bool {
		return gaugeOrCounter(t, reg, "onwatch_history_samples_total") >= 1
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}

	db, err := store.Open(cfg.DBPath, store.WithLogger(testutil.DiscardLogger()))
	require.NoError(t, err)
	defer db.Close()

	last, err := db.GetLastSample()
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.InDelta(t, 45.2, *last.FiveHourUtil, 0.001)

	_, ok, err := db.LastRollupTime()
	require.NoError(t, err)
	assert.True(t, ok, "maintenance runs at startup")
}

func TestServe_UnavailableDatabaseKeepsPolling(t *testing.T) {
	ms := testutil.NewMockServer(t)
	cfg := testutil.TestConfig(ms.UsageURL())

	// A regular file where a directory is expected makes the path unopenable.
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0600))
	cfg.DBPath = filepath.Join(blocker, "history.db")

	var logs strings.Builder
	logger := testutil.BufferLogger(&logs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, logger, prometheus.NewRegistry()) }()

	require.Eventually(t, func() bool { return ms.RequestCount() >= 1 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Contains(t, logs.String(), "History database unavailable")
}
