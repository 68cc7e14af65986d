//go:build integration

package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onllm-dev/onwatch-history/internal/api"
	"github.com/onllm-dev/onwatch-history/internal/store"
	"github.com/onllm-dev/onwatch-history/internal/testutil"
)

// TestIntegration_FullCycle drives the mock usage endpoint, the client and a
// file-backed store through ten simulated days of five-minute polls with
// hourly maintenance, then checks every range is contiguous.
func TestIntegration_FullCycle(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := testutil.NewClock(start)

	ms := testutil.NewMockServer(t, testutil.WithToken("tok"))
	client := api.NewAnthropicClient("tok", testutil.DiscardLogger(),
		api.WithAnthropicBaseURL(ms.UsageURL()))

	db := testutil.TempStore(t,
		store.WithClock(clock.Now),
		store.WithPollInterval(5*time.Minute),
	)

	const days = 10
	windowReset := start.Add(5 * time.Hour)
	util := 0.0
	resets := 0

	for clock.Now().Before(start.Add(days * 24 * time.Hour)) {
		now := clock.Now()
		if !now.Before(windowReset) {
			windowReset = windowReset.Add(5 * time.Hour)
			util = 0
			resets++
		}
		util += 1.5
		ms.SetResponses(testutil.UsageResponseJSON(util, 20, windowReset, start.Add(7*24*time.Hour)))

		resp, err := client.FetchQuotas(context.Background())
		require.NoError(t, err)
		require.NoError(t, db.PersistSample(resp.ToSample(now), "pro"))

		if now.Minute() == 0 {
			_, err := db.RunMaintenance()
			require.NoError(t, err)
		}
		clock.Advance(5 * time.Minute)
	}
	_, err := db.RunMaintenance()
	require.NoError(t, err)

	events, err := db.GetResetEvents(nil, nil)
	require.NoError(t, err)
	assert.Len(t, events, resets)

	for _, r := range []store.TimeRange{store.RangeDay, store.RangeWeek, store.RangeMonth, store.RangeAll} {
		rows, err := db.GetResolvedRange(r)
		require.NoError(t, err, r)
		require.NotEmpty(t, rows, r)
		for i := 1; i < len(rows); i++ {
			assert.Equal(t, rows[i-1].PeriodEnd, rows[i].PeriodStart,
				"%s: gap or overlap between rows %d and %d", r, i-1, i)
		}
	}

	all, err := db.GetResolvedRange(store.RangeAll)
	require.NoError(t, err)
	total := 0
	for _, ru := range all {
		total += ru.ResetCount
	}
	assert.Equal(t, len(events), total)
}
