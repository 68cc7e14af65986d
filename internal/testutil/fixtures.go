// Package testutil provides shared test infrastructure for the history daemon.
package testutil

import (
	"encoding/json"
	"time"
)

type usageEntry struct {
	Utilization  *float64 `json:"utilization"`
	ResetsAt     *string  `json:"resets_at"`
	IsEnabled    *bool    `json:"is_enabled,omitempty"`
	MonthlyLimit *float64 `json:"monthly_limit,omitempty"`
	UsedCredits  *float64 `json:"used_credits,omitempty"`
}

// UsageResponseJSON returns a /api/oauth/usage body with the given five-hour
// and seven-day windows and extra usage disabled.
func UsageResponseJSON(fiveHour, sevenDay float64, fiveHourReset, sevenDayReset time.Time) string {
	resp := map[string]*usageEntry{
		"five_hour": {
			Utilization: &fiveHour,
			ResetsAt:    strPtr(fiveHourReset.UTC().Format(time.RFC3339Nano)),
		},
		"seven_day": {
			Utilization: &sevenDay,
			ResetsAt:    strPtr(sevenDayReset.UTC().Format(time.RFC3339Nano)),
		},
		"seven_day_opus": nil,
		"extra_usage": {
			Utilization: floatPtr(0),
			IsEnabled:   boolPtr(false),
		},
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

// UsageResponseWithExtraJSON is UsageResponseJSON with extra usage enabled.
func UsageResponseWithExtraJSON(fiveHour, sevenDay, extra, usedCredits, monthlyLimit float64, fiveHourReset, sevenDayReset time.Time) string {
	resp := map[string]*usageEntry{
		"five_hour": {
			Utilization: &fiveHour,
			ResetsAt:    strPtr(fiveHourReset.UTC().Format(time.RFC3339Nano)),
		},
		"seven_day": {
			Utilization: &sevenDay,
			ResetsAt:    strPtr(sevenDayReset.UTC().Format(time.RFC3339Nano)),
		},
		"extra_usage": {
			Utilization:  &extra,
			IsEnabled:    boolPtr(true),
			UsedCredits:  &usedCredits,
			MonthlyLimit: &monthlyLimit,
		},
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

// DefaultUsageResponse returns a typical response with moderate usage.
func DefaultUsageResponse() string {
	now := time.Now().UTC()
	return UsageResponseJSON(45.2, 12.8, now.Add(3*time.Hour), now.Add(5*24*time.Hour))
}

// UsageResponseWithReset returns two responses whose five-hour resets_at
// differ, as seen across a window rollover.
func UsageResponseWithReset() (before, after string) {
	now := time.Now().UTC()
	sevenDayReset := now.Add(5 * 24 * time.Hour)

	before = UsageResponseJSON(85.0, 30.0, now.Add(30*time.Minute), sevenDayReset)
	after = UsageResponseJSON(5.0, 30.5, now.Add(5*time.Hour), sevenDayReset)
	return before, after
}

// UsageResponseNullWindows returns a response where five_hour has no
// resets_at and seven_day is null.
func UsageResponseNullWindows(fiveHour float64) string {
	resp := map[string]*usageEntry{
		"five_hour":   {Utilization: &fiveHour},
		"seven_day":   nil,
		"extra_usage": nil,
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

func strPtr(s string) *string { return &s }

func floatPtr(f float64) *float64 { return &f }

func boolPtr(b bool) *bool { return &b }
