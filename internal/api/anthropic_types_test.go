package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var capturedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestToSample_FullResponse(t *testing.T) {
	raw := `{
		"five_hour": {"utilization": 42.5, "resets_at": "2026-03-01T15:00:00.123456+00:00"},
		"seven_day": {"utilization": 18, "resets_at": "2026-03-05T09:00:00Z"},
		"seven_day_opus": null,
		"extra_usage": {"is_enabled": true, "utilization": 12.5, "used_credits": 250, "monthly_limit": 2000}
	}`
	resp, err := ParseAnthropicResponse([]byte(raw))
	require.NoError(t, err)

	s := resp.ToSample(capturedAt)
	assert.Equal(t, capturedAt, s.Timestamp)

	require.NotNil(t, s.FiveHourUtil)
	assert.Equal(t, 42.5, *s.FiveHourUtil)
	require.NotNil(t, s.FiveHourResetsAt)
	assert.Equal(t, time.Date(2026, 3, 1, 15, 0, 0, 123456000, time.UTC), *s.FiveHourResetsAt)

	require.NotNil(t, s.SevenDayUtil)
	assert.Equal(t, 18.0, *s.SevenDayUtil)
	require.NotNil(t, s.SevenDayResetsAt)
	assert.Equal(t, time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC), *s.SevenDayResetsAt)

	require.NotNil(t, s.ExtraUsageUtil)
	assert.Equal(t, 12.5, *s.ExtraUsageUtil)
	require.NotNil(t, s.ExtraUsageUsedCredits)
	assert.Equal(t, 250.0, *s.ExtraUsageUsedCredits)
	require.NotNil(t, s.ExtraUsageMonthlyLimit)
	assert.Equal(t, 2000.0, *s.ExtraUsageMonthlyLimit)
}

func TestToSample_NullAndDisabledWindows(t *testing.T) {
	raw := `{
		"five_hour": {"utilization": 7, "resets_at": null},
		"seven_day": null,
		"extra_usage": {"is_enabled": false, "utilization": 0}
	}`
	resp, err := ParseAnthropicResponse([]byte(raw))
	require.NoError(t, err)

	s := resp.ToSample(capturedAt)
	require.NotNil(t, s.FiveHourUtil)
	assert.Equal(t, 7.0, *s.FiveHourUtil)
	assert.Nil(t, s.FiveHourResetsAt)
	assert.Nil(t, s.SevenDayUtil)
	assert.Nil(t, s.SevenDayResetsAt)
	assert.Nil(t, s.ExtraUsageUtil)
	assert.Nil(t, s.ExtraUsageUsedCredits)

	assert.Equal(t, []string{"five_hour"}, resp.ActiveQuotaNames())
}

func TestToSample_BadResetsAtIsAbsent(t *testing.T) {
	resp := AnthropicQuotaResponse{
		QuotaFiveHour: {Utilization: ptr(50.0), ResetsAt: ptr("tomorrow")},
	}
	s := resp.ToSample(capturedAt)
	require.NotNil(t, s.FiveHourUtil)
	assert.Nil(t, s.FiveHourResetsAt)
}

func TestToSample_DoesNotAliasResponse(t *testing.T) {
	util := 30.0
	resp := AnthropicQuotaResponse{QuotaFiveHour: {Utilization: &util}}
	s := resp.ToSample(capturedAt)
	util = 99
	assert.Equal(t, 30.0, *s.FiveHourUtil)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 30*time.Second, parseRetryAfter("30"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("-5"))
	assert.Zero(t, parseRetryAfter("Wed, 21 Oct 2015 07:28:00 GMT"))
}

func TestRateLimitError_Is(t *testing.T) {
	err := error(&RateLimitError{})
	assert.ErrorIs(t, err, ErrAnthropicRateLimited)
	assert.NotErrorIs(t, err, ErrAnthropicServerError)
	assert.Equal(t, ErrAnthropicRateLimited.Error(), err.Error())
}

func TestRedactAnthropicToken(t *testing.T) {
	assert.Equal(t, "(empty)", redactAnthropicToken(""))
	assert.Equal(t, "***...***", redactAnthropicToken("abc"))
	assert.Equal(t, "sk-a***...***xyz", redactAnthropicToken("sk-ant-secret-xyz"))
}

func ptr[T any](v T) *T { return &v }
