package api

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/onllm-dev/onwatch-history/internal/store"
)

// Usage window keys in the response.
const (
	QuotaFiveHour   = "five_hour"
	QuotaSevenDay   = "seven_day"
	QuotaExtraUsage = "extra_usage"
)

// AnthropicQuotaEntry is one usage window. Null fields mean the window does
// not apply to the account.
type AnthropicQuotaEntry struct {
	Utilization  *float64 `json:"utilization"`
	ResetsAt     *string  `json:"resets_at"`
	IsEnabled    *bool    `json:"is_enabled"`
	MonthlyLimit *float64 `json:"monthly_limit,omitempty"`
	UsedCredits  *float64 `json:"used_credits,omitempty"`
}

// AnthropicQuotaResponse is the usage endpoint body, keyed by window name
// (five_hour, seven_day, seven_day_opus, extra_usage, ...).
type AnthropicQuotaResponse map[string]*AnthropicQuotaEntry

// active returns the entry for name, or nil when it is missing, has no
// utilization or is disabled.
func (r AnthropicQuotaResponse) active(name string) *AnthropicQuotaEntry {
	entry := r[name]
	if entry == nil || entry.Utilization == nil {
		return nil
	}
	if entry.IsEnabled != nil && !*entry.IsEnabled {
		return nil
	}
	return entry
}

// ActiveQuotaNames returns the sorted names of active windows.
func (r AnthropicQuotaResponse) ActiveQuotaNames() []string {
	var names []string
	for key := range r {
		if r.active(key) != nil {
			names = append(names, key)
		}
	}
	sort.Strings(names)
	return names
}

// ToSample maps the windows the history store tracks onto a Sample taken at
// capturedAt. Inactive windows become absent fields.
func (r AnthropicQuotaResponse) ToSample(capturedAt time.Time) store.Sample {
	sample := store.Sample{Timestamp: capturedAt.UTC()}

	if e := r.active(QuotaFiveHour); e != nil {
		sample.FiveHourUtil = copyFloat(e.Utilization)
		sample.FiveHourResetsAt = parseResetsAt(e.ResetsAt)
	}
	if e := r.active(QuotaSevenDay); e != nil {
		sample.SevenDayUtil = copyFloat(e.Utilization)
		sample.SevenDayResetsAt = parseResetsAt(e.ResetsAt)
	}
	if e := r.active(QuotaExtraUsage); e != nil {
		sample.ExtraUsageUtil = copyFloat(e.Utilization)
		sample.ExtraUsageUsedCredits = copyFloat(e.UsedCredits)
		sample.ExtraUsageMonthlyLimit = copyFloat(e.MonthlyLimit)
	}
	return sample
}

// parseResetsAt accepts RFC 3339 with or without fractional seconds.
func parseResetsAt(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// ParseAnthropicResponse parses raw JSON bytes into an AnthropicQuotaResponse.
func ParseAnthropicResponse(data []byte) (*AnthropicQuotaResponse, error) {
	var resp AnthropicQuotaResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
