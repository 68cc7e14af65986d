package store

import (
	"fmt"
	"time"
)

// Sample is one raw poll of the usage API. Absent values are nil.
type Sample struct {
	ID               int64
	Timestamp        time.Time
	FiveHourUtil     *float64
	FiveHourResetsAt *time.Time
	SevenDayUtil     *float64
	SevenDayResetsAt *time.Time

	// Extra (pay-as-you-go) usage, present only when the account has it enabled.
	ExtraUsageUtil         *float64
	ExtraUsageUsedCredits  *float64
	ExtraUsageMonthlyLimit *float64
}

// ResetEvent records the moment a five-hour window was observed to start over.
type ResetEvent struct {
	ID           int64
	Timestamp    time.Time
	FiveHourPeak *float64
	SevenDayUtil *float64
	Tier         *string

	// Credit breakdown of the closed window. Not populated yet.
	UsedCredits        *float64
	ConstrainedCredits *float64
	UnusedCredits      *float64
}

// Resolution is the bucket width of a Rollup.
type Resolution string

const (
	ResolutionRaw     Resolution = "raw"
	ResolutionFiveMin Resolution = "fiveMin"
	ResolutionHourly  Resolution = "hourly"
	ResolutionDaily   Resolution = "daily"
)

// Width returns the bucket width for rollup resolutions and zero for raw.
func (r Resolution) Width() time.Duration {
	switch r {
	case ResolutionFiveMin:
		return 5 * time.Minute
	case ResolutionHourly:
		return time.Hour
	case ResolutionDaily:
		return 24 * time.Hour
	}
	return 0
}

// Rollup summarises one bucket [PeriodStart, PeriodEnd) at a single resolution.
type Rollup struct {
	ID          int64
	PeriodStart time.Time
	PeriodEnd   time.Time
	Resolution  Resolution

	FiveHourAvg  *float64
	FiveHourPeak *float64
	FiveHourMin  *float64
	SevenDayAvg  *float64
	SevenDayPeak *float64
	SevenDayMin  *float64

	ResetCount   int
	WasteCredits *float64

	ExtraUsageAvg     *float64
	ExtraUsagePeak    *float64
	ExtraUsageCredits *float64
}

// TimeRange selects how far back GetResolvedRange reaches.
type TimeRange string

const (
	RangeDay   TimeRange = "day"
	RangeWeek  TimeRange = "week"
	RangeMonth TimeRange = "month"
	RangeAll   TimeRange = "all"
)

// ParseTimeRange converts a user-supplied string into a TimeRange.
func ParseTimeRange(s string) (TimeRange, error) {
	switch r := TimeRange(s); r {
	case RangeDay, RangeWeek, RangeMonth, RangeAll:
		return r, nil
	case "24h":
		return RangeDay, nil
	case "7d":
		return RangeWeek, nil
	case "30d":
		return RangeMonth, nil
	}
	return "", fmt.Errorf("unknown time range %q", s)
}

// MaintenanceResult reports what a single RunMaintenance call changed.
type MaintenanceResult struct {
	FiveMinBuckets    int
	SamplesCollapsed  int64
	HourlyBuckets     int
	FiveMinCollapsed  int64
	DailyBuckets      int
	HourlyCollapsed   int64
	RollupsPruned     int64
	ResetEventsPruned int64
	SamplesPruned     int64
	RanAt             time.Time
}

// Empty reports whether the run neither wrote nor deleted anything.
func (r *MaintenanceResult) Empty() bool {
	return r.FiveMinBuckets == 0 && r.HourlyBuckets == 0 && r.DailyBuckets == 0 &&
		r.RollupsPruned == 0 && r.ResetEventsPruned == 0 && r.SamplesPruned == 0
}

func float64Ptr(v float64) *float64 { return &v }
