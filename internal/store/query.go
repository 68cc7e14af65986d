package store

import (
	"fmt"
	"slices"
	"sort"
	"time"
)

// span returns how far back r reaches, or 0 for RangeAll.
func (r TimeRange) span() time.Duration {
	switch r {
	case RangeDay:
		return rawHorizon
	case RangeWeek:
		return fiveMinHorizon
	case RangeMonth:
		return hourlyHorizon
	}
	return 0
}

// tiers lists the rollup resolutions r needs besides raw samples.
func (r TimeRange) tiers() []Resolution {
	switch r {
	case RangeDay:
		return nil
	case RangeWeek:
		return []Resolution{ResolutionFiveMin}
	case RangeMonth:
		return []Resolution{ResolutionFiveMin, ResolutionHourly}
	}
	return []Resolution{ResolutionFiveMin, ResolutionHourly, ResolutionDaily}
}

// GetResolvedRange returns the history covering r as rollups, oldest first.
// Recent data comes from raw samples reshaped into rollups of one poll
// interval; older data comes from progressively coarser tiers.
//
// Every tier is read from the start of the range. Collapsing deletes its
// source rows, so at any instant the tiers cover disjoint periods and their
// union has no holes at the seams between them.
func (s *Store) GetResolvedRange(r TimeRange) ([]Rollup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.available {
		return nil, nil
	}
	switch r {
	case RangeDay, RangeWeek, RangeMonth, RangeAll:
	default:
		return nil, fmt.Errorf("unknown time range %q", r)
	}

	nowMs := toMillis(s.now())
	var fromMs int64
	if span := r.span(); span > 0 {
		fromMs = nowMs - span.Milliseconds()
	}

	out, err := s.pseudoRollups(fromMs, nowMs)
	if err != nil {
		return nil, queryFailed("GetResolvedRange", err)
	}

	for _, res := range r.tiers() {
		tier, err := rollupsBetween(s.db, res, fromMs, nowMs)
		if err != nil {
			return nil, queryFailed("GetResolvedRange", err)
		}
		out = append(out, tier...)
	}

	slices.SortStableFunc(out, func(a, b Rollup) int {
		return a.PeriodStart.Compare(b.PeriodStart)
	})
	return out, nil
}

// pseudoRollups reshapes the raw samples in [fromMs, nowMs] into rollups of
// one poll interval. Caller holds s.mu.
func (s *Store) pseudoRollups(fromMs, nowMs int64) ([]Rollup, error) {
	rows, err := s.db.Query(
		`SELECT `+sampleColumns+` FROM samples WHERE timestamp >= ? AND timestamp <= ? ORDER BY timestamp ASC, id ASC`,
		fromMs, nowMs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	samples, err := collectSamples(rows)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, nil
	}

	width := s.pollInterval.Milliseconds()
	events, err := resetEventsBetween(s.db, fromMs, nowMs+width)
	if err != nil {
		return nil, err
	}
	return samplesToRollups(samples, events, s.pollInterval), nil
}

// samplesToRollups gives each sample the period [ts, ts+width) with
// avg = peak = min = the sampled value. events must be sorted by time.
func samplesToRollups(samples []Sample, events []ResetEvent, width time.Duration) []Rollup {
	out := make([]Rollup, 0, len(samples))
	for _, smp := range samples {
		start := smp.Timestamp
		end := start.Add(width)

		lo := sort.Search(len(events), func(i int) bool { return !events[i].Timestamp.Before(start) })
		hi := sort.Search(len(events), func(i int) bool { return !events[i].Timestamp.Before(end) })

		out = append(out, Rollup{
			ID:                smp.ID,
			PeriodStart:       start,
			PeriodEnd:         end,
			Resolution:        ResolutionRaw,
			FiveHourAvg:       smp.FiveHourUtil,
			FiveHourPeak:      smp.FiveHourUtil,
			FiveHourMin:       smp.FiveHourUtil,
			SevenDayAvg:       smp.SevenDayUtil,
			SevenDayPeak:      smp.SevenDayUtil,
			SevenDayMin:       smp.SevenDayUtil,
			ResetCount:        hi - lo,
			ExtraUsageAvg:     smp.ExtraUsageUtil,
			ExtraUsagePeak:    smp.ExtraUsageUtil,
			ExtraUsageCredits: smp.ExtraUsageUsedCredits,
		})
	}
	return out
}
