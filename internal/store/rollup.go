package store

import (
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Tier horizons. Raw samples are kept for rawHorizon, 5-minute rollups until
// fiveMinHorizon, hourly rollups until hourlyHorizon; daily rollups live until
// pruned. GetResolvedRange uses the same boundaries.
const (
	rawHorizon     = 24 * time.Hour
	fiveMinHorizon = 7 * 24 * time.Hour
	hourlyHorizon  = 30 * 24 * time.Hour
)

// stat accumulates avg/peak/min over the present values of one field.
type stat struct {
	sum  float64
	n    int
	peak float64
	min  float64
	// pn and mn count contributions to peak and min separately, because a
	// source rollup may have an avg but no peak.
	pn, mn int
}

func (a *stat) add(v *float64) {
	a.addAgg(v, v, v)
}

func (a *stat) addAgg(avg, peak, min *float64) {
	if avg != nil {
		a.sum += *avg
		a.n++
	}
	if peak != nil {
		if a.pn == 0 || *peak > a.peak {
			a.peak = *peak
		}
		a.pn++
	}
	if min != nil {
		if a.mn == 0 || *min < a.min {
			a.min = *min
		}
		a.mn++
	}
}

func (a *stat) avgPtr() *float64 {
	if a.n == 0 {
		return nil
	}
	return float64Ptr(a.sum / float64(a.n))
}

func (a *stat) peakPtr() *float64 {
	if a.pn == 0 {
		return nil
	}
	return float64Ptr(a.peak)
}

func (a *stat) minPtr() *float64 {
	if a.mn == 0 {
		return nil
	}
	return float64Ptr(a.min)
}

// maxOf tracks the maximum of a cumulative counter such as used credits.
type maxOf struct {
	v  float64
	ok bool
}

func (m *maxOf) add(v *float64) {
	if v != nil && (!m.ok || *v > m.v) {
		m.v = *v
		m.ok = true
	}
}

func (m *maxOf) ptr() *float64 {
	if !m.ok {
		return nil
	}
	return float64Ptr(m.v)
}

type bucket struct {
	start      int64
	fiveHour   stat
	sevenDay   stat
	extra      stat
	credits    maxOf
	resetCount int
}

func (b *bucket) rollup(res Resolution) Rollup {
	return Rollup{
		PeriodStart:       fromMillis(b.start),
		PeriodEnd:         fromMillis(b.start + res.Width().Milliseconds()),
		Resolution:        res,
		FiveHourAvg:       b.fiveHour.avgPtr(),
		FiveHourPeak:      b.fiveHour.peakPtr(),
		FiveHourMin:       b.fiveHour.minPtr(),
		SevenDayAvg:       b.sevenDay.avgPtr(),
		SevenDayPeak:      b.sevenDay.peakPtr(),
		SevenDayMin:       b.sevenDay.minPtr(),
		ResetCount:        b.resetCount,
		ExtraUsageAvg:     b.extra.avgPtr(),
		ExtraUsagePeak:    b.extra.peakPtr(),
		ExtraUsageCredits: b.credits.ptr(),
	}
}

// buckets keeps accumulators keyed by bucket start and returns them in order.
type buckets struct {
	width int64
	byKey map[int64]*bucket
}

func newBuckets(res Resolution) *buckets {
	return &buckets{width: res.Width().Milliseconds(), byKey: make(map[int64]*bucket)}
}

func (bs *buckets) at(t time.Time) *bucket {
	start := floorMillis(toMillis(t), bs.width)
	b, ok := bs.byKey[start]
	if !ok {
		b = &bucket{start: start}
		bs.byKey[start] = b
	}
	return b
}

func (bs *buckets) sorted() []*bucket {
	out := make([]*bucket, 0, len(bs.byKey))
	for _, b := range bs.byKey {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })
	return out
}

// floorMillis rounds ms down to a multiple of width.
func floorMillis(ms, width int64) int64 {
	r := ms % width
	if r < 0 {
		r += width
	}
	return ms - r
}

// aggregateSamples groups raw samples into 5-minute rollups. resetCount is the
// number of events that fall inside each bucket.
func aggregateSamples(samples []Sample, events []ResetEvent) []Rollup {
	if len(samples) == 0 {
		return nil
	}
	bs := newBuckets(ResolutionFiveMin)
	for _, smp := range samples {
		b := bs.at(smp.Timestamp)
		b.fiveHour.add(smp.FiveHourUtil)
		b.sevenDay.add(smp.SevenDayUtil)
		b.extra.add(smp.ExtraUsageUtil)
		b.credits.add(smp.ExtraUsageUsedCredits)
	}
	for _, ev := range events {
		start := floorMillis(toMillis(ev.Timestamp), bs.width)
		if b, ok := bs.byKey[start]; ok {
			b.resetCount++
		}
	}

	ordered := bs.sorted()
	out := make([]Rollup, 0, len(ordered))
	for _, b := range ordered {
		out = append(out, b.rollup(ResolutionFiveMin))
	}
	return out
}

// collapseRollups merges finer rollups into buckets of resolution to.
// resetCount is summed; averages are the mean of the source averages.
func collapseRollups(src []Rollup, to Resolution) []Rollup {
	if len(src) == 0 {
		return nil
	}
	bs := newBuckets(to)
	for _, ru := range src {
		b := bs.at(ru.PeriodStart)
		b.fiveHour.addAgg(ru.FiveHourAvg, ru.FiveHourPeak, ru.FiveHourMin)
		b.sevenDay.addAgg(ru.SevenDayAvg, ru.SevenDayPeak, ru.SevenDayMin)
		b.extra.addAgg(ru.ExtraUsageAvg, ru.ExtraUsagePeak, nil)
		b.credits.add(ru.ExtraUsageCredits)
		b.resetCount += ru.ResetCount
	}

	ordered := bs.sorted()
	out := make([]Rollup, 0, len(ordered))
	for _, b := range ordered {
		out = append(out, b.rollup(to))
	}
	return out
}

// applyWasteCredits sums the unused credits of reset events into the daily
// bucket that contains them. Buckets without any stay absent.
func applyWasteCredits(daily []Rollup, events []ResetEvent) {
	for i := range daily {
		start, end := daily[i].PeriodStart, daily[i].PeriodEnd
		var total float64
		found := false
		for _, ev := range events {
			if ev.UnusedCredits == nil || ev.Timestamp.Before(start) || !ev.Timestamp.Before(end) {
				continue
			}
			total += *ev.UnusedCredits
			found = true
		}
		if found {
			daily[i].WasteCredits = float64Ptr(total)
		}
	}
}

// RunMaintenance collapses aged samples and rollups into coarser tiers, prunes
// past the retention horizon and records the run time, all in one
// transaction. On error nothing is changed and the next call redoes the work.
func (s *Store) RunMaintenance() (*MaintenanceResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.available {
		return &MaintenanceResult{}, nil
	}

	began := time.Now()
	result, err := s.maintain(s.now())
	s.metrics.MaintenanceCompleted(time.Since(began), err)
	if err != nil {
		return nil, queryFailed("RunMaintenance", err)
	}

	s.metrics.RollupsWritten(string(ResolutionFiveMin), result.FiveMinBuckets)
	s.metrics.RollupsWritten(string(ResolutionHourly), result.HourlyBuckets)
	s.metrics.RollupsWritten(string(ResolutionDaily), result.DailyBuckets)
	s.metrics.RowsPruned("rollups", result.RollupsPruned)
	s.metrics.RowsPruned("reset_events", result.ResetEventsPruned)
	s.metrics.RowsPruned("samples", result.SamplesPruned)
	return result, nil
}

// maintain runs the passes in their fixed order. Caller holds s.mu.
func (s *Store) maintain(now time.Time) (*MaintenanceResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin maintenance: %w", err)
	}
	defer tx.Rollback()

	nowMs := toMillis(now)
	result := &MaintenanceResult{RanAt: fromMillis(nowMs)}

	result.FiveMinBuckets, result.SamplesCollapsed, err = collapseSamplePass(tx,
		floorMillis(nowMs-fiveMinHorizon.Milliseconds(), ResolutionFiveMin.Width().Milliseconds()),
		floorMillis(nowMs-rawHorizon.Milliseconds(), ResolutionFiveMin.Width().Milliseconds()),
	)
	if err != nil {
		return nil, fmt.Errorf("raw to 5-minute: %w", err)
	}

	result.HourlyBuckets, result.FiveMinCollapsed, err = collapseRollupPass(tx,
		ResolutionFiveMin, ResolutionHourly,
		floorMillis(nowMs-hourlyHorizon.Milliseconds(), ResolutionHourly.Width().Milliseconds()),
		floorMillis(nowMs-fiveMinHorizon.Milliseconds(), ResolutionHourly.Width().Milliseconds()),
	)
	if err != nil {
		return nil, fmt.Errorf("5-minute to hourly: %w", err)
	}

	result.DailyBuckets, result.HourlyCollapsed, err = collapseRollupPass(tx,
		ResolutionHourly, ResolutionDaily,
		0,
		floorMillis(nowMs-hourlyHorizon.Milliseconds(), ResolutionDaily.Width().Milliseconds()),
	)
	if err != nil {
		return nil, fmt.Errorf("hourly to daily: %w", err)
	}

	result.RollupsPruned, result.ResetEventsPruned, result.SamplesPruned, err = prune(tx, nowMs, s.retentionDays)
	if err != nil {
		return nil, err
	}

	if err := setMetadata(tx, metaLastRollup, strconv.FormatInt(nowMs, 10)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit maintenance: %w", err)
	}

	if !result.Empty() {
		s.logger.Info("History maintenance completed",
			"five_min_buckets", result.FiveMinBuckets,
			"samples_collapsed", result.SamplesCollapsed,
			"hourly_buckets", result.HourlyBuckets,
			"five_min_collapsed", result.FiveMinCollapsed,
			"daily_buckets", result.DailyBuckets,
			"hourly_collapsed", result.HourlyCollapsed,
			"rollups_pruned", result.RollupsPruned,
			"reset_events_pruned", result.ResetEventsPruned,
			"samples_pruned", result.SamplesPruned,
		)
	}
	return result, nil
}

// collapseSamplePass turns samples in [start, end) into 5-minute rollups and
// deletes them.
func collapseSamplePass(tx *sql.Tx, start, end int64) (int, int64, error) {
	if end <= start {
		return 0, 0, nil
	}
	rows, err := tx.Query(
		`SELECT `+sampleColumns+` FROM samples WHERE timestamp >= ? AND timestamp < ? ORDER BY timestamp ASC, id ASC`,
		start, end,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query samples: %w", err)
	}
	samples, err := collectSamples(rows)
	if err != nil {
		return 0, 0, err
	}
	if len(samples) == 0 {
		return 0, 0, nil
	}

	events, err := resetEventsBetween(tx, start, end)
	if err != nil {
		return 0, 0, err
	}

	rollups := aggregateSamples(samples, events)
	for _, ru := range rollups {
		if err := insertRollup(tx, ru); err != nil {
			return 0, 0, fmt.Errorf("failed to insert 5-minute rollup: %w", err)
		}
	}

	res, err := tx.Exec(`DELETE FROM samples WHERE timestamp >= ? AND timestamp < ?`, start, end)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to delete collapsed samples: %w", err)
	}
	deleted, _ := res.RowsAffected()
	return len(rollups), deleted, nil
}

// collapseRollupPass merges from-rollups starting in [start, end) into
// to-rollups and deletes the sources.
func collapseRollupPass(tx *sql.Tx, from, to Resolution, start, end int64) (int, int64, error) {
	if end <= start {
		return 0, 0, nil
	}
	src, err := rollupsBetween(tx, from, start, end)
	if err != nil {
		return 0, 0, err
	}
	if len(src) == 0 {
		return 0, 0, nil
	}

	dst := collapseRollups(src, to)
	if to == ResolutionDaily {
		events, err := resetEventsBetween(tx, start, end)
		if err != nil {
			return 0, 0, err
		}
		applyWasteCredits(dst, events)
	}

	for _, ru := range dst {
		if err := insertRollup(tx, ru); err != nil {
			return 0, 0, fmt.Errorf("failed to insert %s rollup: %w", to, err)
		}
	}

	res, err := tx.Exec(
		`DELETE FROM rollups WHERE resolution = ? AND period_start >= ? AND period_start < ?`,
		string(from), start, end,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to delete collapsed %s rollups: %w", from, err)
	}
	deleted, _ := res.RowsAffected()
	return len(dst), deleted, nil
}

func rollupsBetween(q querier, res Resolution, start, end int64) ([]Rollup, error) {
	rows, err := q.Query(
		`SELECT `+rollupColumns+` FROM rollups
		WHERE resolution = ? AND period_start >= ? AND period_start < ?
		ORDER BY period_start ASC, id ASC`,
		string(res), start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s rollups: %w", res, err)
	}
	defer rows.Close()

	var out []Rollup
	for rows.Next() {
		ru, err := scanRollup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s rollup: %w", res, err)
		}
		out = append(out, ru)
	}
	return out, rows.Err()
}

func resetEventsBetween(q querier, start, end int64) ([]ResetEvent, error) {
	rows, err := q.Query(
		`SELECT `+resetEventColumns+` FROM reset_events
		WHERE timestamp >= ? AND timestamp < ? ORDER BY timestamp ASC, id ASC`,
		start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query reset events: %w", err)
	}
	defer rows.Close()

	var out []ResetEvent
	for rows.Next() {
		ev, err := scanResetEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reset event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
