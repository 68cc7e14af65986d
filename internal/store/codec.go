package store

import (
	"database/sql"
	"time"
)

// Rows are mapped to typed records here and nowhere else. Timestamps are
// stored as integer milliseconds since the epoch.

type rowScanner interface {
	Scan(dest ...any) error
}

const sampleColumns = `id, timestamp, five_hour_util, five_hour_resets_at, seven_day_util, seven_day_resets_at,
	extra_usage_util, extra_usage_used_credits, extra_usage_monthly_limit`

const resetEventColumns = `id, timestamp, five_hour_peak, seven_day_util, tier,
	used_credits, constrained_credits, unused_credits`

const rollupColumns = `id, period_start, period_end, resolution,
	five_hour_avg, five_hour_peak, five_hour_min, seven_day_avg, seven_day_peak, seven_day_min,
	reset_count, waste_credits, extra_usage_avg, extra_usage_peak, extra_usage_credits`

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullMillis(p *time.Time) any {
	if p == nil {
		return nil
	}
	return toMillis(*p)
}

func nullString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func floatFromNull(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func timeFromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func stringFromNull(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

func scanSample(r rowScanner) (Sample, error) {
	var (
		smp                            Sample
		ts                             int64
		fiveUtil, sevenUtil            sql.NullFloat64
		fiveResets, sevenResets        sql.NullInt64
		extraUtil, extraUsed, extraLim sql.NullFloat64
	)
	if err := r.Scan(&smp.ID, &ts, &fiveUtil, &fiveResets, &sevenUtil, &sevenResets,
		&extraUtil, &extraUsed, &extraLim); err != nil {
		return Sample{}, err
	}
	smp.Timestamp = fromMillis(ts)
	smp.FiveHourUtil = floatFromNull(fiveUtil)
	smp.FiveHourResetsAt = timeFromNull(fiveResets)
	smp.SevenDayUtil = floatFromNull(sevenUtil)
	smp.SevenDayResetsAt = timeFromNull(sevenResets)
	smp.ExtraUsageUtil = floatFromNull(extraUtil)
	smp.ExtraUsageUsedCredits = floatFromNull(extraUsed)
	smp.ExtraUsageMonthlyLimit = floatFromNull(extraLim)
	return smp, nil
}

func scanResetEvent(r rowScanner) (ResetEvent, error) {
	var ev ResetEvent
	var ts int64
	var peak, seven, used, constrained, unused sql.NullFloat64
	var tier sql.NullString
	if err := r.Scan(&ev.ID, &ts, &peak, &seven, &tier, &used, &constrained, &unused); err != nil {
		return ResetEvent{}, err
	}
	ev.Timestamp = fromMillis(ts)
	ev.FiveHourPeak = floatFromNull(peak)
	ev.SevenDayUtil = floatFromNull(seven)
	ev.Tier = stringFromNull(tier)
	ev.UsedCredits = floatFromNull(used)
	ev.ConstrainedCredits = floatFromNull(constrained)
	ev.UnusedCredits = floatFromNull(unused)
	return ev, nil
}

func scanRollup(r rowScanner) (Rollup, error) {
	var ru Rollup
	var start, end int64
	var resolution string
	var fAvg, fPeak, fMin, sAvg, sPeak, sMin sql.NullFloat64
	var waste, xAvg, xPeak, xCredits sql.NullFloat64
	if err := r.Scan(&ru.ID, &start, &end, &resolution,
		&fAvg, &fPeak, &fMin, &sAvg, &sPeak, &sMin,
		&ru.ResetCount, &waste, &xAvg, &xPeak, &xCredits); err != nil {
		return Rollup{}, err
	}
	ru.PeriodStart = fromMillis(start)
	ru.PeriodEnd = fromMillis(end)
	ru.Resolution = Resolution(resolution)
	ru.FiveHourAvg = floatFromNull(fAvg)
	ru.FiveHourPeak = floatFromNull(fPeak)
	ru.FiveHourMin = floatFromNull(fMin)
	ru.SevenDayAvg = floatFromNull(sAvg)
	ru.SevenDayPeak = floatFromNull(sPeak)
	ru.SevenDayMin = floatFromNull(sMin)
	ru.WasteCredits = floatFromNull(waste)
	ru.ExtraUsageAvg = floatFromNull(xAvg)
	ru.ExtraUsagePeak = floatFromNull(xPeak)
	ru.ExtraUsageCredits = floatFromNull(xCredits)
	return ru, nil
}

// insertRollup writes one bucket. Rollups are never updated afterwards.
func insertRollup(q querier, ru Rollup) error {
	_, err := q.Exec(
		`INSERT INTO rollups (period_start, period_end, resolution,
			five_hour_avg, five_hour_peak, five_hour_min, seven_day_avg, seven_day_peak, seven_day_min,
			reset_count, waste_credits, extra_usage_avg, extra_usage_peak, extra_usage_credits)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		toMillis(ru.PeriodStart), toMillis(ru.PeriodEnd), string(ru.Resolution),
		nullFloat(ru.FiveHourAvg), nullFloat(ru.FiveHourPeak), nullFloat(ru.FiveHourMin),
		nullFloat(ru.SevenDayAvg), nullFloat(ru.SevenDayPeak), nullFloat(ru.SevenDayMin),
		ru.ResetCount, nullFloat(ru.WasteCredits),
		nullFloat(ru.ExtraUsageAvg), nullFloat(ru.ExtraUsagePeak), nullFloat(ru.ExtraUsageCredits),
	)
	return err
}
