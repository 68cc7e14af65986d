package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// UtilizationDropThreshold is the five-hour utilization drop, in percentage
// points, that counts as a reset when resets_at is missing from either sample.
// It is a heuristic and may need tuning: a genuine reset that drops less than
// this is missed, and any non-reset drop this large is misread as a reset.
var UtilizationDropThreshold = 50.0

// peakLookback is how far back fiveHourPeak looks from the detecting sample.
const peakLookback = 5 * time.Hour

type resetSignal string

const (
	signalNone            resetSignal = ""
	signalResetsAtShift   resetSignal = "resets_at"
	signalUtilizationDrop resetSignal = "utilization_drop"
)

// detectReset compares two consecutive samples. The resets_at shift is
// authoritative when both samples carry it; the utilization drop is only
// consulted when at least one does not.
func detectReset(prev, cur Sample, tolerance time.Duration) resetSignal {
	if prev.FiveHourResetsAt != nil && cur.FiveHourResetsAt != nil {
		diff := cur.FiveHourResetsAt.Sub(*prev.FiveHourResetsAt)
		if diff < 0 {
			diff = -diff
		}
		if diff > tolerance {
			return signalResetsAtShift
		}
		return signalNone
	}

	if prev.FiveHourUtil != nil && cur.FiveHourUtil != nil &&
		*prev.FiveHourUtil-*cur.FiveHourUtil >= UtilizationDropThreshold {
		return signalUtilizationDrop
	}
	return signalNone
}

// PersistSample stores one poll result and records a ResetEvent if the
// five-hour window rolled over since the previous sample. tier may be empty.
// It does nothing when the store is unavailable.
func (s *Store) PersistSample(sample Sample, tier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.available {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return queryFailed("PersistSample", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	// The previous sample must be read before the insert, otherwise the
	// comparison would be against the new row itself.
	prev, err := latestSample(tx)
	if err != nil {
		return queryFailed("PersistSample", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO samples (timestamp, five_hour_util, five_hour_resets_at, seven_day_util, seven_day_resets_at,
			extra_usage_util, extra_usage_used_credits, extra_usage_monthly_limit)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		toMillis(sample.Timestamp),
		nullFloat(sample.FiveHourUtil), nullMillis(sample.FiveHourResetsAt),
		nullFloat(sample.SevenDayUtil), nullMillis(sample.SevenDayResetsAt),
		nullFloat(sample.ExtraUsageUtil), nullFloat(sample.ExtraUsageUsedCredits), nullFloat(sample.ExtraUsageMonthlyLimit),
	); err != nil {
		return queryFailed("PersistSample", fmt.Errorf("failed to insert sample: %w", err))
	}

	signal := signalNone
	var event ResetEvent
	if prev != nil {
		signal = detectReset(*prev, sample, s.resetsAtTolerance)
	}
	if signal != signalNone {
		event, err = recordReset(tx, *prev, sample, tier)
		if err != nil {
			return queryFailed("PersistSample", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return queryFailed("PersistSample", fmt.Errorf("failed to commit: %w", err))
	}

	s.metrics.SamplePersisted()
	if signal != signalNone {
		s.metrics.ResetDetected(string(signal))
		s.logger.Info("Five-hour window reset detected",
			"signal", signal,
			"at", event.Timestamp,
			"peak", derefOr(event.FiveHourPeak, -1),
			"seven_day", derefOr(event.SevenDayUtil, -1),
		)
	}
	return nil
}

// recordReset inserts the ResetEvent for cur. The seven-day value is taken
// from prev because that is the constraint at the moment the window closed.
func recordReset(tx *sql.Tx, prev, cur Sample, tier string) (ResetEvent, error) {
	curMs := toMillis(cur.Timestamp)

	var peak sql.NullFloat64
	if err := tx.QueryRow(
		`SELECT MAX(five_hour_util) FROM samples WHERE timestamp >= ? AND timestamp < ?`,
		curMs-peakLookback.Milliseconds(), curMs,
	).Scan(&peak); err != nil {
		return ResetEvent{}, fmt.Errorf("failed to compute five-hour peak: %w", err)
	}

	event := ResetEvent{
		Timestamp:    fromMillis(curMs),
		FiveHourPeak: floatFromNull(peak),
		SevenDayUtil: prev.SevenDayUtil,
	}
	if tier != "" {
		event.Tier = &tier
	}

	result, err := tx.Exec(
		`INSERT INTO reset_events (timestamp, five_hour_peak, seven_day_util, tier) VALUES (?, ?, ?, ?)`,
		curMs, nullFloat(event.FiveHourPeak), nullFloat(event.SevenDayUtil), nullString(event.Tier),
	)
	if err != nil {
		return ResetEvent{}, fmt.Errorf("failed to insert reset event: %w", err)
	}
	event.ID, _ = result.LastInsertId()
	return event, nil
}

func latestSample(q querier) (*Sample, error) {
	row := q.QueryRow(`SELECT ` + sampleColumns + ` FROM samples ORDER BY timestamp DESC, id DESC LIMIT 1`)
	smp, err := scanSample(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest sample: %w", err)
	}
	return &smp, nil
}

// GetLastSample returns the most recent sample, or nil if there is none.
func (s *Store) GetLastSample() (*Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.available {
		return nil, nil
	}
	smp, err := latestSample(s.db)
	return smp, queryFailed("GetLastSample", err)
}

// GetRecentSamples returns samples from the last hours hours, oldest first.
func (s *Store) GetRecentSamples(hours int) ([]Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.available {
		return nil, nil
	}

	cutoff := toMillis(s.now()) - (time.Duration(hours) * time.Hour).Milliseconds()
	rows, err := s.db.Query(
		`SELECT `+sampleColumns+` FROM samples WHERE timestamp >= ? ORDER BY timestamp ASC, id ASC`,
		cutoff,
	)
	if err != nil {
		return nil, queryFailed("GetRecentSamples", err)
	}
	samples, err := collectSamples(rows)
	return samples, queryFailed("GetRecentSamples", err)
}

func collectSamples(rows *sql.Rows) ([]Sample, error) {
	defer rows.Close()

	var samples []Sample
	for rows.Next() {
		smp, err := scanSample(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		samples = append(samples, smp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return samples, nil
}

// GetResetEvents returns reset events in [from, to], oldest first. A nil bound
// is open.
func (s *Store) GetResetEvents(from, to *time.Time) ([]ResetEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.available {
		return nil, nil
	}

	var where []string
	var args []any
	if from != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, toMillis(*from))
	}
	if to != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, toMillis(*to))
	}
	query := `SELECT ` + resetEventColumns + ` FROM reset_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY timestamp ASC, id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, queryFailed("GetResetEvents", err)
	}
	defer rows.Close()

	var events []ResetEvent
	for rows.Next() {
		ev, err := scanResetEvent(rows)
		if err != nil {
			return nil, queryFailed("GetResetEvents", fmt.Errorf("failed to scan reset event: %w", err))
		}
		events = append(events, ev)
	}
	return events, queryFailed("GetResetEvents", rows.Err())
}

func derefOr(p *float64, fallback float64) float64 {
	if p == nil {
		return fallback
	}
	return *p
}
