package store

import (
	"database/sql"
	"fmt"
	"time"
)

const dayMillis = int64(24 * time.Hour / time.Millisecond)

// PruneOldData deletes rollups whose period ended, and reset events and raw
// samples recorded, more than retentionDays days ago. retentionDays <= 0 does
// nothing.
func (s *Store) PruneOldData(retentionDays int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.available || retentionDays <= 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return queryFailed("PruneOldData", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	rollups, events, samples, err := prune(tx, toMillis(s.now()), retentionDays)
	if err != nil {
		return queryFailed("PruneOldData", err)
	}
	if err := tx.Commit(); err != nil {
		return queryFailed("PruneOldData", fmt.Errorf("failed to commit: %w", err))
	}

	s.metrics.RowsPruned("rollups", rollups)
	s.metrics.RowsPruned("reset_events", events)
	s.metrics.RowsPruned("samples", samples)
	if rollups+events+samples > 0 {
		s.logger.Info("Pruned history",
			"retention_days", retentionDays,
			"rollups", rollups,
			"reset_events", events,
			"samples", samples,
		)
	}
	return nil
}

// prune deletes everything older than nowMs - retentionDays days.
func prune(tx *sql.Tx, nowMs int64, retentionDays int) (rollups, events, samples int64, err error) {
	if retentionDays <= 0 {
		return 0, 0, 0, nil
	}
	cutoff := nowMs - int64(retentionDays)*dayMillis

	if rollups, err = execCount(tx, `DELETE FROM rollups WHERE period_end < ?`, cutoff); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to prune rollups: %w", err)
	}
	if events, err = execCount(tx, `DELETE FROM reset_events WHERE timestamp < ?`, cutoff); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to prune reset events: %w", err)
	}
	// Raw samples normally collapse long before this; the sweep only catches
	// rows stranded while maintenance was not running.
	if samples, err = execCount(tx, `DELETE FROM samples WHERE timestamp < ?`, cutoff); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to prune samples: %w", err)
	}
	return rollups, events, samples, nil
}

func execCount(q querier, query string, args ...any) (int64, error) {
	res, err := q.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
