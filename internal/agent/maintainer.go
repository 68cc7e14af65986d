package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/onllm-dev/onwatch-history/internal/store"
)

// HistoryMaintainer is the part of the store the maintainer drives.
type HistoryMaintainer interface {
	RunMaintenance() (*store.MaintenanceResult, error)
	DatabaseSizeBytes() int64
}

// Maintainer runs rollup and retention maintenance on a fixed interval.
type Maintainer struct {
	store    HistoryMaintainer
	interval time.Duration
	logger   *slog.Logger
}

// NewMaintainer creates a Maintainer.
func NewMaintainer(st HistoryMaintainer, interval time.Duration, logger *slog.Logger) *Maintainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintainer{
		store:    st,
		interval: interval,
		logger:   logger,
	}
}

// Run performs maintenance at startup, then every interval until ctx is
// cancelled. Failed passes are logged and retried on the next tick.
func (m *Maintainer) Run(ctx context.Context) error {
	m.logger.Info("History maintainer started", "interval", m.interval)
	defer m.logger.Info("History maintainer stopped")

	m.maintain()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.maintain()
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Maintainer) maintain() {
	res, err := m.store.RunMaintenance()
	if err != nil {
		m.logger.Error("History maintenance failed", "error", err)
		return
	}

	size := m.store.DatabaseSizeBytes()
	if res.Empty() {
		m.logger.Debug("History maintenance: nothing to do", "db_size", humanize.Bytes(uint64(size)))
		return
	}
	m.logger.Info("History maintenance complete",
		"five_min_buckets", res.FiveMinBuckets,
		"hourly_buckets", res.HourlyBuckets,
		"daily_buckets", res.DailyBuckets,
		"pruned", humanize.Comma(res.RollupsPruned+res.ResetEventsPruned+res.SamplesPruned),
		"db_size", humanize.Bytes(uint64(size)),
	)
}
