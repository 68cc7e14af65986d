// Package agent runs the history daemon's background loops: the usage poller
// that feeds samples into the store and the maintainer that rolls them up.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/onllm-dev/onwatch-history/internal/api"
	"github.com/onllm-dev/onwatch-history/internal/metrics"
	"github.com/onllm-dev/onwatch-history/internal/store"
)

// UsageFetcher retrieves the current usage windows.
type UsageFetcher interface {
	FetchQuotas(ctx context.Context) (*api.AnthropicQuotaResponse, error)
}

// SampleWriter persists one poll result.
type SampleWriter interface {
	PersistSample(sample store.Sample, tier string) error
}

// Poller polls the usage endpoint on a fixed interval and records every
// response as a sample.
type Poller struct {
	client   UsageFetcher
	store    SampleWriter
	tier     string
	interval time.Duration
	logger   *slog.Logger
	metrics  metrics.Recorder
	now      func() time.Time

	runID       string
	pausedUntil time.Time
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithTier records tier on reset events.
func WithTier(tier string) PollerOption {
	return func(p *Poller) {
		p.tier = tier
	}
}

// WithPollerMetrics sets the metrics recorder.
func WithPollerMetrics(m metrics.Recorder) PollerOption {
	return func(p *Poller) {
		if m != nil {
			p.metrics = m
		}
	}
}

// NewPoller creates a Poller with the given dependencies.
func NewPoller(client UsageFetcher, st SampleWriter, interval time.Duration, logger *slog.Logger, opts ...PollerOption) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Poller{
		client:   client,
		store:    st,
		interval: interval,
		logger:   logger,
		metrics:  metrics.Noop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls immediately, then at the configured interval until ctx is
// cancelled. Poll failures are logged and never stop the loop.
func (p *Poller) Run(ctx context.Context) error {
	p.runID = uuid.New().String()
	p.logger.Info("Usage poller started",
		"run_id", p.runID,
		"interval", p.interval,
		"tier", p.tier,
	)
	defer p.logger.Info("Usage poller stopped", "run_id", p.runID)

	p.poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.poll(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// poll performs a single cycle: fetch usage, convert, persist.
func (p *Poller) poll(ctx context.Context) {
	now := p.now()
	if now.Before(p.pausedUntil) {
		p.logger.Debug("Skipping poll while rate limited", "resume_at", p.pausedUntil)
		return
	}

	resp, err := p.client.FetchQuotas(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.metrics.PollFailed()
		var rl *api.RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			p.pausedUntil = now.Add(rl.RetryAfter)
		}
		p.logger.Error("Failed to fetch Anthropic usage", "run_id", p.runID, "error", err)
		return
	}

	sample := resp.ToSample(p.now())
	if err := p.store.PersistSample(sample, p.tier); err != nil {
		p.logger.Error("Failed to persist usage sample", "run_id", p.runID, "error", err)
		return
	}

	p.logger.Debug("Usage poll complete",
		"run_id", p.runID,
		"active_quotas", resp.ActiveQuotaNames(),
	)
}

// RunID returns the identifier of the current Run. Empty before Run starts.
func (p *Poller) RunID() string {
	return p.runID
}
