// Package scheduler drives automatic settlement on a fixed interval.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/nostrmood/market-engine/internal/settlement"
)

// Settler settles every expired market.
type Settler interface {
	CheckAndSettleExpired(ctx context.Context) (*settlement.ScanReport, error)
}

// Sweeper re-queues payouts still awaiting delivery.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Scheduler runs a settlement cycle, then a payout sweep, once per tick.
type Scheduler struct {
	settler  Settler
	sweeper  Sweeper
	interval time.Duration
}

// New creates a Scheduler. sweeper may be nil.
func New(settler Settler, sweeper Sweeper, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{settler: settler, sweeper: sweeper, interval: interval}
}

// Run blocks until ctx is cancelled. The first cycle runs immediately.
// Cycles run on this goroutine, so a slow cycle swallows the ticks that
// fire during it instead of overlapping with them.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("scheduler starting", "interval", s.interval)

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler shutting down")
			return ctx.Err()
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce runs one settlement cycle and one sweep. Errors are logged, never
// returned: a bad cycle must not stop the loop.
func (s *Scheduler) RunOnce(ctx context.Context) {
	start := time.Now()

	report, err := s.settler.CheckAndSettleExpired(ctx)
	if err != nil {
		slog.Error("settlement scan failed", "err", err)
	} else if report.Scanned > 0 {
		slog.Info("settlement cycle complete",
			"scanned", report.Scanned,
			"settled", len(report.Settled),
			"skipped", report.Skipped,
			"failed", len(report.Failures),
			"elapsed", time.Since(start),
		)
	}

	if s.sweeper == nil || ctx.Err() != nil {
		return
	}
	n, err := s.sweeper.Sweep(ctx)
	if err != nil {
		slog.Error("payout sweep failed", "err", err)
		return
	}
	if n > 0 {
		slog.Info("payout sweep queued deliveries", "count", n)
	}
}
