// Package settlement resolves expired markets: it re-scores the market's
// post, decides the outcome against the market's own threshold, records
// payouts atomically through the store and hands winners to delivery.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nostrmood/market-engine/internal/metrics"
	"github.com/nostrmood/market-engine/internal/model"
	"github.com/nostrmood/market-engine/internal/oracle"
	"github.com/nostrmood/market-engine/internal/payout"
	"github.com/nostrmood/market-engine/internal/store"
)

// Enqueuer accepts bets whose payout needs delivering.
type Enqueuer interface {
	Enqueue(betID int64) bool
}

// Publisher receives settlement events.
type Publisher interface {
	Publish(model.Event)
}

// Options configures an Engine. All fields are optional.
type Options struct {
	Locker  store.Locker  // serializes settlement across replicas
	LockTTL time.Duration // default 2m
	Events  Publisher
	Clock   func() time.Time // default time.Now
}

// Engine settles markets.
type Engine struct {
	store    store.Store
	oracle   oracle.Oracle
	delivery Enqueuer
	locker   store.Locker
	lockTTL  time.Duration
	events   Publisher
	now      func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(st store.Store, or oracle.Oracle, q Enqueuer, opts Options) *Engine {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{
		store:    st,
		oracle:   or,
		delivery: q,
		locker:   opts.Locker,
		lockTTL:  opts.LockTTL,
		events:   opts.Events,
		now:      opts.Clock,
	}
}

// SettleMarket settles one expired market. Nothing is mutated unless the
// oracle answers and this caller wins the store's check-and-set; a loser
// gets model.ErrAlreadySettled.
func (e *Engine) SettleMarket(ctx context.Context, marketID int64) (*model.Settlement, error) {
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.IsSettled {
		return nil, fmt.Errorf("market %d: %w", marketID, model.ErrAlreadySettled)
	}
	now := e.now()
	if !m.Expired(now) {
		return nil, fmt.Errorf("market %d expires %s: %w", marketID, m.ExpiresAt.Format(time.RFC3339), model.ErrNotYetExpired)
	}

	if e.locker != nil {
		unlock, err := e.locker.Acquire(ctx, fmt.Sprintf("settle:%d", marketID), e.lockTTL)
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	start := time.Now()
	score, err := e.oracle.Score(ctx, m.PostID)
	if err != nil {
		metrics.OracleLatency.WithLabelValues("error").Observe(time.Since(start).Seconds())
		metrics.SettlementFailures.WithLabelValues("oracle").Inc()
		return nil, fmt.Errorf("market %d: %w: %w", marketID, model.ErrOracleUnavailable, err)
	}
	metrics.OracleLatency.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	result := score >= m.Threshold

	var bd payout.Breakdown
	settled, payouts, err := e.store.SettleMarket(ctx, marketID, result, func(m *model.Market, bets []model.Bet) []model.Payout {
		bd = payout.Compute(m, bets, result)
		return bd.Payouts
	})
	if err != nil {
		if !errors.Is(err, model.ErrAlreadySettled) {
			metrics.SettlementFailures.WithLabelValues("store").Inc()
		}
		return nil, err
	}

	queued := 0
	for _, p := range payouts {
		if p.Amount > 0 && e.delivery != nil {
			e.delivery.Enqueue(p.BetID)
			queued++
		}
	}

	outcome := string(model.PositionFor(result))
	if bd.Refund {
		outcome = "refund"
	}
	metrics.Settlements.WithLabelValues(outcome).Inc()
	metrics.FeesCollected.Add(float64(bd.Fee))
	metrics.OpenMarkets.Dec()

	s := &model.Settlement{
		MarketID:        settled.ID,
		Score:           score,
		Threshold:       settled.Threshold,
		Result:          result,
		WinningPosition: model.PositionFor(result),
		Payouts:         payouts,
		FeeCollected:    bd.Fee,
		SettledAt:       now,
	}

	slog.Info("market settled",
		"market_id", marketID,
		"score", score,
		"threshold", settled.Threshold,
		"result", result,
		"refund", bd.Refund,
		"winning_pool", bd.TotalWinning,
		"losing_pool", bd.TotalLosing,
		"fee", bd.Fee,
		"payouts_queued", queued,
	)

	if e.events != nil {
		e.events.Publish(model.Event{Type: model.EventMarketSettled, MarketID: marketID, Data: s})
	}
	return s, nil
}

// ScanReport summarizes one CheckAndSettleExpired pass.
type ScanReport struct {
	Scanned  int
	Settled  []*model.Settlement
	Skipped  int // lost a race to another settler
	Failures map[int64]error
}

// CheckAndSettleExpired settles every expired, unsettled market. A failing
// market is recorded in the report and does not stop the scan; it stays
// unsettled and is retried on the next pass. The error is only for a
// failed listing.
func (e *Engine) CheckAndSettleExpired(ctx context.Context) (*ScanReport, error) {
	markets, err := e.store.ListExpiredUnsettled(ctx, e.now())
	if err != nil {
		return nil, fmt.Errorf("list expired markets: %w", err)
	}

	report := &ScanReport{Scanned: len(markets), Failures: make(map[int64]error)}
	for _, m := range markets {
		if err := ctx.Err(); err != nil {
			return report, nil
		}
		s, err := e.SettleMarket(ctx, m.ID)
		switch {
		case err == nil:
			report.Settled = append(report.Settled, s)
		case errors.Is(err, model.ErrAlreadySettled), errors.Is(err, model.ErrSettlementInProgress):
			report.Skipped++
		default:
			report.Failures[m.ID] = err
			slog.Warn("settlement failed, will retry", "market_id", m.ID, "err", err)
		}
	}
	return report, nil
}
