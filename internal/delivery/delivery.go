// Package delivery pays settled winnings out over the payment rail with
// bounded retries. Delivery runs on background workers and never touches a
// bet's computed payout or its market's settlement.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nostrmood/market-engine/internal/lightning"
	"github.com/nostrmood/market-engine/internal/metrics"
	"github.com/nostrmood/market-engine/internal/model"
	"github.com/nostrmood/market-engine/internal/store"
)

// RetryPolicy bounds payout attempts for one delivery run.
type RetryPolicy struct {
	MaxAttempts int
	// Backoff returns the wait after the given failed attempt (1-based).
	Backoff func(attempt int) time.Duration
}

// ExponentialBackoff returns base × 2^attempt.
func ExponentialBackoff(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return base * time.Duration(1<<uint(attempt))
	}
}

// DefaultRetryPolicy is three attempts with 2s then 4s between them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: ExponentialBackoff(time.Second)}
}

// Publisher receives payout events.
type Publisher interface {
	Publish(model.Event)
}

// Deliverer runs payout delivery for settled bets.
type Deliverer struct {
	store   store.Store
	rail    lightning.Rail
	policy  RetryPolicy
	events  Publisher
	queue   chan int64
	workers int

	mu       sync.Mutex
	inflight map[int64]struct{}
}

// Options configures a Deliverer.
type Options struct {
	Policy    RetryPolicy
	Workers   int
	QueueSize int
	Events    Publisher // optional
}

// New creates a Deliverer. Zero option fields take defaults: the default
// policy, 4 workers and a queue of 256.
func New(st store.Store, rail lightning.Rail, opts Options) *Deliverer {
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = DefaultRetryPolicy()
	}
	if opts.Policy.Backoff == nil {
		opts.Policy.Backoff = func(int) time.Duration { return 0 }
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	return &Deliverer{
		store:    st,
		rail:     rail,
		policy:   opts.Policy,
		events:   opts.Events,
		queue:    make(chan int64, opts.QueueSize),
		workers:  opts.Workers,
		inflight: make(map[int64]struct{}),
	}
}

// Enqueue schedules delivery of a bet's payout without blocking. It
// reports false when the queue is full; the bet stays pending and the next
// Sweep picks it up.
func (d *Deliverer) Enqueue(betID int64) bool {
	select {
	case d.queue <- betID:
		return true
	default:
		metrics.DeliveryQueueDrops.Inc()
		slog.Warn("delivery queue full, deferring payout to next sweep", "bet_id", betID)
		return false
	}
}

// Run drains the queue with the configured number of workers until ctx is
// cancelled.
func (d *Deliverer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case betID := <-d.queue:
					if err := d.Deliver(ctx, betID); err != nil && !errors.Is(err, context.Canceled) {
						slog.Error("payout delivery failed", "bet_id", betID, "worker", worker, "err", err)
					}
				}
			}
		}(i)
	}
	slog.Info("delivery workers started", "workers", d.workers)
	wg.Wait()
	return nil
}

// Sweep enqueues every settled bet whose payout is still pending. It
// recovers deliveries lost to a restart or a full queue.
func (d *Deliverer) Sweep(ctx context.Context) (int, error) {
	bets, err := d.store.ListPendingPayouts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending payouts: %w", err)
	}
	n := 0
	for _, b := range bets {
		if d.isInflight(b.ID) {
			continue
		}
		if d.Enqueue(b.ID) {
			n++
		}
	}
	return n, nil
}

// Reset moves a failed payout back to pending and schedules it.
func (d *Deliverer) Reset(ctx context.Context, betID int64) error {
	if err := d.store.ResetPayout(ctx, betID); err != nil {
		return err
	}
	slog.Info("payout reset for retry", "bet_id", betID)
	d.Enqueue(betID)
	return nil
}

// Deliver runs one delivery for betID. It is a no-op for bets that have
// nothing to pay, are already completed or failed, or are being delivered
// by another goroutine. A bet without a payout invoice is parked as
// awaiting_invoice. Payment failures are recorded on the bet, not
// returned; the error is for store faults and cancellation.
func (d *Deliverer) Deliver(ctx context.Context, betID int64) error {
	if !d.acquire(betID) {
		return nil
	}
	defer d.release(betID)

	bet, err := d.store.GetBet(ctx, betID)
	if err != nil {
		return fmt.Errorf("load bet %d: %w", betID, err)
	}
	if !bet.IsSettled || bet.Payout <= 0 {
		return nil
	}
	switch bet.PayoutStatus {
	case model.PayoutCompleted, model.PayoutFailed:
		return nil
	}

	if bet.PayoutInvoice == nil || *bet.PayoutInvoice == "" {
		if bet.PayoutStatus == model.PayoutAwaitingInvoice {
			return nil
		}
		if err := d.store.UpdatePayout(ctx, betID, store.PayoutUpdate{
			Status:  model.PayoutAwaitingInvoice,
			Retries: bet.PayoutRetries,
		}); err != nil {
			return fmt.Errorf("park bet %d: %w", betID, err)
		}
		metrics.PayoutsSettled.WithLabelValues(string(model.PayoutAwaitingInvoice)).Inc()
		slog.Info("payout awaiting invoice", "bet_id", betID, "payout", bet.Payout)
		return nil
	}

	retries := bet.PayoutRetries
	for retries < d.policy.MaxAttempts {
		p, err := d.rail.SendPayment(ctx, *bet.PayoutInvoice)
		if err == nil {
			metrics.PayoutAttempts.WithLabelValues("success").Inc()
			txID := p.PaymentID
			if err := d.store.UpdatePayout(ctx, betID, store.PayoutUpdate{
				Status:    model.PayoutCompleted,
				Retries:   retries,
				TxID:      &txID,
				IsSettled: true,
			}); err != nil {
				return fmt.Errorf("record payout for bet %d: %w", betID, err)
			}
			metrics.PayoutsSettled.WithLabelValues(string(model.PayoutCompleted)).Inc()
			slog.Info("payout sent", "bet_id", betID, "payout", bet.Payout, "payment_id", txID)
			d.publish(model.EventPayoutCompleted, bet)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		metrics.PayoutAttempts.WithLabelValues("failure").Inc()
		retries++
		msg := err.Error()
		slog.Warn("payout attempt failed", "bet_id", betID, "attempt", retries, "err", err)

		status := model.PayoutPending
		if retries >= d.policy.MaxAttempts {
			status = model.PayoutFailed
		}
		if err := d.store.UpdatePayout(ctx, betID, store.PayoutUpdate{
			Status:  status,
			Retries: retries,
			Error:   &msg,
		}); err != nil {
			return fmt.Errorf("record attempt for bet %d: %w", betID, err)
		}
		if status == model.PayoutFailed {
			metrics.PayoutsSettled.WithLabelValues(string(model.PayoutFailed)).Inc()
			slog.Error("payout failed after retries", "bet_id", betID, "retries", retries, "err", msg)
			d.publish(model.EventPayoutFailed, bet)
			return nil
		}

		if err := sleep(ctx, d.policy.Backoff(retries)); err != nil {
			return err
		}
	}

	// Pending with retries already spent: close it out.
	msg := "retry budget exhausted"
	if bet.PayoutError != nil {
		msg = *bet.PayoutError
	}
	if err := d.store.UpdatePayout(ctx, betID, store.PayoutUpdate{
		Status:  model.PayoutFailed,
		Retries: retries,
		Error:   &msg,
	}); err != nil {
		return fmt.Errorf("fail bet %d: %w", betID, err)
	}
	d.publish(model.EventPayoutFailed, bet)
	return nil
}

func (d *Deliverer) acquire(betID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inflight[betID]; busy {
		return false
	}
	d.inflight[betID] = struct{}{}
	return true
}

func (d *Deliverer) release(betID int64) {
	d.mu.Lock()
	delete(d.inflight, betID)
	d.mu.Unlock()
}

func (d *Deliverer) isInflight(betID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, busy := d.inflight[betID]
	return busy
}

func (d *Deliverer) publish(typ string, bet *model.Bet) {
	if d.events == nil {
		return
	}
	d.events.Publish(model.Event{
		Type:     typ,
		MarketID: bet.MarketID,
		BetID:    bet.ID,
		Data:     map[string]any{"payout": bet.Payout, "user_pubkey": bet.UserPubkey},
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
