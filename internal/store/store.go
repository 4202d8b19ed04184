// Package store defines the persistence interface for the market engine.
// Implementations include in-memory (tests and development), PostgreSQL and
// SQLite (durable), and a Redis read-through cache over either.
//
// Every implementation makes the two contended transitions atomic per
// market: ConfirmBetPayment (flip IsPaid, increment the pool) and
// SettleMarket (flip IsSettled, record payouts). Callers get
// model.ErrAlreadyPaid / model.ErrAlreadySettled from the losing side of a
// race and must treat them as no-ops.
package store

import (
	"context"
	"time"

	"github.com/nostrmood/market-engine/internal/model"
)

// PayoutFunc computes payouts for the paid bets of a market that is being
// settled. It runs inside the store's critical section and must not call
// back into the store.
type PayoutFunc func(market *model.Market, bets []model.Bet) []model.Payout

// PayoutUpdate records one step of payout delivery. Nil pointers leave the
// column unchanged.
type PayoutUpdate struct {
	Status    model.PayoutStatus
	Retries   int
	Error     *string
	TxID      *string
	IsSettled bool
}

// Store is the persistence interface shared by the settlement engine, the
// delivery workers and the HTTP service.
type Store interface {
	// --- Market operations ---

	// CreateMarket persists a new market and assigns m.ID.
	CreateMarket(ctx context.Context, m *model.Market) error

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id int64) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// ListExpiredUnsettled returns unsettled markets with ExpiresAt <= now.
	ListExpiredUnsettled(ctx context.Context, now time.Time) ([]model.Market, error)

	// SettleMarket atomically marks the market settled with result, snapshots
	// its paid bets, runs fn over them and records each payout on its bet.
	// Returns model.ErrAlreadySettled if another caller got there first.
	SettleMarket(ctx context.Context, id int64, result bool, fn PayoutFunc) (*model.Market, []model.Payout, error)

	// --- Bet operations ---

	// CreateBet persists a new unpaid bet and assigns b.ID.
	CreateBet(ctx context.Context, b *model.Bet) error

	// GetBet retrieves a bet by its ID.
	GetBet(ctx context.Context, id int64) (*model.Bet, error)

	// GetBetByInvoice retrieves the bet backed by an invoice.
	GetBetByInvoice(ctx context.Context, invoiceID string) (*model.Bet, error)

	// ListBetsByMarket returns all bets on a market in creation order.
	ListBetsByMarket(ctx context.Context, marketID int64) ([]model.Bet, error)

	// ConfirmBetPayment marks the bet for invoiceID paid as of at. While the
	// market is open at that instant the bet's amount is added to its side's
	// pool in the same step; once the market has settled or expired the bet
	// is instead recorded as a full refund (Payout = Amount, IsSettled).
	// Returns model.ErrAlreadyPaid when the bet was already confirmed.
	ConfirmBetPayment(ctx context.Context, invoiceID, paymentHash string, at time.Time) (*model.Bet, error)

	// --- Payout delivery ---

	// UpdatePayout applies one delivery step to a bet.
	UpdatePayout(ctx context.Context, betID int64, u PayoutUpdate) error

	// SetPayoutInvoice stores the bolt11 destination for a bet's payout.
	// The first destination sticks: returns model.ErrPayoutInvoiceSet if the
	// bet already has one.
	SetPayoutInvoice(ctx context.Context, betID int64, bolt11 string) error

	// ResetPayout moves a failed payout back to pending with zero retries.
	// Returns model.ErrPayoutNotFailed for any other status.
	ResetPayout(ctx context.Context, betID int64) error

	// ListPendingPayouts returns settled bets with a positive payout whose
	// delivery is still pending.
	ListPendingPayouts(ctx context.Context) ([]model.Bet, error)
}
