// Package model defines the core domain types shared across the market engine.
// Stake and payout amounts are integer satoshis; the protocol fee percentage
// uses shopspring/decimal so fractional rates never pass through float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the side a bet is staked on.
type Position string

const (
	PositionYes Position = "yes"
	PositionNo  Position = "no"
)

// Valid reports whether p is one of the two market sides.
func (p Position) Valid() bool {
	return p == PositionYes || p == PositionNo
}

// PositionFor maps a boolean market outcome to the winning side.
func PositionFor(result bool) Position {
	if result {
		return PositionYes
	}
	return PositionNo
}

// PayoutStatus tracks delivery of a computed payout.
type PayoutStatus string

const (
	PayoutPending         PayoutStatus = "pending"
	PayoutAwaitingInvoice PayoutStatus = "awaiting_invoice"
	PayoutCompleted       PayoutStatus = "completed"
	PayoutFailed          PayoutStatus = "failed"
)

// Market is a binary proposition on the sentiment of one post: does the
// post's comparative score reach Threshold at expiry?
type Market struct {
	ID            int64     `json:"id" db:"id"`
	PostID        string    `json:"post_id" db:"post_id"`
	Question      string    `json:"question" db:"question"`
	Threshold     float64   `json:"threshold" db:"threshold"`
	MinStake      int64     `json:"min_stake" db:"min_stake"`
	MaxStake      int64     `json:"max_stake" db:"max_stake"`
	Duration      int       `json:"duration" db:"duration"` // minutes
	CreatorPubkey string    `json:"creator_pubkey" db:"creator_pubkey"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	ExpiresAt     time.Time `json:"expires_at" db:"expires_at"`

	IsSettled        bool  `json:"is_settled" db:"is_settled"`
	SettlementResult *bool `json:"settlement_result" db:"settlement_result"`

	TotalYesPool  int64           `json:"total_yes_pool" db:"total_yes_pool"`
	TotalNoPool   int64           `json:"total_no_pool" db:"total_no_pool"`
	FeePercentage decimal.Decimal `json:"fee_percentage" db:"fee_percentage"`
}

// Expired reports whether the market is past its expiry at now.
func (m *Market) Expired(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}

// Open reports whether the market still accepts bets at now.
func (m *Market) Open(now time.Time) bool {
	return !m.IsSettled && now.Before(m.ExpiresAt)
}

// Bet is one user's staked position on a market, tracked from invoice
// creation through payment confirmation and payout delivery.
type Bet struct {
	ID         int64     `json:"id" db:"id"`
	MarketID   int64     `json:"market_id" db:"market_id"`
	UserPubkey string    `json:"user_pubkey" db:"user_pubkey"`
	Position   Position  `json:"position" db:"position"`
	Amount     int64     `json:"amount" db:"amount"` // sats
	CreatedAt  time.Time `json:"created_at" db:"created_at"`

	InvoiceID      string    `json:"invoice_id" db:"invoice_id"`
	PaymentRequest string    `json:"payment_request" db:"payment_request"` // bolt11
	PaymentHash    string    `json:"payment_hash" db:"payment_hash"`
	ExpiresAt      time.Time `json:"expires_at" db:"expires_at"` // invoice expiry
	IsPaid         bool      `json:"is_paid" db:"is_paid"`

	IsSettled     bool         `json:"is_settled" db:"is_settled"`
	Payout        int64        `json:"payout" db:"payout"`
	PayoutStatus  PayoutStatus `json:"payout_status" db:"payout_status"`
	PayoutRetries int          `json:"payout_retries" db:"payout_retries"`
	PayoutError   *string      `json:"payout_error" db:"payout_error"`
	PayoutTxID    *string      `json:"payout_tx_id" db:"payout_tx_id"`
	PayoutInvoice *string      `json:"payout_invoice" db:"payout_invoice"` // bolt11 supplied by the bettor
}

// Payout is the computed amount owed to one bet at settlement.
type Payout struct {
	BetID      int64  `json:"bet_id"`
	UserPubkey string `json:"user_pubkey"`
	Amount     int64  `json:"payout"`
}

// Settlement is the recorded outcome of settling one market.
type Settlement struct {
	MarketID        int64     `json:"market_id"`
	Score           float64   `json:"current_sentiment"`
	Threshold       float64   `json:"threshold"`
	Result          bool      `json:"result"`
	WinningPosition Position  `json:"winning_position"`
	Payouts         []Payout  `json:"payouts"`
	FeeCollected    int64     `json:"total_fees_collected"`
	SettledAt       time.Time `json:"settled_at"`
}

// Event types pushed to websocket subscribers.
const (
	EventMarketCreated   = "market_created"
	EventBetPaid         = "bet_paid"
	EventMarketSettled   = "market_settled"
	EventPayoutCompleted = "payout_completed"
	EventPayoutFailed    = "payout_failed"
)

// Event is a state change broadcast to subscribers.
type Event struct {
	Type     string `json:"type"`
	MarketID int64  `json:"market_id"`
	BetID    int64  `json:"bet_id,omitempty"`
	Data     any    `json:"data,omitempty"`
}
