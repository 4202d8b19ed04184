// Package market is the application layer of the engine: it opens markets,
// takes bets against Lightning invoices, confirms their payment, and
// exposes settlement and payout controls over HTTP and websocket.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nostrmood/market-engine/internal/lightning"
	"github.com/nostrmood/market-engine/internal/metrics"
	"github.com/nostrmood/market-engine/internal/model"
	"github.com/nostrmood/market-engine/internal/proposition"
	"github.com/nostrmood/market-engine/internal/store"
)

// Settler settles one market on demand.
type Settler interface {
	SettleMarket(ctx context.Context, marketID int64) (*model.Settlement, error)
}

// Payouts schedules payout delivery.
type Payouts interface {
	Enqueue(betID int64) bool
	Reset(ctx context.Context, betID int64) error
}

// Publisher receives state changes for subscribers.
type Publisher interface {
	Publish(model.Event)
}

// Payment states reported by GetBetStatus.
const (
	PaymentPaid    = "paid"
	PaymentPending = "pending"
	PaymentExpired = "expired"
)

// Options configures a Service. All fields are optional.
type Options struct {
	DefaultFee decimal.Decimal // fee for markets that don't name one
	MemoPrefix string          // invoice memo prefix; default "NostrMood bet"
	Events     Publisher
	Clock      func() time.Time // default time.Now
}

// Service implements the market operations. It holds no market state of
// its own; every mutation goes through the store.
type Service struct {
	store   store.Store
	rail    lightning.Rail
	settler Settler
	payouts Payouts
	events  Publisher

	defaultFee decimal.Decimal
	memoPrefix string
	now        func() time.Time
}

// NewService creates a Service.
func NewService(st store.Store, rail lightning.Rail, settler Settler, payouts Payouts, opts Options) *Service {
	if opts.MemoPrefix == "" {
		opts.MemoPrefix = "NostrMood bet"
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Service{
		store:      st,
		rail:       rail,
		settler:    settler,
		payouts:    payouts,
		events:     opts.Events,
		defaultFee: opts.DefaultFee,
		memoPrefix: opts.MemoPrefix,
		now:        opts.Clock,
	}
}

// BetReceipt is returned when a bet is placed: the bet plus the invoice the
// bettor must pay for it to count.
type BetReceipt struct {
	Bet            *model.Bet `json:"bet"`
	PaymentRequest string     `json:"payment_request"`
	InvoiceID      string     `json:"invoice_id"`
	ExpiresAt      time.Time  `json:"expires_at"`
}

// BetStatus is a bet with the state of its stake invoice.
type BetStatus struct {
	*model.Bet
	PaymentState string `json:"payment_state"`
}

// CreateMarket validates terms and opens a market.
func (s *Service) CreateMarket(ctx context.Context, terms proposition.Terms) (*model.Market, error) {
	m, err := proposition.NewMarket(terms, s.now(), s.defaultFee)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateMarket(ctx, m); err != nil {
		return nil, fmt.Errorf("create market: %w", err)
	}

	metrics.MarketsCreated.Inc()
	metrics.OpenMarkets.Inc()

	slog.Info("market created",
		"market_id", m.ID,
		"post_id", m.PostID,
		"threshold", m.Threshold,
		"expires_at", m.ExpiresAt,
		"fee", m.FeePercentage.String(),
	)
	s.publish(model.Event{Type: model.EventMarketCreated, MarketID: m.ID, Data: m})
	return m, nil
}

// GetMarket returns one market.
func (s *Service) GetMarket(ctx context.Context, id int64) (*model.Market, error) {
	return s.store.GetMarket(ctx, id)
}

// ListMarkets returns every market, newest first.
func (s *Service) ListMarkets(ctx context.Context) ([]model.Market, error) {
	markets, err := s.store.ListMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	if markets == nil {
		markets = []model.Market{}
	}
	return markets, nil
}

// ListBets returns the bets on a market.
func (s *Service) ListBets(ctx context.Context, marketID int64) ([]model.Bet, error) {
	if _, err := s.store.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	bets, err := s.store.ListBetsByMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("list bets for market %d: %w", marketID, err)
	}
	if bets == nil {
		bets = []model.Bet{}
	}
	return bets, nil
}

// PlaceBet issues an invoice for a stake and records the unpaid bet. The
// bet joins its pool only when ConfirmPayment sees the invoice paid.
func (s *Service) PlaceBet(ctx context.Context, req proposition.BetRequest) (*BetReceipt, error) {
	if err := proposition.ValidateBet(&req); err != nil {
		return nil, err
	}
	m, err := s.store.GetMarket(ctx, req.MarketID)
	if err != nil {
		return nil, err
	}
	if err := proposition.CheckStake(m, req.Amount, s.now()); err != nil {
		return nil, err
	}

	inv, err := s.rail.CreateInvoice(ctx, req.Amount, proposition.Memo(s.memoPrefix, req.Position, m.Question))
	if err != nil {
		return nil, fmt.Errorf("%w: create invoice: %w", model.ErrRailUnavailable, err)
	}

	bet := &model.Bet{
		MarketID:       m.ID,
		UserPubkey:     req.UserPubkey,
		Position:       req.Position,
		Amount:         req.Amount,
		CreatedAt:      s.now().UTC(),
		InvoiceID:      inv.InvoiceID,
		PaymentRequest: inv.PaymentRequest,
		ExpiresAt:      inv.ExpiresAt,
		PayoutStatus:   model.PayoutPending,
	}
	if err := s.store.CreateBet(ctx, bet); err != nil {
		return nil, fmt.Errorf("create bet: %w", err)
	}

	metrics.BetsPlaced.WithLabelValues(string(bet.Position)).Inc()
	slog.Info("bet placed",
		"bet_id", bet.ID,
		"market_id", m.ID,
		"position", bet.Position,
		"amount", bet.Amount,
		"invoice_id", inv.InvoiceID,
	)

	return &BetReceipt{
		Bet:            bet,
		PaymentRequest: inv.PaymentRequest,
		InvoiceID:      inv.InvoiceID,
		ExpiresAt:      inv.ExpiresAt,
	}, nil
}

// ConfirmPayment records that the invoice backing a bet was paid. The
// caller's word is not enough: the rail must report the invoice settled,
// otherwise model.ErrPaymentNotReceived is returned and nothing changes. A
// repeat confirmation returns the bet unchanged. A payment that lands after
// its market expired or settled is refunded in full.
func (s *Service) ConfirmPayment(ctx context.Context, invoiceID, paymentHash string) (*model.Bet, error) {
	if invoiceID == "" {
		return nil, fmt.Errorf("%w: invoice_id is required", model.ErrInvalidBet)
	}

	bet, err := s.store.GetBetByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if bet.IsPaid {
		slog.Debug("duplicate payment confirmation ignored", "invoice_id", invoiceID)
		return bet, nil
	}

	paid, err := s.rail.CheckInvoice(ctx, bet.InvoiceID)
	if err != nil {
		return nil, fmt.Errorf("%w: check invoice %s: %w", model.ErrRailUnavailable, bet.InvoiceID, err)
	}
	if !paid {
		slog.Warn("payment confirmation for unpaid invoice rejected", "bet_id", bet.ID, "invoice_id", invoiceID)
		return nil, fmt.Errorf("bet %d: %w", bet.ID, model.ErrPaymentNotReceived)
	}

	bet, err = s.store.ConfirmBetPayment(ctx, invoiceID, paymentHash, s.now())
	if errors.Is(err, model.ErrAlreadyPaid) {
		slog.Debug("duplicate payment confirmation ignored", "invoice_id", invoiceID)
		if bet == nil {
			return s.store.GetBetByInvoice(ctx, invoiceID)
		}
		return bet, nil
	}
	if err != nil {
		return nil, err
	}

	late := bet.IsSettled
	metrics.BetsPaid.WithLabelValues(string(bet.Position), strconv.FormatBool(late)).Inc()
	if late {
		slog.Warn("payment arrived after settlement, refunding",
			"bet_id", bet.ID, "market_id", bet.MarketID, "amount", bet.Amount)
		if s.payouts != nil {
			s.payouts.Enqueue(bet.ID)
		}
	} else {
		metrics.StakedSats.WithLabelValues(string(bet.Position)).Add(float64(bet.Amount))
		slog.Info("bet paid", "bet_id", bet.ID, "market_id", bet.MarketID, "position", bet.Position, "amount", bet.Amount)
	}

	s.publish(model.Event{
		Type:     model.EventBetPaid,
		MarketID: bet.MarketID,
		BetID:    bet.ID,
		Data:     map[string]any{"position": bet.Position, "amount": bet.Amount, "refund": late},
	})
	return bet, nil
}

// SettleMarket settles an expired market on demand.
func (s *Service) SettleMarket(ctx context.Context, marketID int64) (*model.Settlement, error) {
	return s.settler.SettleMarket(ctx, marketID)
}

// GetBetStatus returns a bet with the state of its stake invoice.
func (s *Service) GetBetStatus(ctx context.Context, betID int64) (*BetStatus, error) {
	bet, err := s.store.GetBet(ctx, betID)
	if err != nil {
		return nil, err
	}
	state := PaymentPending
	switch {
	case bet.IsPaid:
		state = PaymentPaid
	case !bet.ExpiresAt.IsZero() && !s.now().Before(bet.ExpiresAt):
		state = PaymentExpired
	}
	return &BetStatus{Bet: bet, PaymentState: state}, nil
}

// SubmitPayoutInvoice records where a bet's payout should be sent. Only the
// first destination is accepted; later submissions fail with
// model.ErrPayoutInvoiceSet. A settled bet with an undelivered payout is
// scheduled straight away.
func (s *Service) SubmitPayoutInvoice(ctx context.Context, betID int64, bolt11 string) (*model.Bet, error) {
	if err := proposition.ValidatePayoutInvoice(bolt11); err != nil {
		return nil, err
	}
	bet, err := s.store.GetBet(ctx, betID)
	if err != nil {
		return nil, err
	}
	if bet.PayoutStatus == model.PayoutCompleted {
		return nil, fmt.Errorf("bet %d: %w: payout already delivered", betID, model.ErrInvalidBet)
	}

	if err := s.store.SetPayoutInvoice(ctx, betID, bolt11); err != nil {
		return nil, err
	}
	bet, err = s.store.GetBet(ctx, betID)
	if err != nil {
		return nil, err
	}
	if bet.IsSettled && bet.Payout > 0 && bet.PayoutStatus == model.PayoutPending && s.payouts != nil {
		s.payouts.Enqueue(bet.ID)
	}
	slog.Info("payout invoice submitted", "bet_id", betID, "status", bet.PayoutStatus)
	return bet, nil
}

// RetryPayout re-runs delivery for a payout that exhausted its retries.
func (s *Service) RetryPayout(ctx context.Context, betID int64) (*model.Bet, error) {
	if err := s.payouts.Reset(ctx, betID); err != nil {
		return nil, err
	}
	return s.store.GetBet(ctx, betID)
}

// WalletBalance reports the rail's wallet balance.
func (s *Service) WalletBalance(ctx context.Context) (*lightning.Balance, error) {
	b, err := s.rail.Balance(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: balance: %w", model.ErrRailUnavailable, err)
	}
	return b, nil
}

func (s *Service) publish(e model.Event) {
	if s.events != nil {
		s.events.Publish(e)
	}
}
