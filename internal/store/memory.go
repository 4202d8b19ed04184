package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nostrmood/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A single mutex serializes every write, which makes the settlement and
// payment-confirmation transitions trivially atomic.
type MemoryStore struct {
	mu        sync.RWMutex
	markets   map[int64]*model.Market
	bets      map[int64]*model.Bet
	byInvoice map[string]int64
	marketSeq int64
	betSeq    int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[int64]*model.Market),
		bets:      make(map[int64]*model.Bet),
		byInvoice: make(map[string]int64),
	}
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.marketSeq++
	m.ID = s.marketSeq

	// Store a copy to avoid external mutation.
	copy := *m
	s.markets[m.ID] = &copy
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id int64) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %d: %w", id, model.ErrNotFound)
	}
	copy := *m
	return &copy, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].ID > markets[j].ID })
	return markets, nil
}

func (s *MemoryStore) ListExpiredUnsettled(_ context.Context, now time.Time) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Market
	for _, m := range s.markets {
		if !m.IsSettled && m.Expired(now) {
			result = append(result, *m)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ExpiresAt.Before(result[j].ExpiresAt) })
	return result, nil
}

func (s *MemoryStore) SettleMarket(_ context.Context, id int64, result bool, fn PayoutFunc) (*model.Market, []model.Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, nil, fmt.Errorf("market %d: %w", id, model.ErrNotFound)
	}
	if m.IsSettled {
		return nil, nil, fmt.Errorf("market %d: %w", id, model.ErrAlreadySettled)
	}

	res := result
	m.IsSettled = true
	m.SettlementResult = &res

	bets := s.betsByMarketLocked(id)
	snapshot := *m
	payouts := fn(&snapshot, bets)
	for _, p := range payouts {
		if b, ok := s.bets[p.BetID]; ok {
			b.Payout = p.Amount
			b.IsSettled = true
		}
	}
	return &snapshot, payouts, nil
}

func (s *MemoryStore) CreateBet(_ context.Context, b *model.Bet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[b.MarketID]; !ok {
		return fmt.Errorf("market %d: %w", b.MarketID, model.ErrNotFound)
	}
	if b.InvoiceID != "" {
		if _, dup := s.byInvoice[b.InvoiceID]; dup {
			return fmt.Errorf("invoice %s already backs a bet", b.InvoiceID)
		}
	}

	s.betSeq++
	b.ID = s.betSeq
	if b.PayoutStatus == "" {
		b.PayoutStatus = model.PayoutPending
	}

	copy := *b
	s.bets[b.ID] = &copy
	if b.InvoiceID != "" {
		s.byInvoice[b.InvoiceID] = b.ID
	}
	return nil
}

func (s *MemoryStore) GetBet(_ context.Context, id int64) (*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bets[id]
	if !ok {
		return nil, fmt.Errorf("bet %d: %w", id, model.ErrNotFound)
	}
	copy := *b
	return &copy, nil
}

func (s *MemoryStore) GetBetByInvoice(_ context.Context, invoiceID string) (*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byInvoice[invoiceID]
	if !ok {
		return nil, fmt.Errorf("invoice %s: %w", invoiceID, model.ErrNotFound)
	}
	copy := *s.bets[id]
	return &copy, nil
}

func (s *MemoryStore) ListBetsByMarket(_ context.Context, marketID int64) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.betsByMarketLocked(marketID), nil
}

// betsByMarketLocked must be called with s.mu held.
func (s *MemoryStore) betsByMarketLocked(marketID int64) []model.Bet {
	var result []model.Bet
	for _, b := range s.bets {
		if b.MarketID == marketID {
			result = append(result, *b)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (s *MemoryStore) ConfirmBetPayment(_ context.Context, invoiceID, paymentHash string, at time.Time) (*model.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byInvoice[invoiceID]
	if !ok {
		return nil, fmt.Errorf("invoice %s: %w", invoiceID, model.ErrNotFound)
	}
	b := s.bets[id]
	if b.IsPaid {
		copy := *b
		return &copy, fmt.Errorf("bet %d: %w", b.ID, model.ErrAlreadyPaid)
	}

	m := s.markets[b.MarketID]
	b.IsPaid = true
	b.PaymentHash = paymentHash

	if m.IsSettled || m.Expired(at) {
		// Too late to join the pool: refund in full.
		b.Payout = b.Amount
		b.IsSettled = true
	} else if b.Position == model.PositionYes {
		m.TotalYesPool += b.Amount
	} else {
		m.TotalNoPool += b.Amount
	}

	copy := *b
	return &copy, nil
}

func (s *MemoryStore) UpdatePayout(_ context.Context, betID int64, u PayoutUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bets[betID]
	if !ok {
		return fmt.Errorf("bet %d: %w", betID, model.ErrNotFound)
	}
	b.PayoutStatus = u.Status
	b.PayoutRetries = u.Retries
	if u.Error != nil {
		b.PayoutError = u.Error
	}
	if u.TxID != nil {
		b.PayoutTxID = u.TxID
	}
	if u.IsSettled {
		b.IsSettled = true
	}
	return nil
}

func (s *MemoryStore) SetPayoutInvoice(_ context.Context, betID int64, bolt11 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bets[betID]
	if !ok {
		return fmt.Errorf("bet %d: %w", betID, model.ErrNotFound)
	}
	if b.PayoutInvoice != nil {
		return fmt.Errorf("bet %d: %w", betID, model.ErrPayoutInvoiceSet)
	}
	inv := bolt11
	b.PayoutInvoice = &inv
	if b.PayoutStatus == model.PayoutAwaitingInvoice {
		b.PayoutStatus = model.PayoutPending
	}
	return nil
}

func (s *MemoryStore) ResetPayout(_ context.Context, betID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bets[betID]
	if !ok {
		return fmt.Errorf("bet %d: %w", betID, model.ErrNotFound)
	}
	if b.PayoutStatus != model.PayoutFailed {
		return fmt.Errorf("bet %d (%s): %w", betID, b.PayoutStatus, model.ErrPayoutNotFailed)
	}
	b.PayoutStatus = model.PayoutPending
	b.PayoutRetries = 0
	b.PayoutError = nil
	return nil
}

func (s *MemoryStore) ListPendingPayouts(_ context.Context) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Bet
	for _, b := range s.bets {
		if b.IsSettled && b.Payout > 0 && b.PayoutStatus == model.PayoutPending {
			result = append(result, *b)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)
