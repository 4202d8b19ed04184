package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nostrmood/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL or SQLite) with a Redis
// read-through cache for single markets and bets. Writes go to the primary
// store and invalidate the cache; reads check Redis first then fall back to
// the primary.
//
// The atomic transitions always run against the primary, so a stale cache
// entry can never let a market settle twice.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cache(ctx, marketKey(m.ID), m)
	return nil
}

func (s *CachedStore) SettleMarket(ctx context.Context, id int64, result bool, fn PayoutFunc) (*model.Market, []model.Payout, error) {
	m, payouts, err := s.primary.SettleMarket(ctx, id, result, fn)
	if err != nil {
		return nil, nil, err
	}
	keys := []string{marketKey(id)}
	for _, p := range payouts {
		keys = append(keys, betKey(p.BetID))
	}
	s.rdb.Del(ctx, keys...)
	return m, payouts, nil
}

func (s *CachedStore) CreateBet(ctx context.Context, b *model.Bet) error {
	if err := s.primary.CreateBet(ctx, b); err != nil {
		return err
	}
	s.cache(ctx, betKey(b.ID), b)
	return nil
}

func (s *CachedStore) ConfirmBetPayment(ctx context.Context, invoiceID, paymentHash string, at time.Time) (*model.Bet, error) {
	b, err := s.primary.ConfirmBetPayment(ctx, invoiceID, paymentHash, at)
	if b != nil {
		// Pools moved (or the bet became a refund); drop both entries.
		s.rdb.Del(ctx, betKey(b.ID), marketKey(b.MarketID))
	}
	return b, err
}

func (s *CachedStore) UpdatePayout(ctx context.Context, betID int64, u PayoutUpdate) error {
	if err := s.primary.UpdatePayout(ctx, betID, u); err != nil {
		return err
	}
	s.rdb.Del(ctx, betKey(betID))
	return nil
}

func (s *CachedStore) SetPayoutInvoice(ctx context.Context, betID int64, bolt11 string) error {
	if err := s.primary.SetPayoutInvoice(ctx, betID, bolt11); err != nil {
		return err
	}
	s.rdb.Del(ctx, betKey(betID))
	return nil
}

func (s *CachedStore) ResetPayout(ctx context.Context, betID int64) error {
	if err := s.primary.ResetPayout(ctx, betID); err != nil {
		return err
	}
	s.rdb.Del(ctx, betKey(betID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id int64) (*model.Market, error) {
	var m model.Market
	if s.lookup(ctx, marketKey(id), &m) {
		return &m, nil
	}

	// Cache miss: read from primary.
	fresh, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, marketKey(id), fresh)
	return fresh, nil
}

func (s *CachedStore) GetBet(ctx context.Context, id int64) (*model.Bet, error) {
	var b model.Bet
	if s.lookup(ctx, betKey(id), &b) {
		return &b, nil
	}

	fresh, err := s.primary.GetBet(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, betKey(id), fresh)
	return fresh, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListExpiredUnsettled(ctx context.Context, now time.Time) ([]model.Market, error) {
	return s.primary.ListExpiredUnsettled(ctx, now)
}

func (s *CachedStore) GetBetByInvoice(ctx context.Context, invoiceID string) (*model.Bet, error) {
	return s.primary.GetBetByInvoice(ctx, invoiceID)
}

func (s *CachedStore) ListBetsByMarket(ctx context.Context, marketID int64) ([]model.Bet, error) {
	return s.primary.ListBetsByMarket(ctx, marketID)
}

func (s *CachedStore) ListPendingPayouts(ctx context.Context) ([]model.Bet, error) {
	return s.primary.ListPendingPayouts(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) lookup(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func marketKey(id int64) string { return fmt.Sprintf("mood:market:%d", id) }
func betKey(id int64) string    { return fmt.Sprintf("mood:bet:%d", id) }

var _ Store = (*CachedStore)(nil)
