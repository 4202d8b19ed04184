package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/nostrmood/market-engine/internal/model"
	"github.com/nostrmood/market-engine/internal/payout"
	"github.com/nostrmood/market-engine/internal/store"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func payoutFn(result bool) store.PayoutFunc {
	return func(m *model.Market, bets []model.Bet) []model.Payout {
		return payout.Compute(m, bets, result).Payouts
	}
}

func seedMarket(t *testing.T, s store.Store) *model.Market {
	t.Helper()
	m := &model.Market{
		PostID:        "note1",
		Question:      "Will this post stay positive?",
		Threshold:     0.5,
		MinStake:      1,
		MaxStake:      1000,
		Duration:      60,
		CreatorPubkey: "creator",
		CreatedAt:     t0,
		ExpiresAt:     t0.Add(time.Hour),
		FeePercentage: decimal.NewFromInt(5),
	}
	if err := s.CreateMarket(context.Background(), m); err != nil {
		t.Fatalf("seed market: %v", err)
	}
	return m
}

func seedPaidBet(t *testing.T, s store.Store, marketID int64, user string, pos model.Position, amount int64) *model.Bet {
	t.Helper()
	b := seedBet(t, s, marketID, user, pos, amount)
	if _, err := s.ConfirmBetPayment(context.Background(), b.InvoiceID, "hash-"+b.InvoiceID, t0); err != nil {
		t.Fatalf("confirm bet: %v", err)
	}
	return b
}

func seedBet(t *testing.T, s store.Store, marketID int64, user string, pos model.Position, amount int64) *model.Bet {
	t.Helper()
	b := &model.Bet{
		MarketID:       marketID,
		UserPubkey:     user,
		Position:       pos,
		Amount:         amount,
		CreatedAt:      t0,
		InvoiceID:      "inv-" + user,
		PaymentRequest: "lnbc" + user,
		ExpiresAt:      t0.Add(time.Hour),
	}
	if err := s.CreateBet(context.Background(), b); err != nil {
		t.Fatalf("seed bet: %v", err)
	}
	return b
}

// backends returns a fresh instance of every Store implementation that can
// run without external services.
func backends(t *testing.T) map[string]store.Store {
	t.Helper()

	lite, err := store.OpenSQLite(filepath.Join(t.TempDir(), "mood.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { lite.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return map[string]store.Store{
		"memory": store.NewMemoryStore(),
		"sqlite": lite,
		"cached": store.NewCachedStore(store.NewMemoryStore(), rdb, time.Minute),
	}
}

func TestStore_CreateAndGetMarket(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := seedMarket(t, s)
			if m.ID == 0 {
				t.Fatal("expected market ID to be assigned")
			}

			got, err := s.GetMarket(ctx, m.ID)
			if err != nil {
				t.Fatalf("get market: %v", err)
			}
			if got.PostID != "note1" || got.MaxStake != 1000 || got.IsSettled {
				t.Errorf("unexpected market: %+v", got)
			}
			if !got.FeePercentage.Equal(decimal.NewFromInt(5)) {
				t.Errorf("fee = %s, want 5", got.FeePercentage)
			}
			if !got.ExpiresAt.Equal(t0.Add(time.Hour)) {
				t.Errorf("expires_at = %v", got.ExpiresAt)
			}

			if _, err := s.GetMarket(ctx, 9999); !errors.Is(err, model.ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStore_ConfirmPaymentIncrementsPool(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := seedMarket(t, s)
			seedPaidBet(t, s, m.ID, "alice", model.PositionYes, 100)
			seedPaidBet(t, s, m.ID, "bob", model.PositionNo, 40)
			seedBet(t, s, m.ID, "carol", model.PositionYes, 500) // never paid

			got, _ := s.GetMarket(ctx, m.ID)
			if got.TotalYesPool != 100 || got.TotalNoPool != 40 {
				t.Errorf("pools = %d/%d, want 100/40", got.TotalYesPool, got.TotalNoPool)
			}

			_, err := s.ConfirmBetPayment(ctx, "inv-alice", "again", t0)
			if !errors.Is(err, model.ErrAlreadyPaid) {
				t.Fatalf("expected ErrAlreadyPaid, got %v", err)
			}
			got, _ = s.GetMarket(ctx, m.ID)
			if got.TotalYesPool != 100 {
				t.Errorf("duplicate confirmation moved pool to %d", got.TotalYesPool)
			}
		})
	}
}

func TestStore_SettleMarketOnce(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := seedMarket(t, s)
			a := seedPaidBet(t, s, m.ID, "alice", model.PositionYes, 500)
			b := seedPaidBet(t, s, m.ID, "bob", model.PositionNo, 500)

			settled, payouts, err := s.SettleMarket(ctx, m.ID, true, payoutFn(true))
			if err != nil {
				t.Fatalf("settle: %v", err)
			}
			if !settled.IsSettled || settled.SettlementResult == nil || !*settled.SettlementResult {
				t.Errorf("unexpected settled market: %+v", settled)
			}
			if len(payouts) != 2 {
				t.Fatalf("expected 2 payouts, got %d", len(payouts))
			}

			gotA, _ := s.GetBet(ctx, a.ID)
			gotB, _ := s.GetBet(ctx, b.ID)
			// fee = floor(500 × 5 / 100) = 25; alice gets 500 + 475.
			if gotA.Payout != 975 || !gotA.IsSettled {
				t.Errorf("alice payout = %d settled=%v, want 975", gotA.Payout, gotA.IsSettled)
			}
			if gotB.Payout != 0 || !gotB.IsSettled {
				t.Errorf("bob payout = %d settled=%v, want 0", gotB.Payout, gotB.IsSettled)
			}

			_, _, err = s.SettleMarket(ctx, m.ID, false, payoutFn(false))
			if !errors.Is(err, model.ErrAlreadySettled) {
				t.Fatalf("expected ErrAlreadySettled, got %v", err)
			}
			gotA, _ = s.GetBet(ctx, a.ID)
			if gotA.Payout != 975 {
				t.Errorf("second settle changed payout to %d", gotA.Payout)
			}

			if _, _, err := s.SettleMarket(ctx, 9999, true, payoutFn(true)); !errors.Is(err, model.ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStore_ConcurrentSettleHasOneWinner(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := seedMarket(t, s)
			seedPaidBet(t, s, m.ID, "alice", model.PositionYes, 100)

			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				wins     int
				rejected int
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, _, err := s.SettleMarket(ctx, m.ID, true, payoutFn(true))
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						wins++
					case errors.Is(err, model.ErrAlreadySettled):
						rejected++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()

			if wins != 1 || rejected != 7 {
				t.Errorf("wins=%d rejected=%d, want 1/7", wins, rejected)
			}
		})
	}
}

func TestStore_LateConfirmationIsRefund(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := seedMarket(t, s)
			seedPaidBet(t, s, m.ID, "alice", model.PositionYes, 100)
			late := seedBet(t, s, m.ID, "bob", model.PositionNo, 70)

			if _, _, err := s.SettleMarket(ctx, m.ID, true, payoutFn(true)); err != nil {
				t.Fatalf("settle: %v", err)
			}

			b, err := s.ConfirmBetPayment(ctx, late.InvoiceID, "late-hash", t0)
			if err != nil {
				t.Fatalf("late confirm: %v", err)
			}
			if !b.IsPaid || !b.IsSettled || b.Payout != 70 {
				t.Errorf("late bet = %+v, want refund of 70", b)
			}

			got, _ := s.GetMarket(ctx, m.ID)
			if got.TotalNoPool != 0 {
				t.Errorf("settled market pool moved to %d", got.TotalNoPool)
			}
		})
	}
}

func TestStore_ConfirmationAfterExpiryIsRefund(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := seedMarket(t, s)
			seedPaidBet(t, s, m.ID, "alice", model.PositionYes, 100)
			seedPaidBet(t, s, m.ID, "bob", model.PositionNo, 100)
			late := seedBet(t, s, m.ID, "carol", model.PositionYes, 300)

			// Paid at the expiry instant, before any settlement ran.
			b, err := s.ConfirmBetPayment(ctx, late.InvoiceID, "late-hash", m.ExpiresAt)
			if err != nil {
				t.Fatalf("confirm: %v", err)
			}
			if !b.IsPaid || !b.IsSettled || b.Payout != 300 {
				t.Errorf("late bet = %+v, want refund of 300", b)
			}
			got, _ := s.GetMarket(ctx, m.ID)
			if got.TotalYesPool != 100 {
				t.Errorf("expired market pool moved to %d", got.TotalYesPool)
			}

			_, payouts, err := s.SettleMarket(ctx, m.ID, true, payoutFn(true))
			if err != nil {
				t.Fatalf("settle: %v", err)
			}
			for _, p := range payouts {
				if p.BetID == late.ID {
					t.Errorf("refunded bet joined the settlement: %+v", p)
				}
			}
			after, _ := s.GetBet(ctx, late.ID)
			if after.Payout != 300 {
				t.Errorf("refund overwritten to %d", after.Payout)
			}
		})
	}
}

func TestStore_PayoutLifecycle(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := seedMarket(t, s)
			a := seedPaidBet(t, s, m.ID, "alice", model.PositionYes, 100)
			seedPaidBet(t, s, m.ID, "bob", model.PositionNo, 100)
			if _, _, err := s.SettleMarket(ctx, m.ID, true, payoutFn(true)); err != nil {
				t.Fatalf("settle: %v", err)
			}

			pending, err := s.ListPendingPayouts(ctx)
			if err != nil {
				t.Fatalf("list pending: %v", err)
			}
			if len(pending) != 1 || pending[0].ID != a.ID {
				t.Fatalf("pending = %+v, want only alice", pending)
			}

			if err := s.ResetPayout(ctx, a.ID); !errors.Is(err, model.ErrPayoutNotFailed) {
				t.Errorf("expected ErrPayoutNotFailed, got %v", err)
			}

			msg := "no route"
			if err := s.UpdatePayout(ctx, a.ID, store.PayoutUpdate{
				Status: model.PayoutFailed, Retries: 3, Error: &msg,
			}); err != nil {
				t.Fatalf("update payout: %v", err)
			}
			got, _ := s.GetBet(ctx, a.ID)
			if got.PayoutStatus != model.PayoutFailed || got.PayoutRetries != 3 ||
				got.PayoutError == nil || *got.PayoutError != "no route" {
				t.Errorf("unexpected failed bet: %+v", got)
			}

			if err := s.ResetPayout(ctx, a.ID); err != nil {
				t.Fatalf("reset payout: %v", err)
			}
			got, _ = s.GetBet(ctx, a.ID)
			if got.PayoutStatus != model.PayoutPending || got.PayoutRetries != 0 || got.PayoutError != nil {
				t.Errorf("unexpected reset bet: %+v", got)
			}

			tx := "pay-1"
			if err := s.UpdatePayout(ctx, a.ID, store.PayoutUpdate{
				Status: model.PayoutCompleted, Retries: 1, TxID: &tx, IsSettled: true,
			}); err != nil {
				t.Fatalf("complete payout: %v", err)
			}
			pending, _ = s.ListPendingPayouts(ctx)
			if len(pending) != 0 {
				t.Errorf("expected no pending payouts, got %d", len(pending))
			}
		})
	}
}

func TestStore_SetPayoutInvoice(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := seedMarket(t, s)
			a := seedPaidBet(t, s, m.ID, "alice", model.PositionYes, 100)

			if err := s.UpdatePayout(ctx, a.ID, store.PayoutUpdate{Status: model.PayoutAwaitingInvoice}); err != nil {
				t.Fatalf("update payout: %v", err)
			}
			if err := s.SetPayoutInvoice(ctx, a.ID, "lnbc1payout"); err != nil {
				t.Fatalf("set invoice: %v", err)
			}
			got, _ := s.GetBet(ctx, a.ID)
			if got.PayoutStatus != model.PayoutPending || got.PayoutInvoice == nil || *got.PayoutInvoice != "lnbc1payout" {
				t.Errorf("unexpected bet: %+v", got)
			}

			if err := s.SetPayoutInvoice(ctx, a.ID, "lnbc1other"); !errors.Is(err, model.ErrPayoutInvoiceSet) {
				t.Errorf("expected ErrPayoutInvoiceSet, got %v", err)
			}
			got, _ = s.GetBet(ctx, a.ID)
			if *got.PayoutInvoice != "lnbc1payout" {
				t.Errorf("payout invoice overwritten to %q", *got.PayoutInvoice)
			}

			if err := s.SetPayoutInvoice(ctx, 9999, "x"); !errors.Is(err, model.ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStore_ListExpiredUnsettled(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			expired := seedMarket(t, s)
			settled := seedMarket(t, s)
			if _, _, err := s.SettleMarket(ctx, settled.ID, true, payoutFn(true)); err != nil {
				t.Fatalf("settle: %v", err)
			}

			got, err := s.ListExpiredUnsettled(ctx, t0.Add(time.Hour))
			if err != nil {
				t.Fatalf("list expired: %v", err)
			}
			if len(got) != 1 || got[0].ID != expired.ID {
				t.Errorf("expired = %+v, want only market %d", got, expired.ID)
			}

			got, _ = s.ListExpiredUnsettled(ctx, t0.Add(59*time.Minute))
			if len(got) != 0 {
				t.Errorf("expected nothing before expiry, got %d", len(got))
			}
		})
	}
}

func TestCachedStore_InvalidatesOnConfirm(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	cs := store.NewCachedStore(store.NewMemoryStore(), rdb, time.Minute)
	m := seedMarket(t, cs)

	// Prime the cache.
	if _, err := cs.GetMarket(ctx, m.ID); err != nil {
		t.Fatalf("get market: %v", err)
	}
	if !mr.Exists("mood:market:1") {
		t.Fatal("expected market to be cached")
	}

	seedPaidBet(t, cs, m.ID, "alice", model.PositionYes, 100)
	if mr.Exists("mood:market:1") {
		t.Error("expected confirm to invalidate market cache")
	}

	got, _ := cs.GetMarket(ctx, m.ID)
	if got.TotalYesPool != 100 {
		t.Errorf("pool = %d, want 100", got.TotalYesPool)
	}
}

func TestRedisLocker_Exclusive(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	l := store.NewRedisLocker(rdb)

	unlock, err := l.Acquire(ctx, "settle:1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := l.Acquire(ctx, "settle:1", time.Minute); !errors.Is(err, model.ErrSettlementInProgress) {
		t.Fatalf("expected ErrSettlementInProgress, got %v", err)
	}

	unlock()
	unlock()

	again, err := l.Acquire(ctx, "settle:1", time.Minute)
	if err != nil {
		t.Fatalf("re-acquire after unlock: %v", err)
	}
	again()
}

func TestLocalLocker_Exclusive(t *testing.T) {
	ctx := context.Background()
	l := store.NewLocalLocker()

	unlock, err := l.Acquire(ctx, "settle:1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := l.Acquire(ctx, "settle:1", time.Minute); !errors.Is(err, model.ErrSettlementInProgress) {
		t.Fatalf("expected ErrSettlementInProgress, got %v", err)
	}
	if other, err := l.Acquire(ctx, "settle:2", time.Minute); err != nil {
		t.Fatalf("independent key: %v", err)
	} else {
		other()
	}
	unlock()
	if _, err := l.Acquire(ctx, "settle:1", time.Minute); err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
}
