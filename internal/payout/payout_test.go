package payout

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/nostrmood/market-engine/internal/model"
)

func market(fee float64) *model.Market {
	return &model.Market{ID: 1, Threshold: 0.6, FeePercentage: decimal.NewFromFloat(fee)}
}

func bet(id int64, pos model.Position, amount int64, paid bool) model.Bet {
	return model.Bet{ID: id, MarketID: 1, UserPubkey: "user", Position: pos, Amount: amount, IsPaid: paid}
}

func payoutFor(t *testing.T, bd Breakdown, betID int64) int64 {
	t.Helper()
	for _, p := range bd.Payouts {
		if p.BetID == betID {
			return p.Amount
		}
	}
	t.Fatalf("no payout record for bet %d", betID)
	return 0
}

// --- Worked examples ---

func TestCompute_TwoYesOneNo(t *testing.T) {
	bets := []model.Bet{
		bet(1, model.PositionYes, 500, true),
		bet(2, model.PositionYes, 500, true),
		bet(3, model.PositionNo, 500, true),
	}
	bd := Compute(market(5), bets, true)

	if bd.TotalWinning != 1000 || bd.TotalLosing != 500 {
		t.Fatalf("pools: winning=%d losing=%d", bd.TotalWinning, bd.TotalLosing)
	}
	if bd.Fee != 25 {
		t.Errorf("expected fee 25, got %d", bd.Fee)
	}
	if bd.DistributionPool != 475 {
		t.Errorf("expected distribution pool 475, got %d", bd.DistributionPool)
	}
	if got := payoutFor(t, bd, 1); got != 737 {
		t.Errorf("bet 1: expected 737, got %d", got)
	}
	if got := payoutFor(t, bd, 2); got != 737 {
		t.Errorf("bet 2: expected 737, got %d", got)
	}
	if got := payoutFor(t, bd, 3); got != 0 {
		t.Errorf("losing bet: expected 0, got %d", got)
	}
	if total := Total(bd.Payouts); total != 1474 {
		t.Errorf("expected total 1474, got %d", total)
	}
	if Total(bd.Payouts)+bd.Fee > 1500 {
		t.Error("paid out more than was staked")
	}
}

func TestCompute_ZeroWinnerRefund(t *testing.T) {
	bets := []model.Bet{bet(7, model.PositionNo, 500, true)}
	bd := Compute(market(5), bets, true)

	if !bd.Refund {
		t.Error("expected refund case")
	}
	if bd.Fee != 0 {
		t.Errorf("expected no fee on refund, got %d", bd.Fee)
	}
	if len(bd.Payouts) != 1 {
		t.Fatalf("expected 1 payout, got %d", len(bd.Payouts))
	}
	if bd.Payouts[0].Amount != 500 {
		t.Errorf("expected full refund 500, got %d", bd.Payouts[0].Amount)
	}
}

func TestCompute_ZeroWinnerRefundsEveryPaidBet(t *testing.T) {
	bets := []model.Bet{
		bet(1, model.PositionNo, 300, true),
		bet(2, model.PositionNo, 200, true),
		bet(3, model.PositionNo, 900, false),
	}
	bd := Compute(market(10), bets, true)

	if len(bd.Payouts) != 2 {
		t.Fatalf("expected refunds for 2 paid bets, got %d", len(bd.Payouts))
	}
	if payoutFor(t, bd, 1) != 300 || payoutFor(t, bd, 2) != 200 {
		t.Errorf("refunds must equal stakes: %+v", bd.Payouts)
	}
}

func TestCompute_NoPaidBets(t *testing.T) {
	bets := []model.Bet{bet(1, model.PositionYes, 100, false)}
	bd := Compute(market(5), bets, true)
	if len(bd.Payouts) != 0 {
		t.Errorf("expected no payouts, got %+v", bd.Payouts)
	}
	if bd.Fee != 0 {
		t.Errorf("expected no fee, got %d", bd.Fee)
	}
}

// --- Unpaid bets ---

func TestCompute_IgnoresUnpaidBets(t *testing.T) {
	bets := []model.Bet{
		bet(1, model.PositionYes, 100, true),
		bet(2, model.PositionYes, 10000, false),
		bet(3, model.PositionNo, 100, true),
		bet(4, model.PositionNo, 10000, false),
	}
	bd := Compute(market(0), bets, true)

	if bd.TotalWinning != 100 || bd.TotalLosing != 100 {
		t.Errorf("unpaid bets leaked into pools: winning=%d losing=%d", bd.TotalWinning, bd.TotalLosing)
	}
	if got := payoutFor(t, bd, 1); got != 200 {
		t.Errorf("expected 200, got %d", got)
	}
	for _, p := range bd.Payouts {
		if p.BetID == 2 || p.BetID == 4 {
			t.Errorf("unpaid bet %d received a payout record", p.BetID)
		}
	}
}

func TestCompute_SkipsRefundedBets(t *testing.T) {
	refunded := bet(3, model.PositionYes, 400, true)
	refunded.IsSettled = true
	refunded.Payout = 400

	bets := []model.Bet{
		bet(1, model.PositionYes, 100, true),
		bet(2, model.PositionNo, 100, true),
		refunded,
	}
	bd := Compute(market(0), bets, true)

	if bd.TotalWinning != 100 {
		t.Errorf("refunded stake counted in winning side: %d", bd.TotalWinning)
	}
	if got := payoutFor(t, bd, 1); got != 200 {
		t.Errorf("expected 200, got %d", got)
	}
	for _, p := range bd.Payouts {
		if p.BetID == 3 {
			t.Errorf("refunded bet received a second payout record: %+v", p)
		}
	}

	// No winners left: only the unrefunded bet is returned.
	bd = Compute(market(0), []model.Bet{bet(2, model.PositionNo, 100, true), refunded}, true)
	if !bd.Refund || len(bd.Payouts) != 1 || bd.Payouts[0].BetID != 2 {
		t.Errorf("unexpected refund breakdown: %+v", bd)
	}
}

func TestCompute_NoSideWins(t *testing.T) {
	bets := []model.Bet{
		bet(1, model.PositionYes, 400, true),
		bet(2, model.PositionNo, 600, true),
	}
	bd := Compute(market(5), bets, false)

	if got := payoutFor(t, bd, 2); got != 600+Share(400-20, 600, 600) {
		t.Errorf("expected 980, got %d", got)
	}
	if got := payoutFor(t, bd, 1); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
}

// --- Fee ---

func TestFee_Floors(t *testing.T) {
	cases := []struct {
		losing int64
		pct    string
		want   int64
	}{
		{500, "5", 25},
		{999, "5", 49},
		{1, "20", 0},
		{1000, "2.5", 25},
		{333, "2.5", 8},
		{1000, "0", 0},
		{0, "5", 0},
	}
	for _, c := range cases {
		got := Fee(c.losing, decimal.RequireFromString(c.pct))
		if got != c.want {
			t.Errorf("Fee(%d, %s): expected %d, got %d", c.losing, c.pct, c.want, got)
		}
	}
}

// --- Rounding slack ---

func TestCompute_ConservationWithRoundingSlack(t *testing.T) {
	bets := []model.Bet{
		bet(1, model.PositionYes, 333, true),
		bet(2, model.PositionYes, 333, true),
		bet(3, model.PositionYes, 334, true),
		bet(4, model.PositionNo, 1001, true),
		bet(5, model.PositionNo, 17, true),
	}
	bd := Compute(market(3), bets, true)

	var winnersTotal int64
	for _, p := range bd.Payouts {
		if p.BetID <= 3 {
			winnersTotal += p.Amount
		}
	}
	ceiling := bd.TotalWinning + bd.DistributionPool
	if winnersTotal > ceiling {
		t.Fatalf("winners paid %d, ceiling %d", winnersTotal, ceiling)
	}
	if deficit := ceiling - winnersTotal; deficit >= 3 {
		t.Errorf("rounding deficit %d must be below winning bet count 3", deficit)
	}
	if bd.Fee != Fee(1018, decimal.NewFromInt(3)) {
		t.Errorf("fee mismatch: %d", bd.Fee)
	}
}

func TestCompute_Deterministic(t *testing.T) {
	bets := []model.Bet{
		bet(1, model.PositionYes, 120, true),
		bet(2, model.PositionNo, 77, true),
		bet(3, model.PositionYes, 45, true),
	}
	a := Compute(market(7.5), bets, true)
	b := Compute(market(7.5), bets, true)
	if len(a.Payouts) != len(b.Payouts) {
		t.Fatal("payout count differs between runs")
	}
	for i := range a.Payouts {
		if a.Payouts[i] != b.Payouts[i] {
			t.Errorf("payout %d differs: %+v vs %+v", i, a.Payouts[i], b.Payouts[i])
		}
	}
}

// --- Share ---

func TestShare_LargeValuesDoNotOverflow(t *testing.T) {
	const big = int64(2_000_000_000_000_000)
	if got := Share(big, big, big); got != big {
		t.Errorf("expected %d, got %d", big, got)
	}
}

func TestShare_ZeroTotal(t *testing.T) {
	if got := Share(100, 10, 0); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
}
