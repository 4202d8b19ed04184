// Package payout implements pari-mutuel pool settlement for binary
// sentiment markets.
//
// Winners get their stake back plus a share of the losing pool, net of the
// protocol fee, proportional to their stake. Shares are floored per bet and
// the remainder is not redistributed, so the total paid to winners may fall
// short of (winning pool + distribution pool) by fewer sats than there are
// winning bets.
//
// When nobody backed the winning side every paid bet is refunded in full and
// no fee is taken.
//
// The computation is a pure function of (market, bets, result): it is
// stateless and deterministic, and it reads only paid bets.
package payout

import (
	"github.com/shopspring/decimal"

	"github.com/nostrmood/market-engine/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Breakdown is the full result of a pool computation.
type Breakdown struct {
	Payouts          []model.Payout
	TotalWinning     int64
	TotalLosing      int64
	Fee              int64
	DistributionPool int64
	Refund           bool // zero-winner case
}

// Fee returns floor(totalLosing × feePercentage / 100). The multiplication
// is exact; fractional percentages such as 2.5 are honoured.
func Fee(totalLosing int64, feePercentage decimal.Decimal) int64 {
	if totalLosing <= 0 || !feePercentage.IsPositive() {
		return 0
	}
	return decimal.NewFromInt(totalLosing).Mul(feePercentage).Div(hundred).Floor().IntPart()
}

// Share returns floor(pool × stake / totalStake) using exact integer
// division, so large pools cannot overflow or pick up float error.
func Share(pool, stake, totalStake int64) int64 {
	if pool <= 0 || stake <= 0 || totalStake <= 0 {
		return 0
	}
	q, _ := decimal.NewFromInt(pool).Mul(decimal.NewFromInt(stake)).
		QuoRem(decimal.NewFromInt(totalStake), 0)
	return q.IntPart()
}

// Compute splits the paid bets of a market into payouts for the given
// outcome. Unpaid bets are ignored entirely and get no payout record, as
// are bets already refunded because their payment landed after expiry.
func Compute(market *model.Market, bets []model.Bet, result bool) Breakdown {
	winningSide := model.PositionFor(result)

	var paid, winning, losing []model.Bet
	for _, b := range bets {
		if !b.IsPaid || b.IsSettled {
			continue
		}
		paid = append(paid, b)
		if b.Position == winningSide {
			winning = append(winning, b)
		} else {
			losing = append(losing, b)
		}
	}

	var bd Breakdown
	for _, b := range winning {
		bd.TotalWinning += b.Amount
	}
	for _, b := range losing {
		bd.TotalLosing += b.Amount
	}

	if bd.TotalWinning == 0 {
		bd.Refund = true
		for _, b := range paid {
			bd.Payouts = append(bd.Payouts, model.Payout{
				BetID:      b.ID,
				UserPubkey: b.UserPubkey,
				Amount:     b.Amount,
			})
		}
		return bd
	}

	bd.Fee = Fee(bd.TotalLosing, market.FeePercentage)
	bd.DistributionPool = bd.TotalLosing - bd.Fee

	for _, b := range winning {
		bd.Payouts = append(bd.Payouts, model.Payout{
			BetID:      b.ID,
			UserPubkey: b.UserPubkey,
			Amount:     b.Amount + Share(bd.DistributionPool, b.Amount, bd.TotalWinning),
		})
	}
	for _, b := range losing {
		bd.Payouts = append(bd.Payouts, model.Payout{
			BetID:      b.ID,
			UserPubkey: b.UserPubkey,
			Amount:     0,
		})
	}
	return bd
}

// Total sums the amounts of a payout set.
func Total(payouts []model.Payout) int64 {
	var sum int64
	for _, p := range payouts {
		sum += p.Amount
	}
	return sum
}
