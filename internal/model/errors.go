package model

import "errors"

var (
	ErrNotFound             = errors.New("market: not found")
	ErrAlreadySettled       = errors.New("market: already settled")
	ErrNotYetExpired        = errors.New("market: not yet expired")
	ErrMarketClosed         = errors.New("market: closed for betting")
	ErrStakeOutOfRange      = errors.New("market: stake out of range")
	ErrInvalidMarket        = errors.New("market: invalid market terms")
	ErrInvalidBet           = errors.New("market: invalid bet")
	ErrOracleUnavailable    = errors.New("market: sentiment oracle unavailable")
	ErrRailUnavailable      = errors.New("market: payment rail unavailable")
	ErrAlreadyPaid          = errors.New("market: bet already paid")
	ErrSettlementInProgress = errors.New("market: settlement in progress")
	ErrPayoutNotFailed      = errors.New("market: payout is not in failed state")
	ErrPaymentNotReceived   = errors.New("market: invoice has not been paid")
	ErrPayoutInvoiceSet     = errors.New("market: payout invoice already set")
)
