// Package lightning is the payment rail: it issues invoices that back bets
// and sends payouts to bolt11 invoices supplied by bettors.
package lightning

import (
	"context"
	"fmt"
	"time"
)

// Invoice is a payable request issued for a bet.
type Invoice struct {
	InvoiceID      string    `json:"invoice_id"`
	PaymentRequest string    `json:"payment_request"` // bolt11
	PaymentHash    string    `json:"payment_hash"`
	AmountSats     int64     `json:"amount"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Payment is a completed outgoing payment.
type Payment struct {
	PaymentID   string `json:"payment_id"`
	PaymentHash string `json:"payment_hash"`
	FeeSats     int64  `json:"fee"`
}

// Balance is the wallet balance reported by the rail.
type Balance struct {
	Sats int64  `json:"balance"`
	Name string `json:"name,omitempty"`
}

// PaymentError is returned when the rail refused or failed an outgoing
// payment. It is a delivery failure, never a settlement failure.
type PaymentError struct {
	Reason string
	Err    error
}

func (e *PaymentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("lightning: payment failed: %s: %v", e.Reason, e.Err)
	}
	return "lightning: payment failed: " + e.Reason
}

func (e *PaymentError) Unwrap() error { return e.Err }

// Rail is the Lightning backend the market engine talks to.
//
// CheckInvoice reports whether an invoice issued by CreateInvoice has been
// settled. It is the only evidence a stake was paid; webhook payloads are
// never trusted on their own.
type Rail interface {
	CreateInvoice(ctx context.Context, amountSats int64, memo string) (*Invoice, error)
	CheckInvoice(ctx context.Context, invoiceID string) (bool, error)
	SendPayment(ctx context.Context, bolt11 string) (*Payment, error)
	Balance(ctx context.Context) (*Balance, error)
}
