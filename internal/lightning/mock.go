package lightning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mock is an in-process rail for development and tests. Invoices are only
// reported paid after MarkPaid; SendPayment succeeds unless a failure is
// queued.
type Mock struct {
	mu       sync.Mutex
	balance  int64
	expiry   time.Duration
	invoices map[string]bool // invoice id -> paid
	failures []error
	sent     []string
	now      func() time.Time
}

// NewMock creates a Mock rail holding balance sats.
func NewMock(balance int64) *Mock {
	return &Mock{
		balance:  balance,
		expiry:   time.Hour,
		invoices: make(map[string]bool),
		now:      time.Now,
	}
}

// MarkPaid simulates the payer settling an invoice. It reports false for
// an invoice this rail never issued.
func (m *Mock) MarkPaid(invoiceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.invoices[invoiceID]; !ok {
		return false
	}
	m.invoices[invoiceID] = true
	return true
}

// FailNext makes the next n SendPayment calls fail with err.
func (m *Mock) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.failures = append(m.failures, err)
	}
}

// Sent returns the bolt11 invoices paid so far.
func (m *Mock) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

func (m *Mock) CreateInvoice(ctx context.Context, amountSats int64, memo string) (*Invoice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if amountSats <= 0 {
		return nil, fmt.Errorf("lightning: invoice amount must be positive, got %d", amountSats)
	}

	id := uuid.New().String()
	m.mu.Lock()
	m.invoices[id] = false
	m.mu.Unlock()

	sum := sha256.Sum256([]byte(id + memo))
	hash := hex.EncodeToString(sum[:])
	return &Invoice{
		InvoiceID:      id,
		PaymentRequest: fmt.Sprintf("lnbcrt%dn1mock%s", amountSats, strings.ReplaceAll(id, "-", "")),
		PaymentHash:    hash,
		AmountSats:     amountSats,
		ExpiresAt:      m.now().Add(m.expiry),
	}, nil
}

func (m *Mock) CheckInvoice(ctx context.Context, invoiceID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	paid, ok := m.invoices[invoiceID]
	if !ok {
		return false, fmt.Errorf("lightning: unknown invoice %s", invoiceID)
	}
	return paid, nil
}

func (m *Mock) SendPayment(ctx context.Context, bolt11 string) (*Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return nil, &PaymentError{Reason: "mock failure", Err: err}
	}
	if bolt11 == "" {
		return nil, &PaymentError{Reason: "empty invoice"}
	}

	m.sent = append(m.sent, bolt11)
	sum := sha256.Sum256([]byte(bolt11))
	return &Payment{
		PaymentID:   uuid.New().String(),
		PaymentHash: hex.EncodeToString(sum[:]),
	}, nil
}

func (m *Mock) Balance(ctx context.Context) (*Balance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return &Balance{Sats: m.balance, Name: "mock"}, nil
}

var _ Rail = (*Mock)(nil)
