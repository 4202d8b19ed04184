package lightning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// LNbits is a REST client for an LNbits wallet.
type LNbits struct {
	baseURL    string
	apiKey     string
	expiry     time.Duration
	httpClient *http.Client
	now        func() time.Time
}

// NewLNbits creates a client for the wallet at baseURL
// (e.g. "https://legend.lnbits.com") authenticated with an admin key.
// Invoices it creates expire after expiry; zero means one hour.
func NewLNbits(baseURL, apiKey string, expiry time.Duration) *LNbits {
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &LNbits{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		expiry:  expiry,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		now: time.Now,
	}
}

type lnbitsInvoiceRequest struct {
	Out    bool   `json:"out"`
	Amount int64  `json:"amount,omitempty"`
	Memo   string `json:"memo,omitempty"`
	Expiry int64  `json:"expiry,omitempty"`
	Bolt11 string `json:"bolt11,omitempty"`
}

type lnbitsPaymentResponse struct {
	PaymentHash    string `json:"payment_hash"`
	PaymentRequest string `json:"payment_request"`
	CheckingID     string `json:"checking_id"`
	Fee            int64  `json:"fee"` // msat, negative for outgoing
}

func (c *LNbits) CreateInvoice(ctx context.Context, amountSats int64, memo string) (*Invoice, error) {
	req := lnbitsInvoiceRequest{
		Out:    false,
		Amount: amountSats,
		Memo:   memo,
		Expiry: int64(c.expiry / time.Second),
	}
	var resp lnbitsPaymentResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/payments", req, &resp); err != nil {
		return nil, fmt.Errorf("lnbits: create invoice: %w", err)
	}

	id := resp.CheckingID
	if id == "" {
		id = resp.PaymentHash
	}
	return &Invoice{
		InvoiceID:      id,
		PaymentRequest: resp.PaymentRequest,
		PaymentHash:    resp.PaymentHash,
		AmountSats:     amountSats,
		ExpiresAt:      c.now().Add(c.expiry),
	}, nil
}

// CheckInvoice asks LNbits for the status of an incoming payment by its
// checking id.
func (c *LNbits) CheckInvoice(ctx context.Context, invoiceID string) (bool, error) {
	var resp struct {
		Paid bool `json:"paid"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/payments/"+url.PathEscape(invoiceID), nil, &resp); err != nil {
		return false, fmt.Errorf("lnbits: check invoice %s: %w", invoiceID, err)
	}
	return resp.Paid, nil
}

func (c *LNbits) SendPayment(ctx context.Context, bolt11 string) (*Payment, error) {
	var resp lnbitsPaymentResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/payments", lnbitsInvoiceRequest{Out: true, Bolt11: bolt11}, &resp)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) {
			return nil, &PaymentError{Reason: se.Detail, Err: err}
		}
		return nil, fmt.Errorf("lnbits: send payment: %w", err)
	}

	fee := resp.Fee
	if fee < 0 {
		fee = -fee
	}
	return &Payment{
		PaymentID:   resp.CheckingID,
		PaymentHash: resp.PaymentHash,
		FeeSats:     fee / 1000,
	}, nil
}

func (c *LNbits) Balance(ctx context.Context) (*Balance, error) {
	var resp struct {
		Name    string `json:"name"`
		Balance int64  `json:"balance"` // msat
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/wallet", nil, &resp); err != nil {
		return nil, fmt.Errorf("lnbits: wallet balance: %w", err)
	}
	return &Balance{Sats: resp.Balance / 1000, Name: resp.Name}, nil
}

// statusError is a non-2xx response from LNbits.
type statusError struct {
	Code   int
	Detail string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Detail)
}

func (c *LNbits) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Detail string `json:"detail"`
		}
		detail := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Detail != "" {
			detail = e.Detail
		}
		return &statusError{Code: resp.StatusCode, Detail: detail}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

var _ Rail = (*LNbits)(nil)
