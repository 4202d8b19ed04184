package market

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nostrmood/market-engine/internal/lightning"
	"github.com/nostrmood/market-engine/internal/model"
	"github.com/nostrmood/market-engine/internal/proposition"
)

// Handler serves the market API over HTTP.
type Handler struct {
	svc *Service
	hub *Hub
}

// NewHandler creates a Handler. hub may be nil, in which case /ws is not
// routed.
func NewHandler(svc *Service, hub *Hub) *Handler {
	return &Handler{svc: svc, hub: hub}
}

// Routes mounts the API on r, normally under /api/v1.
func (h *Handler) Routes(r chi.Router) {
	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}

	r.Get("/markets", h.ListMarkets)
	r.Post("/markets", h.CreateMarket)
	r.Get("/markets/{marketID}", h.GetMarket)
	r.Get("/markets/{marketID}/bets", h.ListBets)
	r.Post("/markets/{marketID}/settle", h.SettleMarket)

	r.Post("/bets", h.PlaceBet)
	r.Get("/bets/{betID}/status", h.GetBetStatus)
	r.Post("/bets/{betID}/payout-invoice", h.SubmitPayoutInvoice)
	r.Post("/bets/{betID}/payout/retry", h.RetryPayout)

	r.Post("/payments/confirm", h.ConfirmPayment)
	r.Get("/wallet/balance", h.WalletBalance)
}

// CreateMarket handles POST /api/v1/markets
func (h *Handler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var terms proposition.Terms
	if err := json.NewDecoder(r.Body).Decode(&terms); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	m, err := h.svc.CreateMarket(r.Context(), terms)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// ListMarkets handles GET /api/v1/markets
// Returns all markets, optionally filtered by ?status=open|settled.
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := h.svc.ListMarkets(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	switch status := r.URL.Query().Get("status"); status {
	case "":
	case "open", "settled":
		filtered := []model.Market{}
		for _, m := range markets {
			if m.IsSettled == (status == "settled") {
				filtered = append(filtered, m)
			}
		}
		markets = filtered
	default:
		writeError(w, "status must be open or settled", http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "marketID")
	if !ok {
		return
	}
	m, err := h.svc.GetMarket(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ListBets handles GET /api/v1/markets/{marketID}/bets
func (h *Handler) ListBets(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "marketID")
	if !ok {
		return
	}
	bets, err := h.svc.ListBets(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bets)
}

// SettleMarket handles POST /api/v1/markets/{marketID}/settle
// The outcome always comes from the oracle; a request body is ignored.
func (h *Handler) SettleMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "marketID")
	if !ok {
		return
	}
	s, err := h.svc.SettleMarket(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// PlaceBet handles POST /api/v1/bets
func (h *Handler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req proposition.BetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	receipt, err := h.svc.PlaceBet(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// GetBetStatus handles GET /api/v1/bets/{betID}/status
func (h *Handler) GetBetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "betID")
	if !ok {
		return
	}
	st, err := h.svc.GetBetStatus(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type payoutInvoiceRequest struct {
	PaymentRequest string `json:"payment_request"`
}

// SubmitPayoutInvoice handles POST /api/v1/bets/{betID}/payout-invoice
func (h *Handler) SubmitPayoutInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "betID")
	if !ok {
		return
	}
	var req payoutInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	bet, err := h.svc.SubmitPayoutInvoice(r.Context(), id, req.PaymentRequest)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, bet)
}

// RetryPayout handles POST /api/v1/bets/{betID}/payout/retry
func (h *Handler) RetryPayout(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "betID")
	if !ok {
		return
	}
	bet, err := h.svc.RetryPayout(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, bet)
}

// confirmRequest accepts both our own field names and the LNbits webhook
// payload, which identifies the invoice by checking_id.
type confirmRequest struct {
	InvoiceID   string `json:"invoice_id"`
	CheckingID  string `json:"checking_id"`
	PaymentHash string `json:"payment_hash"`
}

// ConfirmPayment handles POST /api/v1/payments/confirm
// Called by the rail's webhook. The invoice is re-checked with the rail
// before the bet is marked paid. Repeat calls answer 200 with the bet.
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	invoiceID := req.InvoiceID
	if invoiceID == "" {
		invoiceID = req.CheckingID
	}
	if invoiceID == "" {
		invoiceID = req.PaymentHash
	}

	bet, err := h.svc.ConfirmPayment(r.Context(), invoiceID, req.PaymentHash)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bet)
}

// WalletBalance handles GET /api/v1/wallet/balance
func (h *Handler) WalletBalance(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.WalletBalance(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, "invalid "+param, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// statusFor maps a service error to its HTTP status.
func statusFor(err error) int {
	var payErr *lightning.PaymentError
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrAlreadySettled),
		errors.Is(err, model.ErrNotYetExpired),
		errors.Is(err, model.ErrSettlementInProgress),
		errors.Is(err, model.ErrPayoutNotFailed),
		errors.Is(err, model.ErrPayoutInvoiceSet):
		return http.StatusConflict
	case errors.Is(err, model.ErrPaymentNotReceived):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrMarketClosed),
		errors.Is(err, model.ErrStakeOutOfRange),
		errors.Is(err, model.ErrInvalidMarket),
		errors.Is(err, model.ErrInvalidBet):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrOracleUnavailable),
		errors.Is(err, model.ErrRailUnavailable),
		errors.As(err, &payErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
