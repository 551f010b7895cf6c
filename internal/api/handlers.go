package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/uahtechtube/finxchange/internal/domain"
	"github.com/uahtechtube/finxchange/internal/events"
	"github.com/uahtechtube/finxchange/internal/processor"
	"github.com/uahtechtube/finxchange/internal/store"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "finx_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// Submitter forwards accepted payments to the processor.
type Submitter interface {
	Submit(ctx context.Context, req processor.TransferRequest) error
}

type Handler struct {
	store         store.Store
	processor     Submitter
	publisher     events.Publisher
	webhookSecret string
	log           zerolog.Logger
}

func NewHandler(s store.Store, p Submitter, pub events.Publisher, webhookSecret string, log zerolog.Logger) *Handler {
	return &Handler{store: s, processor: p, publisher: pub, webhookSecret: webhookSecret, log: log}
}

// paymentRequest carries the fields common to every payment write. Recipient
// fields vary by product and are kept opaque.
type paymentRequest struct {
	amount      decimal.Decimal
	description string
	recipient   json.RawMessage
	raw         map[string]json.RawMessage
}

func parsePaymentRequest(body []byte) (*paymentRequest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, errors.New("malformed JSON body")
	}

	req := &paymentRequest{raw: fields}

	rawAmount, ok := fields["amount"]
	if !ok {
		return nil, errors.New("amount is required")
	}
	var amountStr string
	if err := json.Unmarshal(rawAmount, &amountStr); err != nil {
		// Allow bare numbers too.
		var amountNum json.Number
		if err := json.Unmarshal(rawAmount, &amountNum); err != nil {
			return nil, errors.New("amount must be a decimal string")
		}
		amountStr = amountNum.String()
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return nil, errors.New("amount must be a decimal string")
	}
	req.amount = amount

	if rawDesc, ok := fields["description"]; ok {
		json.Unmarshal(rawDesc, &req.description)
	}

	recipient := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		if k == "amount" || k == "description" {
			continue
		}
		recipient[k] = v
	}
	req.recipient, _ = json.Marshal(recipient)

	return req, nil
}

func (p *paymentRequest) stringField(name string) string {
	raw, ok := p.raw[name]
	if !ok {
		return ""
	}
	var s string
	json.Unmarshal(raw, &s)
	return s
}

func (h *Handler) CreateBankTransfer(w http.ResponseWriter, r *http.Request) {
	h.initiatePayment(w, r, "/transfers/bank", func(req *paymentRequest) (domain.TransactionKind, string) {
		if req.stringField("bank_code") == "" || req.stringField("account_number") == "" {
			return "", "bank_code and account_number are required"
		}
		return domain.KindBankTransfer, ""
	})
}

func (h *Handler) CreateWalletTransfer(w http.ResponseWriter, r *http.Request) {
	h.initiatePayment(w, r, "/transfers/wallet", func(req *paymentRequest) (domain.TransactionKind, string) {
		if req.stringField("recipient_phone") == "" {
			return "", "recipient_phone is required"
		}
		return domain.KindWalletTransfer, ""
	})
}

func (h *Handler) CreateBillPurchase(w http.ResponseWriter, r *http.Request) {
	h.initiatePayment(w, r, "/bills", func(req *paymentRequest) (domain.TransactionKind, string) {
		if req.stringField("phone") == "" {
			return "", "phone is required"
		}
		switch req.stringField("bill_type") {
		case "data":
			return domain.KindData, ""
		case "airtime", "":
			return domain.KindAirtime, ""
		}
		return "", "bill_type must be airtime or data"
	})
}

// initiatePayment is the shared write path: validate, debit the wallet with
// a conditional update, record a pending transaction, and hand it to the
// processor. The webhook reconciler finalizes the status later.
func (h *Handler) initiatePayment(w http.ResponseWriter, r *http.Request, endpoint string, classify func(*paymentRequest) (domain.TransactionKind, string)) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		h.respondError(w, http.StatusUnauthorized, "Missing X-User-ID header", "POST", endpoint)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Stream read error", "POST", endpoint)
		return
	}

	req, err := parsePaymentRequest(body)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), "POST", endpoint)
		return
	}
	if req.amount.LessThanOrEqual(decimal.Zero) {
		h.respondError(w, http.StatusUnprocessableEntity, "Amount must be positive", "POST", endpoint)
		return
	}

	kind, problem := classify(req)
	if problem != "" {
		h.respondError(w, http.StatusUnprocessableEntity, problem, "POST", endpoint)
		return
	}

	reference := uuid.New().String()

	if err := h.store.Debit(r.Context(), userID, req.amount); err != nil {
		switch {
		case errors.Is(err, store.ErrInsufficientFunds):
			h.respondError(w, http.StatusUnprocessableEntity, "Insufficient funds", "POST", endpoint)
		case errors.Is(err, store.ErrWalletNotFound):
			h.respondError(w, http.StatusNotFound, "Wallet not found", "POST", endpoint)
		default:
			h.log.Error().Err(err).Str("user_id", userID).Msg("debit failed")
			h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "POST", endpoint)
		}
		return
	}

	tx := &domain.Transaction{
		UserID:      userID,
		Reference:   reference,
		Kind:        kind,
		Amount:      req.amount,
		Description: req.description,
		Status:      domain.TxStatusPending,
	}
	if err := h.store.CreateTransaction(r.Context(), tx); err != nil {
		h.store.Credit(r.Context(), userID, req.amount)
		h.log.Error().Err(err).Str("reference", reference).Msg("transaction insert failed")
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "POST", endpoint)
		return
	}

	if err := h.processor.Submit(r.Context(), processor.TransferRequest{
		Reference:        reference,
		Kind:             kind,
		Amount:           req.amount,
		Description:      req.description,
		RecipientDetails: req.recipient,
	}); err != nil {
		// Synchronous rejection: finalize as failed and reverse the debit
		// immediately rather than waiting for a webhook that will never come.
		// The conditional transition keeps a racing webhook from refunding
		// the same debit twice.
		if applied, _ := h.store.FinalizeTransaction(r.Context(), reference, domain.TxStatusFailed); applied {
			h.store.Credit(r.Context(), userID, req.amount)
		}
		tx.Status = domain.TxStatusFailed

		h.log.Warn().Err(err).Str("reference", reference).Msg("processor submission failed")
		code := http.StatusBadGateway
		if errors.Is(err, processor.ErrRejected) {
			code = http.StatusUnprocessableEntity
		}
		h.respondJSON(w, code, map[string]any{
			"error":       "Payment could not be submitted",
			"transaction": tx,
		}, "POST", endpoint)
		return
	}

	h.respondJSON(w, http.StatusCreated, map[string]any{"transaction": tx}, "POST", endpoint)
}

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		h.respondError(w, http.StatusUnauthorized, "Missing X-User-ID header", "GET", "/wallet")
		return
	}

	wallet, err := h.store.Wallet(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrWalletNotFound) {
			h.respondError(w, http.StatusNotFound, "Wallet not found", "GET", "/wallet")
			return
		}
		h.respondError(w, http.StatusInternalServerError, err.Error(), "GET", "/wallet")
		return
	}
	h.respondJSON(w, http.StatusOK, wallet, "GET", "/wallet")
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		h.respondError(w, http.StatusUnauthorized, "Missing X-User-ID header", "GET", "/transactions")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	txs, err := h.store.ListTransactions(r.Context(), userID, limit)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err.Error(), "GET", "/transactions")
		return
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	h.respondJSON(w, http.StatusOK, txs, "GET", "/transactions")
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Helpers
func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}
