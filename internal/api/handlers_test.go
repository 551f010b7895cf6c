package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/uahtechtube/finxchange/internal/domain"
	"github.com/uahtechtube/finxchange/internal/processor"
	"github.com/uahtechtube/finxchange/internal/store"
)

func postPayment(handler http.HandlerFunc, userID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/transfers/bank", strings.NewReader(body))
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestCreateBankTransferValidation(t *testing.T) {
	tests := []struct {
		name     string
		userID   string
		body     string
		wantCode int
	}{
		{
			name:     "missing user header",
			userID:   "",
			body:     `{"amount":"100","bank_code":"058","account_number":"0123456789"}`,
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "malformed body",
			userID:   "user-1",
			body:     `{bad json`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "missing amount",
			userID:   "user-1",
			body:     `{"bank_code":"058","account_number":"0123456789"}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "zero amount",
			userID:   "user-1",
			body:     `{"amount":"0","bank_code":"058","account_number":"0123456789"}`,
			wantCode: http.StatusUnprocessableEntity,
		},
		{
			name:     "negative amount",
			userID:   "user-1",
			body:     `{"amount":"-10","bank_code":"058","account_number":"0123456789"}`,
			wantCode: http.StatusUnprocessableEntity,
		},
		{
			name:     "missing recipient details",
			userID:   "user-1",
			body:     `{"amount":"100"}`,
			wantCode: http.StatusUnprocessableEntity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, mem, _ := newTestHandler(t, "")
			mem.SeedWallet("user-1", decimal.RequireFromString("500"))

			rec := postPayment(h.CreateBankTransfer, tt.userID, tt.body)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body)
			}

			// Validation failures must never reach the wallet.
			w, _ := mem.Wallet(context.Background(), "user-1")
			if !w.Balance.Equal(decimal.RequireFromString("500")) {
				t.Errorf("wallet touched by rejected request: balance %s", w.Balance)
			}
		})
	}
}

func TestCreateBankTransferDebitsAndRecordsPending(t *testing.T) {
	h, mem, _ := newTestHandler(t, "")
	mem.SeedWallet("user-1", decimal.RequireFromString("500"))

	rec := postPayment(h.CreateBankTransfer, "user-1",
		`{"amount":"120.50","description":"rent","bank_code":"058","account_number":"0123456789"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", rec.Code, rec.Body)
	}

	w, _ := mem.Wallet(context.Background(), "user-1")
	if !w.Balance.Equal(decimal.RequireFromString("379.50")) {
		t.Errorf("balance = %s, want 379.50", w.Balance)
	}

	txs, _ := mem.ListTransactions(context.Background(), "user-1", 10)
	if len(txs) != 1 {
		t.Fatalf("recorded %d transactions, want 1", len(txs))
	}
	if txs[0].Status != domain.TxStatusPending {
		t.Errorf("transaction status = %q, want pending", txs[0].Status)
	}
	if txs[0].Kind != domain.KindBankTransfer {
		t.Errorf("transaction kind = %q, want bank_transfer", txs[0].Kind)
	}
}

func TestCreateBankTransferInsufficientFunds(t *testing.T) {
	h, mem, _ := newTestHandler(t, "")
	mem.SeedWallet("user-1", decimal.RequireFromString("50"))

	rec := postPayment(h.CreateBankTransfer, "user-1",
		`{"amount":"100","bank_code":"058","account_number":"0123456789"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}

	w, _ := mem.Wallet(context.Background(), "user-1")
	if !w.Balance.Equal(decimal.RequireFromString("50")) {
		t.Errorf("balance = %s, want untouched 50", w.Balance)
	}
}

func TestProcessorRejectionRefundsImmediately(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.SeedWallet("user-1", decimal.RequireFromString("500"))
	submitter := &fakeSubmitter{err: processor.ErrRejected}
	h := NewHandler(mem, submitter, &recordingPublisher{}, "", zerolog.Nop())

	rec := postPayment(h.CreateBankTransfer, "user-1",
		`{"amount":"200","bank_code":"058","account_number":"0123456789"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 on synchronous rejection", rec.Code)
	}

	w, _ := mem.Wallet(context.Background(), "user-1")
	if !w.Balance.Equal(decimal.RequireFromString("500")) {
		t.Errorf("balance = %s, want refunded back to 500", w.Balance)
	}

	txs, _ := mem.ListTransactions(context.Background(), "user-1", 10)
	if len(txs) != 1 || txs[0].Status != domain.TxStatusFailed {
		t.Errorf("expected one failed transaction, got %+v", txs)
	}
}

func TestProcessorTransportErrorIsBadGateway(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.SeedWallet("user-1", decimal.RequireFromString("500"))
	submitter := &fakeSubmitter{err: errors.New("connection refused")}
	h := NewHandler(mem, submitter, &recordingPublisher{}, "", zerolog.Nop())

	rec := postPayment(h.CreateBankTransfer, "user-1",
		`{"amount":"200","bank_code":"058","account_number":"0123456789"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestCreateBillPurchaseClassifiesKind(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantKind domain.TransactionKind
	}{
		{
			name:     "airtime",
			body:     `{"amount":"100","phone":"08030000000","bill_type":"airtime"}`,
			wantCode: http.StatusCreated,
			wantKind: domain.KindAirtime,
		},
		{
			name:     "data",
			body:     `{"amount":"100","phone":"08030000000","bill_type":"data","plan":"1GB"}`,
			wantCode: http.StatusCreated,
			wantKind: domain.KindData,
		},
		{
			name:     "default is airtime",
			body:     `{"amount":"100","phone":"08030000000"}`,
			wantCode: http.StatusCreated,
			wantKind: domain.KindAirtime,
		},
		{
			name:     "unknown bill type rejected",
			body:     `{"amount":"100","phone":"08030000000","bill_type":"electricity"}`,
			wantCode: http.StatusUnprocessableEntity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, mem, _ := newTestHandler(t, "")
			mem.SeedWallet("user-1", decimal.RequireFromString("500"))

			rec := postPayment(h.CreateBillPurchase, "user-1", tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body)
			}
			if tt.wantCode != http.StatusCreated {
				return
			}
			txs, _ := mem.ListTransactions(context.Background(), "user-1", 1)
			if len(txs) != 1 || txs[0].Kind != tt.wantKind {
				t.Errorf("recorded kind = %v, want %s", txs, tt.wantKind)
			}
		})
	}
}

func TestGetWallet(t *testing.T) {
	h, mem, _ := newTestHandler(t, "")
	mem.SeedWallet("user-1", decimal.RequireFromString("123.45"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/wallet", nil)
	req.Header.Set("X-User-ID", "user-1")
	rec := httptest.NewRecorder()
	h.GetWallet(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "123.45") {
		t.Errorf("body missing balance: %s", rec.Body)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/wallet", nil)
	req.Header.Set("X-User-ID", "ghost")
	rec = httptest.NewRecorder()
	h.GetWallet(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status for unknown wallet = %d, want 404", rec.Code)
	}
}
