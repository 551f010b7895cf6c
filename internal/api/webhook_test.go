package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/uahtechtube/finxchange/internal/domain"
	"github.com/uahtechtube/finxchange/internal/events"
	"github.com/uahtechtube/finxchange/internal/processor"
	"github.com/uahtechtube/finxchange/internal/store"
)

type fakeSubmitter struct {
	calls []processor.TransferRequest
	err   error
}

func (f *fakeSubmitter) Submit(ctx context.Context, req processor.TransferRequest) error {
	f.calls = append(f.calls, req)
	return f.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.ReconciliationEvent
}

func (p *recordingPublisher) Publish(topic string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := event.(domain.ReconciliationEvent); ok {
		p.events = append(p.events, e)
	}
	return nil
}

func newTestHandler(t *testing.T, secret string) (*Handler, *store.MemoryStore, *recordingPublisher) {
	t.Helper()
	mem := store.NewMemoryStore()
	pub := &recordingPublisher{}
	h := NewHandler(mem, &fakeSubmitter{}, pub, secret, zerolog.Nop())
	return h, mem, pub
}

// seedDebitedTransaction creates a wallet, debits it, and records the
// pending transaction, mirroring the initiation path.
func seedDebitedTransaction(t *testing.T, mem *store.MemoryStore, userID, reference, amount string) {
	t.Helper()
	ctx := context.Background()
	amt := decimal.RequireFromString(amount)

	mem.SeedWallet(userID, decimal.RequireFromString("1000"))
	if err := mem.Debit(ctx, userID, amt); err != nil {
		t.Fatalf("seed debit failed: %v", err)
	}
	err := mem.CreateTransaction(ctx, &domain.Transaction{
		UserID:    userID,
		Reference: reference,
		Kind:      domain.KindBankTransfer,
		Amount:    amt,
		Status:    domain.TxStatusPending,
	})
	if err != nil {
		t.Fatalf("seed transaction failed: %v", err)
	}
}

func postWebhook(t *testing.T, h *Handler, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payments", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	h.PaymentWebhook(rec, req)
	return rec
}

func TestWebhookFailureRefundsExactAmount(t *testing.T) {
	h, mem, pub := newTestHandler(t, "")
	seedDebitedTransaction(t, mem, "user-1", "ref-1", "250.75")

	before, _ := mem.Wallet(context.Background(), "user-1")

	body, _ := json.Marshal(domain.WebhookPayload{TransactionReference: "ref-1", TransactionStatus: "failed"})
	rec := postWebhook(t, h, body, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	after, _ := mem.Wallet(context.Background(), "user-1")
	credited := after.Balance.Sub(before.Balance)
	if !credited.Equal(decimal.RequireFromString("250.75")) {
		t.Errorf("balance increased by %s, want exactly 250.75", credited)
	}

	tx, _ := mem.TransactionByReference(context.Background(), "ref-1")
	if tx.Status != domain.TxStatusFailed {
		t.Errorf("transaction status = %q, want failed", tx.Status)
	}

	if len(pub.events) != 1 || !pub.events[0].Refunded {
		t.Errorf("expected one refunded reconciliation event, got %+v", pub.events)
	}
}

func TestWebhookSuccessFinalizesWithoutRefund(t *testing.T) {
	h, mem, _ := newTestHandler(t, "")
	seedDebitedTransaction(t, mem, "user-1", "ref-2", "100")

	before, _ := mem.Wallet(context.Background(), "user-1")

	body, _ := json.Marshal(domain.WebhookPayload{TransactionReference: "ref-2", TransactionStatus: "success"})
	rec := postWebhook(t, h, body, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	after, _ := mem.Wallet(context.Background(), "user-1")
	if !after.Balance.Equal(before.Balance) {
		t.Errorf("balance changed on success: %s → %s", before.Balance, after.Balance)
	}

	tx, _ := mem.TransactionByReference(context.Background(), "ref-2")
	if tx.Status != domain.TxStatusSuccess {
		t.Errorf("transaction status = %q, want success", tx.Status)
	}
}

func TestWebhookUnknownReferenceIsAcceptedNoOp(t *testing.T) {
	h, _, pub := newTestHandler(t, "")

	body, _ := json.Marshal(domain.WebhookPayload{TransactionReference: "ghost", TransactionStatus: "failed"})
	rec := postWebhook(t, h, body, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for unknown reference", rec.Code)
	}
	if len(pub.events) != 0 {
		t.Errorf("no event expected for unknown reference, got %+v", pub.events)
	}
}

func TestWebhookDuplicateFailureDoesNotDoubleRefund(t *testing.T) {
	h, mem, _ := newTestHandler(t, "")
	seedDebitedTransaction(t, mem, "user-1", "ref-3", "40")

	body, _ := json.Marshal(domain.WebhookPayload{TransactionReference: "ref-3", TransactionStatus: "failed"})
	postWebhook(t, h, body, "")
	before, _ := mem.Wallet(context.Background(), "user-1")

	rec := postWebhook(t, h, body, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate webhook status = %d, want 200", rec.Code)
	}

	after, _ := mem.Wallet(context.Background(), "user-1")
	if !after.Balance.Equal(before.Balance) {
		t.Errorf("duplicate webhook changed balance: %s → %s", before.Balance, after.Balance)
	}
}

func TestWebhookConcurrentDuplicateFailuresRefundOnce(t *testing.T) {
	h, mem, pub := newTestHandler(t, "")
	seedDebitedTransaction(t, mem, "user-1", "ref-7", "80")

	before, _ := mem.Wallet(context.Background(), "user-1")
	body, _ := json.Marshal(domain.WebhookPayload{TransactionReference: "ref-7", TransactionStatus: "failed"})

	// At-least-once delivery: retried callbacks for the same transaction can
	// be in flight simultaneously. Exactly one may win the finalize and
	// credit the refund.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := postWebhook(t, h, body, "")
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want 200", rec.Code)
			}
		}()
	}
	wg.Wait()

	after, _ := mem.Wallet(context.Background(), "user-1")
	credited := after.Balance.Sub(before.Balance)
	if !credited.Equal(decimal.RequireFromString("80")) {
		t.Errorf("balance increased by %s across duplicate deliveries, want exactly 80", credited)
	}

	tx, _ := mem.TransactionByReference(context.Background(), "ref-7")
	if tx.Status != domain.TxStatusFailed {
		t.Errorf("transaction status = %q, want failed", tx.Status)
	}
	if len(pub.events) != 1 {
		t.Errorf("%d reconciliation events published, want 1", len(pub.events))
	}
}

func TestWebhookUnrecognizedStatusLeavesPending(t *testing.T) {
	h, mem, _ := newTestHandler(t, "")
	seedDebitedTransaction(t, mem, "user-1", "ref-4", "10")

	body, _ := json.Marshal(domain.WebhookPayload{TransactionReference: "ref-4", TransactionStatus: "in_review"})
	rec := postWebhook(t, h, body, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	tx, _ := mem.TransactionByReference(context.Background(), "ref-4")
	if tx.Status != domain.TxStatusPending {
		t.Errorf("transaction status = %q, want pending", tx.Status)
	}
}

func TestWebhookSignatureVerification(t *testing.T) {
	secret := "shared-secret"
	body, _ := json.Marshal(domain.WebhookPayload{TransactionReference: "ref-5", TransactionStatus: "success"})

	tests := []struct {
		name      string
		signature string
		wantCode  int
	}{
		{name: "valid signature accepted", signature: Sign(body, secret), wantCode: http.StatusOK},
		{name: "missing signature rejected", signature: "", wantCode: http.StatusUnauthorized},
		{name: "wrong signature rejected", signature: Sign(body, "other-secret"), wantCode: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, mem, _ := newTestHandler(t, secret)
			seedDebitedTransaction(t, mem, "user-1", "ref-5", "15")

			rec := postWebhook(t, h, body, tt.signature)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}
}

func TestWebhookMalformedPayload(t *testing.T) {
	h, _, _ := newTestHandler(t, "")
	rec := postWebhook(t, h, []byte("not json"), "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

var _ events.Publisher = (*recordingPublisher)(nil)
