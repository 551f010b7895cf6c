package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/uahtechtube/finxchange/internal/domain"
	"github.com/uahtechtube/finxchange/internal/store"
)

// SignatureHeader carries the processor's HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Webhook-Signature"

// PaymentWebhook consumes the processor's asynchronous delivery-status
// callbacks and finalizes the matching transaction. Callbacks for unknown
// references or already-finalized transactions are acknowledged and ignored:
// the processor delivers at least once, so duplicates and stragglers are
// expected.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Stream read error", "POST", "/webhooks/payments")
		return
	}

	if h.webhookSecret != "" {
		if !verifySignature(body, r.Header.Get(SignatureHeader), h.webhookSecret) {
			h.log.Warn().Msg("webhook signature verification failed")
			h.respondError(w, http.StatusUnauthorized, "Invalid signature", "POST", "/webhooks/payments")
			return
		}
	} else {
		h.log.Warn().Msg("webhook secret not configured, skipping signature verification")
	}

	var payload domain.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.TransactionReference == "" {
		h.respondError(w, http.StatusBadRequest, "Malformed webhook payload", "POST", "/webhooks/payments")
		return
	}

	if err := h.reconcile(r, payload); err != nil {
		h.log.Error().Err(err).Str("reference", payload.TransactionReference).Msg("reconciliation failed")
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "POST", "/webhooks/payments")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{"status": "received"}, "POST", "/webhooks/payments")
}

func (h *Handler) reconcile(r *http.Request, payload domain.WebhookPayload) error {
	ctx := r.Context()

	tx, err := h.store.TransactionByReference(ctx, payload.TransactionReference)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			h.log.Info().Str("reference", payload.TransactionReference).Msg("webhook for unknown transaction, ignoring")
			return nil
		}
		return err
	}

	if tx.Status != domain.TxStatusPending {
		h.log.Info().Str("reference", tx.Reference).Str("status", string(tx.Status)).
			Msg("webhook for finalized transaction, ignoring")
		return nil
	}

	var newStatus domain.TransactionStatus
	refunded := false
	switch payload.TransactionStatus {
	case "success", "successful", "completed":
		newStatus = domain.TxStatusSuccess
	case "failed", "failure", "reversed":
		newStatus = domain.TxStatusFailed
		refunded = true
	default:
		// Any other status leaves the transaction pending.
		h.log.Info().Str("reference", tx.Reference).Str("processor_status", payload.TransactionStatus).
			Msg("non-terminal webhook status, transaction stays pending")
		return nil
	}

	// The pending check above is only a fast path; the transition itself is a
	// conditional update, so of two concurrent duplicate deliveries exactly
	// one applies and only the winner issues the refund.
	applied, err := h.store.FinalizeTransaction(ctx, tx.Reference, newStatus)
	if err != nil {
		return err
	}
	if !applied {
		h.log.Info().Str("reference", tx.Reference).
			Msg("transaction finalized concurrently, ignoring duplicate webhook")
		return nil
	}

	if refunded {
		if err := h.store.Credit(ctx, tx.UserID, tx.Amount.Abs()); err != nil {
			return err
		}
	}

	event := domain.ReconciliationEvent{
		Reference:      tx.Reference,
		PreviousStatus: tx.Status,
		NewStatus:      newStatus,
		Amount:         tx.Amount,
		Refunded:       refunded,
		OccurredAt:     time.Now().UTC(),
	}
	if err := h.publisher.Publish("transaction.reconciled", event); err != nil {
		// Publishing is best effort; the transaction is already finalized.
		h.log.Error().Err(err).Str("reference", tx.Reference).Msg("reconciliation event publish failed")
	}

	h.log.Info().Str("reference", tx.Reference).Str("status", string(newStatus)).
		Bool("refunded", refunded).Msg("transaction reconciled")
	return nil
}

func verifySignature(body []byte, signature, secret string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign computes the signature the processor is expected to send; exported
// for integration tooling and tests.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
