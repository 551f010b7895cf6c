package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionKind identifies which payment product a record belongs to.
type TransactionKind string

const (
	KindBankTransfer   TransactionKind = "bank_transfer"
	KindWalletTransfer TransactionKind = "wallet_transfer"
	KindAirtime        TransactionKind = "airtime"
	KindData           TransactionKind = "data"
)

// Valid reports whether k is one of the supported kinds.
func (k TransactionKind) Valid() bool {
	switch k {
	case KindBankTransfer, KindWalletTransfer, KindAirtime, KindData:
		return true
	}
	return false
}

// QueueStatus is the lifecycle state of a locally queued transaction.
// Allowed transitions: queued→processing→{deleted|failed}, failed→queued
// (manual retry). There is no succeeded state; successful records are deleted.
type QueueStatus string

const (
	QueueStatusQueued     QueueStatus = "queued"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusFailed     QueueStatus = "failed"
)

// TransactionStatus is the server-side state of a submitted transaction.
type TransactionStatus string

const (
	TxStatusPending TransactionStatus = "pending"
	TxStatusSuccess TransactionStatus = "success"
	TxStatusFailed  TransactionStatus = "failed"
)

// QueuedTransaction is a write the user attempted while offline, persisted
// locally until connectivity returns and the drainer replays it.
type QueuedTransaction struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	Kind             TransactionKind `json:"kind"`
	Amount           decimal.Decimal `json:"amount"`
	Description      string          `json:"description"`
	RecipientDetails json.RawMessage `json:"recipient_details"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	EnqueuedAt       int64           `json:"enqueued_at"` // epoch millis, set once
	Status           QueueStatus     `json:"status"`
}

// Transaction is the server-side record of a payment, created pending at
// initiation and finalized by the webhook reconciler.
type Transaction struct {
	ID          int64             `json:"id"`
	UserID      string            `json:"user_id"`
	Reference   string            `json:"reference"`
	Kind        TransactionKind   `json:"kind"`
	Amount      decimal.Decimal   `json:"amount"`
	Description string            `json:"description"`
	Status      TransactionStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Wallet holds a user's spendable balance.
type Wallet struct {
	UserID    string          `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
}

// WebhookPayload is the processor's asynchronous status callback.
type WebhookPayload struct {
	TransactionReference string `json:"transaction_reference"`
	TransactionStatus    string `json:"transaction_status"`
}

// ReconciliationEvent is published after the webhook reconciler applies a
// status transition to a transaction.
type ReconciliationEvent struct {
	Reference      string            `json:"reference"`
	PreviousStatus TransactionStatus `json:"previous_status"`
	NewStatus      TransactionStatus `json:"new_status"`
	Amount         decimal.Decimal   `json:"amount"`
	Refunded       bool              `json:"refunded"`
	OccurredAt     time.Time         `json:"occurred_at"`
}
