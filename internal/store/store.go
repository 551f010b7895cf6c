package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/uahtechtube/finxchange/internal/domain"
)

var (
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrDuplicateReference  = errors.New("duplicate transaction reference")
)

// Store is the persistence boundary for wallets and transactions. The
// Postgres implementation backs the API server; the memory implementation
// backs tests.
type Store interface {
	Wallet(ctx context.Context, userID string) (*domain.Wallet, error)

	// Debit atomically subtracts amount from the wallet balance, failing
	// with ErrInsufficientFunds unless the balance covers it. The check and
	// the write are a single conditional update, never read-then-write.
	Debit(ctx context.Context, userID string, amount decimal.Decimal) error

	// Credit atomically adds amount to the wallet balance.
	Credit(ctx context.Context, userID string, amount decimal.Decimal) error

	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	TransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error)

	// FinalizeTransaction moves a transaction from pending to status. The
	// predicate and the write are a single conditional update; applied is
	// false when the transaction was already finalized, so concurrent
	// duplicate webhook deliveries resolve to exactly one winner.
	FinalizeTransaction(ctx context.Context, reference string, status domain.TransactionStatus) (applied bool, err error)

	ListTransactions(ctx context.Context, userID string, limit int) ([]domain.Transaction, error)
}
