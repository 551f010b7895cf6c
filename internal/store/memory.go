package store

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uahtechtube/finxchange/internal/domain"
)

// MemoryStore is an in-memory Store implementation used by tests. It is
// safe for concurrent use.
type MemoryStore struct {
	mu           sync.Mutex
	wallets      map[string]*domain.Wallet
	transactions map[string]*domain.Transaction // keyed by reference
	nextID       int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:      make(map[string]*domain.Wallet),
		transactions: make(map[string]*domain.Transaction),
	}
}

// SeedWallet creates a wallet with the given starting balance.
func (m *MemoryStore) SeedWallet(userID string, balance decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets[userID] = &domain.Wallet{UserID: userID, Balance: balance, CreatedAt: time.Now()}
}

func (m *MemoryStore) Wallet(ctx context.Context, userID string) (*domain.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	copied := *w
	return &copied, nil
}

func (m *MemoryStore) Debit(ctx context.Context, userID string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[userID]
	if !ok {
		return ErrWalletNotFound
	}
	// Mirrors the conditional update: check and write under one lock.
	if w.Balance.LessThan(amount) {
		return ErrInsufficientFunds
	}
	w.Balance = w.Balance.Sub(amount)
	return nil
}

func (m *MemoryStore) Credit(ctx context.Context, userID string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[userID]
	if !ok {
		return ErrWalletNotFound
	}
	w.Balance = w.Balance.Add(amount)
	return nil
}

func (m *MemoryStore) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.transactions[tx.Reference]; exists {
		return ErrDuplicateReference
	}
	m.nextID++
	tx.ID = m.nextID
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	copied := *tx
	m.transactions[tx.Reference] = &copied
	return nil
}

func (m *MemoryStore) TransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[reference]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	copied := *tx
	return &copied, nil
}

func (m *MemoryStore) FinalizeTransaction(ctx context.Context, reference string, status domain.TransactionStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[reference]
	if !ok {
		return false, ErrTransactionNotFound
	}
	// Mirrors the conditional update: predicate and write under one lock.
	if tx.Status != domain.TxStatusPending {
		return false, nil
	}
	tx.Status = status
	return true, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, userID string, limit int) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []domain.Transaction
	for _, tx := range m.transactions {
		if tx.UserID == userID {
			out = append(out, *tx)
		}
	}
	// Newest first.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
