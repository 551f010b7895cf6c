package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/uahtechtube/finxchange/internal/domain"
)

// PostgresStore implements Store on top of a pgx connection pool.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore connects to the database and verifies the connection.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresStore{db: pool}, nil
}

func (s *PostgresStore) Close() {
	s.db.Close()
}

// Migrate creates the wallets and transactions tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS wallets (
			user_id TEXT PRIMARY KEY,
			balance NUMERIC(18, 2) NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS transactions (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			reference TEXT UNIQUE NOT NULL,
			kind TEXT NOT NULL,
			amount NUMERIC(18, 2) NOT NULL,
			description TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, created_at DESC);
	`
	_, err := s.db.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) Wallet(ctx context.Context, userID string) (*domain.Wallet, error) {
	var w domain.Wallet
	err := s.db.QueryRow(ctx,
		"SELECT user_id, balance, created_at FROM wallets WHERE user_id = $1", userID,
	).Scan(&w.UserID, &w.Balance, &w.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("wallet query failed: %w", err)
	}
	return &w, nil
}

// CreateWallet inserts an empty wallet for a user; used by the seeder.
func (s *PostgresStore) CreateWallet(ctx context.Context, userID string, balance decimal.Decimal) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO wallets (user_id, balance) VALUES ($1, $2) ON CONFLICT (user_id) DO NOTHING",
		userID, balance)
	return err
}

func (s *PostgresStore) Debit(ctx context.Context, userID string, amount decimal.Decimal) error {
	// Conditional single-statement update; the balance guard and the write
	// cannot interleave with a concurrent mutation.
	res, err := s.db.Exec(ctx,
		"UPDATE wallets SET balance = balance - $1 WHERE user_id = $2 AND balance >= $1",
		amount, userID)
	if err != nil {
		return fmt.Errorf("debit failed: %w", err)
	}
	if res.RowsAffected() == 0 {
		if _, werr := s.Wallet(ctx, userID); werr != nil {
			return werr
		}
		return ErrInsufficientFunds
	}
	return nil
}

func (s *PostgresStore) Credit(ctx context.Context, userID string, amount decimal.Decimal) error {
	res, err := s.db.Exec(ctx,
		"UPDATE wallets SET balance = balance + $1 WHERE user_id = $2",
		amount, userID)
	if err != nil {
		return fmt.Errorf("credit failed: %w", err)
	}
	if res.RowsAffected() == 0 {
		return ErrWalletNotFound
	}
	return nil
}

func (s *PostgresStore) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO transactions (user_id, reference, kind, amount, description, status)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at`,
		tx.UserID, tx.Reference, string(tx.Kind), tx.Amount, tx.Description, string(tx.Status),
	).Scan(&tx.ID, &tx.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateReference
		}
		return fmt.Errorf("transaction insert failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) TransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	var tx domain.Transaction
	var kind, status string
	err := s.db.QueryRow(ctx,
		`SELECT id, user_id, reference, kind, amount, description, status, created_at
		 FROM transactions WHERE reference = $1`, reference,
	).Scan(&tx.ID, &tx.UserID, &tx.Reference, &kind, &tx.Amount, &tx.Description, &status, &tx.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("transaction query failed: %w", err)
	}
	tx.Kind = domain.TransactionKind(kind)
	tx.Status = domain.TransactionStatus(status)
	return &tx, nil
}

func (s *PostgresStore) FinalizeTransaction(ctx context.Context, reference string, status domain.TransactionStatus) (bool, error) {
	res, err := s.db.Exec(ctx,
		"UPDATE transactions SET status = $1 WHERE reference = $2 AND status = $3",
		string(status), reference, string(domain.TxStatusPending))
	if err != nil {
		return false, fmt.Errorf("status update failed: %w", err)
	}
	if res.RowsAffected() > 0 {
		return true, nil
	}

	// Zero rows: either the reference does not exist or someone else
	// finalized it first.
	var exists bool
	err = s.db.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM transactions WHERE reference = $1)", reference).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("status update failed: %w", err)
	}
	if !exists {
		return false, ErrTransactionNotFound
	}
	return false, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, reference, kind, amount, description, status, created_at
		 FROM transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("transaction list failed: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var tx domain.Transaction
		var kind, status string
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Reference, &kind, &tx.Amount,
			&tx.Description, &status, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		tx.Kind = domain.TransactionKind(kind)
		tx.Status = domain.TransactionStatus(status)
		out = append(out, tx)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
