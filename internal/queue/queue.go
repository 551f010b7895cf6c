// Package queue provides the durable offline transaction queue. Records are
// written while the upstream is unreachable and replayed by the drainer once
// connectivity returns.
package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/uahtechtube/finxchange/internal/domain"
)

var (
	// ErrUnavailable indicates the underlying store could not be opened or
	// reached. Callers decide whether to alert the user or degrade.
	ErrUnavailable = errors.New("queue store unavailable")
	// ErrNotFound indicates no record exists with the given id.
	ErrNotFound = errors.New("queued transaction not found")
	// ErrInvalidTransition indicates a status change outside the allowed
	// queued→processing→failed / failed→queued lifecycle.
	ErrInvalidTransition = errors.New("invalid queue status transition")
)

// Store is a SQLite-backed queue of offline transactions. It is constructed
// explicitly via Open and owned by application start-up; there is no lazy
// singleton initialization.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the queue database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS queued_transactions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			amount TEXT NOT NULL,
			description TEXT,
			recipient_details TEXT NOT NULL,
			metadata TEXT,
			enqueued_at INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			updated_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_queued_user ON queued_transactions(user_id);
		CREATE INDEX IF NOT EXISTS idx_queued_status ON queued_transactions(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Enqueue inserts a record, assigning a fresh id when absent. EnqueuedAt is
// set once at insert time and never mutated afterwards.
func (s *Store) Enqueue(rec *domain.QueuedTransaction) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.EnqueuedAt == 0 {
		rec.EnqueuedAt = time.Now().UnixMilli()
	}
	if rec.Status == "" {
		rec.Status = domain.QueueStatusQueued
	}
	if !rec.Kind.Valid() {
		return fmt.Errorf("unknown transaction kind %q", rec.Kind)
	}

	_, err := s.db.Exec(`
		INSERT INTO queued_transactions
			(id, user_id, kind, amount, description, recipient_details, metadata, enqueued_at, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, string(rec.Kind), rec.Amount.String(), rec.Description,
		string(rec.RecipientDetails), string(rec.Metadata), rec.EnqueuedAt,
		string(rec.Status), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// List returns all records for a user, newest first.
func (s *Store) List(userID string) ([]domain.QueuedTransaction, error) {
	return s.query(
		"SELECT id, user_id, kind, amount, description, recipient_details, metadata, enqueued_at, status "+
			"FROM queued_transactions WHERE user_id = ? ORDER BY enqueued_at DESC, id DESC", userID)
}

// Pending returns records still in the queued state, oldest first. This is
// the drain order: records are replayed in the order they were enqueued.
func (s *Store) Pending(userID string) ([]domain.QueuedTransaction, error) {
	return s.query(
		"SELECT id, user_id, kind, amount, description, recipient_details, metadata, enqueued_at, status "+
			"FROM queued_transactions WHERE user_id = ? AND status = ? ORDER BY enqueued_at ASC, id ASC",
		userID, string(domain.QueueStatusQueued))
}

func (s *Store) query(q string, args ...any) ([]domain.QueuedTransaction, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []domain.QueuedTransaction
	for rows.Next() {
		var rec domain.QueuedTransaction
		var kind, amount, status string
		var details, metadata sql.NullString
		if err := rows.Scan(&rec.ID, &rec.UserID, &kind, &amount, &rec.Description,
			&details, &metadata, &rec.EnqueuedAt, &status); err != nil {
			return nil, fmt.Errorf("scan queued transaction: %w", err)
		}
		rec.Kind = domain.TransactionKind(kind)
		rec.Status = domain.QueueStatus(status)
		amt, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parse amount for %s: %w", rec.ID, err)
		}
		rec.Amount = amt
		if details.Valid {
			rec.RecipientDetails = []byte(details.String)
		}
		if metadata.Valid && metadata.String != "" {
			rec.Metadata = []byte(metadata.String)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Get returns a single record by id.
func (s *Store) Get(id string) (*domain.QueuedTransaction, error) {
	recs, err := s.query(
		"SELECT id, user_id, kind, amount, description, recipient_details, metadata, enqueued_at, status "+
			"FROM queued_transactions WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return &recs[0], nil
}

// UpdateStatus moves a record to the given status. Returns ErrNotFound if no
// record with that id exists and ErrInvalidTransition for moves outside the
// allowed lifecycle.
func (s *Store) UpdateStatus(id string, status domain.QueueStatus) error {
	cur, err := s.Get(id)
	if err != nil {
		return err
	}
	if !transitionAllowed(cur.Status, status) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, cur.Status, status)
	}

	res, err := s.db.Exec(
		"UPDATE queued_transactions SET status = ?, updated_at = ? WHERE id = ?",
		string(status), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func transitionAllowed(from, to domain.QueueStatus) bool {
	switch from {
	case domain.QueueStatusQueued:
		return to == domain.QueueStatusProcessing
	case domain.QueueStatusProcessing:
		return to == domain.QueueStatusFailed || to == domain.QueueStatusQueued
	case domain.QueueStatusFailed:
		return to == domain.QueueStatusQueued
	}
	return false
}

// Retry re-marks a failed record as queued. Only failed records are
// eligible; the drainer never retries them on its own.
func (s *Store) Retry(id string) error {
	cur, err := s.Get(id)
	if err != nil {
		return err
	}
	if cur.Status != domain.QueueStatusFailed {
		return fmt.Errorf("%w: %s → queued", ErrInvalidTransition, cur.Status)
	}
	_, err = s.db.Exec(
		"UPDATE queued_transactions SET status = ?, updated_at = ? WHERE id = ?",
		string(domain.QueueStatusQueued), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Remove deletes a record. Removing an id that does not exist is not an
// error; success and explicit user removal both land here.
func (s *Store) Remove(id string) error {
	if _, err := s.db.Exec("DELETE FROM queued_transactions WHERE id = ?", id); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Clear removes all records for a user.
func (s *Store) Clear(userID string) error {
	if _, err := s.db.Exec("DELETE FROM queued_transactions WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// RequeueStuck moves records stuck in processing longer than olderThan back
// to queued. Run once at start-up: a record orphaned mid-drain by an
// abnormal shutdown would otherwise stay wedged forever. Replaying a record
// that actually reached the server is absorbed by the server's idempotency
// layer.
func (s *Store) RequeueStuck(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.Exec(
		"UPDATE queued_transactions SET status = ?, updated_at = ? WHERE status = ? AND updated_at < ?",
		string(domain.QueueStatusQueued), time.Now().UnixMilli(),
		string(domain.QueueStatusProcessing), cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
