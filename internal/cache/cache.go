// Package cache provides the expiring response cache used by the edge proxy
// for cacheable API reads and static fallbacks. Entries are tagged with a
// cache generation derived from the configured version so that activating a
// new version can purge everything the previous one wrote.
package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrUnavailable indicates the cache database could not be opened or reached.
var ErrUnavailable = errors.New("cache store unavailable")

// Entry is a cached upstream response plus the timestamps injected at store
// time. ExpiresAt is zero unless the entry was seeded with an explicit TTL.
type Entry struct {
	Key         string
	Status      int
	ContentType string
	Body        []byte
	CachedAt    time.Time
	ExpiresAt   time.Time
	Generation  string
}

// Fresh reports whether the entry may be served without a network round-trip:
// younger than the freshness window and, for seeded entries, not past its
// explicit expiry.
func (e *Entry) Fresh(window time.Duration, now time.Time) bool {
	if !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt) {
		return false
	}
	return now.Sub(e.CachedAt) < window
}

// Store is a SQLite-backed response cache with explicit lifecycle.
type Store struct {
	db         *sql.DB
	generation string
}

// Open opens the cache database at path. All writes are tagged with the
// given generation.
func Open(path, generation string) (*Store, error) {
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

	s := &Store{db: db, generation: generation}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS cached_responses (
			key TEXT PRIMARY KEY,
			status INTEGER NOT NULL,
			content_type TEXT,
			body BLOB,
			cached_at INTEGER NOT NULL,
			expires_at INTEGER,
			generation TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_cached_at ON cached_responses(cached_at);
		CREATE INDEX IF NOT EXISTS idx_cached_generation ON cached_responses(generation);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Generation returns the generation tag applied to new entries.
func (s *Store) Generation() string {
	return s.generation
}

// Get returns the entry for key, or nil if none is cached. Age is not
// checked here; stale entries are still returned so callers can fall back to
// them when the network is down.
func (s *Store) Get(key string) (*Entry, error) {
	var e Entry
	var cachedAt int64
	var expiresAt sql.NullInt64
	var contentType sql.NullString
	err := s.db.QueryRow(
		"SELECT key, status, content_type, body, cached_at, expires_at, generation FROM cached_responses WHERE key = ?",
		key,
	).Scan(&e.Key, &e.Status, &contentType, &e.Body, &cachedAt, &expiresAt, &e.Generation)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	e.CachedAt = time.UnixMilli(cachedAt)
	if expiresAt.Valid {
		e.ExpiresAt = time.UnixMilli(expiresAt.Int64)
	}
	if contentType.Valid {
		e.ContentType = contentType.String
	}
	return &e, nil
}

// Put stores a response under key, stamped with the current time.
func (s *Store) Put(key string, status int, contentType string, body []byte) error {
	return s.put(key, status, contentType, body, 0)
}

// PutWithTTL stores a manually seeded response with an explicit expiry.
func (s *Store) PutWithTTL(key string, status int, contentType string, body []byte, ttl time.Duration) error {
	return s.put(key, status, contentType, body, ttl)
}

func (s *Store) put(key string, status int, contentType string, body []byte, ttl time.Duration) error {
	now := time.Now()
	var expires any
	if ttl > 0 {
		expires = now.Add(ttl).UnixMilli()
	}
	_, err := s.db.Exec(`
		INSERT INTO cached_responses (key, status, content_type, body, cached_at, expires_at, generation)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			status = excluded.status,
			content_type = excluded.content_type,
			body = excluded.body,
			cached_at = excluded.cached_at,
			expires_at = excluded.expires_at,
			generation = excluded.generation`,
		key, status, contentType, body, now.UnixMilli(), expires, s.generation,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Invalidate removes all entries whose key starts with prefix. The drainer
// calls this after a batch so wallet and transaction reads refetch
// authoritative state.
func (s *Store) Invalidate(prefix string) error {
	if _, err := s.db.Exec("DELETE FROM cached_responses WHERE key LIKE ? || '%'", prefix); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// PurgeOtherGenerations deletes every entry not written by the current
// generation. Called on activation of a new version.
func (s *Store) PurgeOtherGenerations() (int, error) {
	res, err := s.db.Exec("DELETE FROM cached_responses WHERE generation != ?", s.generation)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SweepExpired deletes entries past their explicit expiry.
func (s *Store) SweepExpired() (int, error) {
	res, err := s.db.Exec(
		"DELETE FROM cached_responses WHERE expires_at IS NOT NULL AND expires_at < ?",
		time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
