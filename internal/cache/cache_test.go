package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func createTestCache(t *testing.T, generation string) *Store {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "cache-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := Open(filepath.Join(tmpDir, "cache.db"), generation)
	if err != nil {
		t.Fatalf("Failed to open cache store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return store
}

func TestPutGetRoundTrip(t *testing.T) {
	store := createTestCache(t, "v1")

	body := []byte(`{"balance":"1200.00"}`)
	if err := store.Put("/api/v1/wallet", 200, "application/json", body); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := store.Get("/api/v1/wallet")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil for cached key")
	}
	if string(got.Body) != string(body) {
		t.Errorf("body = %s, want %s", got.Body, body)
	}
	if got.Status != 200 || got.ContentType != "application/json" {
		t.Errorf("status/content-type = %d/%q", got.Status, got.ContentType)
	}
	if got.Generation != "v1" {
		t.Errorf("generation = %q, want v1", got.Generation)
	}
}

func TestGetMissReturnsNil(t *testing.T) {
	store := createTestCache(t, "v1")
	got, err := store.Get("/api/v1/banks")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Fatalf("Get returned entry for missing key: %+v", got)
	}
}

func TestFreshness(t *testing.T) {
	window := 5 * time.Minute
	now := time.Now()

	tests := []struct {
		name  string
		entry Entry
		want  bool
	}{
		{
			name:  "young entry is fresh",
			entry: Entry{CachedAt: now.Add(-time.Minute)},
			want:  true,
		},
		{
			name:  "entry older than window is stale",
			entry: Entry{CachedAt: now.Add(-6 * time.Minute)},
			want:  false,
		},
		{
			name:  "explicit expiry in the past beats young age",
			entry: Entry{CachedAt: now.Add(-time.Minute), ExpiresAt: now.Add(-time.Second)},
			want:  false,
		},
		{
			name:  "explicit expiry in the future keeps entry fresh",
			entry: Entry{CachedAt: now.Add(-time.Minute), ExpiresAt: now.Add(time.Hour)},
			want:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.entry.Fresh(window, now); got != tt.want {
				t.Errorf("Fresh = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInvalidatePrefix(t *testing.T) {
	store := createTestCache(t, "v1")

	keys := []string{"/api/v1/wallet", "/api/v1/transactions?page=1", "/api/v1/banks"}
	for _, k := range keys {
		if err := store.Put(k, 200, "application/json", []byte("{}")); err != nil {
			t.Fatalf("Put %s failed: %v", k, err)
		}
	}

	if err := store.Invalidate("/api/v1/wallet"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if err := store.Invalidate("/api/v1/transactions"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}

	for _, k := range []string{"/api/v1/wallet", "/api/v1/transactions?page=1"} {
		if got, _ := store.Get(k); got != nil {
			t.Errorf("entry %s survived invalidation", k)
		}
	}
	if got, _ := store.Get("/api/v1/banks"); got == nil {
		t.Error("unrelated entry was invalidated")
	}
}

func TestPurgeOtherGenerations(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "cache-gen-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })
	path := filepath.Join(tmpDir, "cache.db")

	old, err := Open(path, "v1")
	if err != nil {
		t.Fatalf("open v1: %v", err)
	}
	if err := old.Put("/api/v1/banks", 200, "application/json", []byte("[]")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	old.Close()

	cur, err := Open(path, "v2")
	if err != nil {
		t.Fatalf("open v2: %v", err)
	}
	defer cur.Close()
	if err := cur.Put("/api/v1/wallet", 200, "application/json", []byte("{}")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	n, err := cur.PurgeOtherGenerations()
	if err != nil {
		t.Fatalf("PurgeOtherGenerations failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d entries, want 1", n)
	}
	if got, _ := cur.Get("/api/v1/banks"); got != nil {
		t.Error("v1 entry survived activation purge")
	}
	if got, _ := cur.Get("/api/v1/wallet"); got == nil {
		t.Error("current-generation entry was purged")
	}
}

func TestSweepExpired(t *testing.T) {
	store := createTestCache(t, "v1")

	if err := store.PutWithTTL("/seeded", 200, "application/json", []byte("{}"), time.Millisecond); err != nil {
		t.Fatalf("PutWithTTL failed: %v", err)
	}
	if err := store.Put("/durable", 200, "application/json", []byte("{}")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	n, err := store.SweepExpired()
	if err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d entries, want 1", n)
	}
	if got, _ := store.Get("/durable"); got == nil {
		t.Error("entry without expiry was swept")
	}
}
