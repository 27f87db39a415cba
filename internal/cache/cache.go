// Package cache is a short-TTL on-disk store for liquidity source responses,
// shared across concurrent dexroute processes.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

type Store struct {
	db   *sql.DB
	lock *flock.Flock
	now  func() time.Time
}

type Entry struct {
	Hit   bool
	Value []byte
	Age   time.Duration
	Fresh bool
}

func Open(path, lockPath string) (*Store, error) {
	for _, dir := range []string{filepath.Dir(path), filepath.Dir(lockPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}
	// busy_timeout goes in the DSN so every pooled connection gets it first.
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}
	lock := flock.New(lockPath)
	if err := lock.Lock(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("lock cache for init: %w", err)
	}
	defer func() { _ = lock.Unlock() }()
	queries := []string{
		"PRAGMA journal_mode=WAL;",
		`CREATE TABLE IF NOT EXISTS source_responses (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			stored_at_ms INTEGER NOT NULL,
			ttl_ms INTEGER NOT NULL
		);`,
	}
	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init cache schema: %w", err)
		}
	}
	store := &Store{db: db, lock: lock, now: time.Now}
	_ = store.Prune()
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Key builds the cache key for a source response. Token order is normalised
// so A/B and B/A share an entry.
func Key(sourceID, tokenA, tokenB string) string {
	a, b := strings.ToLower(tokenA), strings.ToLower(tokenB)
	if b < a {
		a, b = b, a
	}
	return strings.ToLower(sourceID) + "|" + a + "|" + b
}

// Prune drops expired entries.
func (s *Store) Prune() error {
	if s == nil || s.db == nil {
		return nil
	}
	nowMS := s.now().UTC().UnixMilli()
	if _, err := s.db.Exec("DELETE FROM source_responses WHERE stored_at_ms + ttl_ms < ?", nowMS); err != nil {
		return fmt.Errorf("prune cache: %w", err)
	}
	return nil
}

func (s *Store) Get(key string) (Entry, error) {
	var value []byte
	var storedMS, ttlMS int64
	err := s.db.QueryRow("SELECT value, stored_at_ms, ttl_ms FROM source_responses WHERE key = ?", key).Scan(&value, &storedMS, &ttlMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, nil
		}
		return Entry{}, fmt.Errorf("cache read: %w", err)
	}
	age := s.now().UTC().Sub(time.UnixMilli(storedMS).UTC())
	if age < 0 {
		age = 0
	}
	return Entry{
		Hit:   true,
		Value: value,
		Age:   age,
		Fresh: age <= time.Duration(ttlMS)*time.Millisecond,
	}, nil
}

// GetJSON decodes a fresh entry into out. It reports false on miss or expiry.
func (s *Store) GetJSON(key string, out any) (bool, error) {
	entry, err := s.Get(key)
	if err != nil || !entry.Hit || !entry.Fresh {
		return false, err
	}
	if err := json.Unmarshal(entry.Value, out); err != nil {
		return false, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	locked, err := s.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock cache: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock cache: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	ttlMS := ttl.Milliseconds()
	if ttlMS <= 0 {
		ttlMS = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO source_responses (key, value, stored_at_ms, ttl_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value=excluded.value,
			stored_at_ms=excluded.stored_at_ms,
			ttl_ms=excluded.ttl_ms
	`, key, value, s.now().UTC().UnixMilli(), ttlMS)
	if err != nil {
		return fmt.Errorf("cache write: %w", err)
	}
	return nil
}

func (s *Store) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	buf, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", key, err)
	}
	return s.Set(ctx, key, buf, ttl)
}
