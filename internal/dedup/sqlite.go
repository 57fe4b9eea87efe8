package dedup

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/app-ship/events-handler/internal/core/ports"
)

// purgeEvery is how many claims pass between sweeps of expired rows.
const purgeEvery = 256

// SQLiteStore persists claims in a SQLite table so they survive restarts of
// a single instance.
type SQLiteStore struct {
	db         *sqlx.DB
	defaultTTL time.Duration
	claims     atomic.Int64

	// Now is the clock. Tests replace it.
	Now func() time.Time
}

var _ ports.ClaimStore = (*SQLiteStore)(nil)

var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
}

// NewSQLiteStore opens (creating if needed) the claim table at path.
func NewSQLiteStore(path string, defaultTTL time.Duration) (*SQLiteStore, error) {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Each connection to :memory: is its own database.
	if path == ":memory:" || strings.Contains(path, "mode=memory") {
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range sqlitePragmas {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS event_claims (
claim_key TEXT PRIMARY KEY,
expires_at INTEGER NOT NULL
)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db, defaultTTL: defaultTTL, Now: time.Now}, nil
}

// Claim inserts the key, or takes over an expired row, in one statement.
func (s *SQLiteStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, ErrEmptyKey
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := s.Now()

	res, err := s.db.ExecContext(ctx, `INSERT INTO event_claims (claim_key, expires_at) VALUES (?, ?)
ON CONFLICT(claim_key) DO UPDATE SET expires_at = excluded.expires_at
WHERE event_claims.expires_at <= ?`,
		key, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("dedup: claim %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup: claim %s: %w", key, err)
	}

	if s.claims.Add(1)%purgeEvery == 0 {
		if _, err := s.PurgeExpired(ctx); err != nil {
			return n == 1, err
		}
	}
	return n == 1, nil
}

func (s *SQLiteStore) Release(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM event_claims WHERE claim_key = ?`, strings.TrimSpace(key)); err != nil {
		return fmt.Errorf("dedup: release %s: %w", key, err)
	}
	return nil
}

// PurgeExpired deletes expired claims and reports how many were removed.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM event_claims WHERE expires_at <= ?`, s.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("dedup: purge: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
