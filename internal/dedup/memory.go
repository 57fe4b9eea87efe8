// Package dedup holds short-lived claims on event ids so provider
// re-deliveries are dropped before they reach the bus.
package dedup

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/app-ship/events-handler/internal/core/ports"
)

const (
	DefaultTTL        = 10 * time.Minute
	defaultMaxEntries = 8192
)

// ErrEmptyKey is returned when a claim key is blank.
var ErrEmptyKey = errors.New("dedup: claim key is required")

// MemoryStore keeps claims in process memory. Claims are lost on restart.
type MemoryStore struct {
	mu         sync.Mutex
	defaultTTL time.Duration
	maxEntries int
	entries    map[string]time.Time

	// Now is the clock. Tests replace it.
	Now func() time.Time
}

var _ ports.ClaimStore = (*MemoryStore)(nil)

// NewMemoryStore creates a store holding at most maxEntries claims. When
// full, the claim closest to expiry is evicted.
func NewMemoryStore(defaultTTL time.Duration, maxEntries int) *MemoryStore {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &MemoryStore{
		defaultTTL: defaultTTL,
		maxEntries: maxEntries,
		entries:    make(map[string]time.Time),
		Now:        time.Now,
	}
}

func (s *MemoryStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, ErrEmptyKey
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := s.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if expiresAt, ok := s.entries[key]; ok && now.Before(expiresAt) {
		return false, nil
	}
	s.pruneLocked(now)
	for len(s.entries) >= s.maxEntries {
		s.evictOldestLocked()
	}
	s.entries[key] = now.Add(ttl)
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, strings.TrimSpace(key))
	s.mu.Unlock()
	return nil
}

// Len returns the number of live claims.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.Now())
	return len(s.entries)
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) pruneLocked(now time.Time) {
	for key, expiresAt := range s.entries {
		if !now.Before(expiresAt) {
			delete(s.entries, key)
		}
	}
}

func (s *MemoryStore) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, expiresAt := range s.entries {
		if oldestKey == "" || expiresAt.Before(oldest) {
			oldestKey, oldest = key, expiresAt
		}
	}
	delete(s.entries, oldestKey)
}
