package dedup

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/app-ship/events-handler/internal/core/ports"
)

const prefixClaim = "events:claim:"

// RedisStore shares claims across replicas with SET NX and a TTL.
type RedisStore struct {
	client     goredis.UniversalClient
	defaultTTL time.Duration
	// ownClient is true when Close should close client.
	ownClient bool
}

var _ ports.ClaimStore = (*RedisStore)(nil)

// NewRedisStore uses an existing client. Close leaves the client open.
func NewRedisStore(client goredis.UniversalClient, defaultTTL time.Duration) *RedisStore {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &RedisStore{client: client, defaultTTL: defaultTTL}
}

// DialRedisStore creates a store with its own client.
func DialRedisStore(addr, password string, db int, defaultTTL time.Duration) *RedisStore {
	s := NewRedisStore(goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), defaultTTL)
	s.ownClient = true
	return s
}

func (s *RedisStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, ErrEmptyKey
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	ok, err := s.client.SetNX(ctx, prefixClaim+key, time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: claim %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, prefixClaim+strings.TrimSpace(key)).Err(); err != nil {
		return fmt.Errorf("dedup: release %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}
