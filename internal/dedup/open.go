package dedup

import (
	"fmt"

	"github.com/app-ship/events-handler/internal/config"
	"github.com/app-ship/events-handler/internal/core/ports"
)

// Open builds the claim store named by cfg.Dedup.Backend. Backend "none"
// returns a nil store, which disables deduplication.
func Open(cfg *config.Config) (ports.ClaimStore, error) {
	switch cfg.Dedup.Backend {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemoryStore(cfg.Dedup.TTL, 0), nil
	case "sqlite":
		store, err := NewSQLiteStore(cfg.Dedup.SQLitePath, cfg.Dedup.TTL)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "redis":
		return DialRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Dedup.TTL), nil
	default:
		return nil, fmt.Errorf("dedup: unknown backend %q", cfg.Dedup.Backend)
	}
}
