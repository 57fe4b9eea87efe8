package dedup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/app-ship/events-handler/internal/config"
	"github.com/app-ship/events-handler/internal/core/ports"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// exerciseStore runs the behaviour every ClaimStore shares. advance moves the
// store's clock, or is nil when the store uses real time.
func exerciseStore(t *testing.T, store ports.ClaimStore, advance func(time.Duration)) {
	t.Helper()
	ctx := context.Background()

	ok, err := store.Claim(ctx, "Ev1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first Claim() = %v, %v; want true", ok, err)
	}
	ok, err = store.Claim(ctx, "Ev1", time.Minute)
	if err != nil || ok {
		t.Fatalf("duplicate Claim() = %v, %v; want false", ok, err)
	}

	if err := store.Release(ctx, "Ev1"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if ok, _ := store.Claim(ctx, "Ev1", time.Minute); !ok {
		t.Error("Claim() after Release = false, want true")
	}

	if _, err := store.Claim(ctx, "  ", time.Minute); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("blank Claim() error = %v, want ErrEmptyKey", err)
	}

	if advance != nil {
		advance(2 * time.Minute)
		if ok, _ := store.Claim(ctx, "Ev1", time.Minute); !ok {
			t.Error("Claim() after expiry = false, want true")
		}
	}
}

func TestMemoryStore(t *testing.T) {
	c := &clock{now: time.Unix(1700000000, 0)}
	store := NewMemoryStore(time.Minute, 0)
	store.Now = c.Now

	exerciseStore(t, store, c.Advance)
}

func TestMemoryStore_EvictsWhenFull(t *testing.T) {
	store := NewMemoryStore(time.Minute, 2)
	ctx := context.Background()

	store.Claim(ctx, "a", time.Minute)
	store.Claim(ctx, "b", 2*time.Minute)
	store.Claim(ctx, "c", 3*time.Minute)

	if got := store.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
	if ok, _ := store.Claim(ctx, "a", time.Minute); !ok {
		t.Error("evicted key a should be claimable again")
	}
}

func TestMemoryStore_ConcurrentClaims(t *testing.T) {
	store := NewMemoryStore(time.Minute, 0)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := store.Claim(context.Background(), "Ev-race", 0); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("winners = %d, want 1", wins.Load())
	}
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(":memory:", time.Minute)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer store.Close()

	c := &clock{now: time.Unix(1700000000, 0)}
	store.Now = c.Now

	exerciseStore(t, store, c.Advance)

	c.Advance(time.Hour)
	n, err := store.PurgeExpired(context.Background())
	if err != nil {
		t.Fatalf("PurgeExpired() error = %v", err)
	}
	if n != 1 {
		t.Errorf("PurgeExpired() = %d, want 1", n)
	}
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := t.TempDir() + "/claims.db"

	first, err := NewSQLiteStore(path, time.Minute)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	if ok, _ := first.Claim(context.Background(), "Ev1", time.Hour); !ok {
		t.Fatal("Claim() = false")
	}
	first.Close()

	second, err := NewSQLiteStore(path, time.Minute)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer second.Close()
	if ok, _ := second.Claim(context.Background(), "Ev1", time.Hour); ok {
		t.Error("claim did not survive reopen")
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("EVENTS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("EVENTS_TEST_REDIS_ADDR not set, skipping Redis integration test")
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr, DB: 15})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer client.Close()
	client.Del(context.Background(), prefixClaim+"Ev1")

	exerciseStore(t, NewRedisStore(client, time.Minute), nil)
}

func TestOpen(t *testing.T) {
	tests := []struct {
		backend string
		wantNil bool
		wantErr bool
	}{
		{"none", true, false},
		{"memory", false, false},
		{"sqlite", false, false},
		{"bogus", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			cfg := &config.Config{}
			cfg.Dedup.Backend = tt.backend
			cfg.Dedup.SQLitePath = ":memory:"

			store, err := Open(cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Open() error = %v, wantErr %v", err, tt.wantErr)
			}
			if (store == nil) != tt.wantNil {
				t.Errorf("Open() store = %v, wantNil %v", store, tt.wantNil)
			}
			if store != nil {
				store.Close()
			}
		})
	}
}

func TestOpenSQLiteFailureReturnsNilStore(t *testing.T) {
	cfg := &config.Config{}
	cfg.Dedup.Backend = "sqlite"
	cfg.Dedup.SQLitePath = filepath.Join(t.TempDir(), "missing", "dedup.db")

	store, err := Open(cfg)
	if err == nil {
		t.Fatal("Open() succeeded in a missing directory")
	}
	if store != nil {
		t.Errorf("Open() store = %#v, want nil interface", store)
	}
}

func ExampleMemoryStore() {
	store := NewMemoryStore(time.Minute, 0)
	first, _ := store.Claim(context.Background(), "Ev1", 0)
	again, _ := store.Claim(context.Background(), "Ev1", 0)
	fmt.Println(first, again)
	// Output: true false
}
