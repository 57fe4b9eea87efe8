package redis

import (
	"context"
	"errors"
	"os"
	"testing"

	goredis "github.com/redis/go-redis/v9"

	"github.com/app-ship/events-handler/internal/core/domain"
)

// newTestBroker connects to the Redis named by EVENTS_TEST_REDIS_ADDR and
// flushes the selected database.
func newTestBroker(t *testing.T) *Broker {
	t.Helper()

	addr := os.Getenv("EVENTS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("EVENTS_TEST_REDIS_ADDR not set, skipping Redis integration test")
	}

	client := goredis.NewClient(&goredis.Options{Addr: addr, DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	b := New(client, WithMaxLen(1000))
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBroker_Integration(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	if err := b.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	h, err := b.CreateTopic(ctx, "slack-reply-event")
	if err != nil || !h.Created {
		t.Fatalf("CreateTopic() = %+v, %v", h, err)
	}
	if _, err := b.CreateTopic(ctx, "slack-reply-event"); !errors.Is(err, domain.ErrTopicExists) {
		t.Errorf("duplicate CreateTopic() error = %v", err)
	}

	id, err := b.Publish(ctx, "slack-reply-event", []byte(`{"a":1}`), map[string]string{"k": "v"})
	if err != nil || id == "" {
		t.Fatalf("Publish() = %q, %v", id, err)
	}

	entries, err := b.client.XRange(ctx, streamKey("slack-reply-event"), "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange: %v", err)
	}
	if len(entries) != 1 || entries[0].Values["data"] != `{"a":1}` {
		t.Errorf("stream entries = %+v", entries)
	}

	if _, err := b.Publish(ctx, "absent", []byte("x"), nil); err == nil || domain.IsTransient(err) {
		t.Errorf("Publish(absent) error = %v, want permanent", err)
	}

	topics, _ := b.ListTopics(ctx)
	if len(topics) != 1 {
		t.Errorf("ListTopics() = %+v", topics)
	}

	if err := b.DeleteTopic(ctx, "slack-reply-event"); err != nil {
		t.Fatalf("DeleteTopic() error = %v", err)
	}
	if err := b.DeleteTopic(ctx, "slack-reply-event"); !errors.Is(err, domain.ErrTopicNotFound) {
		t.Errorf("DeleteTopic() again error = %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"deadline", context.DeadlineExceeded, true},
		{"closed", goredis.ErrClosed, false},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("WRONGTYPE Operation against a key"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := domain.IsTransient(classify("op", tt.err)); got != tt.transient {
				t.Errorf("IsTransient() = %v, want %v", got, tt.transient)
			}
		})
	}
}
