// Package redis implements the broker port on Redis streams. Each topic is a
// stream; the set of topics is kept in a Redis set.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/app-ship/events-handler/internal/core/domain"
)

const (
	keyTopics    = "events:topics"
	prefixStream = "events:topic:"
)

// Broker publishes to Redis streams.
type Broker struct {
	client goredis.UniversalClient
	// maxLen caps each stream's length. Zero keeps every entry.
	maxLen int64
}

// Option configures a Broker.
type Option func(*Broker)

// WithMaxLen trims streams to approximately n entries.
func WithMaxLen(n int64) Option {
	return func(b *Broker) { b.maxLen = n }
}

// New creates a Broker on an existing client.
func New(client goredis.UniversalClient, opts ...Option) *Broker {
	b := &Broker{client: client}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Dial creates a client for addr and wraps it.
func Dial(addr, password string, db int, opts ...Option) *Broker {
	return New(goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), opts...)
}

func streamKey(topicID string) string {
	return prefixStream + topicID
}

func (b *Broker) handle(topicID string) domain.TopicHandle {
	return domain.TopicHandle{TopicID: topicID, FullPath: streamKey(topicID)}
}

func (b *Broker) CreateTopic(ctx context.Context, topicID string) (domain.TopicHandle, error) {
	added, err := b.client.SAdd(ctx, keyTopics, topicID).Result()
	if err != nil {
		return domain.TopicHandle{}, classify("create topic", err)
	}
	if added == 0 {
		return domain.TopicHandle{}, fmt.Errorf("create %s: %w", topicID, domain.ErrTopicExists)
	}
	h := b.handle(topicID)
	h.Created = true
	return h, nil
}

func (b *Broker) Topic(ctx context.Context, topicID string) (domain.TopicHandle, error) {
	ok, err := b.client.SIsMember(ctx, keyTopics, topicID).Result()
	if err != nil {
		return domain.TopicHandle{}, classify("get topic", err)
	}
	if !ok {
		return domain.TopicHandle{}, fmt.Errorf("topic %s: %w", topicID, domain.ErrTopicNotFound)
	}
	return b.handle(topicID), nil
}

func (b *Broker) Publish(ctx context.Context, topicID string, data []byte, attrs map[string]string) (string, error) {
	ok, err := b.client.SIsMember(ctx, keyTopics, topicID).Result()
	if err != nil {
		return "", classify("publish", err)
	}
	if !ok {
		return "", domain.PermanentBrokerError("publish", fmt.Errorf("topic %s: %w", topicID, domain.ErrTopicNotFound))
	}

	encodedAttrs, err := json.Marshal(attrs)
	if err != nil {
		return "", domain.PermanentBrokerError("publish", err)
	}

	args := &goredis.XAddArgs{
		Stream: streamKey(topicID),
		Values: map[string]any{
			"data":       data,
			"attributes": encodedAttrs,
		},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}

	id, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", classify("publish", err)
	}
	return id, nil
}

func (b *Broker) ListTopics(ctx context.Context) ([]domain.TopicHandle, error) {
	ids, err := b.client.SMembers(ctx, keyTopics).Result()
	if err != nil {
		return nil, classify("list topics", err)
	}
	sort.Strings(ids)
	out := make([]domain.TopicHandle, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.handle(id))
	}
	return out, nil
}

func (b *Broker) DeleteTopic(ctx context.Context, topicID string) error {
	removed, err := b.client.SRem(ctx, keyTopics, topicID).Result()
	if err != nil {
		return classify("delete topic", err)
	}
	if removed == 0 {
		return fmt.Errorf("delete %s: %w", topicID, domain.ErrTopicNotFound)
	}
	if err := b.client.Del(ctx, streamKey(topicID)).Err(); err != nil {
		return classify("delete topic", err)
	}
	return nil
}

func (b *Broker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return classify("ping", err)
	}
	return nil
}

func (b *Broker) Close() error {
	return b.client.Close()
}

// transientReplies are Redis error reply prefixes that clear up on their own.
var transientReplies = []string{"LOADING", "BUSY", "TRYAGAIN", "CLUSTERDOWN", "MASTERDOWN", "READONLY"}

func classify(op string, err error) error {
	if errors.Is(err, goredis.ErrClosed) || errors.Is(err, context.Canceled) {
		return domain.PermanentBrokerError(op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
		return domain.TransientBrokerError(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.TransientBrokerError(op, err)
	}
	var replyErr goredis.Error
	if errors.As(err, &replyErr) {
		for _, prefix := range transientReplies {
			if strings.HasPrefix(replyErr.Error(), prefix) {
				return domain.TransientBrokerError(op, err)
			}
		}
	}
	return domain.PermanentBrokerError(op, err)
}
