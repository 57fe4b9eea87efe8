// Package memory provides an in-process broker for local runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/app-ship/events-handler/internal/core/domain"
)

// Message is a message recorded by the broker.
type Message struct {
	ID          string
	TopicID     string
	Data        []byte
	Attributes  map[string]string
	PublishedAt time.Time
}

// Broker is an in-memory implementation of ports.Broker.
type Broker struct {
	project     string
	createDelay time.Duration

	mu          sync.RWMutex
	topics      map[string][]Message
	seq         int64
	createCalls int
	createErrs  []error
	publishErrs []error
	pingErr     error
}

// Option configures a Broker.
type Option func(*Broker)

// WithProject sets the project used in topic paths.
func WithProject(project string) Option {
	return func(b *Broker) { b.project = project }
}

// WithCreateDelay makes CreateTopic block for d before creating.
func WithCreateDelay(d time.Duration) Option {
	return func(b *Broker) { b.createDelay = d }
}

// New creates an empty broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		project: "local",
		topics:  make(map[string][]Message),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) path(topicID string) string {
	return fmt.Sprintf("projects/%s/topics/%s", b.project, topicID)
}

func (b *Broker) CreateTopic(ctx context.Context, topicID string) (domain.TopicHandle, error) {
	if b.createDelay > 0 {
		select {
		case <-time.After(b.createDelay):
		case <-ctx.Done():
			return domain.TopicHandle{}, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.createCalls++
	if len(b.createErrs) > 0 {
		err := b.createErrs[0]
		b.createErrs = b.createErrs[1:]
		if err != nil {
			return domain.TopicHandle{}, err
		}
	}
	if _, ok := b.topics[topicID]; ok {
		return domain.TopicHandle{}, fmt.Errorf("create %s: %w", topicID, domain.ErrTopicExists)
	}
	b.topics[topicID] = nil
	return domain.TopicHandle{TopicID: topicID, FullPath: b.path(topicID), Created: true}, nil
}

func (b *Broker) Topic(ctx context.Context, topicID string) (domain.TopicHandle, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if _, ok := b.topics[topicID]; !ok {
		return domain.TopicHandle{}, fmt.Errorf("topic %s: %w", topicID, domain.ErrTopicNotFound)
	}
	return domain.TopicHandle{TopicID: topicID, FullPath: b.path(topicID)}, nil
}

func (b *Broker) Publish(ctx context.Context, topicID string, data []byte, attrs map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.publishErrs) > 0 {
		err := b.publishErrs[0]
		b.publishErrs = b.publishErrs[1:]
		if err != nil {
			return "", err
		}
	}
	if _, ok := b.topics[topicID]; !ok {
		return "", domain.PermanentBrokerError("publish", fmt.Errorf("topic %s: %w", topicID, domain.ErrTopicNotFound))
	}

	b.seq++
	id := strconv.FormatInt(b.seq, 10)
	copied := make(map[string]string, len(attrs))
	for k, v := range attrs {
		copied[k] = v
	}
	b.topics[topicID] = append(b.topics[topicID], Message{
		ID:          id,
		TopicID:     topicID,
		Data:        append([]byte(nil), data...),
		Attributes:  copied,
		PublishedAt: time.Now(),
	})
	return id, nil
}

func (b *Broker) ListTopics(ctx context.Context) ([]domain.TopicHandle, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]domain.TopicHandle, 0, len(b.topics))
	for id := range b.topics {
		out = append(out, domain.TopicHandle{TopicID: id, FullPath: b.path(id)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TopicID < out[j].TopicID })
	return out, nil
}

func (b *Broker) DeleteTopic(ctx context.Context, topicID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.topics[topicID]; !ok {
		return fmt.Errorf("delete %s: %w", topicID, domain.ErrTopicNotFound)
	}
	delete(b.topics, topicID)
	return nil
}

func (b *Broker) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pingErr
}

func (b *Broker) Close() error {
	return nil
}

// FailPublish queues errors returned by the next Publish calls, in order. A
// nil entry lets that call through.
func (b *Broker) FailPublish(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErrs = append(b.publishErrs, errs...)
}

// FailCreate queues errors returned by the next CreateTopic calls, in order.
// A nil entry lets that call through.
func (b *Broker) FailCreate(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.createErrs = append(b.createErrs, errs...)
}

// SetPingError makes Ping return err.
func (b *Broker) SetPingError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pingErr = err
}

// Messages returns a copy of the messages published to topicID.
func (b *Broker) Messages(topicID string) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Message(nil), b.topics[topicID]...)
}

// CreateTopicCalls returns how many times CreateTopic reached the broker.
func (b *Broker) CreateTopicCalls() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.createCalls
}
