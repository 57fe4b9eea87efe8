// Package pubsub implements the broker port on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/app-ship/events-handler/internal/core/domain"
)

// Config holds connection settings.
type Config struct {
	ProjectID       string
	CredentialsFile string
	// EmulatorHost connects to a local emulator without authentication.
	EmulatorHost string
}

// Broker publishes to Google Cloud Pub/Sub.
type Broker struct {
	client *pubsub.Client
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// New connects to Pub/Sub. Extra client options are appended after those
// derived from cfg.
func New(ctx context.Context, cfg Config, logger *slog.Logger, opts ...option.ClientOption) (*Broker, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("pubsub: project id is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var clientOpts []option.ClientOption
	switch {
	case cfg.EmulatorHost != "":
		clientOpts = append(clientOpts,
			option.WithEndpoint(cfg.EmulatorHost),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	case cfg.CredentialsFile != "":
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	clientOpts = append(clientOpts, opts...)

	client, err := pubsub.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub: create client: %w", err)
	}

	logger.Info("pubsub client created",
		slog.String("project_id", cfg.ProjectID),
		slog.Bool("emulator", cfg.EmulatorHost != ""))

	return &Broker{
		client: client,
		logger: logger,
		topics: make(map[string]*pubsub.Topic),
	}, nil
}

// topic returns a cached topic handle. Topic handles own publish goroutines
// and are stopped in Close.
func (b *Broker) topic(topicID string) *pubsub.Topic {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[topicID]; ok {
		return t
	}
	t := b.client.Topic(topicID)
	b.topics[topicID] = t
	return t
}

func (b *Broker) forget(topicID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[topicID]; ok {
		t.Stop()
		delete(b.topics, topicID)
	}
}

func (b *Broker) CreateTopic(ctx context.Context, topicID string) (domain.TopicHandle, error) {
	t, err := b.client.CreateTopic(ctx, topicID)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return domain.TopicHandle{}, fmt.Errorf("create %s: %w", topicID, domain.ErrTopicExists)
		}
		return domain.TopicHandle{}, classify("create topic", err)
	}
	t.Stop()
	return domain.TopicHandle{TopicID: t.ID(), FullPath: t.String(), Created: true}, nil
}

func (b *Broker) Topic(ctx context.Context, topicID string) (domain.TopicHandle, error) {
	t := b.topic(topicID)
	ok, err := t.Exists(ctx)
	if err != nil {
		return domain.TopicHandle{}, classify("get topic", err)
	}
	if !ok {
		return domain.TopicHandle{}, fmt.Errorf("topic %s: %w", topicID, domain.ErrTopicNotFound)
	}
	return domain.TopicHandle{TopicID: t.ID(), FullPath: t.String()}, nil
}

func (b *Broker) Publish(ctx context.Context, topicID string, data []byte, attrs map[string]string) (string, error) {
	res := b.topic(topicID).Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	id, err := res.Get(ctx)
	if err != nil {
		return "", classify("publish", err)
	}
	return id, nil
}

func (b *Broker) ListTopics(ctx context.Context) ([]domain.TopicHandle, error) {
	var out []domain.TopicHandle
	it := b.client.Topics(ctx)
	for {
		t, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, classify("list topics", err)
		}
		out = append(out, domain.TopicHandle{TopicID: t.ID(), FullPath: t.String()})
	}
	return out, nil
}

func (b *Broker) DeleteTopic(ctx context.Context, topicID string) error {
	err := b.client.Topic(topicID).Delete(ctx)
	b.forget(topicID)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("delete %s: %w", topicID, domain.ErrTopicNotFound)
		}
		return classify("delete topic", err)
	}
	return nil
}

// Ping lists the first topic to confirm the connection and credentials.
func (b *Broker) Ping(ctx context.Context) error {
	_, err := b.client.Topics(ctx).Next()
	if err != nil && !errors.Is(err, iterator.Done) {
		return classify("ping", err)
	}
	return nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	for id, t := range b.topics {
		t.Stop()
		delete(b.topics, id)
	}
	b.mu.Unlock()
	return b.client.Close()
}

// classify maps a gRPC status onto the domain's transient/permanent split.
func classify(op string, err error) error {
	switch status.Code(err) {
	case codes.DeadlineExceeded, codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.Internal:
		return domain.TransientBrokerError(op, err)
	case codes.NotFound:
		return domain.PermanentBrokerError(op, fmt.Errorf("%w: %v", domain.ErrTopicNotFound, err))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.TransientBrokerError(op, err)
	}
	return domain.PermanentBrokerError(op, err)
}
