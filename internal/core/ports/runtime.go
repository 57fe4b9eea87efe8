package ports

import (
	"context"
	"time"

	"github.com/app-ship/events-handler/internal/config"
	"github.com/app-ship/events-handler/internal/core/domain"
)

// ConfigProvider loads and manages configuration.
// Implementations: file-based with hot reload.
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

// Broker is a publish/subscribe bus with topic management.
// Implementations: Google Pub/Sub, Redis streams, in-memory.
//
// CreateTopic returns an error wrapping domain.ErrTopicExists when the topic
// is already present. Topic and DeleteTopic wrap domain.ErrTopicNotFound.
// Failures worth retrying are wrapped with domain.TransientBrokerError.
type Broker interface {
	CreateTopic(ctx context.Context, topicID string) (domain.TopicHandle, error)
	Topic(ctx context.Context, topicID string) (domain.TopicHandle, error)
	Publish(ctx context.Context, topicID string, data []byte, attrs map[string]string) (string, error)
	ListTopics(ctx context.Context) ([]domain.TopicHandle, error)
	DeleteTopic(ctx context.Context, topicID string) error
	Ping(ctx context.Context) error
	Close() error
}

// MailProvider reads messages from a mailbox.
// Implementations: Gmail API.
type MailProvider interface {
	// ListRecent returns ids of messages received within window, newest first.
	ListRecent(ctx context.Context, address string, window time.Duration) ([]string, error)
	GetMessage(ctx context.Context, id string) (*domain.MailMessage, error)
	// GetThread returns the thread's messages in thread order.
	GetThread(ctx context.Context, id string) ([]*domain.MailMessage, error)
}

// ClaimStore records event ids that have already been accepted so provider
// re-deliveries can be dropped.
// Implementations: in-memory, SQLite, Redis.
type ClaimStore interface {
	// Claim returns true when key was not held and is now held for ttl.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release drops a claim so a later delivery can retry.
	Release(ctx context.Context, key string) error
	Close() error
}
