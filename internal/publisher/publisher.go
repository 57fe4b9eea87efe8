package publisher

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/app-ship/events-handler/internal/core/domain"
	"github.com/app-ship/events-handler/internal/core/ports"
)

// DefaultSourceService is the source_service routing attribute.
const DefaultSourceService = "events-handler"

// Attribute keys set on every published message.
const (
	AttrSourceService = "source_service"
	AttrEventType     = "event_type"
	AttrMessageType   = "message_type"
	AttrTeamID        = "team_id"
	AttrChannelID     = "channel_id"
	AttrUserID        = "user_id"
	AttrProjectID     = "project_id"
	AttrFromEmail     = "from_email"
	AttrToEmail       = "to_email"
	AttrOrgID         = "org_id"
	AttrSource        = "source"
	AttrVersion       = "version"
	AttrPublishedAt   = "published_at"
)

// Config bounds a publish.
type Config struct {
	// PublishTimeout is the deadline of a single attempt.
	PublishTimeout time.Duration
	// MaxAttempts counts the first attempt.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	SourceService string
	Version       string
}

func (c Config) withDefaults() Config {
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Second
	}
	if c.SourceService == "" {
		c.SourceService = DefaultSourceService
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	return c
}

// Receipt describes a completed publish.
type Receipt struct {
	MessageID string
	Topic     domain.TopicHandle
	Attempts  int
}

// Publisher publishes to broker topics it provisions on first use.
type Publisher struct {
	broker      ports.Broker
	provisioner *Provisioner
	cfg         Config
	logger      *slog.Logger

	now func() time.Time
}

// New creates a Publisher. A nil provisioner gets a private one.
func New(broker ports.Broker, provisioner *Provisioner, cfg Config, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if provisioner == nil {
		provisioner = NewProvisioner(broker, logger)
	}
	return &Publisher{
		broker:      broker,
		provisioner: provisioner,
		cfg:         cfg.withDefaults(),
		logger:      logger,
		now:         time.Now,
	}
}

// Provisioner returns the topic provisioner shared with admin operations.
func (p *Publisher) Provisioner() *Provisioner {
	return p.provisioner
}

// Publish validates ev, encodes it as JSON and publishes it to topicID with
// routing attributes. extra attributes override the derived ones.
func (p *Publisher) Publish(ctx context.Context, topicID string, ev *domain.CanonicalEvent, extra map[string]string) (string, error) {
	if err := ev.Validate(); err != nil {
		return "", err
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return "", domain.ErrInternal(err)
	}

	attrs := EventAttributes(ev, p.cfg.SourceService)
	for k, v := range extra {
		attrs[k] = v
	}

	r, err := p.publish(ctx, topicID, data, attrs)
	if err != nil {
		p.logger.Error("failed to publish event",
			slog.String("event_id", ev.EventID),
			slog.String("topic_id", topicID),
			slog.String("error", err.Error()))
		return "", err
	}

	p.logger.Info("event published",
		slog.String("event_id", ev.EventID),
		slog.String("topic_id", topicID),
		slog.String("message_id", r.MessageID),
		slog.Int("attempts", r.Attempts))
	return r.MessageID, nil
}

// PublishRaw publishes an arbitrary JSON payload, as used by the admin
// trigger endpoint.
func (p *Publisher) PublishRaw(ctx context.Context, topicID string, payload any, attrs map[string]string) (Receipt, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Receipt{}, domain.ErrValidation(domain.ErrorCodeInvalidRequest, "event data is not serializable").WithCause(err)
	}

	out := make(map[string]string, len(attrs)+3)
	for k, v := range attrs {
		out[k] = v
	}
	return p.publish(ctx, topicID, data, out)
}

func (p *Publisher) publish(ctx context.Context, topicID string, data []byte, attrs map[string]string) (Receipt, error) {
	ctx, span := tracer.Start(ctx, "publisher.Publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.destination.name", topicID),
		attribute.Int("messaging.message.body.size", len(data)),
	)

	attrs[AttrSource] = DefaultSourceService
	attrs[AttrVersion] = p.cfg.Version
	attrs[AttrPublishedAt] = strconv.FormatInt(p.now().Unix(), 10)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialBackoff
	b.MaxInterval = p.cfg.MaxBackoff

	var topic domain.TopicHandle
	attempts := 0
	id, err := backoff.Retry(ctx, func() (string, error) {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
		defer cancel()

		h, err := p.provisioner.Ensure(attemptCtx, topicID)
		if err != nil {
			if ctx.Err() != nil || !domain.IsTransient(err) {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		// A retry sees the cached handle; keep creation from an earlier attempt.
		h.Created = h.Created || topic.Created
		topic = h

		id, err := p.broker.Publish(attemptCtx, topicID, data, attrs)
		if err == nil {
			return id, nil
		}
		if ctx.Err() != nil || !domain.IsTransient(err) {
			return "", backoff.Permanent(err)
		}
		return "", err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Warn("publish attempt failed, retrying",
				slog.String("topic_id", topicID),
				slog.Int("attempt", attempts),
				slog.Duration("retry_in", next),
				slog.String("error", err.Error()))
		}),
	)

	span.SetAttributes(attribute.Int("publish.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return Receipt{}, err
	}

	span.SetAttributes(attribute.String("messaging.message.id", id))
	return Receipt{MessageID: id, Topic: topic, Attempts: attempts}, nil
}

// EventAttributes derives the routing attributes of ev.
func EventAttributes(ev *domain.CanonicalEvent, sourceService string) map[string]string {
	if sourceService == "" {
		sourceService = DefaultSourceService
	}
	attrs := map[string]string{
		AttrSourceService: sourceService,
		AttrEventType:     ev.EventType,
		AttrMessageType:   ev.MessageType,
	}

	switch ev.Source {
	case domain.SourceSlack:
		attrs[AttrTeamID] = ev.WorkspaceID
		attrs[AttrChannelID] = ev.Target
		attrs[AttrUserID] = ev.Actor
	case domain.SourceEmail:
		attrs[AttrProjectID] = ev.WorkspaceID
		attrs[AttrFromEmail] = ev.Actor
		attrs[AttrToEmail] = ev.Target
	}

	if ev.OrgID != "" {
		attrs[AttrOrgID] = ev.OrgID
	}
	return attrs
}
