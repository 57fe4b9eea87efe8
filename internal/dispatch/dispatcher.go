package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/app-ship/events-handler/internal/core/domain"
	"github.com/app-ship/events-handler/internal/core/ports"
	"github.com/app-ship/events-handler/internal/mail"
	"github.com/app-ship/events-handler/internal/signature"
	"github.com/app-ship/events-handler/internal/webhook"
)

// StatusOK is the status of every successful response.
const StatusOK = "ok"

// Response messages.
const (
	MsgChallenge  = "URL verification challenge"
	MsgDuplicate  = "Duplicate event skipped"
	MsgSlackQueue = "Slack event received and queued for processing"
	MsgEmailQueue = "Email event received and queued for processing"
)

// EventPublisher publishes canonical events. *publisher.Publisher implements it.
type EventPublisher interface {
	Publish(ctx context.Context, topicID string, ev *domain.CanonicalEvent, extra map[string]string) (string, error)
}

// Outcome is the synchronous answer to a webhook.
type Outcome struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Challenge string `json:"challenge,omitempty"`

	// EventID is set when an event was accepted.
	EventID string `json:"-"`
}

// Topics maps each provider to its destination topic.
type Topics struct {
	Slack string
	Email string
}

func (t Topics) For(p webhook.Provider) string {
	if p == webhook.ProviderSlack {
		return t.Slack
	}
	return t.Email
}

// Dispatcher verifies, classifies and normalizes webhooks, then hands
// accepted events to the queue for publishing.
type Dispatcher struct {
	verifier  *signature.Verifier
	publisher EventPublisher
	queue     *Queue
	topics    Topics
	logger    *slog.Logger

	claims   ports.ClaimStore
	claimTTL time.Duration

	extractor *mail.Extractor
	mailbox   ports.MailProvider
	push      PushConfig
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithVerifier checks Slack request signatures.
func WithVerifier(v *signature.Verifier) Option {
	return func(d *Dispatcher) { d.verifier = v }
}

// WithClaims drops events whose id was claimed within ttl.
func WithClaims(store ports.ClaimStore, ttl time.Duration) Option {
	return func(d *Dispatcher) {
		d.claims = store
		d.claimTTL = ttl
	}
}

// WithExtractor enables quote stripping and org backfill of email events.
func WithExtractor(x *mail.Extractor) Option {
	return func(d *Dispatcher) { d.extractor = x }
}

// WithMailbox enables push notification handling.
func WithMailbox(provider ports.MailProvider, cfg PushConfig) Option {
	return func(d *Dispatcher) {
		d.mailbox = provider
		d.push = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// New creates a Dispatcher.
func New(publisher EventPublisher, queue *Queue, topics Topics, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		publisher: publisher,
		queue:     queue,
		topics:    topics,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.extractor == nil {
		d.extractor = mail.NewExtractor(nil, nil, 0, d.logger)
	}
	d.push = d.push.withDefaults()
	return d
}

// HandleWebhook runs one webhook request through verification,
// classification and normalization. A returned error is a *domain.APIError.
func (d *Dispatcher) HandleWebhook(ctx context.Context, env webhook.Envelope) (*Outcome, error) {
	if env.Provider == webhook.ProviderSlack {
		if err := d.verifier.Verify(env.Headers, env.RawBody); err != nil {
			d.logger.Warn("webhook signature rejected",
				slog.String("provider", string(env.Provider)),
				slog.String("reason", err.Error()))
			return nil, domain.ErrAuthentication().WithCause(err)
		}
	}

	payload, err := webhook.Classify(env.RawBody)
	if err != nil {
		return nil, err
	}

	switch p := payload.(type) {
	case webhook.Challenge:
		d.logger.Info("url verification challenge answered", slog.String("provider", string(env.Provider)))
		return &Outcome{Status: StatusOK, Message: MsgChallenge, Challenge: p.Challenge}, nil
	case webhook.Unrecognized:
		d.logger.Info("unrecognized payload type",
			slog.String("provider", string(env.Provider)),
			slog.String("type", p.Type))
		return &Outcome{Status: StatusOK, Message: webhook.SkipUnknownType}, nil
	case webhook.EventCallback:
		res, err := webhook.NormalizerFor(env.Provider)(p)
		if err != nil {
			return nil, err
		}
		if res.Skipped() {
			d.logger.Debug("webhook event skipped",
				slog.String("provider", string(env.Provider)),
				slog.String("reason", res.Skip))
			return &Outcome{Status: StatusOK, Message: res.Skip}, nil
		}
		return d.accept(ctx, env.Provider, res.Event)
	default:
		return nil, domain.ErrInternal(errors.New("unhandled payload variant"))
	}
}

func (d *Dispatcher) accept(ctx context.Context, provider webhook.Provider, ev *domain.CanonicalEvent) (*Outcome, error) {
	claimed, dup := d.claim(ctx, ev.EventID)
	if dup {
		d.logger.Info("duplicate event skipped", slog.String("event_id", ev.EventID))
		return &Outcome{Status: StatusOK, Message: MsgDuplicate}, nil
	}

	topic := d.topics.For(provider)
	task := Task{
		Name: ev.EventID,
		Run: func(ctx context.Context) error {
			if ev.Source == domain.SourceEmail {
				d.extractor.EnrichEvent(ctx, ev)
			}
			if _, err := d.publisher.Publish(ctx, topic, ev, nil); err != nil {
				d.release(claimed, ev.EventID)
				return err
			}
			return nil
		},
	}

	if err := d.queue.Submit(ctx, task); err != nil {
		d.release(claimed, ev.EventID)
		if errors.Is(err, ErrQueueFull) || errors.Is(err, ErrQueueStopped) {
			return nil, domain.ErrOverloaded("Event queue is full, retry later").WithCause(err)
		}
		return nil, domain.ErrInternal(err)
	}

	d.logger.Info("event accepted",
		slog.String("event_id", ev.EventID),
		slog.String("provider", string(provider)),
		slog.String("topic_id", topic))

	msg := MsgSlackQueue
	if provider == webhook.ProviderEmail {
		msg = MsgEmailQueue
	}
	return &Outcome{Status: StatusOK, Message: msg, EventID: ev.EventID}, nil
}

// claim reports whether key is now held and whether it was already held.
// Store errors fail open.
func (d *Dispatcher) claim(ctx context.Context, key string) (claimed, duplicate bool) {
	if d.claims == nil {
		return false, false
	}
	ok, err := d.claims.Claim(ctx, key, d.claimTTL)
	if err != nil {
		d.logger.Warn("dedup claim failed, accepting event",
			slog.String("event_id", key),
			slog.String("error", err.Error()))
		return false, false
	}
	return ok, !ok
}

func (d *Dispatcher) release(claimed bool, key string) {
	if !claimed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.claims.Release(ctx, key); err != nil {
		d.logger.Warn("dedup release failed",
			slog.String("event_id", key),
			slog.String("error", err.Error()))
	}
}
