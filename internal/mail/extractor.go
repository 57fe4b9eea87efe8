// Package mail isolates the newest human reply from a mail message and
// recovers its org id from the surrounding thread.
package mail

import (
	"context"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/app-ship/events-handler/internal/core/domain"
	"github.com/app-ship/events-handler/internal/core/ports"
)

var tracer = otel.Tracer("github.com/app-ship/events-handler/internal/mail")

// Message is a fetched mail message.
type Message = domain.MailMessage

// Extraction is the reply content pulled from one message.
type Extraction struct {
	From       string
	To         string
	Subject    string
	Body       string
	ThreadID   string
	MessageID  string
	InReplyTo  string
	References string
	OrgID      string
	Headers    map[string]string

	// ProviderID is the mail provider's own message id.
	ProviderID string
	ReceivedAt time.Time
}

// Extractor fetches messages and extracts reply content.
type Extractor struct {
	provider     ports.MailProvider
	backfill     *Backfiller
	fetchTimeout time.Duration
	logger       *slog.Logger
}

// NewExtractor creates an Extractor. provider may be nil when only
// EnrichEvent is needed.
func NewExtractor(provider ports.MailProvider, backfill *Backfiller, fetchTimeout time.Duration, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if backfill == nil {
		backfill = NewBackfiller(provider, WithBackfillLogger(logger))
	}
	if fetchTimeout <= 0 {
		fetchTimeout = 10 * time.Second
	}
	return &Extractor{
		provider:     provider,
		backfill:     backfill,
		fetchTimeout: fetchTimeout,
		logger:       logger,
	}
}

// Extract fetches message id and extracts its reply. It returns nil with no
// error when the message is not a reply, has no content, or cannot be
// fetched.
func (e *Extractor) Extract(ctx context.Context, id string) (*Extraction, error) {
	ctx, span := tracer.Start(ctx, "mail.Extract")
	defer span.End()
	span.SetAttributes(attribute.String("mail.message_id", id))

	if e.provider == nil {
		return nil, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	msg, err := e.provider.GetMessage(fetchCtx, id)
	cancel()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		e.logger.Warn("failed to fetch mail message",
			slog.String("message_id", id),
			slog.String("error", err.Error()))
		return nil, nil
	}

	return e.ExtractMessage(ctx, msg)
}

// ExtractMessage extracts the reply from an already fetched message.
func (e *Extractor) ExtractMessage(ctx context.Context, msg *Message) (*Extraction, error) {
	if msg == nil {
		return nil, nil
	}

	inReplyTo := msg.Header("In-Reply-To")
	references := msg.Header("References")
	if !isReply(inReplyTo, references) {
		e.logger.Debug("mail message is not a reply", slog.String("message_id", msg.ID))
		return nil, nil
	}

	body := StripQuotes(SelectBody(msg), Snippet(msg))
	if body == "" {
		e.logger.Debug("mail message has no content", slog.String("message_id", msg.ID))
		return nil, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()

	return &Extraction{
		From:       Address(msg.Header("From")),
		To:         Address(msg.Header("To")),
		Subject:    msg.Header("Subject"),
		Body:       body,
		ThreadID:   msg.ThreadID,
		MessageID:  msg.Header("Message-ID"),
		InReplyTo:  inReplyTo,
		References: references,
		OrgID:      e.backfill.OrgID(fetchCtx, msg),
		Headers:    msg.HeaderMap(),
		ProviderID: msg.ID,
		ReceivedAt: time.UnixMilli(msg.InternalDate).UTC(),
	}, nil
}

// EnrichEvent strips quoted history from an email event body and fills a
// missing org id from its headers or thread. Events whose body would become
// empty keep the original body.
func (e *Extractor) EnrichEvent(ctx context.Context, ev *domain.CanonicalEvent) {
	if ev == nil || ev.Source != domain.SourceEmail {
		return
	}

	if stripped := StripQuotes(ev.Body, ""); stripped != "" {
		ev.Body = stripped
	}

	if ev.OrgID != "" {
		return
	}
	headers := make([]domain.MailHeader, 0, len(ev.RawHeaders))
	for k, v := range ev.RawHeaders {
		headers = append(headers, domain.MailHeader{Name: k, Value: v})
	}
	if id := e.backfill.HeaderOrgID(&domain.MailMessage{Headers: headers}); id != "" {
		ev.OrgID = id
		return
	}
	if !isReply(ev.InReplyTo, ev.References) || ev.ThreadID == "" {
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()
	id, err := e.backfill.FromThread(fetchCtx, ev.ThreadID, "")
	if err != nil {
		e.logger.Warn("org id backfill failed",
			slog.String("event_id", ev.EventID),
			slog.String("error", err.Error()))
		return
	}
	ev.OrgID = id
}

// ToEvent maps an extraction to a canonical email event.
func (x *Extraction) ToEvent(workspaceID string) *domain.CanonicalEvent {
	return &domain.CanonicalEvent{
		EventID:     "gmail-" + x.ProviderID,
		Source:      domain.SourceEmail,
		EventType:   domain.EventTypeEmailReply,
		MessageType: domain.EventTypeEmailReply,
		OccurredAt:  x.ReceivedAt,
		Actor:       x.From,
		Target:      x.To,
		Body:        x.Body,
		Subject:     x.Subject,
		ThreadID:    x.ThreadID,
		MessageID:   x.MessageID,
		InReplyTo:   x.InReplyTo,
		References:  x.References,
		WorkspaceID: workspaceID,
		OrgID:       x.OrgID,
		RawHeaders:  x.Headers,
	}
}

// Address returns the bare address from a header value such as
// "Jane <jane@example.com>". Lists keep their first address.
func Address(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if list, err := mail.ParseAddressList(v); err == nil && len(list) > 0 {
		return strings.ToLower(list[0].Address)
	}
	return v
}
