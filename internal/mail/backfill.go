package mail

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/app-ship/events-handler/internal/core/domain"
	"github.com/app-ship/events-handler/internal/core/ports"
)

// BackfillOrder selects which thread message wins when several carry an org
// header.
type BackfillOrder string

const (
	// OrderThread takes the first match in thread order.
	OrderThread BackfillOrder = "thread"
	// OrderRecent takes the newest match.
	OrderRecent BackfillOrder = "recent"
)

// DefaultOrgHeaders are the header names searched for an org id.
var DefaultOrgHeaders = []string{"X-Org-Id", "X-Org-ID", "X-Organization-Id", "X-Tenant-Id"}

// Backfiller recovers a missing org id from other messages in a thread.
type Backfiller struct {
	provider    ports.MailProvider
	headers     []string
	order       BackfillOrder
	maxMessages int
	logger      *slog.Logger
}

// BackfillOption configures a Backfiller.
type BackfillOption func(*Backfiller)

// WithOrgHeaders replaces the header names searched.
func WithOrgHeaders(names []string) BackfillOption {
	return func(b *Backfiller) {
		if len(names) > 0 {
			b.headers = names
		}
	}
}

// WithOrder sets the scan order.
func WithOrder(order BackfillOrder) BackfillOption {
	return func(b *Backfiller) {
		if order != "" {
			b.order = order
		}
	}
}

// WithMaxMessages bounds how many other thread messages are scanned. Zero
// means no limit.
func WithMaxMessages(n int) BackfillOption {
	return func(b *Backfiller) { b.maxMessages = n }
}

// WithBackfillLogger sets the logger.
func WithBackfillLogger(logger *slog.Logger) BackfillOption {
	return func(b *Backfiller) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBackfiller creates a Backfiller. provider may be nil, in which case only
// the current message's headers are consulted.
func NewBackfiller(provider ports.MailProvider, opts ...BackfillOption) *Backfiller {
	b := &Backfiller{
		provider: provider,
		headers:  DefaultOrgHeaders,
		order:    OrderThread,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// HeaderOrgID returns the org id carried directly by msg.
func (b *Backfiller) HeaderOrgID(msg *domain.MailMessage) string {
	for _, name := range b.headers {
		if v := strings.TrimSpace(msg.Header(name)); v != "" {
			return v
		}
	}
	return ""
}

// OrgID returns msg's org id, looking through the rest of its thread when
// msg is a reply without one. A lookup failure yields "".
func (b *Backfiller) OrgID(ctx context.Context, msg *domain.MailMessage) string {
	if id := b.HeaderOrgID(msg); id != "" {
		return id
	}
	if !isReply(msg.Header("In-Reply-To"), msg.Header("References")) {
		return ""
	}
	id, err := b.FromThread(ctx, msg.ThreadID, msg.ID)
	if err != nil {
		b.logger.Warn("org id backfill failed",
			slog.String("thread_id", msg.ThreadID),
			slog.String("error", err.Error()))
		return ""
	}
	return id
}

// FromThread scans threadID, skipping excludeID, for an org header.
func (b *Backfiller) FromThread(ctx context.Context, threadID, excludeID string) (string, error) {
	if b.provider == nil || threadID == "" {
		return "", nil
	}

	thread, err := b.provider.GetThread(ctx, threadID)
	if err != nil {
		return "", fmt.Errorf("get thread %s: %w", threadID, err)
	}

	others := make([]*domain.MailMessage, 0, len(thread))
	for _, m := range thread {
		if m != nil && m.ID != excludeID {
			others = append(others, m)
		}
	}

	if b.order == OrderRecent {
		sort.SliceStable(others, func(i, j int) bool {
			return others[i].InternalDate > others[j].InternalDate
		})
	}
	if b.maxMessages > 0 && len(others) > b.maxMessages {
		others = others[:b.maxMessages]
	}

	for _, m := range others {
		if id := b.HeaderOrgID(m); id != "" {
			b.logger.Debug("org id backfilled from thread",
				slog.String("thread_id", threadID),
				slog.String("source_message_id", m.ID))
			return id, nil
		}
	}
	return "", nil
}

func isReply(inReplyTo, references string) bool {
	return strings.TrimSpace(inReplyTo) != "" || strings.TrimSpace(references) != ""
}
