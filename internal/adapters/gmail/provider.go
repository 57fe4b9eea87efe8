// Package gmail implements the mail provider port on the Gmail REST API.
package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/app-ship/events-handler/internal/core/domain"
)

// DefaultUser addresses the authenticated mailbox.
const DefaultUser = "me"

// maxListResults bounds a single ListRecent page.
const maxListResults = 25

// Config selects the mailbox and its credentials.
type Config struct {
	// User is the Gmail user id. Empty uses the address passed to ListRecent.
	User string
	// TokenJSON is an OAuth2 token (access and refresh) as JSON.
	TokenJSON string
	// CredentialsFile is an OAuth client secret file when TokenJSON is set,
	// otherwise service account or ADC credentials.
	CredentialsFile string
}

// Provider reads messages through the Gmail API.
type Provider struct {
	svc    *gmailapi.Service
	user   string
	logger *slog.Logger
}

// New creates a Provider. Extra client options take precedence, which lets
// tests inject an HTTP client.
func New(ctx context.Context, cfg Config, logger *slog.Logger, opts ...option.ClientOption) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	auth, err := authOptions(ctx, cfg)
	if err != nil {
		return nil, err
	}

	svc, err := gmailapi.NewService(ctx, append(auth, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("gmail: create service: %w", err)
	}

	return &Provider{svc: svc, user: cfg.User, logger: logger}, nil
}

func authOptions(ctx context.Context, cfg Config) ([]option.ClientOption, error) {
	if cfg.TokenJSON != "" {
		var tok oauth2.Token
		if err := json.Unmarshal([]byte(cfg.TokenJSON), &tok); err != nil {
			return nil, fmt.Errorf("gmail: parse token json: %w", err)
		}
		if cfg.CredentialsFile == "" {
			return []option.ClientOption{option.WithTokenSource(oauth2.StaticTokenSource(&tok))}, nil
		}
		secret, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("gmail: read credentials: %w", err)
		}
		oc, err := google.ConfigFromJSON(secret, gmailapi.GmailReadonlyScope)
		if err != nil {
			return nil, fmt.Errorf("gmail: parse client secret: %w", err)
		}
		return []option.ClientOption{option.WithTokenSource(oc.TokenSource(ctx, &tok))}, nil
	}
	if cfg.CredentialsFile != "" {
		return []option.ClientOption{
			option.WithCredentialsFile(cfg.CredentialsFile),
			option.WithScopes(gmailapi.GmailReadonlyScope),
		}, nil
	}
	return []option.ClientOption{option.WithScopes(gmailapi.GmailReadonlyScope)}, nil
}

func (p *Provider) userID(address string) string {
	if p.user != "" {
		return p.user
	}
	if address != "" {
		return address
	}
	return DefaultUser
}

// ListRecent returns inbox message ids received within window, newest first.
func (p *Provider) ListRecent(ctx context.Context, address string, window time.Duration) ([]string, error) {
	query := fmt.Sprintf("in:inbox after:%d", time.Now().Add(-window).Unix())

	resp, err := p.svc.Users.Messages.List(p.userID(address)).
		Q(query).
		MaxResults(maxListResults).
		Context(ctx).
		Do()
	if err != nil {
		return nil, wrap("list messages", err)
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}
	p.logger.Debug("gmail messages listed", slog.String("address", address), slog.Int("count", len(ids)))
	return ids, nil
}

// GetMessage fetches a message with its full MIME tree.
func (p *Provider) GetMessage(ctx context.Context, id string) (*domain.MailMessage, error) {
	msg, err := p.svc.Users.Messages.Get(p.userID(""), id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, wrap("get message "+id, err)
	}
	return convertMessage(msg), nil
}

// GetThread fetches every message in a thread, in thread order.
func (p *Provider) GetThread(ctx context.Context, id string) ([]*domain.MailMessage, error) {
	th, err := p.svc.Users.Threads.Get(p.userID(""), id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, wrap("get thread "+id, err)
	}
	out := make([]*domain.MailMessage, 0, len(th.Messages))
	for _, m := range th.Messages {
		out = append(out, convertMessage(m))
	}
	return out, nil
}

// ErrNotFound is wrapped when Gmail answers 404.
var ErrNotFound = errors.New("gmail: not found")

func wrap(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
		return fmt.Errorf("gmail: %s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("gmail: %s: %w", op, err)
}

func convertMessage(m *gmailapi.Message) *domain.MailMessage {
	out := &domain.MailMessage{
		ID:           m.Id,
		ThreadID:     m.ThreadId,
		Snippet:      m.Snippet,
		InternalDate: m.InternalDate,
	}
	if m.Payload != nil {
		part := convertPart(m.Payload)
		out.Payload = &part
		out.Headers = part.Headers
	}
	return out
}

func convertPart(p *gmailapi.MessagePart) domain.MailPart {
	part := domain.MailPart{
		MimeType: p.MimeType,
		Filename: p.Filename,
	}
	for _, h := range p.Headers {
		part.Headers = append(part.Headers, domain.MailHeader{Name: h.Name, Value: h.Value})
	}
	if p.Body != nil {
		part.Data = p.Body.Data
	}
	for _, child := range p.Parts {
		part.Parts = append(part.Parts, convertPart(child))
	}
	return part
}
