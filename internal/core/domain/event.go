package domain

import (
	"fmt"
	"strings"
	"time"
)

// Source identifies the provider an event came from.
type Source string

const (
	SourceSlack Source = "slack"
	SourceEmail Source = "email"
)

// Event types carried in the event_type routing attribute.
const (
	EventTypeSlackReply = "slack_reply"
	EventTypeEmailReply = "email_reply"
)

// CanonicalEvent is the provider-agnostic record published to the bus.
type CanonicalEvent struct {
	// EventID is unique per provider and native event id.
	EventID     string    `json:"event_id"`
	Source      Source    `json:"source"`
	EventType   string    `json:"event_type"`
	MessageType string    `json:"message_type"`
	OccurredAt  time.Time `json:"occurred_at"`

	// Actor is the Slack user id or the sender address.
	Actor string `json:"actor"`
	// Target is the Slack channel id or the recipient address.
	Target string `json:"target"`

	Body       string `json:"body"`
	Subject    string `json:"subject,omitempty"`
	ThreadID   string `json:"thread_id,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
	InReplyTo  string `json:"in_reply_to,omitempty"`
	References string `json:"references,omitempty"`

	// WorkspaceID is the Slack team id or the email project id.
	WorkspaceID string `json:"workspace_id"`

	OrgID      string            `json:"org_id,omitempty"`
	RawHeaders map[string]string `json:"raw_headers,omitempty"`
}

// Validate checks the fields every published event must carry.
func (e *CanonicalEvent) Validate() error {
	if e == nil {
		return ErrValidation(ErrorCodeInvalidEvent, "event is nil")
	}
	if e.EventID == "" {
		return ErrValidation(ErrorCodeInvalidEvent, "event_id is required")
	}
	switch e.Source {
	case SourceSlack, SourceEmail:
	default:
		return ErrValidation(ErrorCodeInvalidEvent, fmt.Sprintf("unknown source %q", e.Source))
	}
	if strings.TrimSpace(e.Body) == "" {
		return ErrValidation(ErrorCodeInvalidEvent, "event body is empty")
	}
	return nil
}
