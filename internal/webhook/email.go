package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/app-ship/events-handler/internal/core/domain"
	"github.com/app-ship/events-handler/internal/webhook/schema"
)

// EmailEvent is the inner event of an email callback.
type EmailEvent struct {
	Type       string         `json:"type"`
	EventTS    string         `json:"event_ts,omitempty"`
	FromEmail  string         `json:"from_email,omitempty"`
	ToEmail    string         `json:"to_email,omitempty"`
	Subject    string         `json:"subject,omitempty"`
	Body       string         `json:"body,omitempty"`
	ThreadID   string         `json:"thread_id,omitempty"`
	MessageID  string         `json:"message_id,omitempty"`
	InReplyTo  string         `json:"in_reply_to,omitempty"`
	References string         `json:"references,omitempty"`
	OrgID      string         `json:"org_id,omitempty"`
	Headers    map[string]any `json:"headers,omitempty"`
}

// EmailEventWrapper is the outer email callback.
type EmailEventWrapper struct {
	Token     string     `json:"token,omitempty"`
	ProjectID string     `json:"project_id"`
	Event     EmailEvent `json:"event"`
	Type      string     `json:"type"`
	EventID   string     `json:"event_id"`
	EventTime int64      `json:"event_time"`
}

// NormalizeEmail maps an email callback to a canonical event. Only
// email_reply events with a non-blank body are kept.
func NormalizeEmail(cb EventCallback) (Result, error) {
	if cb.Type != TypeEmailCallback {
		return skip(SkipUnknownType)
	}
	if err := schema.Validate(schema.EmailEventCallback, cb.Raw); err != nil {
		return Result{}, invalidEvent(err)
	}

	var w EmailEventWrapper
	if err := json.Unmarshal(cb.Raw, &w); err != nil {
		return Result{}, invalidEvent(err)
	}
	ev := w.Event

	switch {
	case ev.Type != domain.EventTypeEmailReply:
		return skip(SkipUnsupported)
	case strings.TrimSpace(ev.Body) == "":
		return skip(SkipEmptyEmail)
	}

	return Result{Event: &domain.CanonicalEvent{
		EventID:     w.EventID,
		Source:      domain.SourceEmail,
		EventType:   domain.EventTypeEmailReply,
		MessageType: ev.Type,
		OccurredAt:  time.Unix(w.EventTime, 0).UTC(),
		Actor:       ev.FromEmail,
		Target:      ev.ToEmail,
		Body:        ev.Body,
		Subject:     ev.Subject,
		ThreadID:    ev.ThreadID,
		MessageID:   ev.MessageID,
		InReplyTo:   ev.InReplyTo,
		References:  ev.References,
		WorkspaceID: w.ProjectID,
		OrgID:       ev.OrgID,
		RawHeaders:  stringifyHeaders(ev.Headers),
	}}, nil
}

func stringifyHeaders(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch s := v.(type) {
		case string:
			out[k] = s
		case nil:
			out[k] = ""
		default:
			out[k] = fmt.Sprint(s)
		}
	}
	return out
}
