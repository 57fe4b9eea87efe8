package webhook

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/app-ship/events-handler/internal/core/domain"
	"github.com/app-ship/events-handler/internal/webhook/schema"
)

// SlackEvent is the inner event of a Slack Events API callback.
type SlackEvent struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype,omitempty"`
	User     string `json:"user,omitempty"`
	Channel  string `json:"channel,omitempty"`
	Text     string `json:"text,omitempty"`
	TS       string `json:"ts,omitempty"`
	ThreadTS string `json:"thread_ts,omitempty"`
	EventTS  string `json:"event_ts,omitempty"`
	BotID    string `json:"bot_id,omitempty"`
	AppID    string `json:"app_id,omitempty"`
}

// SlackEventWrapper is the outer Slack Events API callback.
type SlackEventWrapper struct {
	Token       string     `json:"token,omitempty"`
	TeamID      string     `json:"team_id"`
	APIAppID    string     `json:"api_app_id"`
	Event       SlackEvent `json:"event"`
	Type        string     `json:"type"`
	EventID     string     `json:"event_id"`
	EventTime   int64      `json:"event_time"`
	AuthedUsers []string   `json:"authed_users,omitempty"`
}

var slackMessageTypes = map[string]bool{
	"message":     true,
	"app_mention": true,
}

// NormalizeSlack maps a Slack event callback to a canonical event. Bot
// traffic, unsupported types, message subtypes and empty text are skipped.
func NormalizeSlack(cb EventCallback) (Result, error) {
	if cb.Type != TypeEventCallback {
		return skip(SkipUnknownType)
	}
	if err := schema.Validate(schema.SlackEventCallback, cb.Raw); err != nil {
		return Result{}, invalidEvent(err)
	}

	var w SlackEventWrapper
	if err := json.Unmarshal(cb.Raw, &w); err != nil {
		return Result{}, invalidEvent(err)
	}
	ev := w.Event

	switch {
	case ev.BotID != "" || ev.AppID != "":
		return skip(SkipBot)
	case !slackMessageTypes[ev.Type]:
		return skip(SkipUnsupported)
	case ev.Subtype != "":
		return skip(SkipSubtype)
	case strings.TrimSpace(ev.Text) == "":
		return skip(SkipEmpty)
	}

	return Result{Event: &domain.CanonicalEvent{
		EventID:     w.EventID,
		Source:      domain.SourceSlack,
		EventType:   domain.EventTypeSlackReply,
		MessageType: ev.Type,
		OccurredAt:  slackTime(ev.TS, w.EventTime),
		Actor:       ev.User,
		Target:      ev.Channel,
		Body:        ev.Text,
		ThreadID:    ev.ThreadTS,
		MessageID:   ev.TS,
		WorkspaceID: w.TeamID,
	}}, nil
}

// slackTime parses a "1700000000.123456" message timestamp, falling back to
// the callback's event_time.
func slackTime(ts string, eventTime int64) time.Time {
	if ts != "" {
		secs, frac, _ := strings.Cut(ts, ".")
		if s, err := strconv.ParseInt(secs, 10, 64); err == nil {
			var micros int64
			if frac != "" {
				if len(frac) > 6 {
					frac = frac[:6]
				}
				frac += strings.Repeat("0", 6-len(frac))
				micros, _ = strconv.ParseInt(frac, 10, 64)
			}
			return time.Unix(s, micros*int64(time.Microsecond)).UTC()
		}
	}
	return time.Unix(eventTime, 0).UTC()
}

func invalidEvent(err error) error {
	return domain.ErrValidation(domain.ErrorCodeInvalidEvent, "Invalid event format").
		WithDetail("error", err.Error()).
		WithCause(err)
}
