// Package webhook classifies and normalizes inbound provider payloads.
package webhook

import (
	"encoding/json"
	"net/http"

	"github.com/app-ship/events-handler/internal/core/domain"
)

// Provider identifies an inbound webhook surface.
type Provider string

const (
	ProviderSlack Provider = "slack"
	ProviderEmail Provider = "email"
)

// Payload type discriminators.
const (
	TypeURLVerification = "url_verification"
	TypeEventCallback   = "event_callback"
	TypeEmailCallback   = "email_callback"
)

// Envelope is one inbound request as received.
type Envelope struct {
	Provider Provider
	RawBody  []byte
	Headers  http.Header
}

// Payload is the classified form of a webhook body. It is one of Challenge,
// EventCallback or Unrecognized.
type Payload interface {
	payload()
}

// Challenge is a URL verification handshake. Challenge is echoed back.
type Challenge struct {
	Token     string
	Challenge string
}

// EventCallback carries an event for normalization.
type EventCallback struct {
	Type string
	Raw  json.RawMessage
}

// Unrecognized is any payload whose type is not handled.
type Unrecognized struct {
	Type string
}

func (Challenge) payload()     {}
func (EventCallback) payload() {}
func (Unrecognized) payload()  {}

type discriminator struct {
	Type      string  `json:"type"`
	Token     string  `json:"token"`
	Challenge *string `json:"challenge"`
}

// Classify parses body far enough to decide which variant it is.
func Classify(body []byte) (Payload, error) {
	var d discriminator
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, domain.ErrValidation(domain.ErrorCodeInvalidJSON, "Invalid JSON payload").WithCause(err)
	}

	switch d.Type {
	case TypeURLVerification:
		if d.Challenge == nil || *d.Challenge == "" {
			return nil, domain.ErrValidation(domain.ErrorCodeMissingChallenge, "Missing challenge")
		}
		return Challenge{Token: d.Token, Challenge: *d.Challenge}, nil
	case TypeEventCallback, TypeEmailCallback:
		return EventCallback{Type: d.Type, Raw: json.RawMessage(body)}, nil
	default:
		return Unrecognized{Type: d.Type}, nil
	}
}

// Result is the outcome of normalization: either an event to publish or a
// reason the payload was skipped.
type Result struct {
	Event *domain.CanonicalEvent
	Skip  string
}

// Skipped reports whether the payload produced no event.
func (r Result) Skipped() bool {
	return r.Event == nil
}

func skip(reason string) (Result, error) {
	return Result{Skip: reason}, nil
}

// Skip reasons returned in the response message.
const (
	SkipUnknownType = "Unknown event type"
	SkipBot         = "Bot event skipped"
	SkipUnsupported = "Unsupported event skipped"
	SkipSubtype     = "Message subtype skipped"
	SkipEmpty       = "Empty message skipped"
	SkipEmptyEmail  = "Empty email message skipped"
)

// Normalizer turns a classified callback into a canonical event.
type Normalizer func(EventCallback) (Result, error)

// NormalizerFor returns the normalizer for provider.
func NormalizerFor(p Provider) Normalizer {
	switch p {
	case ProviderSlack:
		return NormalizeSlack
	case ProviderEmail:
		return NormalizeEmail
	default:
		return func(EventCallback) (Result, error) { return skip(SkipUnknownType) }
	}
}
