package webhook

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/app-ship/events-handler/internal/core/domain"
	"github.com/app-ship/events-handler/internal/webhook/schema"
)

// PushMessage is the message inside a broker push delivery.
type PushMessage struct {
	Data        string            `json:"data"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	MessageID   string            `json:"messageId,omitempty"`
	PublishTime string            `json:"publishTime,omitempty"`
}

// PushEnvelope is a broker push delivery.
type PushEnvelope struct {
	Message      PushMessage `json:"message"`
	Subscription string      `json:"subscription,omitempty"`
}

// MailNotification is the mailbox change notification carried in a push
// message's data.
type MailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    string `json:"historyId"`
}

func (n *MailNotification) UnmarshalJSON(b []byte) error {
	var raw struct {
		EmailAddress string          `json:"emailAddress"`
		HistoryID    json.RawMessage `json:"historyId"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	n.EmailAddress = raw.EmailAddress
	n.HistoryID = strings.Trim(string(raw.HistoryID), `"`)
	return nil
}

// DecodePush validates a push envelope and decodes its mail notification.
func DecodePush(body []byte) (*PushEnvelope, *MailNotification, error) {
	if err := schema.Validate(schema.PushEnvelope, body); err != nil {
		return nil, nil, domain.ErrValidation(domain.ErrorCodeInvalidRequest, "Invalid push envelope").
			WithDetail("error", err.Error()).
			WithCause(err)
	}

	var env PushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, nil, domain.ErrValidation(domain.ErrorCodeInvalidJSON, "Invalid JSON payload").WithCause(err)
	}

	data, err := decodeBase64(env.Message.Data)
	if err != nil {
		return nil, nil, invalidPushData(err)
	}
	if err := schema.Validate(schema.MailNotification, data); err != nil {
		return nil, nil, invalidPushData(err)
	}

	var n MailNotification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, nil, invalidPushData(err)
	}
	return &env, &n, nil
}

// decodeBase64 accepts both the standard and URL alphabets, padded or not.
func decodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("data is not base64")
}

func invalidPushData(err error) error {
	return domain.ErrValidation(domain.ErrorCodeInvalidPushData, "Invalid push message data").
		WithDetail("error", err.Error()).
		WithCause(err)
}
