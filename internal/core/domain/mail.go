package domain

import "strings"

// MailHeader is a single message header. Order is preserved.
type MailHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// MailPart is one node of a message's MIME tree. Data is base64url encoded.
type MailPart struct {
	MimeType string       `json:"mimeType"`
	Filename string       `json:"filename,omitempty"`
	Headers  []MailHeader `json:"headers,omitempty"`
	Data     string       `json:"data,omitempty"`
	Parts    []MailPart   `json:"parts,omitempty"`
}

// MailMessage is a message fetched from a mail provider.
type MailMessage struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
	Snippet  string `json:"snippet"`
	// InternalDate is the provider receive time in epoch milliseconds.
	InternalDate int64        `json:"internalDate"`
	Headers      []MailHeader `json:"headers"`
	Payload      *MailPart    `json:"payload,omitempty"`
}

// Header returns the first header value matching name case-insensitively.
func (m *MailMessage) Header(name string) string {
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// HeaderMap flattens the headers, keeping the first occurrence of each name.
func (m *MailMessage) HeaderMap() map[string]string {
	out := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		if _, ok := out[h.Name]; !ok {
			out[h.Name] = h.Value
		}
	}
	return out
}

// Header returns the first part header value matching name case-insensitively.
func (p *MailPart) Header(name string) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}
