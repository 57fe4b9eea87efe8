package mail

import (
	"bytes"
	"encoding/base64"
	"html"
	"io"
	"mime"
	"strings"

	"golang.org/x/net/html/charset"

	"github.com/app-ship/events-handler/internal/core/domain"
)

const mimeTextPlain = "text/plain"

// SelectBody returns the plain-text body of m. The first decodable
// text/plain part in depth-first order wins, then a single-part text/plain
// payload, then the snippet. Parts without inline data are skipped.
func SelectBody(m *domain.MailMessage) string {
	if m == nil {
		return ""
	}
	if m.Payload != nil {
		if text, ok := firstText(m.Payload); ok {
			return text
		}
	}
	return Snippet(m)
}

// Snippet returns the provider snippet with HTML entities resolved.
func Snippet(m *domain.MailMessage) string {
	return strings.TrimSpace(html.UnescapeString(m.Snippet))
}

func firstText(p *domain.MailPart) (string, bool) {
	if len(p.Parts) == 0 {
		if isTextPlain(p.MimeType) && p.Filename == "" {
			return decodePart(p)
		}
		return "", false
	}
	for i := range p.Parts {
		if text, ok := firstText(&p.Parts[i]); ok {
			return text, true
		}
	}
	return "", false
}

func isTextPlain(mimeType string) bool {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return strings.EqualFold(strings.TrimSpace(mimeType), mimeTextPlain)
	}
	return mt == mimeTextPlain
}

func decodePart(p *domain.MailPart) (string, bool) {
	if p.Data == "" {
		return "", false
	}
	raw, err := decodeBase64URL(p.Data)
	if err != nil {
		return "", false
	}
	return toUTF8(raw, partCharset(p)), true
}

func partCharset(p *domain.MailPart) string {
	ct := p.Header("Content-Type")
	if ct == "" {
		ct = p.MimeType
	}
	_, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	return params["charset"]
}

// toUTF8 converts raw from the declared charset. Unknown labels are passed
// through unchanged.
func toUTF8(raw []byte, label string) string {
	label = strings.TrimSpace(strings.ToLower(label))
	if label == "" || label == "utf-8" || label == "us-ascii" {
		return string(raw)
	}
	r, err := charset.NewReaderLabel(label, bytes.NewReader(raw))
	if err != nil {
		return string(raw)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func decodeBase64URL(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' {
			return -1
		}
		return r
	}, s)
	if strings.HasSuffix(s, "=") {
		return base64.URLEncoding.DecodeString(s)
	}
	return base64.RawURLEncoding.DecodeString(s)
}
