// Package signature verifies Slack-style v0 HMAC-SHA256 request signatures.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// HeaderTimestamp carries the unix-seconds request timestamp.
	HeaderTimestamp = "X-Slack-Request-Timestamp"
	// HeaderSignature carries the "v0=<hex>" digest.
	HeaderSignature = "X-Slack-Signature"

	// DefaultTolerance is the maximum allowed clock skew between the
	// provider's timestamp and now.
	DefaultTolerance = 300 * time.Second

	version = "v0"
)

// Reason describes why a request was rejected.
type Reason string

const (
	ReasonMissingHeaders     Reason = "missing signature headers"
	ReasonMalformedTimestamp Reason = "malformed timestamp"
	ReasonStaleTimestamp     Reason = "timestamp outside tolerance"
	ReasonDigestMismatch     Reason = "signature mismatch"
)

// Rejection is returned when a request fails verification.
type Rejection struct {
	Reason Reason
}

func (r *Rejection) Error() string {
	return "signature rejected: " + string(r.Reason)
}

// Sign computes the v0 signature for body at the given unix timestamp.
func Sign(body []byte, secret string, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s:%d:", version, timestamp)
	mac.Write(body)
	return version + "=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the request signature against secret using the current time.
func Verify(headers http.Header, body []byte, secret string) error {
	return verifyAt(headers, body, secret, time.Now(), DefaultTolerance)
}

func verifyAt(headers http.Header, body []byte, secret string, now time.Time, tolerance time.Duration) error {
	tsHeader := headers.Get(HeaderTimestamp)
	sig := headers.Get(HeaderSignature)
	if tsHeader == "" || sig == "" {
		return &Rejection{Reason: ReasonMissingHeaders}
	}

	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return &Rejection{Reason: ReasonMalformedTimestamp}
	}

	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return &Rejection{Reason: ReasonStaleTimestamp}
	}

	expected := Sign(body, secret, ts)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return &Rejection{Reason: ReasonDigestMismatch}
	}
	return nil
}

// SecretSource supplies the current signing secret. It is read on every
// request so the secret can be rotated without a restart.
type SecretSource interface {
	SigningSecret() string
}

// StaticSecret is a SecretSource that never changes.
type StaticSecret string

func (s StaticSecret) SigningSecret() string { return string(s) }

// RotatingSecret is a SecretSource that can be replaced at runtime.
type RotatingSecret struct {
	v atomic.Value
}

// NewRotatingSecret creates a RotatingSecret holding initial.
func NewRotatingSecret(initial string) *RotatingSecret {
	r := &RotatingSecret{}
	r.v.Store(initial)
	return r
}

// Set replaces the secret.
func (r *RotatingSecret) Set(secret string) {
	r.v.Store(secret)
}

func (r *RotatingSecret) SigningSecret() string {
	s, _ := r.v.Load().(string)
	return s
}

// Verifier verifies requests against a dynamic secret. With an empty secret
// every request passes and a warning is logged once.
type Verifier struct {
	source    SecretSource
	tolerance time.Duration
	now       func() time.Time
	logger    *slog.Logger
	warnOnce  sync.Once
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithTolerance overrides the allowed timestamp skew.
func WithTolerance(d time.Duration) Option {
	return func(v *Verifier) { v.tolerance = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// WithLogger sets the logger used for the degraded-mode warning.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) { v.logger = logger }
}

// NewVerifier creates a Verifier reading its secret from source.
func NewVerifier(source SecretSource, opts ...Option) *Verifier {
	v := &Verifier{
		source:    source,
		tolerance: DefaultTolerance,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Enabled reports whether a secret is currently configured.
func (v *Verifier) Enabled() bool {
	return v != nil && v.source != nil && v.source.SigningSecret() != ""
}

// Verify checks the request. It must run before the body is parsed.
func (v *Verifier) Verify(headers http.Header, body []byte) error {
	if v == nil {
		return nil
	}
	if !v.Enabled() {
		v.warnOnce.Do(func() {
			v.logger.Warn("signing secret not configured, request signature verification disabled")
		})
		return nil
	}
	return verifyAt(headers, body, v.source.SigningSecret(), v.now(), v.tolerance)
}
