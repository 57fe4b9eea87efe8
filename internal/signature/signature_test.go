package signature

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

const testSecret = "8f742231b10e8888abcd99yyyzzz85a5"

func signedHeaders(body []byte, secret string, ts int64) http.Header {
	h := http.Header{}
	h.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	h.Set(HeaderSignature, Sign(body, secret, ts))
	return h
}

func reason(err error) Reason {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return ""
}

func TestSignKnownVector(t *testing.T) {
	// Example from Slack's request signing documentation.
	body := []byte("token=xyzz0WbapA4vBCDEFasx0q6G&team_id=T1DC2JH3J&team_domain=testteamnow&channel_id=G8PSS9T3V&channel_name=foobar&user_id=U2CERLKJA&user_name=roadrunner&command=%2Fwebhook-collect&text=&response_url=https%3A%2F%2Fhooks.slack.com%2Fcommands%2FT1DC2JH3J%2F397700885554%2F96rGlfmibIGlgcZRskXaIFfN&trigger_id=398738663015.47445629121.803a0bc887a14d10d2c447fce8b6703c")
	got := Sign(body, testSecret, 1531420618)
	want := "v0=a2114d57b48eac39b9ad189dd8316235a7b4a8d21a10bd27519666489c69b503"
	if got != want {
		t.Errorf("Sign() = %q, want %q", got, want)
	}
}

func TestVerifyAt(t *testing.T) {
	now := time.Unix(1700000000, 0)
	body := []byte(`{"type":"event_callback"}`)

	tests := []struct {
		name    string
		headers func() http.Header
		want    Reason
	}{
		{
			name:    "valid",
			headers: func() http.Header { return signedHeaders(body, testSecret, now.Unix()) },
		},
		{
			name:    "missing headers",
			headers: func() http.Header { return http.Header{} },
			want:    ReasonMissingHeaders,
		},
		{
			name: "missing signature",
			headers: func() http.Header {
				h := signedHeaders(body, testSecret, now.Unix())
				h.Del(HeaderSignature)
				return h
			},
			want: ReasonMissingHeaders,
		},
		{
			name: "malformed timestamp",
			headers: func() http.Header {
				h := signedHeaders(body, testSecret, now.Unix())
				h.Set(HeaderTimestamp, "yesterday")
				return h
			},
			want: ReasonMalformedTimestamp,
		},
		{
			name:    "stale",
			headers: func() http.Header { return signedHeaders(body, testSecret, now.Unix()-301) },
			want:    ReasonStaleTimestamp,
		},
		{
			name:    "future beyond tolerance",
			headers: func() http.Header { return signedHeaders(body, testSecret, now.Unix()+301) },
			want:    ReasonStaleTimestamp,
		},
		{
			name:    "edge of tolerance",
			headers: func() http.Header { return signedHeaders(body, testSecret, now.Unix()-300) },
		},
		{
			name:    "wrong secret",
			headers: func() http.Header { return signedHeaders(body, "other", now.Unix()) },
			want:    ReasonDigestMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifyAt(tt.headers(), body, testSecret, now, DefaultTolerance)
			if got := reason(err); got != tt.want {
				t.Errorf("verifyAt() reason = %q, want %q (err=%v)", got, tt.want, err)
			}
			if tt.want == "" && err != nil {
				t.Errorf("verifyAt() error = %v", err)
			}
		})
	}
}

func TestVerifierDisabledWithoutSecret(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	v := NewVerifier(StaticSecret(""), WithLogger(logger))

	for i := 0; i < 3; i++ {
		if err := v.Verify(http.Header{}, []byte("{}")); err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
	}
	if got := bytes.Count(buf.Bytes(), []byte("verification disabled")); got != 1 {
		t.Errorf("warning logged %d times, want 1", got)
	}
}

func TestVerifierRotatingSecret(t *testing.T) {
	now := time.Unix(1700000000, 0)
	secret := NewRotatingSecret("first")
	v := NewVerifier(secret, WithClock(func() time.Time { return now }))
	body := []byte(`{}`)

	if err := v.Verify(signedHeaders(body, "first", now.Unix()), body); err != nil {
		t.Fatalf("Verify() with first secret error = %v", err)
	}

	secret.Set("second")
	if err := v.Verify(signedHeaders(body, "first", now.Unix()), body); reason(err) != ReasonDigestMismatch {
		t.Errorf("old secret should be rejected after rotation, got %v", err)
	}
	if err := v.Verify(signedHeaders(body, "second", now.Unix()), body); err != nil {
		t.Errorf("Verify() with rotated secret error = %v", err)
	}
}

func TestStaleTimestampAlwaysRejected(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	now := time.Unix(1700000000, 0)

	properties.Property("stale timestamps are rejected regardless of digest", prop.ForAll(
		func(body []byte, skew int64, past bool) bool {
			ts := now.Unix() + skew
			if past {
				ts = now.Unix() - skew
			}
			err := verifyAt(signedHeaders(body, testSecret, ts), body, testSecret, now, DefaultTolerance)
			return reason(err) == ReasonStaleTimestamp
		},
		gen.SliceOf(gen.UInt8()),
		gen.Int64Range(301, 1<<31),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestFreshDigestAcceptedAndTamperRejected(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	now := time.Unix(1700000000, 0)

	properties.Property("fresh correct digest is accepted", prop.ForAll(
		func(body []byte, skew int64) bool {
			ts := now.Unix() - skew
			return verifyAt(signedHeaders(body, testSecret, ts), body, testSecret, now, DefaultTolerance) == nil
		},
		gen.SliceOf(gen.UInt8()),
		gen.Int64Range(-300, 300),
	))

	properties.Property("flipping any body byte is rejected", prop.ForAll(
		func(body []byte, idx int, mask uint8) bool {
			h := signedHeaders(body, testSecret, now.Unix())
			tampered := append([]byte(nil), body...)
			tampered[idx] ^= mask
			return reason(verifyAt(h, tampered, testSecret, now, DefaultTolerance)) == ReasonDigestMismatch
		},
		gen.SliceOfN(32, gen.UInt8()),
		gen.IntRange(0, 31),
		gen.UInt8Range(1, 255),
	))

	properties.TestingRun(t)
}
