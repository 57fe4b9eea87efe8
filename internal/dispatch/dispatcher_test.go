package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/app-ship/events-handler/internal/core/domain"
	"github.com/app-ship/events-handler/internal/dedup"
	"github.com/app-ship/events-handler/internal/mail"
	"github.com/app-ship/events-handler/internal/signature"
	"github.com/app-ship/events-handler/internal/webhook"
)

type published struct {
	topic string
	event *domain.CanonicalEvent
}

type fakePublisher struct {
	mu     sync.Mutex
	calls  []published
	err    error
	notify chan struct{}
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{notify: make(chan struct{}, 16)}
}

func (f *fakePublisher) Publish(ctx context.Context, topicID string, ev *domain.CanonicalEvent, extra map[string]string) (string, error) {
	f.mu.Lock()
	defer func() {
		f.mu.Unlock()
		f.notify <- struct{}{}
	}()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, published{topic: topicID, event: ev})
	return "msg-" + strconv.Itoa(len(f.calls)), nil
}

func (f *fakePublisher) Calls() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.calls...)
}

func (f *fakePublisher) waitCall(t *testing.T) {
	t.Helper()
	select {
	case <-f.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publish")
	}
}

var testTopics = Topics{Slack: "slack-reply-event", Email: "app-email-reply-event"}

func newTestDispatcher(t *testing.T, pub EventPublisher, opts ...Option) (*Dispatcher, *Queue) {
	t.Helper()
	q := NewQueue(QueueConfig{Concurrency: 2, Depth: 8}, nil)
	q.Start()
	t.Cleanup(func() { q.Stop(context.Background()) })
	return New(pub, q, testTopics, opts...), q
}

const slackMessage = `{"type":"event_callback","team_id":"T1","api_app_id":"A1","event_id":"Ev1","event_time":1700000000,"event":{"type":"message","user":"U1","channel":"C1","text":"hello","ts":"1700000000.000100"}}`

func slackEnvelope(body string, headers http.Header) webhook.Envelope {
	return webhook.Envelope{Provider: webhook.ProviderSlack, RawBody: []byte(body), Headers: headers}
}

func signedHeaders(body, secret string, ts time.Time) http.Header {
	h := http.Header{}
	h.Set(signature.HeaderTimestamp, strconv.FormatInt(ts.Unix(), 10))
	h.Set(signature.HeaderSignature, signature.Sign([]byte(body), secret, ts.Unix()))
	return h
}

func apiErr(t *testing.T, err error) *domain.APIError {
	t.Helper()
	var e *domain.APIError
	if !errors.As(err, &e) {
		t.Fatalf("error %v is not an APIError", err)
	}
	return e
}

func TestHandleWebhook_Signature(t *testing.T) {
	pub := newFakePublisher()
	v := signature.NewVerifier(signature.StaticSecret("s3cret"))
	d, _ := newTestDispatcher(t, pub, WithVerifier(v))

	_, err := d.HandleWebhook(context.Background(), slackEnvelope(slackMessage, http.Header{}))
	if e := apiErr(t, err); e.HTTPStatusCode() != http.StatusUnauthorized || e.Code != domain.ErrorCodeInvalidSignature {
		t.Errorf("unsigned request = %d %s, want 401 INVALID_SIGNATURE", e.HTTPStatusCode(), e.Code)
	}

	// Garbage bodies are rejected before parsing.
	_, err = d.HandleWebhook(context.Background(), slackEnvelope(`{not json`, http.Header{}))
	if e := apiErr(t, err); e.Code != domain.ErrorCodeInvalidSignature {
		t.Errorf("unsigned garbage = %s, want INVALID_SIGNATURE", e.Code)
	}

	out, err := d.HandleWebhook(context.Background(),
		slackEnvelope(slackMessage, signedHeaders(slackMessage, "s3cret", time.Now())))
	if err != nil {
		t.Fatalf("signed request error = %v", err)
	}
	if out.Message != MsgSlackQueue {
		t.Errorf("Message = %q", out.Message)
	}
	pub.waitCall(t)
}

func TestHandleWebhook_Outcomes(t *testing.T) {
	tests := []struct {
		name        string
		provider    webhook.Provider
		body        string
		wantMessage string
		wantCode    domain.ErrorCode
		wantPublish bool
	}{
		{
			name:        "challenge",
			provider:    webhook.ProviderSlack,
			body:        `{"type":"url_verification","token":"t","challenge":"abc123"}`,
			wantMessage: MsgChallenge,
		},
		{
			name:        "unrecognized",
			provider:    webhook.ProviderSlack,
			body:        `{"type":"app_rate_limited"}`,
			wantMessage: webhook.SkipUnknownType,
		},
		{
			name:     "invalid json",
			provider: webhook.ProviderSlack,
			body:     `{"type":`,
			wantCode: domain.ErrorCodeInvalidJSON,
		},
		{
			name:        "bot message",
			provider:    webhook.ProviderSlack,
			body:        `{"type":"event_callback","team_id":"T1","api_app_id":"A1","event_id":"Ev2","event_time":1,"event":{"type":"message","bot_id":"B1","text":"hi"}}`,
			wantMessage: webhook.SkipBot,
		},
		{
			name:        "empty message",
			provider:    webhook.ProviderSlack,
			body:        `{"type":"event_callback","team_id":"T1","api_app_id":"A1","event_id":"Ev3","event_time":1,"event":{"type":"message","user":"U1","text":"  "}}`,
			wantMessage: webhook.SkipEmpty,
		},
		{
			name:     "invalid event",
			provider: webhook.ProviderSlack,
			body:     `{"type":"event_callback","event":{"type":"message"}}`,
			wantCode: domain.ErrorCodeInvalidEvent,
		},
		{
			name:        "slack accepted",
			provider:    webhook.ProviderSlack,
			body:        slackMessage,
			wantMessage: MsgSlackQueue,
			wantPublish: true,
		},
		{
			name:        "email accepted",
			provider:    webhook.ProviderEmail,
			body:        `{"type":"email_callback","project_id":"P1","event_id":"Em1","event_time":1700000000,"event":{"type":"email_reply","from_email":"a@x.com","to_email":"b@y.com","body":"Thanks"}}`,
			wantMessage: MsgEmailQueue,
			wantPublish: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := newFakePublisher()
			d, q := newTestDispatcher(t, pub)

			out, err := d.HandleWebhook(context.Background(),
				webhook.Envelope{Provider: tt.provider, RawBody: []byte(tt.body), Headers: http.Header{}})
			if tt.wantCode != "" {
				if e := apiErr(t, err); e.Code != tt.wantCode {
					t.Fatalf("error code = %s, want %s", e.Code, tt.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("HandleWebhook() error = %v", err)
			}
			if out.Status != StatusOK || out.Message != tt.wantMessage {
				t.Errorf("outcome = %+v, want message %q", out, tt.wantMessage)
			}

			q.Stop(context.Background())
			if got := len(pub.Calls()); (got == 1) != tt.wantPublish || got > 1 {
				t.Errorf("publish calls = %d, wantPublish %v", got, tt.wantPublish)
			}
		})
	}
}

func TestHandleWebhook_ChallengeEchoesExactly(t *testing.T) {
	d, _ := newTestDispatcher(t, newFakePublisher())

	const challenge = "3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P"
	out, err := d.HandleWebhook(context.Background(),
		slackEnvelope(`{"type":"url_verification","challenge":"`+challenge+`"}`, nil))
	if err != nil {
		t.Fatal(err)
	}
	if out.Challenge != challenge {
		t.Errorf("Challenge = %q, want %q", out.Challenge, challenge)
	}
}

func TestHandleWebhook_RoutesToProviderTopic(t *testing.T) {
	pub := newFakePublisher()
	d, q := newTestDispatcher(t, pub)

	d.HandleWebhook(context.Background(), slackEnvelope(slackMessage, nil))
	q.Stop(context.Background())

	calls := pub.Calls()
	if len(calls) != 1 || calls[0].topic != "slack-reply-event" {
		t.Fatalf("calls = %+v", calls)
	}
	ev := calls[0].event
	if ev.Target != "C1" || ev.Actor != "U1" || ev.EventID != "Ev1" {
		t.Errorf("event = %+v", ev)
	}
}

func TestHandleWebhook_Duplicates(t *testing.T) {
	pub := newFakePublisher()
	claims := dedup.NewMemoryStore(time.Minute, 0)
	d, q := newTestDispatcher(t, pub, WithClaims(claims, time.Minute))

	first, _ := d.HandleWebhook(context.Background(), slackEnvelope(slackMessage, nil))
	second, _ := d.HandleWebhook(context.Background(), slackEnvelope(slackMessage, nil))
	q.Stop(context.Background())

	if first.Message != MsgSlackQueue || second.Message != MsgDuplicate {
		t.Errorf("messages = %q, %q", first.Message, second.Message)
	}
	if len(pub.Calls()) != 1 {
		t.Errorf("publish calls = %d, want 1", len(pub.Calls()))
	}
}

func TestHandleWebhook_PublishFailureReleasesClaim(t *testing.T) {
	pub := newFakePublisher()
	pub.err = domain.PermanentBrokerError("publish", errors.New("denied"))
	claims := dedup.NewMemoryStore(time.Minute, 0)
	d, _ := newTestDispatcher(t, pub, WithClaims(claims, time.Minute))

	out, err := d.HandleWebhook(context.Background(), slackEnvelope(slackMessage, nil))
	if err != nil || out.Message != MsgSlackQueue {
		t.Fatalf("HandleWebhook() = %+v, %v", out, err)
	}
	pub.waitCall(t)

	// The release happens right after Publish returns.
	deadline := time.Now().Add(2 * time.Second)
	for claims.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if claims.Len() != 0 {
		t.Error("claim still held after publish failure")
	}
}

func TestHandleWebhook_QueueFull(t *testing.T) {
	pub := newFakePublisher()
	q := NewQueue(QueueConfig{Concurrency: 1, Depth: 1, EnqueueTimeout: time.Millisecond}, nil)
	// Not started: the single slot fills and stays full.
	claims := dedup.NewMemoryStore(time.Minute, 0)
	d := New(pub, q, testTopics, WithClaims(claims, time.Minute))

	if _, err := d.HandleWebhook(context.Background(), slackEnvelope(slackMessage, nil)); err != nil {
		t.Fatal(err)
	}
	second := `{"type":"event_callback","team_id":"T1","api_app_id":"A1","event_id":"Ev9","event_time":1,"event":{"type":"message","user":"U1","channel":"C1","text":"again"}}`
	_, err := d.HandleWebhook(context.Background(), slackEnvelope(second, nil))
	e := apiErr(t, err)
	if e.HTTPStatusCode() != http.StatusServiceUnavailable || e.Code != domain.ErrorCodeQueueFull {
		t.Errorf("queue full = %d %s, want 503 QUEUE_FULL", e.HTTPStatusCode(), e.Code)
	}
	if ok, _ := claims.Claim(context.Background(), "Ev9", time.Minute); !ok {
		t.Error("rejected event kept its claim")
	}
	q.Stop(context.Background())
}

func TestHandleWebhook_EmailEnrichment(t *testing.T) {
	pub := newFakePublisher()
	mailbox := newFakeMailbox()
	mailbox.threads["t1"] = []*domain.MailMessage{
		{ID: "m1", ThreadID: "t1", Headers: []domain.MailHeader{{Name: "X-Org-Id", Value: "acme-42"}}},
	}
	x := mail.NewExtractor(mailbox, nil, time.Second, nil)
	d, q := newTestDispatcher(t, pub, WithExtractor(x))

	body := `{"type":"email_callback","project_id":"P1","event_id":"Em1","event_time":1700000000,"event":{"type":"email_reply","from_email":"a@x.com","to_email":"b@y.com","body":"Hello\nOn Mon, Jan 1 wrote:\n> old text","thread_id":"t1","in_reply_to":"<m1@x>"}}`
	if _, err := d.HandleWebhook(context.Background(),
		webhook.Envelope{Provider: webhook.ProviderEmail, RawBody: []byte(body)}); err != nil {
		t.Fatal(err)
	}
	q.Stop(context.Background())

	calls := pub.Calls()
	if len(calls) != 1 {
		t.Fatalf("publish calls = %d", len(calls))
	}
	ev := calls[0].event
	if calls[0].topic != "app-email-reply-event" {
		t.Errorf("topic = %q", calls[0].topic)
	}
	if ev.Body != "Hello" {
		t.Errorf("Body = %q, want Hello", ev.Body)
	}
	if ev.OrgID != "acme-42" {
		t.Errorf("OrgID = %q, want acme-42", ev.OrgID)
	}
}

type fakeMailbox struct {
	mu       sync.Mutex
	recent   []string
	listErr  error
	messages map[string]*domain.MailMessage
	threads  map[string][]*domain.MailMessage
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{
		messages: make(map[string]*domain.MailMessage),
		threads:  make(map[string][]*domain.MailMessage),
	}
}

func (f *fakeMailbox) ListRecent(ctx context.Context, address string, window time.Duration) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recent, f.listErr
}

func (f *fakeMailbox) GetMessage(ctx context.Context, id string) (*domain.MailMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s not found", id)
	}
	return m, nil
}

func (f *fakeMailbox) GetThread(ctx context.Context, id string) ([]*domain.MailMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.threads[id], nil
}

func pushBody(address string) []byte {
	data := base64.StdEncoding.EncodeToString([]byte(`{"emailAddress":"` + address + `","historyId":1234}`))
	return []byte(`{"message":{"data":"` + data + `","messageId":"p1"},"subscription":"projects/p/subscriptions/gmail"}`)
}

func replyMessage(id, from, body string) *domain.MailMessage {
	return &domain.MailMessage{
		ID:           id,
		ThreadID:     "t1",
		InternalDate: 1704103200000,
		Headers: []domain.MailHeader{
			{Name: "From", Value: from},
			{Name: "To", Value: "support@acme.test"},
			{Name: "Subject", Value: "Re: Meeting"},
			{Name: "In-Reply-To", Value: "<m1@example.com>"},
			{Name: "X-Org-Id", Value: "acme-42"},
		},
		Payload: &domain.MailPart{
			MimeType: "text/plain",
			Data:     base64.URLEncoding.EncodeToString([]byte(body)),
		},
	}
}

func TestHandlePush(t *testing.T) {
	tests := []struct {
		name          string
		setup         func(*fakeMailbox)
		wantProcessed bool
		wantMessage   string
	}{
		{
			name: "publishes newest reply",
			setup: func(m *fakeMailbox) {
				m.recent = []string{"m2", "m1"}
				m.messages["m2"] = replyMessage("m2", "Bob <bob@example.com>", "Works for me.\n\nOn Mon, Jan 1 Alice wrote:\n> Thursday?")
			},
			wantProcessed: true,
			wantMessage:   MsgPushPublished,
		},
		{
			name:        "no recent messages",
			setup:       func(m *fakeMailbox) {},
			wantMessage: MsgNoRecentMessage,
		},
		{
			name: "list failure is a no-op",
			setup: func(m *fakeMailbox) {
				m.listErr = errors.New("unavailable")
			},
			wantMessage: MsgNoRecentMessage,
		},
		{
			name: "own message skipped",
			setup: func(m *fakeMailbox) {
				m.recent = []string{"m3"}
				m.messages["m3"] = replyMessage("m3", "Support <SUPPORT@acme.test>", "We replied")
			},
			wantMessage: MsgOwnMessage,
		},
		{
			name: "fetch failure is a no-op",
			setup: func(m *fakeMailbox) {
				m.recent = []string{"gone"}
			},
			wantMessage: MsgNotReply,
		},
		{
			name: "not a reply",
			setup: func(m *fakeMailbox) {
				m.recent = []string{"m4"}
				m.messages["m4"] = &domain.MailMessage{ID: "m4", Headers: []domain.MailHeader{{Name: "From", Value: "x@y.com"}}}
			},
			wantMessage: MsgNotReply,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := newFakePublisher()
			mailbox := newFakeMailbox()
			tt.setup(mailbox)
			x := mail.NewExtractor(mailbox, nil, time.Second, nil)
			d, _ := newTestDispatcher(t, pub,
				WithExtractor(x),
				WithMailbox(mailbox, PushConfig{Wait: 2 * time.Second, WorkspaceID: "P1"}))

			res, err := d.HandlePush(context.Background(), pushBody("support@acme.test"))
			if err != nil {
				t.Fatalf("HandlePush() error = %v", err)
			}
			if res.Processed != tt.wantProcessed || res.Message != tt.wantMessage {
				t.Errorf("result = %+v, want processed=%v message=%q", res, tt.wantProcessed, tt.wantMessage)
			}

			calls := pub.Calls()
			if tt.wantProcessed {
				if len(calls) != 1 {
					t.Fatalf("publish calls = %d, want 1", len(calls))
				}
				ev := calls[0].event
				if ev.Body != "Works for me." || ev.OrgID != "acme-42" || ev.EventID != "gmail-m2" {
					t.Errorf("event = %+v", ev)
				}
				if res.MessageID != "msg-1" {
					t.Errorf("MessageID = %q", res.MessageID)
				}
			} else if len(calls) != 0 {
				t.Errorf("publish calls = %d, want 0", len(calls))
			}
		})
	}
}

func TestHandlePush_Errors(t *testing.T) {
	pub := newFakePublisher()
	d, _ := newTestDispatcher(t, pub)

	if _, err := d.HandlePush(context.Background(), []byte(`{"message":{"data":"***"}}`)); apiErr(t, err).Code != domain.ErrorCodeInvalidPushData {
		t.Errorf("bad data error = %v", err)
	}

	res, err := d.HandlePush(context.Background(), pushBody("support@acme.test"))
	if err != nil || res.Message != MsgNoMailbox || res.Processed {
		t.Errorf("no mailbox = %+v, %v", res, err)
	}
}

func TestHandlePush_PublishFailureIsReturned(t *testing.T) {
	pub := newFakePublisher()
	pub.err = domain.TransientBrokerError("publish", errors.New("unavailable"))
	mailbox := newFakeMailbox()
	mailbox.recent = []string{"m2"}
	mailbox.messages["m2"] = replyMessage("m2", "bob@example.com", "Sure")
	d, _ := newTestDispatcher(t, pub,
		WithExtractor(mail.NewExtractor(mailbox, nil, time.Second, nil)),
		WithMailbox(mailbox, PushConfig{Wait: 2 * time.Second}))

	_, err := d.HandlePush(context.Background(), pushBody("support@acme.test"))
	if e := apiErr(t, err); e.HTTPStatusCode() != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 so the push is redelivered", e.HTTPStatusCode())
	}
}
