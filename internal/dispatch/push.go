package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/app-ship/events-handler/internal/core/domain"
	"github.com/app-ship/events-handler/internal/mail"
	"github.com/app-ship/events-handler/internal/webhook"
)

// Push response messages.
const (
	MsgPushPublished   = "Email reply published"
	MsgNoMailbox       = "Mail provider not configured"
	MsgNoRecentMessage = "No recent messages"
	MsgOwnMessage      = "Message sent by mailbox skipped"
	MsgNotReply        = "Message is not a reply or has no content"
	MsgStillRunning    = "Notification accepted, processing continues"
)

// PushConfig tunes push notification handling.
type PushConfig struct {
	// Wait bounds how long the handler waits for the queued work.
	Wait time.Duration
	// RecentWindow is how far back the mailbox is listed.
	RecentWindow time.Duration
	// FetchTimeout bounds each mail provider call.
	FetchTimeout time.Duration
	// WorkspaceID is set as the workspace id of published events.
	WorkspaceID string
}

func (c PushConfig) withDefaults() PushConfig {
	if c.Wait <= 0 {
		c.Wait = 20 * time.Second
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = time.Hour
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	return c
}

// PushResult is the answer to a push notification.
type PushResult struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id,omitempty"`
	Processed bool   `json:"processed"`
	Message   string `json:"message,omitempty"`
}

// HandlePush decodes a mailbox push notification, extracts the newest
// reply and publishes it. The work runs on the queue; the caller waits up to
// the configured push wait for its result.
func (d *Dispatcher) HandlePush(ctx context.Context, body []byte) (*PushResult, error) {
	_, n, err := webhook.DecodePush(body)
	if err != nil {
		return nil, err
	}
	if d.mailbox == nil {
		return &PushResult{Status: StatusOK, Message: MsgNoMailbox}, nil
	}

	type outcome struct {
		res *PushResult
		err error
	}
	done := make(chan outcome, 1)

	task := Task{
		Name: "push:" + n.EmailAddress + ":" + n.HistoryID,
		Run: func(ctx context.Context) error {
			res, err := d.processPush(ctx, n)
			done <- outcome{res, err}
			return err
		},
	}
	if err := d.queue.Submit(ctx, task); err != nil {
		if errors.Is(err, ErrQueueFull) || errors.Is(err, ErrQueueStopped) {
			return nil, domain.ErrOverloaded("Event queue is full, retry later").WithCause(err)
		}
		return nil, domain.ErrInternal(err)
	}

	timer := time.NewTimer(d.push.Wait)
	defer timer.Stop()
	select {
	case o := <-done:
		if o.err != nil {
			return nil, domain.AsAPIError(o.err)
		}
		return o.res, nil
	case <-timer.C:
		d.logger.Warn("push processing exceeded wait",
			slog.String("email_address", n.EmailAddress),
			slog.Duration("wait", d.push.Wait))
		return &PushResult{Status: StatusOK, Message: MsgStillRunning}, nil
	case <-ctx.Done():
		return nil, domain.ErrOverloaded("request cancelled while processing").WithCause(ctx.Err())
	}
}

func (d *Dispatcher) processPush(ctx context.Context, n *webhook.MailNotification) (*PushResult, error) {
	logger := d.logger.With(
		slog.String("email_address", n.EmailAddress),
		slog.String("history_id", n.HistoryID))

	listCtx, cancel := context.WithTimeout(ctx, d.push.FetchTimeout)
	ids, err := d.mailbox.ListRecent(listCtx, n.EmailAddress, d.push.RecentWindow)
	cancel()
	if err != nil {
		logger.Warn("failed to list recent messages", slog.String("error", err.Error()))
		return &PushResult{Status: StatusOK, Message: MsgNoRecentMessage}, nil
	}
	if len(ids) == 0 {
		return &PushResult{Status: StatusOK, Message: MsgNoRecentMessage}, nil
	}

	getCtx, cancel := context.WithTimeout(ctx, d.push.FetchTimeout)
	msg, err := d.mailbox.GetMessage(getCtx, ids[0])
	cancel()
	if err != nil {
		logger.Warn("failed to fetch newest message",
			slog.String("message_id", ids[0]),
			slog.String("error", err.Error()))
		return &PushResult{Status: StatusOK, Message: MsgNotReply}, nil
	}

	if strings.EqualFold(mail.Address(msg.Header("From")), strings.TrimSpace(n.EmailAddress)) {
		logger.Debug("skipping message authored by the mailbox", slog.String("message_id", msg.ID))
		return &PushResult{Status: StatusOK, Message: MsgOwnMessage}, nil
	}

	x, err := d.extractor.ExtractMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	if x == nil {
		return &PushResult{Status: StatusOK, Message: MsgNotReply}, nil
	}

	ev := x.ToEvent(d.push.WorkspaceID)
	claimed, dup := d.claim(ctx, ev.EventID)
	if dup {
		return &PushResult{Status: StatusOK, Message: MsgDuplicate}, nil
	}

	id, err := d.publisher.Publish(ctx, d.topics.Email, ev, nil)
	if err != nil {
		d.release(claimed, ev.EventID)
		return nil, err
	}

	logger.Info("email reply published",
		slog.String("event_id", ev.EventID),
		slog.String("message_id", id))
	return &PushResult{Status: StatusOK, MessageID: id, Processed: true, Message: MsgPushPublished}, nil
}
