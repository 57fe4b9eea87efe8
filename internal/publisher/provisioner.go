// Package publisher provisions broker topics and publishes canonical events
// with routing attributes and bounded retries.
package publisher

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/app-ship/events-handler/internal/core/domain"
	"github.com/app-ship/events-handler/internal/core/ports"
)

var tracer = otel.Tracer("github.com/app-ship/events-handler/internal/publisher")

// DefaultProvisionTimeout bounds one shared provisioning flight.
const DefaultProvisionTimeout = 30 * time.Second

// Provisioner makes sure topics exist before publishing and caches their
// handles. Concurrent first use of a topic results in one CreateTopic call.
type Provisioner struct {
	broker  ports.Broker
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	topics map[string]domain.TopicHandle
	group  singleflight.Group
}

// ProvisionerOption configures a Provisioner.
type ProvisionerOption func(*Provisioner)

// WithProvisionTimeout overrides DefaultProvisionTimeout.
func WithProvisionTimeout(d time.Duration) ProvisionerOption {
	return func(p *Provisioner) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// NewProvisioner creates a Provisioner for broker.
func NewProvisioner(broker ports.Broker, logger *slog.Logger, opts ...ProvisionerOption) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provisioner{
		broker:  broker,
		logger:  logger,
		timeout: DefaultProvisionTimeout,
		topics:  make(map[string]domain.TopicHandle),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ensure returns the handle for topicID, creating the topic when needed.
// Created is set only when this call alone created the topic.
func (p *Provisioner) Ensure(ctx context.Context, topicID string) (domain.TopicHandle, error) {
	topicID = strings.TrimSpace(topicID)
	if topicID == "" {
		return domain.TopicHandle{}, domain.ErrValidation(domain.ErrorCodeInvalidRequest, "topic id is required")
	}

	p.mu.RLock()
	h, ok := p.topics[topicID]
	p.mu.RUnlock()
	if ok {
		return h, nil
	}

	// The flight outlives any single caller; each caller only stops waiting
	// when its own context ends.
	ch := p.group.DoChan(topicID, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()
		return p.provision(flightCtx, topicID)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return domain.TopicHandle{}, ctx.Err()
	}
	if res.Err != nil {
		return domain.TopicHandle{}, res.Err
	}
	h = res.Val.(domain.TopicHandle)
	if res.Shared {
		// Callers sharing a flight cannot tell which of them created it.
		h.Created = false
	}
	return h, nil
}

func (p *Provisioner) provision(ctx context.Context, topicID string) (domain.TopicHandle, error) {
	ctx, span := tracer.Start(ctx, "publisher.Provision")
	defer span.End()
	span.SetAttributes(attribute.String("messaging.destination.name", topicID))

	h, err := p.broker.CreateTopic(ctx, topicID)
	switch {
	case err == nil:
		p.logger.Info("topic created",
			slog.String("topic_id", topicID),
			slog.String("topic_path", h.FullPath))
	case errors.Is(err, domain.ErrTopicExists):
		h, err = p.broker.Topic(ctx, topicID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "resolve failed")
			return domain.TopicHandle{}, err
		}
		h.Created = false
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		p.logger.Error("failed to provision topic",
			slog.String("topic_id", topicID),
			slog.String("error", err.Error()))
		return domain.TopicHandle{}, err
	}

	cached := h
	cached.Created = false
	p.mu.Lock()
	p.topics[topicID] = cached
	p.mu.Unlock()

	span.SetAttributes(attribute.Bool("topic.created", h.Created))
	return h, nil
}

// Forget drops a cached handle, typically after the topic was deleted.
func (p *Provisioner) Forget(topicID string) {
	p.mu.Lock()
	delete(p.topics, topicID)
	p.mu.Unlock()
}

// Cached reports whether topicID has a cached handle.
func (p *Provisioner) Cached(topicID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.topics[topicID]
	return ok
}
