package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/app-ship/events-handler/internal/config"
	"github.com/app-ship/events-handler/internal/core/domain"
	"github.com/app-ship/events-handler/internal/core/ports"
	"github.com/app-ship/events-handler/internal/dispatch"
	"github.com/app-ship/events-handler/internal/publisher"
	"github.com/app-ship/events-handler/internal/webhook"
)

// DefaultMaxBodyBytes bounds request bodies.
const DefaultMaxBodyBytes = 1 << 20

// Handlers serves the webhook, admin and health routes.
type Handlers struct {
	dispatcher *dispatch.Dispatcher
	publisher  *publisher.Publisher
	broker     ports.Broker
	app        config.AppConfig
	logger     *slog.Logger

	maxBodyBytes  int64
	healthTimeout time.Duration
	now           func() time.Time
}

// NewHandlers wires the route handlers.
func NewHandlers(d *dispatch.Dispatcher, pub *publisher.Publisher, broker ports.Broker, app config.AppConfig, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		dispatcher:    d,
		publisher:     pub,
		broker:        broker,
		app:           app,
		logger:        logger,
		maxBodyBytes:  DefaultMaxBodyBytes,
		healthTimeout: 10 * time.Second,
		now:           time.Now,
	}
}

// Mount registers every route. Root health lives outside prefix.
func (h *Handlers) Mount(r chi.Router, prefix string) {
	r.Get("/", h.handleRoot(prefix))
	r.Get("/health", h.handleHealth)

	r.Route(prefix, func(r chi.Router) {
		r.Route("/health", func(r chi.Router) {
			r.Get("/", h.handleHealth)
			r.Get("/live", h.handleLive)
			r.Get("/ready", h.handleReady)
			r.Get("/pubsub", h.handleBrokerHealth)
		})

		r.Route("/slack", func(r chi.Router) {
			r.Post("/webhook", h.handleWebhook(webhook.ProviderSlack))
			r.Get("/health", h.handleProviderHealth("slack-webhook"))
		})

		r.Route("/email", func(r chi.Router) {
			r.Post("/webhook", h.handleWebhook(webhook.ProviderEmail))
			r.Post("/push", h.handlePush)
			r.Get("/health", h.handleProviderHealth("email-webhook"))
		})

		r.Route("/events", func(r chi.Router) {
			r.Post("/trigger", h.handleTrigger)
			r.Get("/topics", h.handleListTopics)
			r.Post("/topics", h.handleCreateTopic)
			r.Delete("/topics/{topicID}", h.handleDeleteTopic)
		})
	})
}

// readBody reads the request body up to the configured limit.
func (h *Handlers) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, domain.ErrValidation(domain.ErrorCodeInvalidRequest, "Request body too large").
				WithStatusCode(http.StatusRequestEntityTooLarge).
				WithCause(err)
		}
		return nil, domain.ErrValidation(domain.ErrorCodeInvalidRequest, "Failed to read request body").WithCause(err)
	}
	return body, nil
}

func (h *Handlers) handleWebhook(provider webhook.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "provider", string(provider))

		body, err := h.readBody(w, r)
		if err != nil {
			WriteError(w, r, err)
			return
		}

		out, err := h.dispatcher.HandleWebhook(r.Context(), webhook.Envelope{
			Provider: provider,
			RawBody:  body,
			Headers:  r.Header,
		})
		if err != nil {
			WriteError(w, r, err)
			return
		}

		AddLogField(r.Context(), "event_id", out.EventID)
		AddLogField(r.Context(), "outcome", out.Message)
		writeJSON(w, http.StatusOK, out)
	}
}

func (h *Handlers) handlePush(w http.ResponseWriter, r *http.Request) {
	AddLogField(r.Context(), "provider", "email-push")

	body, err := h.readBody(w, r)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	res, err := h.dispatcher.HandlePush(r.Context(), body)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	AddLogField(r.Context(), "message_id", res.MessageID)
	AddLogField(r.Context(), "outcome", res.Message)
	writeJSON(w, http.StatusOK, res)
}
