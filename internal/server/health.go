package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/app-ship/events-handler/internal/core/domain"
)

type healthResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

type brokerHealthResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"`
}

type rootResponse struct {
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Status    string            `json:"status"`
	Endpoints map[string]string `json:"endpoints"`
}

func (h *Handlers) health(service string) healthResponse {
	return healthResponse{
		Status:    "healthy",
		Service:   service,
		Version:   h.app.Version,
		Timestamp: h.now().UTC(),
	}
}

func (h *Handlers) handleRoot(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, rootResponse{
			Service: h.app.Name,
			Version: h.app.Version,
			Status:  "running",
			Endpoints: map[string]string{
				"health":        "/health",
				"slack_webhook": prefix + "/slack/webhook",
				"email_webhook": prefix + "/email/webhook",
				"email_push":    prefix + "/email/push",
				"trigger":       prefix + "/events/trigger",
				"topics":        prefix + "/events/topics",
			},
		})
	}
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.health(h.app.Name))
}

func (h *Handlers) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReady reports ready only when the broker answers.
func (h *Handlers) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := h.pingBroker(r.Context()); err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handlers) handleProviderHealth(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.health(service))
	}
}

func (h *Handlers) handleBrokerHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.pingBroker(r.Context()); err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, brokerHealthResponse{
		Status:    "healthy",
		Service:   "pubsub",
		Timestamp: h.now().UTC(),
	})
}

func (h *Handlers) pingBroker(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.healthTimeout)
	defer cancel()

	err := h.broker.Ping(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return domain.NewAPIError(domain.ErrorTypeUpstreamTransient, "Health check timeout").
			WithCode(domain.ErrorCodeHealthTimeout).
			WithCause(err)
	default:
		return domain.NewAPIError(domain.ErrorTypeUpstreamTransient, "Pub/Sub unhealthy").
			WithCode(domain.ErrorCodeBrokerUnhealthy).
			WithCause(err)
	}
}
