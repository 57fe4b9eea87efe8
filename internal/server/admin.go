package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/app-ship/events-handler/internal/core/domain"
	"github.com/app-ship/events-handler/internal/publisher"
	"github.com/app-ship/events-handler/internal/webhook/schema"
)

type triggerRequest struct {
	EventName     string         `json:"event_name"`
	EventData     map[string]any `json:"event_data"`
	Attributes    map[string]any `json:"attributes"`
	SourceService *string        `json:"source_service"`
}

type triggerResponse struct {
	Success      bool      `json:"success"`
	Message      string    `json:"message"`
	EventName    string    `json:"event_name"`
	TopicPath    string    `json:"topic_path"`
	MessageID    string    `json:"message_id"`
	TopicCreated bool      `json:"topic_created"`
	Timestamp    time.Time `json:"timestamp"`
}

type topicResponse struct {
	TopicID   string `json:"topic_id"`
	TopicPath string `json:"topic_path"`
}

type topicsResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Topics  []topicResponse `json:"topics"`
	Count   int             `json:"count"`
}

type topicCreateResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	Topic   topicResponse `json:"topic"`
	Created bool          `json:"created"`
}

type topicDeleteResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	TopicID   string `json:"topic_id"`
	TopicPath string `json:"topic_path"`
}

// decodeValidated checks raw against a schema and decodes it into v.
func decodeValidated(name schema.Name, raw []byte, v any) error {
	if err := schema.Validate(name, raw); err != nil {
		if errors.Is(err, schema.ErrMalformed) {
			return domain.ErrValidation(domain.ErrorCodeInvalidJSON, "Invalid JSON payload").WithCause(err)
		}
		return domain.ErrValidation(domain.ErrorCodeInvalidRequest, "Invalid request data").
			WithDetail("error", err.Error()).
			WithCause(err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return domain.ErrValidation(domain.ErrorCodeInvalidJSON, "Invalid JSON payload").WithCause(err)
	}
	return nil
}

// stringAttributes stringifies scalar attribute values.
func stringAttributes(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch tv := v.(type) {
		case string:
			out[k] = tv
		case float64:
			out[k] = strconv.FormatFloat(tv, 'f', -1, 64)
		default:
			out[k] = fmt.Sprint(tv)
		}
	}
	return out
}

func (h *Handlers) handleTrigger(w http.ResponseWriter, r *http.Request) {
	body, err := h.readBody(w, r)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	var req triggerRequest
	if err := decodeValidated(schema.EventTrigger, body, &req); err != nil {
		WriteError(w, r, err)
		return
	}

	topicID := strings.ToLower(req.EventName)
	AddLogField(r.Context(), "topic_id", topicID)

	attrs := stringAttributes(req.Attributes)
	switch {
	case req.SourceService != nil && *req.SourceService != "":
		attrs[publisher.AttrSourceService] = *req.SourceService
	case attrs[publisher.AttrSourceService] == "":
		attrs[publisher.AttrSourceService] = publisher.DefaultSourceService
	}

	receipt, err := h.publisher.PublishRaw(r.Context(), topicID, req.EventData, attrs)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	h.logger.Info("event triggered",
		slog.String("topic_id", topicID),
		slog.String("message_id", receipt.MessageID),
		slog.Bool("topic_created", receipt.Topic.Created))

	writeJSON(w, http.StatusOK, triggerResponse{
		Success:      true,
		Message:      "Event triggered successfully",
		EventName:    topicID,
		TopicPath:    receipt.Topic.FullPath,
		MessageID:    receipt.MessageID,
		TopicCreated: receipt.Topic.Created,
		Timestamp:    h.now().UTC(),
	})
}

func (h *Handlers) handleListTopics(w http.ResponseWriter, r *http.Request) {
	handles, err := h.broker.ListTopics(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}

	topics := make([]topicResponse, 0, len(handles))
	for _, t := range handles {
		topics = append(topics, topicResponse{TopicID: t.TopicID, TopicPath: t.FullPath})
	}
	writeJSON(w, http.StatusOK, topicsResponse{
		Success: true,
		Message: "Topics retrieved successfully",
		Topics:  topics,
		Count:   len(topics),
	})
}

func (h *Handlers) handleCreateTopic(w http.ResponseWriter, r *http.Request) {
	body, err := h.readBody(w, r)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	var req struct {
		TopicID string `json:"topic_id"`
	}
	if err := decodeValidated(schema.TopicCreate, body, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	AddLogField(r.Context(), "topic_id", req.TopicID)

	handle, err := h.publisher.Provisioner().Ensure(r.Context(), req.TopicID)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	status, message := http.StatusOK, "Topic already exists"
	if handle.Created {
		status, message = http.StatusCreated, "Topic created successfully"
	}
	writeJSON(w, status, topicCreateResponse{
		Success: true,
		Message: message,
		Topic:   topicResponse{TopicID: handle.TopicID, TopicPath: handle.FullPath},
		Created: handle.Created,
	})
}

func (h *Handlers) handleDeleteTopic(w http.ResponseWriter, r *http.Request) {
	topicID := chi.URLParam(r, "topicID")
	AddLogField(r.Context(), "topic_id", topicID)

	handle, err := h.broker.Topic(r.Context(), topicID)
	if err == nil {
		err = h.broker.DeleteTopic(r.Context(), topicID)
	}
	if err != nil {
		if errors.Is(err, domain.ErrTopicNotFound) {
			h.publisher.Provisioner().Forget(topicID)
			WriteError(w, r, domain.ErrNotFound(domain.ErrorCodeTopicNotFound,
				fmt.Sprintf("Topic %q not found", topicID)).WithCause(err))
			return
		}
		WriteError(w, r, err)
		return
	}
	h.publisher.Provisioner().Forget(topicID)

	writeJSON(w, http.StatusOK, topicDeleteResponse{
		Success:   true,
		Message:   "Topic deleted successfully",
		TopicID:   handle.TopicID,
		TopicPath: handle.FullPath,
	})
}
