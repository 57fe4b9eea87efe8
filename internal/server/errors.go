package server

import (
	"encoding/json"
	"net/http"

	"github.com/app-ship/events-handler/internal/core/domain"
)

// errorBody is the JSON error envelope.
type errorBody struct {
	Success   bool             `json:"success"`
	Error     string           `json:"error"`
	ErrorCode domain.ErrorCode `json:"error_code"`
	Details   map[string]any   `json:"details,omitempty"`
}

var (
	errNotFoundRoute    = domain.ErrNotFound("NOT_FOUND", "Route not found")
	errMethodNotAllowed = domain.ErrValidation("METHOD_NOT_ALLOWED", "Method not allowed").
				WithStatusCode(http.StatusMethodNotAllowed)
)

// WriteError writes err as the JSON error envelope. Errors that are not
// *domain.APIError are classified first; internal errors never expose their
// cause.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := domain.AsAPIError(err)
	if r != nil {
		AddError(r.Context(), err)
		AddLogField(r.Context(), "error_code", string(apiErr.Code))
	}

	body := errorBody{
		Error:     apiErr.Message,
		ErrorCode: apiErr.Code,
		Details:   apiErr.Details,
	}
	if apiErr.Type == domain.ErrorTypeInternal {
		body.Error = "Internal server error"
		body.Details = nil
	}
	writeJSON(w, apiErr.HTTPStatusCode(), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
