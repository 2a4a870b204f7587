// Copyright 2025 Mipos Authors
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// ClientAuthenticator extracts both user and device identity from HTTP requests
// Implementations should validate auth (e.g., JWT) and provide both identifiers.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetSourceID(r *http.Request) (string, error)
}

// HTTPMutationHandlers provides HTTP handlers for the mutation API
type HTTPMutationHandlers struct {
	service       *MutationService
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPMutationHandlers creates a new instance of mutation handlers
func NewHTTPMutationHandlers(service *MutationService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPMutationHandlers {
	return &HTTPMutationHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// HandleMutation processes a single mutation request.
// Business rejections and conflicts come back as 200s with discriminated
// bodies; only transport/infrastructure problems use error status codes.
func (h *HTTPMutationHandlers) HandleMutation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	sourceID, err := h.authenticator.GetSourceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	var req MutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse mutation request")
		return
	}
	if req.IdempotencyKey == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "idempotency_key is required")
		return
	}

	response, err := h.service.Apply(r.Context(), userID, sourceID, &req)
	if err != nil {
		h.logger.Error("Failed to apply mutation", "error", err,
			"type", req.Type, "idempotency_key", req.IdempotencyKey, "source_id", sourceID)
		h.writeError(w, http.StatusInternalServerError, ReasonInternalError, "Failed to apply mutation")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode mutation response", "error", err, "source_id", sourceID)
	}
}

// HandleStatus returns service status information
func (h *HTTPMutationHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	response := StatusResponse{
		Status:  "healthy",
		Version: "1.0",
		AppName: h.service.config.AppName,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode status response", "error", err)
	}
}

// HandleHealthz is a minimal liveness probe (no auth).
func (h *HTTPMutationHandlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// writeError writes a structured error response
func (h *HTTPMutationHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode error response", "error", err)
	}
}
