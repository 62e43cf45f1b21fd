// Copyright 2026 Altair Contributors
// SPDX-License-Identifier: Apache-2.0

package altsync

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
)

// ClientAuthenticator extracts both user and device identity from HTTP
// requests. Implementations should validate auth (e.g. JWT) and provide
// both identifiers.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetDeviceID(r *http.Request) (string, error)
}

// HTTPSyncHandlers provides the HTTP surface of the sync API.
type HTTPSyncHandlers struct {
	service       *SyncService
	authenticator ClientAuthenticator
	logger        *slog.Logger
	upgrader      websocket.Upgrader
}

// NewHTTPSyncHandlers creates a new instance of sync handlers.
func NewHTTPSyncHandlers(service *SyncService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	return &HTTPSyncHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (h *HTTPSyncHandlers) authenticate(w http.ResponseWriter, r *http.Request) (userID, deviceID string, ok bool) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	deviceID, err = h.authenticator.GetDeviceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	return userID, deviceID, true
}

// HandleUpload processes batch upload requests with conflict detection.
func (h *HTTPSyncHandlers) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	userID, deviceID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var uploadReq UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&uploadReq); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse upload request")
		return
	}

	response, err := h.service.ProcessUpload(r.Context(), userID, deviceID, &uploadReq)
	if err != nil {
		h.logger.Error("Failed to process upload", "error", err, "device_id", deviceID)
		h.writeError(w, http.StatusInternalServerError, "upload_failed", "Failed to process upload")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode upload response", "error", err, "device_id", deviceID)
	}
}

// HandlePull serves one page of the download stream.
func (h *HTTPSyncHandlers) HandlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	userID, deviceID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	after, err := ParseCheckpoint(r.URL.Query().Get("after"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "after is not a valid checkpoint token")
		return
	}

	limit := 500
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsedLimit, err := strconv.Atoi(limitStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be an integer")
			return
		}
		if parsedLimit < 1 || parsedLimit > 1000 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 1000")
			return
		}
		limit = parsedLimit
	}

	until, err := ParseCheckpoint(r.URL.Query().Get("window"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "window is not a valid checkpoint token")
		return
	}

	response, err := h.service.ProcessPull(r.Context(), userID, deviceID, after, limit, until)
	if err != nil {
		h.logger.Error("Failed to process pull", "error", err, "user_id", userID, "device_id", deviceID)
		h.writeError(w, http.StatusInternalServerError, "pull_failed", "Failed to process pull")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode pull response", "error", err, "user_id", userID, "device_id", deviceID)
	}
}

// HandleSnapshot serves full-state pages for devices that lost their
// checkpoint and must resynchronize from scratch.
func (h *HTTPSyncHandlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	userID, deviceID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	limit := 500
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsedLimit, err := strconv.Atoi(limitStr)
		if err != nil || parsedLimit < 1 || parsedLimit > 1000 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 1000")
			return
		}
		limit = parsedLimit
	}

	response, err := h.service.ProcessSnapshot(r.Context(), userID, r.URL.Query().Get("after_key"), limit)
	if err != nil {
		h.logger.Error("Failed to process snapshot", "error", err, "user_id", userID, "device_id", deviceID)
		h.writeError(w, http.StatusInternalServerError, "snapshot_failed", "Failed to process snapshot")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode snapshot response", "error", err, "user_id", userID)
	}
}

// HandleSubscribe upgrades the request to a websocket and streams
// change-available notifications until the device disconnects.
func (h *HTTPSyncHandlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	userID, deviceID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "error", err, "user_id", userID, "device_id", deviceID)
		return
	}
	defer conn.Close()

	h.service.servePush(conn, userID, deviceID)
}

// HandleProtocolVersion returns the sync protocol version.
func (h *HTTPSyncHandlers) HandleProtocolVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	response := ProtocolVersionResponse{
		Version: h.service.ProtocolVersion(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// writeError writes a standardized error response.
func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	json.NewEncoder(w).Encode(errorResponse)

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
