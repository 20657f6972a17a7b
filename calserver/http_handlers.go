// Copyright 2025 Piyush Poshiya
// SPDX-License-Identifier: Apache-2.0

package calserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ClientAuthenticator extracts the user and device identity from requests.
// JWTAuth is the production implementation.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetDeviceID(r *http.Request) (string, error)
}

// HTTPHandlers provides the HTTP surface of the sync backend.
type HTTPHandlers struct {
	service       *Service
	authenticator ClientAuthenticator
	hub           *Hub
	logger        *slog.Logger
}

// NewHTTPHandlers creates the handler set.
func NewHTTPHandlers(service *Service, authenticator ClientAuthenticator, hub *Hub, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{
		service:       service,
		authenticator: authenticator,
		hub:           hub,
		logger:        logger,
	}
}

// RegisterRoutes mounts all endpoints on the mux.
func (h *HTTPHandlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/messages", h.handleMessages)
	mux.HandleFunc("/v1/messages/batch", h.HandleMessagesBatch)
	mux.HandleFunc("/v1/foods/batch", h.HandleFoodsBatch)
	mux.HandleFunc("/v1/pending/ack", h.HandleAck)
	mux.HandleFunc("/v1/pending", h.HandlePendingState)
	mux.HandleFunc("/v1/profile", h.HandleProfile)
	mux.HandleFunc("/v1/listen", h.HandleListen)
}

// handleMessages dispatches POST (submit) and GET (history) on /v1/messages.
func (h *HTTPHandlers) handleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.HandleSubmitMessage(w, r)
	case http.MethodGet:
		h.HandleMessagesSince(w, r)
	default:
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET and POST are allowed")
	}
}

// HandleSubmitMessage accepts a NewMessageRequest and answers with the status
// code that encodes the outcome: 200 accepted, 402 subscription expired,
// 432/433/434 rate limited, 500 otherwise.
func (h *HTTPHandlers) HandleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req NewMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse message request")
		return
	}

	status, err := h.service.SubmitMessage(r.Context(), userID, &req)
	if err != nil {
		h.logger.Error("failed to submit message", "error", err, "uid", userID, "id", req.ID)
		h.writeError(w, http.StatusInternalServerError, "submit_failed", "Failed to store message")
		return
	}
	switch status {
	case http.StatusOK:
		h.writeJSON(w, http.StatusOK, map[string]string{"id": req.ID, "status": "accepted"})
	case StatusSubscriptionExpired:
		h.writeError(w, status, "subscription_expired", "Subscription has expired")
	case StatusTrialMessageLimitExceeded:
		h.writeError(w, status, "trial_message_limit", "Daily trial message limit exceeded")
	case StatusTrialImageLimitExceeded:
		h.writeError(w, status, "trial_image_limit", "Daily trial image limit exceeded")
	case StatusPaidMessageLimitExceeded:
		h.writeError(w, status, "message_limit", "Daily message limit exceeded")
	default:
		h.writeError(w, status, "rejected", "Message rejected")
	}
}

// HandleMessagesSince returns documents updated at or after the since
// parameter (RFC 3339; zero time when absent).
func (h *HTTPHandlers) HandleMessagesSince(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "since must be RFC 3339")
			return
		}
		since = parsed
	}

	docs, err := h.service.MessagesSince(r.Context(), userID, since)
	if err != nil {
		h.logger.Error("failed to list messages", "error", err, "uid", userID)
		h.writeError(w, http.StatusInternalServerError, "query_failed", "Failed to list messages")
		return
	}
	h.writeJSON(w, http.StatusOK, emptyIfNil(docs))
}

// HandleMessagesBatch returns full documents for ids given as a
// comma-separated list.
func (h *HTTPHandlers) HandleMessagesBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	ids := splitIDs(r.URL.Query().Get("ids"))
	if len(ids) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "ids parameter is required")
		return
	}
	docs, err := h.service.MessagesByIDs(r.Context(), userID, ids)
	if err != nil {
		h.logger.Error("failed to fetch message batch", "error", err, "uid", userID)
		h.writeError(w, http.StatusInternalServerError, "query_failed", "Failed to fetch messages")
		return
	}
	h.writeJSON(w, http.StatusOK, emptyIfNil(docs))
}

// HandleFoodsBatch returns food line items for up to FoodBatchLimit message
// ids.
func (h *HTTPHandlers) HandleFoodsBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	ids := splitIDs(r.URL.Query().Get("message_ids"))
	if len(ids) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "message_ids parameter is required")
		return
	}
	foods, err := h.service.FoodsForMessages(r.Context(), userID, ids)
	if errors.Is(err, ErrTooManyIDs) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "too many message_ids in one batch")
		return
	}
	if err != nil {
		h.logger.Error("failed to fetch foods", "error", err, "uid", userID)
		h.writeError(w, http.StatusInternalServerError, "query_failed", "Failed to fetch foods")
		return
	}
	h.writeJSON(w, http.StatusOK, emptyIfNil(foods))
}

// HandleAck removes acknowledged ids from the processed list.
func (h *HTTPHandlers) HandleAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var req AckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse ack request")
		return
	}
	if err := h.service.AckProcessed(r.Context(), userID, req.ProcessedMessageIDs); err != nil {
		h.logger.Error("failed to ack processed ids", "error", err, "uid", userID)
		h.writeError(w, http.StatusInternalServerError, "ack_failed", "Failed to acknowledge ids")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandlePendingState is a one-shot read of the pending-state document.
func (h *HTTPHandlers) HandlePendingState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	doc, err := h.service.PendingState(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to get pending state", "error", err, "uid", userID)
		h.writeError(w, http.StatusInternalServerError, "query_failed", "Failed to get pending state")
		return
	}
	h.writeJSON(w, http.StatusOK, doc)
}

// HandleProfile returns the user profile document.
func (h *HTTPHandlers) HandleProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	doc, err := h.service.Profile(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to get profile", "error", err, "uid", userID)
		h.writeError(w, http.StatusInternalServerError, "query_failed", "Failed to get profile")
		return
	}
	h.writeJSON(w, http.StatusOK, doc)
}

// HandleListen upgrades to a WebSocket change-event stream. The current
// pending state and profile are pushed as an initial snapshot so a
// reconnecting client re-observes anything it missed (at-least-once).
func (h *HTTPHandlers) HandleListen(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	topics := make(map[string]struct{})
	for _, t := range splitIDs(r.URL.Query().Get("topics")) {
		topics[t] = struct{}{}
	}
	if len(topics) == 0 {
		for _, t := range []string{TopicPendingState, TopicProfile, TopicMessages} {
			topics[t] = struct{}{}
		}
	}

	var snapshot []ChangeEvent
	if profile, err := h.service.Profile(r.Context(), userID); err == nil {
		snapshot = append(snapshot, ChangeEvent{Topic: TopicProfile, Profile: profile})
	}
	if pending, err := h.service.PendingState(r.Context(), userID); err == nil {
		snapshot = append(snapshot, ChangeEvent{Topic: TopicPendingState, PendingState: pending})
	}

	h.hub.serve(w, r, userID, topics, snapshot)
}

func (h *HTTPHandlers) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", false
	}
	return userID, true
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *HTTPHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&ErrorResponse{Error: code, Message: message})
}

func splitIDs(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
