// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api exposes rule management and the alert inbox over JSON
// HTTP. Requests arrive through the gateway, which authenticates the
// user and forwards their identity in the X-User-ID header; this service
// trusts that header and scopes every query by it.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/bcem/matching/internal/models"
	"github.com/bcem/matching/internal/rules"
)

// RuleStore is the rule persistence the API needs. Implemented by
// store.RuleStore.
type RuleStore interface {
	List(ctx context.Context, userID string) ([]rules.Rule, error)
	Get(ctx context.Context, userID, ruleID string) (*rules.Rule, error)
	Create(ctx context.Context, r rules.Rule) (rules.Rule, error)
	Update(ctx context.Context, r rules.Rule) (bool, error)
	Delete(ctx context.Context, userID, ruleID string) (bool, error)
}

// AlertStore is the alert persistence the API needs. Implemented by
// store.AlertStore.
type AlertStore interface {
	List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Alert, error)
	Get(ctx context.Context, userID, alertID string) (*models.Alert, error)
	MarkRead(ctx context.Context, userID, alertID string) (bool, error)
}

// Handler serves the rule and alert endpoints.
type Handler struct {
	rules  RuleStore
	alerts AlertStore
}

// NewHandler creates the API handler.
func NewHandler(ruleStore RuleStore, alertStore AlertStore) *Handler {
	return &Handler{
		rules:  ruleStore,
		alerts: alertStore,
	}
}

// Register wires the API routes onto the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/rules", h.listRules)
	mux.HandleFunc("POST /api/rules", h.createRule)
	mux.HandleFunc("GET /api/rules/{id}", h.getRule)
	mux.HandleFunc("PUT /api/rules/{id}", h.updateRule)
	mux.HandleFunc("DELETE /api/rules/{id}", h.deleteRule)
	mux.HandleFunc("GET /api/alerts", h.listAlerts)
	mux.HandleFunc("GET /api/alerts/{id}", h.getAlert)
	mux.HandleFunc("POST /api/alerts/{id}/read", h.markAlertRead)
}

// ruleBody is the client-facing rule shape for both requests and
// responses.
type ruleBody struct {
	ID         string             `json:"id,omitempty"`
	Name       string             `json:"name"`
	Conditions rules.ConditionSet `json:"conditions"`
	IsActive   *bool              `json:"is_active,omitempty"`
	CreatedAt  *time.Time         `json:"created_at,omitempty"`
	UpdatedAt  *time.Time         `json:"updated_at,omitempty"`
}

func ruleResponse(r rules.Rule) ruleBody {
	active := r.IsActive
	created := r.CreatedAt
	updated := r.UpdatedAt
	return ruleBody{
		ID:         r.ID,
		Name:       r.Name,
		Conditions: r.Conditions,
		IsActive:   &active,
		CreatedAt:  &created,
		UpdatedAt:  &updated,
	}
}

func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	list, err := h.rules.List(r.Context(), userID)
	if err != nil {
		serverError(w, "list rules", err)
		return
	}

	out := make([]ruleBody, 0, len(list))
	for _, rule := range list {
		out = append(out, ruleResponse(rule))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) createRule(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	body, ok := decodeRuleBody(w, r)
	if !ok {
		return
	}

	active := true
	if body.IsActive != nil {
		active = *body.IsActive
	}

	created, err := h.rules.Create(r.Context(), rules.Rule{
		UserID:     userID,
		Name:       body.Name,
		Conditions: body.Conditions,
		IsActive:   active,
	})
	if err != nil {
		serverError(w, "create rule", err)
		return
	}
	writeJSON(w, http.StatusCreated, ruleResponse(created))
}

func (h *Handler) getRule(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	rule, err := h.rules.Get(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		serverError(w, "get rule", err)
		return
	}
	if rule == nil {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	writeJSON(w, http.StatusOK, ruleResponse(*rule))
}

func (h *Handler) updateRule(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	body, ok := decodeRuleBody(w, r)
	if !ok {
		return
	}

	active := true
	if body.IsActive != nil {
		active = *body.IsActive
	}

	updated, err := h.rules.Update(r.Context(), rules.Rule{
		ID:         r.PathValue("id"),
		UserID:     userID,
		Name:       body.Name,
		Conditions: body.Conditions,
		IsActive:   active,
	})
	if err != nil {
		serverError(w, "update rule", err)
		return
	}
	if !updated {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}

	rule, err := h.rules.Get(r.Context(), userID, r.PathValue("id"))
	if err != nil || rule == nil {
		serverError(w, "reload rule", err)
		return
	}
	writeJSON(w, http.StatusOK, ruleResponse(*rule))
}

func (h *Handler) deleteRule(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	deleted, err := h.rules.Delete(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		serverError(w, "delete rule", err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	unreadOnly := r.URL.Query().Get("unread") == "true"
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	alerts, err := h.alerts.List(r.Context(), userID, unreadOnly, limit)
	if err != nil {
		serverError(w, "list alerts", err)
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (h *Handler) getAlert(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	alert, err := h.alerts.Get(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		serverError(w, "get alert", err)
		return
	}
	if alert == nil {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (h *Handler) markAlertRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	marked, err := h.alerts.MarkRead(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		serverError(w, "mark alert read", err)
		return
	}
	if !marked {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requireUser extracts the authenticated user forwarded by the gateway.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing X-User-ID header")
		return "", false
	}
	return userID, true
}

// decodeRuleBody parses and validates a rule create/update payload. The
// ConditionSet unmarshaller rejects unknown condition types and malformed
// payloads, so a decoded body is structurally sound.
func decodeRuleBody(w http.ResponseWriter, r *http.Request) (ruleBody, bool) {
	var body ruleBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule: "+err.Error())
		return ruleBody{}, false
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "rule name is required")
		return ruleBody{}, false
	}
	if len(body.Conditions.Conditions) == 0 {
		writeError(w, http.StatusBadRequest, "rule needs at least one condition")
		return ruleBody{}, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func serverError(w http.ResponseWriter, op string, err error) {
	if err == nil {
		err = errors.New("unexpected nil result")
	}
	slog.Error("api request failed", "op", op, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}
