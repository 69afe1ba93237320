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

// Package webhook handles Gmail push notifications delivered by Cloud
// Pub/Sub. When a watched mailbox changes, Pub/Sub POSTs an envelope
// whose data field is a base64 JSON blob naming the mailbox and its new
// history ID. The handler acks fast and hands the actual history walk to
// the task queue.
package webhook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// pushEnvelope is the wrapper Pub/Sub push subscriptions send.
type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// gmailNotification is the decoded data payload of a Gmail watch event.
type gmailNotification struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
}

// SyncPublisher enqueues a history sync task. Implemented by
// queue.Publisher.
type SyncPublisher interface {
	PublishSyncHistory(ctx context.Context, emailAddress, historyID string) error
}

// Handler processes Pub/Sub push deliveries of Gmail notifications.
type Handler struct {
	publisher SyncPublisher

	// verificationToken is compared against the Bearer token Pub/Sub
	// attaches to push requests. Empty disables the check for local
	// development.
	verificationToken string
}

// NewHandler creates a push notification handler.
func NewHandler(publisher SyncPublisher, verificationToken string) *Handler {
	if verificationToken == "" {
		slog.Warn("pubsub verification token not set, accepting unauthenticated pushes")
	}
	return &Handler{
		publisher:         publisher,
		verificationToken: verificationToken,
	}
}

// ServePush handles one Pub/Sub push request.
//
// Pub/Sub retries any non-2xx response, so malformed payloads are acked
// with 204 rather than rejected: redelivering garbage forever helps
// nobody. Only an authentication failure gets a 4xx.
func (h *Handler) ServePush(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		slog.Warn("rejected push with bad verification token", "remote", r.RemoteAddr)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Error("failed to read push body", "error", err)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		slog.Info("push body not valid JSON, acking anyway", "body_len", len(body))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	data, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		slog.Warn("push data not valid base64, acking anyway",
			"pubsub_message_id", env.Message.MessageID,
		)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var n gmailNotification
	if err := json.Unmarshal(data, &n); err != nil || n.EmailAddress == "" {
		slog.Warn("push data not a gmail notification, acking anyway",
			"pubsub_message_id", env.Message.MessageID,
		)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	slog.Info("gmail notification received",
		"email", n.EmailAddress,
		"history_id", n.HistoryID.String(),
		"pubsub_message_id", env.Message.MessageID,
	)

	if err := h.publisher.PublishSyncHistory(r.Context(), n.EmailAddress, n.HistoryID.String()); err != nil {
		// Nack so Pub/Sub redelivers once the queue is reachable again.
		slog.Error("failed to enqueue history sync", "email", n.EmailAddress, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.verificationToken == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		// Also accept the token as a query parameter, the way push
		// endpoints configured with ?token= receive it.
		token = r.URL.Query().Get("token")
	}
	return token == h.verificationToken
}
