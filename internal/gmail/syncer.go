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

package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/bcem/matching/internal/models"
	"github.com/bcem/matching/internal/store"
)

// ErrHistoryExpired signals that the stored history ID is too old for an
// incremental sync. The caller should re-register the watch and resume
// from the fresh history ID it returns.
var ErrHistoryExpired = errors.New("gmail history id expired")

// EventPublisher is the queue side the syncer publishes matched-candidate
// events to. Implemented by queue.Publisher.
type EventPublisher interface {
	PublishMatchEmail(ctx context.Context, ev *models.EmailEvent) error
}

// HistorySaver persists the history-sync cursor. Implemented by
// store.AccountStore.
type HistorySaver interface {
	SaveHistoryID(ctx context.Context, email, historyID string) error
}

// Deduper pre-filters redelivered messages. Implemented by dedup.Filter.
type Deduper interface {
	IsNew(ctx context.Context, userID, messageID string) (bool, error)
}

// historyResponse is a page of the users.history.list response.
type historyResponse struct {
	History []struct {
		ID            string `json:"id"`
		MessagesAdded []struct {
			Message struct {
				ID       string `json:"id"`
				ThreadID string `json:"threadId"`
			} `json:"message"`
		} `json:"messagesAdded"`
	} `json:"history"`
	NextPageToken string `json:"nextPageToken"`
	HistoryID     string `json:"historyId"`
}

// Syncer walks Gmail history since the last processed history ID and
// publishes each newly added message to the matching queue.
type Syncer struct {
	service   *Service
	accounts  HistorySaver
	publisher EventPublisher
	dedup     Deduper
}

// NewSyncer creates a history syncer.
func NewSyncer(service *Service, accounts HistorySaver, publisher EventPublisher, filter Deduper) *Syncer {
	return &Syncer{
		service:   service,
		accounts:  accounts,
		publisher: publisher,
		dedup:     filter,
	}
}

// SyncAccount processes history for one mailbox since its stored history
// ID. With no stored history ID the sync is a no-op; the watch
// registration seeds it.
func (s *Syncer) SyncAccount(ctx context.Context, acct *store.Account) error {
	if acct.LastHistoryID == "" {
		slog.Info("no history baseline yet, skipping sync", "email", acct.Email)
		return nil
	}

	client := s.service.ClientFor(ctx, acct)
	latest := acct.LastHistoryID
	totalNew := 0
	pageToken := ""

	for {
		page, err := s.fetchHistoryPage(ctx, client, acct.Email, acct.LastHistoryID, pageToken)
		if err != nil {
			return err
		}

		for _, h := range page.History {
			for _, added := range h.MessagesAdded {
				if s.processAdded(ctx, client, acct, added.Message.ID) {
					totalNew++
				}
			}
		}

		if page.HistoryID != "" {
			latest = page.HistoryID
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	if latest != acct.LastHistoryID {
		if err := s.accounts.SaveHistoryID(ctx, acct.Email, latest); err != nil {
			return fmt.Errorf("save history id: %w", err)
		}
	}

	slog.Info("history sync complete",
		"email", acct.Email,
		"new_messages", totalNew,
		"history_id", latest,
	)
	return nil
}

// processAdded fetches and publishes one newly added message. Returns
// true when the message was published.
func (s *Syncer) processAdded(ctx context.Context, client *http.Client, acct *store.Account, messageID string) bool {
	isNew, err := s.dedup.IsNew(ctx, acct.UserID, messageID)
	if err != nil {
		slog.Warn("dedup check failed during history sync", "error", err)
	} else if !isNew {
		return false
	}

	event, err := s.service.FetchMessage(ctx, client, acct.Email, acct.UserID, messageID)
	if err != nil {
		slog.Error("history sync: fetch message failed",
			"email", acct.Email,
			"message_id", messageID,
			"error", err,
		)
		return false
	}
	if event == nil {
		return false
	}

	if err := s.publisher.PublishMatchEmail(ctx, event); err != nil {
		slog.Error("history sync: publish failed",
			"message_id", messageID,
			"error", err,
		)
		return false
	}
	return true
}

// fetchHistoryPage fetches a single page of users.history.list. Gmail
// answers 404 when the start history ID has aged out.
func (s *Syncer) fetchHistoryPage(ctx context.Context, client *http.Client, email, startHistoryID, pageToken string) (*historyResponse, error) {
	params := url.Values{}
	params.Set("startHistoryId", startHistoryID)
	params.Set("historyTypes", "messageAdded")
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}
	u := fmt.Sprintf("%s/users/%s/history?%s", s.service.baseURL, email, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build history request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch history page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrHistoryExpired
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		slog.Error("history query error", "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("history query returned HTTP %d", resp.StatusCode)
	}

	var page historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode history response: %w", err)
	}
	return &page, nil
}
