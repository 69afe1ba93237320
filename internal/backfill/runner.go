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

// Package backfill replays historical mailbox contents through the
// matching queue. Intended for seeding alerts when a user connects an
// existing mailbox or adds a rule that should apply retroactively.
package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/bcem/matching/internal/gmail"
	"github.com/bcem/matching/internal/store"
)

// listPageSize bounds one messages.list page.
const listPageSize = 100

// Runner pages through a mailbox and publishes each message as a match
// task.
type Runner struct {
	service   *gmail.Service
	publisher gmail.EventPublisher
	dedup     gmail.Deduper
}

// RunnerConfig holds the runner's collaborators.
type RunnerConfig struct {
	Service   *gmail.Service
	Publisher gmail.EventPublisher
	Dedup     gmail.Deduper
}

// NewRunner creates a backfill runner.
func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{
		service:   cfg.Service,
		publisher: cfg.Publisher,
		dedup:     cfg.Dedup,
	}
}

// Result summarises one backfill run.
type Result struct {
	Email     string
	Published int
	Skipped   int
	Errors    int
	Elapsed   time.Duration
}

// listResponse is a page of users.messages.list.
type listResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	NextPageToken string `json:"nextPageToken"`
}

// Run replays every message received after the cutoff through the queue.
func (r *Runner) Run(ctx context.Context, acct *store.Account, since time.Duration) (*Result, error) {
	start := time.Now()
	result := &Result{Email: acct.Email}
	client := r.service.ClientFor(ctx, acct)

	query := fmt.Sprintf("after:%d", time.Now().Add(-since).Unix())
	pageToken := ""

	for {
		page, err := r.listPage(ctx, client, acct.Email, query, pageToken)
		if err != nil {
			return nil, err
		}

		for _, m := range page.Messages {
			isNew, err := r.dedup.IsNew(ctx, acct.UserID, m.ID)
			if err != nil {
				slog.Warn("dedup check failed during backfill", "error", err)
			} else if !isNew {
				result.Skipped++
				continue
			}

			event, err := r.service.FetchMessage(ctx, client, acct.Email, acct.UserID, m.ID)
			if err != nil {
				slog.Error("backfill: fetch message failed",
					"email", acct.Email,
					"message_id", m.ID,
					"error", err,
				)
				result.Errors++
				continue
			}
			if event == nil {
				result.Skipped++
				continue
			}

			if err := r.publisher.PublishMatchEmail(ctx, event); err != nil {
				slog.Error("backfill: publish failed", "message_id", m.ID, "error", err)
				result.Errors++
				continue
			}
			result.Published++
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	result.Elapsed = time.Since(start)
	return result, nil
}

// listPage fetches one page of users.messages.list.
func (r *Runner) listPage(ctx context.Context, client *http.Client, email, query, pageToken string) (*listResponse, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("maxResults", fmt.Sprintf("%d", listPageSize))
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}
	u := fmt.Sprintf("%s/users/%s/messages?%s", r.service.BaseURL(), email, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build list request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		slog.Error("message list error", "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("message list returned HTTP %d", resp.StatusCode)
	}

	var page listResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode list response: %w", err)
	}
	return &page, nil
}
