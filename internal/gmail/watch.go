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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Watch is the state of a push notification registration.
type Watch struct {
	HistoryID string
	ExpiresAt time.Time
}

// RegisterWatch registers (or renews) a push watch on the mailbox inbox,
// routing notifications to the given Pub/Sub topic. Gmail expires watches
// after about seven days, so this is called periodically.
func (s *Service) RegisterWatch(ctx context.Context, client *http.Client, email, topicName string) (*Watch, error) {
	body, err := json.Marshal(map[string]any{
		"topicName": topicName,
		"labelIds":  []string{"INBOX"},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal watch request: %w", err)
	}

	url := fmt.Sprintf("%s/users/%s/watch", s.baseURL, email)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build watch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("register watch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		slog.Error("watch registration error",
			"email", email,
			"status", resp.StatusCode,
			"body", string(respBody),
		)
		return nil, fmt.Errorf("watch registration returned HTTP %d", resp.StatusCode)
	}

	var out struct {
		HistoryID  string `json:"historyId"`
		Expiration string `json:"expiration"` // epoch milliseconds
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode watch response: %w", err)
	}

	ms, err := strconv.ParseInt(out.Expiration, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse watch expiration %q: %w", out.Expiration, err)
	}

	return &Watch{
		HistoryID: out.HistoryID,
		ExpiresAt: time.UnixMilli(ms).UTC(),
	}, nil
}
