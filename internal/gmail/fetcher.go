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
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bcem/matching/internal/models"
)

// FetchMessage retrieves the full content of one message and converts it
// to an EmailEvent. Returns (nil, nil) when the message no longer exists.
func (s *Service) FetchMessage(ctx context.Context, client *http.Client, email, userID, messageID string) (*models.EmailEvent, error) {
	url := fmt.Sprintf("%s/users/%s/messages/%s?format=full", s.baseURL, email, messageID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		slog.Warn("message not found (may have been deleted)",
			"email", email,
			"message_id", messageID,
		)
		return nil, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gmail API returned HTTP %d for message %s", resp.StatusCode, messageID)
	}

	event, err := parseMessage(resp.Body, userID)
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	return event, nil
}
