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

// Package notify delivers alert notifications to the user's registered
// channels: FCM push to mobile devices and optional Slack webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// fcmScope is the OAuth scope for the FCM v1 send API.
const fcmScope = "https://www.googleapis.com/auth/firebase.messaging"

// ErrUnregistered signals that the device token is no longer valid and
// should be removed.
var ErrUnregistered = errors.New("fcm token unregistered")

// FCMClient sends push messages through the FCM HTTP v1 API using a
// service account credential.
type FCMClient struct {
	httpClient *http.Client
	projectID  string
	baseURL    string
}

// NewFCMClient builds an FCM client from service account JSON. The
// underlying transport mints and refreshes access tokens itself.
func NewFCMClient(ctx context.Context, credentialsJSON []byte) (*FCMClient, error) {
	creds, err := google.CredentialsFromJSON(ctx, credentialsJSON, fcmScope)
	if err != nil {
		return nil, fmt.Errorf("parse FCM credentials: %w", err)
	}
	if creds.ProjectID == "" {
		return nil, fmt.Errorf("FCM credentials carry no project_id")
	}

	client := oauth2.NewClient(ctx, creds.TokenSource)
	client.Timeout = 10 * time.Second

	return &FCMClient{
		httpClient: client,
		projectID:  creds.ProjectID,
		baseURL:    "https://fcm.googleapis.com/v1",
	}, nil
}

// Push sends one notification to a device token.
func (c *FCMClient) Push(ctx context.Context, token, title, body string, data map[string]string) error {
	payload := map[string]any{
		"message": map[string]any{
			"token": token,
			"notification": map[string]string{
				"title": title,
				"body":  body,
			},
			"data": data,
		},
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal FCM message: %w", err)
	}

	url := fmt.Sprintf("%s/projects/%s/messages:send", c.baseURL, c.projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("build FCM request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send FCM message: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound, http.StatusGone:
		// UNREGISTERED: the app was uninstalled or the token rotated.
		return ErrUnregistered
	default:
		respBody, _ := io.ReadAll(resp.Body)
		slog.Error("FCM send error", "status", resp.StatusCode, "body", string(respBody))
		return fmt.Errorf("FCM returned HTTP %d", resp.StatusCode)
	}
}
