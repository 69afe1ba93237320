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

// Package gmail talks to the Gmail REST API: fetching full messages,
// walking history for incremental sync, and registering push watches.
// Each connected account gets an oauth2-refreshing HTTP client built
// from the tokens the auth service stored.
package gmail

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/bcem/matching/internal/store"
)

// DefaultBaseURL is the production Gmail API endpoint. Tests point this
// at an httptest server.
const DefaultBaseURL = "https://gmail.googleapis.com/gmail/v1"

// Service holds the OAuth client configuration shared by all accounts.
type Service struct {
	oauthCfg *oauth2.Config
	baseURL  string
}

// Config holds the settings needed to build Gmail API clients.
type Config struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
}

// NewService creates a Gmail API service.
func NewService(cfg Config) *Service {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Service{
		oauthCfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     google.Endpoint,
		},
		baseURL: baseURL,
	}
}

// ClientFor builds an HTTP client for one connected account. The client
// refreshes the access token transparently using the stored refresh token.
func (s *Service) ClientFor(ctx context.Context, acct *store.Account) *http.Client {
	tok := &oauth2.Token{
		AccessToken:  acct.AccessToken,
		RefreshToken: acct.RefreshToken,
		Expiry:       acct.TokenExpiry,
		TokenType:    "Bearer",
	}
	client := s.oauthCfg.Client(ctx, tok)
	client.Timeout = 30 * time.Second
	return client
}

// BaseURL returns the configured API endpoint.
func (s *Service) BaseURL() string {
	return s.baseURL
}
