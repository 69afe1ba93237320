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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the matching service.
type Config struct {
	// Postgres
	DatabaseURL string

	// Redis
	RedisURL      string
	MatchingQueue string

	// Queue consumer
	Workers int

	// Per-call deadline for store operations on the matching hot path.
	StoreTimeout time.Duration

	// Gmail OAuth app credentials (token issuance is the auth service's
	// job; these are needed for refresh and API calls).
	GmailClientID     string
	GmailClientSecret string

	// Pub/Sub topic Gmail watches publish to, and the shared token the
	// push subscription presents.
	PubSubTopic             string
	PubSubVerificationToken string

	// Watch lifecycle
	WatchRenewBuffer time.Duration
	SyncInterval     time.Duration

	// FCM service account JSON path; empty disables push notifications.
	FCMCredentialsFile string

	// Server
	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Matching string `yaml:"matching"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Gmail struct {
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
		PubSubTopic  string `yaml:"pubsub_topic"`
	} `yaml:"gmail"`
	PubSub struct {
		VerificationToken string `yaml:"verification_token"`
	} `yaml:"pubsub"`
	FCM struct {
		CredentialsFile string `yaml:"credentials_file"`
	} `yaml:"fcm"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	var raw rawConfig
	data, err := os.ReadFile(configPath)
	if err == nil {
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}
	// A missing file is fine, everything can come from the environment.

	cfg := &Config{
		DatabaseURL:             firstNonEmpty(raw.Database.URL, os.Getenv("DATABASE_URL")),
		RedisURL:                firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		MatchingQueue:           firstNonEmpty(raw.Redis.Queues.Matching, envOrDefault("MATCHING_QUEUE", "matching")),
		Workers:                 envOrDefaultInt("WORKERS", 4),
		StoreTimeout:            envOrDefaultDuration("STORE_TIMEOUT", 250*time.Millisecond),
		GmailClientID:           firstNonEmpty(raw.Gmail.ClientID, os.Getenv("GMAIL_CLIENT_ID")),
		GmailClientSecret:       firstNonEmpty(raw.Gmail.ClientSecret, os.Getenv("GMAIL_CLIENT_SECRET")),
		PubSubTopic:             firstNonEmpty(raw.Gmail.PubSubTopic, os.Getenv("PUBSUB_TOPIC")),
		PubSubVerificationToken: firstNonEmpty(raw.PubSub.VerificationToken, os.Getenv("PUBSUB_VERIFICATION_TOKEN")),
		WatchRenewBuffer:        envOrDefaultDuration("WATCH_RENEW_BUFFER", 24*time.Hour),
		SyncInterval:            envOrDefaultDuration("SYNC_INTERVAL", 15*time.Minute),
		FCMCredentialsFile:      firstNonEmpty(raw.FCM.CredentialsFile, os.Getenv("FCM_CREDENTIALS_FILE")),
		Port:                    envOrDefaultInt("PORT", 8080),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database URL not configured — set DATABASE_URL or database.url in config.yaml")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
