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

package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DeviceToken is one registered push target for a user.
type DeviceToken struct {
	ID       int64
	UserID   string
	Platform string // "ios" or "android"
	Token    string
	LastUsed *time.Time
}

// SlackConfig is a user's optional Slack incoming-webhook channel.
type SlackConfig struct {
	UserID     string
	WebhookURL string
	IsEnabled  bool
}

// NotifyTargetStore reads the notification targets registered by the
// device/preferences API and maintains their freshness bookkeeping.
type NotifyTargetStore struct {
	pool *pgxpool.Pool
}

// NewNotifyTargetStore creates the store backed by the given Postgres pool.
func NewNotifyTargetStore(ctx context.Context, pool *pgxpool.Pool) (*NotifyTargetStore, error) {
	s := &NotifyTargetStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure notification target schema: %w", err)
	}
	slog.Info("notification target store initialised")
	return s, nil
}

func (s *NotifyTargetStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS device_tokens (
			id        BIGSERIAL PRIMARY KEY,
			user_id   UUID NOT NULL,
			platform  TEXT NOT NULL,
			token     TEXT NOT NULL UNIQUE,
			last_used TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_device_tokens_user ON device_tokens(user_id);

		CREATE TABLE IF NOT EXISTS slack_configs (
			user_id     UUID PRIMARY KEY,
			webhook_url TEXT NOT NULL,
			is_enabled  BOOLEAN NOT NULL DEFAULT TRUE
		);
	`)
	return err
}

// ListDevices returns the user's registered device tokens.
func (s *NotifyTargetStore) ListDevices(ctx context.Context, userID string) ([]DeviceToken, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, platform, token, last_used
		FROM device_tokens
		WHERE user_id = $1
		ORDER BY id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []DeviceToken
	for rows.Next() {
		var d DeviceToken
		if err := rows.Scan(&d.ID, &d.UserID, &d.Platform, &d.Token, &d.LastUsed); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// TouchDevice updates last_used after a successful send.
func (s *NotifyTargetStore) TouchDevice(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE device_tokens SET last_used = NOW() WHERE id = $1
	`, id)
	return err
}

// DeleteDevice removes one token, typically after FCM reports it
// unregistered.
func (s *NotifyTargetStore) DeleteDevice(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM device_tokens WHERE id = $1
	`, id)
	return err
}

// DeleteStaleDevices removes tokens not used since the cutoff. Tokens that
// were never used are kept; they may belong to a fresh registration.
func (s *NotifyTargetStore) DeleteStaleDevices(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM device_tokens WHERE last_used IS NOT NULL AND last_used < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// GetSlackConfig returns the user's Slack channel config, or nil.
func (s *NotifyTargetStore) GetSlackConfig(ctx context.Context, userID string) (*SlackConfig, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, webhook_url, is_enabled
		FROM slack_configs
		WHERE user_id = $1
	`, userID)

	var c SlackConfig
	err := row.Scan(&c.UserID, &c.WebhookURL, &c.IsEnabled)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
