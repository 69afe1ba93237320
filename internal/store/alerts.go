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

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/matching/internal/models"
)

// AlertStore persists alerts and enforces the (rule_id, message_id)
// uniqueness invariant. It is the only writer of alert rows.
type AlertStore struct {
	pool *pgxpool.Pool
}

// NewAlertStore creates an alert store backed by the given Postgres pool.
// It ensures the alerts table and its unique index exist on creation.
func NewAlertStore(ctx context.Context, pool *pgxpool.Pool) (*AlertStore, error) {
	s := &AlertStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure alerts schema: %w", err)
	}
	slog.Info("alert store initialised")
	return s, nil
}

func (s *AlertStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS alerts (
			id         UUID PRIMARY KEY,
			user_id    UUID NOT NULL,
			message_id TEXT NOT NULL,
			rule_id    UUID REFERENCES rules(id) ON DELETE SET NULL,
			rule_name  TEXT NOT NULL,
			subject    TEXT NOT NULL DEFAULT '',
			from_addr  TEXT NOT NULL DEFAULT '',
			snippet    TEXT NOT NULL DEFAULT '',
			read       BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS uq_alerts_rule_message ON alerts(rule_id, message_id);
		CREATE INDEX IF NOT EXISTS idx_alerts_user ON alerts(user_id, created_at DESC);
	`)
	return err
}

// CreateIfAbsent atomically inserts the draft unless an alert for its
// (rule_id, message_id) pair already exists. The insert relies on the
// unique index, so when two invocations for the same pair race across
// workers, exactly one wins and the other observes the winner's row.
// A lost insert is a successful no-op, not an error.
func (s *AlertStore) CreateIfAbsent(ctx context.Context, draft models.AlertDraft) (models.Alert, bool, error) {
	alert := models.Alert{
		ID:        draft.ID,
		UserID:    draft.UserID,
		MessageID: draft.MessageID,
		RuleID:    draft.RuleID,
		RuleName:  draft.RuleName,
		Subject:   draft.Subject,
		FromAddr:  draft.FromAddr,
		Snippet:   draft.Snippet,
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO alerts (id, user_id, message_id, rule_id, rule_name, subject, from_addr, snippet)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (rule_id, message_id) DO NOTHING
		RETURNING created_at
	`, draft.ID, draft.UserID, draft.MessageID, draft.RuleID, draft.RuleName,
		draft.Subject, draft.FromAddr, draft.Snippet)

	err := row.Scan(&alert.CreatedAt)
	if err == nil {
		return alert, true, nil
	}
	if err != pgx.ErrNoRows {
		return models.Alert{}, false, fmt.Errorf("insert alert: %w", err)
	}

	// The pair already has an alert; return the winner.
	existing, err := s.getByRuleMessage(ctx, draft.RuleID, draft.MessageID)
	if err != nil {
		return models.Alert{}, false, fmt.Errorf("load existing alert: %w", err)
	}
	if existing == nil {
		// Insert lost the race but the winner is gone (cascading user
		// deletion between the two statements). Surface as retryable.
		return models.Alert{}, false, fmt.Errorf("alert for rule %s message %s vanished after conflict",
			draft.RuleID, draft.MessageID)
	}
	return *existing, false, nil
}

func (s *AlertStore) getByRuleMessage(ctx context.Context, ruleID, messageID string) (*models.Alert, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, message_id, COALESCE(rule_id::text, ''), rule_name,
		       subject, from_addr, snippet, read, created_at
		FROM alerts
		WHERE rule_id = $1 AND message_id = $2
	`, ruleID, messageID)
	return scanAlert(row)
}

// List returns the user's alerts, newest first. unreadOnly restricts the
// result to alerts not yet marked read.
func (s *AlertStore) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Alert, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, message_id, COALESCE(rule_id::text, ''), rule_name,
		       subject, from_addr, snippet, read, created_at
		FROM alerts
		WHERE user_id = $1 AND (NOT $2::boolean OR NOT read)
		ORDER BY created_at DESC
		LIMIT $3
	`, userID, unreadOnly, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

// Get returns one alert scoped to its owner, or nil when absent.
func (s *AlertStore) Get(ctx context.Context, userID, alertID string) (*models.Alert, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, message_id, COALESCE(rule_id::text, ''), rule_name,
		       subject, from_addr, snippet, read, created_at
		FROM alerts
		WHERE user_id = $1 AND id = $2
	`, userID, alertID)
	a, err := scanAlert(row)
	if err != nil || a == nil {
		return nil, err
	}
	return a, nil
}

// MarkRead flags an alert as read, scoped to its owner. Returns false
// when no such alert exists.
func (s *AlertStore) MarkRead(ctx context.Context, userID, alertID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE alerts SET read = TRUE WHERE user_id = $1 AND id = $2
	`, userID, alertID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// scanAlert scans a single row into an Alert; pgx.ErrNoRows maps to nil.
func scanAlert(row pgx.Row) (*models.Alert, error) {
	var a models.Alert
	err := row.Scan(
		&a.ID, &a.UserID, &a.MessageID, &a.RuleID, &a.RuleName,
		&a.Subject, &a.FromAddr, &a.Snippet, &a.Read, &a.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
