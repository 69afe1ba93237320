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

// Package store provides the Postgres-backed stores for rules, alerts,
// the processed-message ledger, Gmail accounts, and notification targets.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/matching/internal/rules"
)

// RuleStore provides CRUD and the active-rule query for matching rules.
type RuleStore struct {
	pool *pgxpool.Pool
}

// NewRuleStore creates a rule store backed by the given Postgres pool.
// It ensures the rules table exists on creation.
func NewRuleStore(ctx context.Context, pool *pgxpool.Pool) (*RuleStore, error) {
	s := &RuleStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure rules schema: %w", err)
	}
	slog.Info("rule store initialised")
	return s, nil
}

func (s *RuleStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS rules (
			id         UUID PRIMARY KEY,
			user_id    UUID NOT NULL,
			name       TEXT NOT NULL,
			conditions JSONB NOT NULL,
			is_active  BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_rules_user ON rules(user_id);
		CREATE INDEX IF NOT EXISTS idx_rules_active ON rules(user_id, is_active);
	`)
	return err
}

// ListActiveRules returns the user's active rules in creation order.
// A rule whose stored conditions fail to decode is returned with Err set
// so the pipeline can report it without losing the rest of the batch.
func (s *RuleStore) ListActiveRules(ctx context.Context, userID string) ([]rules.LoadResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, name, conditions, is_active, created_at, updated_at
		FROM rules
		WHERE user_id = $1 AND is_active
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []rules.LoadResult
	for rows.Next() {
		var r rules.Rule
		var conditions []byte
		if err := rows.Scan(&r.ID, &r.UserID, &r.Name, &conditions, &r.IsActive, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		lr := rules.LoadResult{Rule: r}
		if err := json.Unmarshal(conditions, &lr.Rule.Conditions); err != nil {
			lr.Err = fmt.Errorf("decode conditions: %w", err)
		}
		results = append(results, lr)
	}
	return results, rows.Err()
}

// List returns all of the user's rules, active or not.
func (s *RuleStore) List(ctx context.Context, userID string) ([]rules.Rule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, name, conditions, is_active, created_at, updated_at
		FROM rules
		WHERE user_id = $1
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rules.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get returns one rule scoped to its owner, or nil when absent.
func (s *RuleStore) Get(ctx context.Context, userID, ruleID string) (*rules.Rule, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, name, conditions, is_active, created_at, updated_at
		FROM rules
		WHERE user_id = $1 AND id = $2
	`, userID, ruleID)

	r, err := scanRule(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Create inserts a new rule and returns it with its generated ID and
// timestamps filled in.
func (s *RuleStore) Create(ctx context.Context, r rules.Rule) (rules.Rule, error) {
	conditions, err := json.Marshal(r.Conditions)
	if err != nil {
		return rules.Rule{}, fmt.Errorf("encode conditions: %w", err)
	}

	r.ID = uuid.New().String()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO rules (id, user_id, name, conditions, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, r.ID, r.UserID, r.Name, conditions, r.IsActive)
	if err := row.Scan(&r.CreatedAt, &r.UpdatedAt); err != nil {
		return rules.Rule{}, err
	}
	return r, nil
}

// Update replaces a rule's name, conditions, and active flag, scoped to
// its owner. Returns false when no such rule exists.
func (s *RuleStore) Update(ctx context.Context, r rules.Rule) (bool, error) {
	conditions, err := json.Marshal(r.Conditions)
	if err != nil {
		return false, fmt.Errorf("encode conditions: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE rules
		SET name = $1, conditions = $2, is_active = $3, updated_at = NOW()
		WHERE user_id = $4 AND id = $5
	`, r.Name, conditions, r.IsActive, r.UserID, r.ID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Delete removes a rule scoped to its owner. Existing alerts keep their
// rule_name snapshot; their rule_id is set NULL by the alerts FK.
func (s *RuleStore) Delete(ctx context.Context, userID, ruleID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM rules WHERE user_id = $1 AND id = $2
	`, userID, ruleID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// scanRule scans a single row into a Rule, decoding its conditions.
func scanRule(row pgx.Row) (rules.Rule, error) {
	var r rules.Rule
	var conditions []byte
	if err := row.Scan(&r.ID, &r.UserID, &r.Name, &conditions, &r.IsActive, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return rules.Rule{}, err
	}
	if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
		return rules.Rule{}, fmt.Errorf("decode conditions for rule %s: %w", r.ID, err)
	}
	return r, nil
}
