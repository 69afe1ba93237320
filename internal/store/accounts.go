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

// Account is a connected Gmail mailbox: the OAuth tokens issued by the
// auth service, plus watch and history-sync state.
type Account struct {
	UserID         string
	Email          string
	AccessToken    string
	RefreshToken   string
	TokenExpiry    time.Time
	LastHistoryID  string
	WatchExpiresAt *time.Time
	UpdatedAt      time.Time
}

// AccountStore provides access to connected Gmail accounts. Tokens are
// written by the auth service; this service only reads them and maintains
// the watch/history columns.
type AccountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore creates an account store backed by the given Postgres pool.
func NewAccountStore(ctx context.Context, pool *pgxpool.Pool) (*AccountStore, error) {
	s := &AccountStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure gmail_accounts schema: %w", err)
	}
	slog.Info("account store initialised")
	return s, nil
}

func (s *AccountStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS gmail_accounts (
			user_id          UUID PRIMARY KEY,
			email            TEXT NOT NULL UNIQUE,
			access_token     TEXT NOT NULL,
			refresh_token    TEXT NOT NULL,
			token_expiry     TIMESTAMPTZ,
			last_history_id  TEXT NOT NULL DEFAULT '',
			watch_expires_at TIMESTAMPTZ,
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

// GetByEmail retrieves the account for a mailbox address, or nil.
func (s *AccountStore) GetByEmail(ctx context.Context, email string) (*Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, email, access_token, refresh_token, token_expiry,
		       last_history_id, watch_expires_at, updated_at
		FROM gmail_accounts
		WHERE email = $1
	`, email)
	return scanAccount(row)
}

// List returns every connected account.
func (s *AccountStore) List(ctx context.Context) ([]Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, email, access_token, refresh_token, token_expiry,
		       last_history_id, watch_expires_at, updated_at
		FROM gmail_accounts
		ORDER BY email
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// ListWatchesExpiringSoon returns accounts whose Gmail watch is missing
// or expires within the given buffer.
func (s *AccountStore) ListWatchesExpiringSoon(ctx context.Context, buffer time.Duration) ([]Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, email, access_token, refresh_token, token_expiry,
		       last_history_id, watch_expires_at, updated_at
		FROM gmail_accounts
		WHERE watch_expires_at IS NULL OR watch_expires_at < NOW() + $1::interval
		ORDER BY watch_expires_at NULLS FIRST
	`, fmt.Sprintf("%d seconds", int(buffer.Seconds())))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// SaveHistoryID persists the last processed Gmail history ID for a mailbox.
func (s *AccountStore) SaveHistoryID(ctx context.Context, email, historyID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE gmail_accounts
		SET last_history_id = $1, updated_at = NOW()
		WHERE email = $2
	`, historyID, email)
	return err
}

// SaveWatch records a successful watch registration: the history ID the
// watch starts from and its expiration.
func (s *AccountStore) SaveWatch(ctx context.Context, email, historyID string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE gmail_accounts
		SET last_history_id = CASE WHEN last_history_id = '' THEN $1 ELSE last_history_id END,
		    watch_expires_at = $2,
		    updated_at = NOW()
		WHERE email = $3
	`, historyID, expiresAt, email)
	return err
}

// scanAccount scans a single row into an Account.
func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	var tokenExpiry *time.Time
	err := row.Scan(
		&a.UserID, &a.Email, &a.AccessToken, &a.RefreshToken, &tokenExpiry,
		&a.LastHistoryID, &a.WatchExpiresAt, &a.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if tokenExpiry != nil {
		a.TokenExpiry = *tokenExpiry
	}
	return &a, nil
}

// nullableTime maps the zero time to NULL for TIMESTAMPTZ columns.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
