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
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/matching/internal/models"
)

// MessageLedger records which messages have been evaluated, as metadata
// only. The unique (user_id, message_id) key makes redelivered events a
// no-op. Body text is deliberately absent from the schema: events carry
// it transiently on the queue and it must never reach durable storage.
type MessageLedger struct {
	pool *pgxpool.Pool
}

// NewMessageLedger creates the ledger backed by the given Postgres pool.
func NewMessageLedger(ctx context.Context, pool *pgxpool.Pool) (*MessageLedger, error) {
	s := &MessageLedger{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure processed_messages schema: %w", err)
	}
	slog.Info("message ledger initialised")
	return s, nil
}

func (s *MessageLedger) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS processed_messages (
			id             UUID PRIMARY KEY,
			user_id        UUID NOT NULL,
			message_id     TEXT NOT NULL,
			thread_id      TEXT NOT NULL DEFAULT '',
			subject        TEXT NOT NULL DEFAULT '',
			from_addr      TEXT NOT NULL DEFAULT '',
			snippet        TEXT NOT NULL DEFAULT '',
			has_attachment BOOLEAN NOT NULL DEFAULT FALSE,
			label_ids      TEXT NOT NULL DEFAULT '',
			received_at    TIMESTAMPTZ,
			processed_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(user_id, message_id)
		);
		CREATE INDEX IF NOT EXISTS idx_processed_user ON processed_messages(user_id, processed_at DESC);
	`)
	return err
}

// Record inserts the ledger row for an evaluated event; duplicates are a
// silent no-op.
func (s *MessageLedger) Record(ctx context.Context, ev *models.EmailEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processed_messages
			(id, user_id, message_id, thread_id, subject, from_addr, snippet, has_attachment, label_ids, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, message_id) DO NOTHING
	`, uuid.New().String(), ev.UserID, ev.MessageID, ev.ThreadID, ev.Subject,
		ev.FromAddr, ev.Snippet, ev.HasAttachment, strings.Join(ev.LabelIDs, ","),
		nullableTime(ev.ReceivedAt))
	return err
}
