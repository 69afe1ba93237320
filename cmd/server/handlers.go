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

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bcem/matching/internal/match"
	"github.com/bcem/matching/internal/models"
	"github.com/bcem/matching/internal/queue"
	"github.com/bcem/matching/internal/store"
)

// eventProcessor runs one matching invocation. Implemented by
// match.Pipeline.
type eventProcessor interface {
	ProcessEvent(ctx context.Context, ev *models.EmailEvent) (*models.MatchingOutcome, error)
}

// accountSource loads connected mailboxes. Implemented by
// store.AccountStore.
type accountSource interface {
	GetByEmail(ctx context.Context, email string) (*store.Account, error)
}

// accountSyncer runs a history catch-up for one mailbox. Implemented by
// watch.LifecycleManager.
type accountSyncer interface {
	SyncAccount(ctx context.Context, acct *store.Account) error
}

// matchEmailHandler decodes a match task and runs it through the pipeline.
// Every delivery reaches the pipeline, including redeliveries and retried
// failures: the event is already filtered at publish time, and duplicate
// alerts are resolved by the alert store's unique index, so the pipeline
// is safe to re-run as often as the queue delivers.
func matchEmailHandler(p eventProcessor) queue.HandlerFunc {
	return func(ctx context.Context, task *queue.Task) error {
		ev, err := task.EmailEvent()
		if err != nil {
			return fmt.Errorf("%w: %s", match.ErrBadTask, err)
		}
		_, err = p.ProcessEvent(ctx, ev)
		return err
	}
}

// syncHistoryHandler resolves the mailbox named by a sync task and runs a
// history catch-up. Tasks for unknown mailboxes are dropped: the account
// was disconnected after the notification was published.
func syncHistoryHandler(accounts accountSource, syncer accountSyncer) queue.HandlerFunc {
	return func(ctx context.Context, task *queue.Task) error {
		email := task.StringKwarg("email_address")
		if email == "" {
			return fmt.Errorf("%w: sync task has no email_address", match.ErrBadTask)
		}
		acct, err := accounts.GetByEmail(ctx, email)
		if err != nil {
			return fmt.Errorf("load account %s: %w", email, err)
		}
		if acct == nil {
			slog.Warn("sync task for unknown account, dropping", "email", email)
			return nil
		}
		return syncer.SyncAccount(ctx, acct)
	}
}
