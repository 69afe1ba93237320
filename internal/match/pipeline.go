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

// Package match implements the matching pipeline: one invocation per
// inbound email event, evaluating the owner's active rules and emitting
// deduplicated alerts.
//
// Invocations share no mutable state; duplicate deliveries of the same
// message may run concurrently on different workers, and correctness under
// that race rests entirely on the alert store's atomic conditional insert.
package match

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bcem/matching/internal/metrics"
	"github.com/bcem/matching/internal/models"
	"github.com/bcem/matching/internal/rules"
)

// DefaultStoreTimeout bounds each rule-load and alert-write call.
const DefaultStoreTimeout = 250 * time.Millisecond

// RuleSource lists a user's active rules. Implemented by store.RuleStore.
type RuleSource interface {
	ListActiveRules(ctx context.Context, userID string) ([]rules.LoadResult, error)
}

// AlertSink is the dedup guard: an atomic create-if-absent keyed on
// (rule_id, message_id). created is false when an alert for the pair
// already existed, in which case the existing alert is returned.
// Implemented by store.AlertStore.
type AlertSink interface {
	CreateIfAbsent(ctx context.Context, draft models.AlertDraft) (alert models.Alert, created bool, err error)
}

// MessageLedger records that a message was evaluated. Write-only metadata;
// failures here never fail the invocation.
type MessageLedger interface {
	Record(ctx context.Context, ev *models.EmailEvent) error
}

// Notifier dispatches a notification for a newly created alert. Called
// fire-and-forget: its latency and failures stay off the pipeline's
// critical path and never roll back the persisted alert.
type Notifier interface {
	AlertCreated(ctx context.Context, alert models.Alert)
}

// Pipeline evaluates email events against their owner's rules.
type Pipeline struct {
	rules        RuleSource
	alerts       AlertSink
	ledger       MessageLedger
	notifier     Notifier
	storeTimeout time.Duration
}

// Config holds the pipeline's collaborators. Ledger and Notifier may be
// nil; RuleSource and AlertSink are required.
type Config struct {
	Rules        RuleSource
	Alerts       AlertSink
	Ledger       MessageLedger
	Notifier     Notifier
	StoreTimeout time.Duration
}

// New creates a matching pipeline.
func New(cfg Config) *Pipeline {
	timeout := cfg.StoreTimeout
	if timeout == 0 {
		timeout = DefaultStoreTimeout
	}
	return &Pipeline{
		rules:        cfg.Rules,
		alerts:       cfg.Alerts,
		ledger:       cfg.Ledger,
		notifier:     cfg.Notifier,
		storeTimeout: timeout,
	}
}

// ProcessEvent runs one pipeline invocation.
//
// Per-rule failures (malformed stored conditions) are isolated into the
// outcome's RuleErrors. Validation and ownership failures abort the whole
// invocation with a permanent error; store failures abort with a retryable
// one. Re-driving the same event is always safe: the second pass reports
// its alerts under AlertsSkippedDuplicate instead of creating rows.
func (p *Pipeline) ProcessEvent(ctx context.Context, ev *models.EmailEvent) (*models.MatchingOutcome, error) {
	if err := validateEvent(ev); err != nil {
		slog.Warn("dropping malformed event",
			"message_id", ev.MessageID,
			"error", err,
		)
		return nil, err
	}

	loaded, err := p.listRules(ctx, ev.UserID)
	if err != nil {
		return nil, &StoreError{Op: "load rules", Err: err}
	}

	outcome := &models.MatchingOutcome{}

	var matchedRules []rules.Rule
	for _, lr := range loaded {
		if lr.Err != nil {
			slog.Warn("skipping rule with malformed conditions",
				"rule_id", lr.Rule.ID,
				"user_id", ev.UserID,
				"error", lr.Err,
			)
			outcome.RuleErrors = append(outcome.RuleErrors, models.RuleError{
				RuleID: lr.Rule.ID,
				Reason: lr.Err.Error(),
			})
			metrics.RuleErrors.Inc()
			continue
		}

		// The store query is scoped by user_id, so a mismatch here means
		// corrupted or tampered data. Security event, drop the invocation.
		if lr.Rule.UserID != ev.UserID {
			err := &OwnershipError{
				EventUserID: ev.UserID,
				RuleID:      lr.Rule.ID,
				RuleUserID:  lr.Rule.UserID,
			}
			slog.Error("ownership violation during rule matching",
				"rule_id", lr.Rule.ID,
				"message_id", ev.MessageID,
				"error", err,
			)
			return nil, err
		}

		if matched, _ := rules.Combine(&lr.Rule, ev); matched {
			matchedRules = append(matchedRules, lr.Rule)
		}
	}

	for _, r := range matchedRules {
		draft := models.AlertDraft{
			ID:        uuid.New().String(),
			UserID:    ev.UserID,
			MessageID: ev.MessageID,
			RuleID:    r.ID,
			RuleName:  r.Name,
			Subject:   ev.Subject,
			FromAddr:  ev.FromAddr,
			Snippet:   ev.Snippet,
		}

		alert, created, err := p.createIfAbsent(ctx, draft)
		if err != nil {
			// Alerts already written in this invocation stay; the retry
			// re-drives the event and the dedup guard skips them.
			return nil, &StoreError{Op: "create alert", Err: err}
		}

		if created {
			outcome.AlertsCreated = append(outcome.AlertsCreated, alert.ID)
			metrics.AlertsCreated.Inc()
			p.dispatchNotification(alert)
		} else {
			outcome.AlertsSkippedDuplicate = append(outcome.AlertsSkippedDuplicate, alert.ID)
			metrics.DuplicateAlertsSkipped.Inc()
		}
	}

	p.recordProcessed(ctx, ev)
	metrics.EmailsProcessed.Inc()

	slog.Info("event matched",
		"message_id", ev.MessageID,
		"user_id", ev.UserID,
		"rules_evaluated", len(loaded),
		"alerts_created", len(outcome.AlertsCreated),
		"duplicates_skipped", len(outcome.AlertsSkippedDuplicate),
		"rule_errors", len(outcome.RuleErrors),
	)

	return outcome, nil
}

// validateEvent checks the required event fields. The event's user_id is
// the only ownership scope the pipeline trusts; everything loaded later
// must agree with it.
func validateEvent(ev *models.EmailEvent) error {
	if ev.MessageID == "" {
		return &ValidationError{Reason: "missing message_id"}
	}
	if ev.UserID == "" {
		return &ValidationError{Reason: "missing user_id"}
	}
	return nil
}

func (p *Pipeline) listRules(ctx context.Context, userID string) ([]rules.LoadResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()
	return p.rules.ListActiveRules(ctx, userID)
}

func (p *Pipeline) createIfAbsent(ctx context.Context, draft models.AlertDraft) (models.Alert, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()
	return p.alerts.CreateIfAbsent(ctx, draft)
}

// recordProcessed writes the metadata ledger row. Best-effort: the unique
// (user_id, message_id) key makes redeliveries a no-op, and a failed write
// only loses audit data, never alerts.
func (p *Pipeline) recordProcessed(ctx context.Context, ev *models.EmailEvent) {
	if p.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()
	if err := p.ledger.Record(ctx, ev); err != nil {
		slog.Warn("failed to record processed message",
			"message_id", ev.MessageID,
			"error", err,
		)
	}
}

// dispatchNotification hands the alert to the notifier on a detached
// context so a slow push provider cannot extend the invocation.
func (p *Pipeline) dispatchNotification(alert models.Alert) {
	if p.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		p.notifier.AlertCreated(ctx, alert)
	}()
}
