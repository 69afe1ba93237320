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

package match

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bcem/matching/internal/models"
	"github.com/bcem/matching/internal/rules"
)

// fakeRuleSource serves a fixed rule list, optionally failing.
type fakeRuleSource struct {
	rules []rules.LoadResult
	err   error
}

func (f *fakeRuleSource) ListActiveRules(ctx context.Context, userID string) ([]rules.LoadResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rules, nil
}

// fakeAlertSink mimics the dedup guard with an in-memory unique index on
// (rule_id, message_id).
type fakeAlertSink struct {
	mu     sync.Mutex
	byKey  map[string]models.Alert
	err    error
	writes int
}

func newFakeAlertSink() *fakeAlertSink {
	return &fakeAlertSink{byKey: make(map[string]models.Alert)}
}

func (f *fakeAlertSink) CreateIfAbsent(ctx context.Context, draft models.AlertDraft) (models.Alert, bool, error) {
	if f.err != nil {
		return models.Alert{}, false, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	key := draft.RuleID + ":" + draft.MessageID
	if existing, ok := f.byKey[key]; ok {
		return existing, false, nil
	}
	alert := models.Alert{
		ID:        draft.ID,
		UserID:    draft.UserID,
		MessageID: draft.MessageID,
		RuleID:    draft.RuleID,
		RuleName:  draft.RuleName,
		Subject:   draft.Subject,
		FromAddr:  draft.FromAddr,
		Snippet:   draft.Snippet,
		CreatedAt: time.Now().UTC(),
	}
	f.byKey[key] = alert
	return alert, true, nil
}

// fakeNotifier records dispatched alerts and signals each one.
type fakeNotifier struct {
	mu     sync.Mutex
	alerts []models.Alert
	ch     chan models.Alert
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{ch: make(chan models.Alert, 16)}
}

func (f *fakeNotifier) AlertCreated(ctx context.Context, alert models.Alert) {
	f.mu.Lock()
	f.alerts = append(f.alerts, alert)
	f.mu.Unlock()
	f.ch <- alert
}

func (f *fakeNotifier) wait(t *testing.T, n int) []models.Alert {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for notification %d of %d", i+1, n)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Alert(nil), f.alerts...)
}

func bossRule() rules.LoadResult {
	return rules.LoadResult{Rule: rules.Rule{
		ID:     "rule-boss",
		UserID: "user-1",
		Name:   "Boss emails",
		Conditions: rules.ConditionSet{
			Logic: rules.LogicAnd,
			Conditions: []rules.Condition{
				rules.FromContains{Substring: "boss@company.com"},
				rules.SubjectContains{Substring: "urgent"},
			},
		},
		IsActive: true,
	}}
}

func bossEvent() *models.EmailEvent {
	return &models.EmailEvent{
		MessageID:  "msg-1",
		UserID:     "user-1",
		FromAddr:   "boss@company.com",
		Subject:    "URGENT: review needed",
		Snippet:    "please review before noon",
		ReceivedAt: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
}

// TestProcessEvent_Match verifies scenario A: a matching AND rule creates
// one alert carrying the rule_name snapshot and the event display fields.
func TestProcessEvent_Match(t *testing.T) {
	sink := newFakeAlertSink()
	notifier := newFakeNotifier()
	p := New(Config{
		Rules:    &fakeRuleSource{rules: []rules.LoadResult{bossRule()}},
		Alerts:   sink,
		Notifier: notifier,
	})

	outcome, err := p.ProcessEvent(context.Background(), bossEvent())
	if err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}

	if len(outcome.AlertsCreated) != 1 {
		t.Fatalf("alerts created = %d, want 1", len(outcome.AlertsCreated))
	}
	if len(outcome.AlertsSkippedDuplicate) != 0 || len(outcome.RuleErrors) != 0 {
		t.Errorf("unexpected outcome: %+v", outcome)
	}

	alerts := notifier.wait(t, 1)
	got := alerts[0]
	if got.RuleName != "Boss emails" {
		t.Errorf("rule_name = %q, want %q", got.RuleName, "Boss emails")
	}
	if got.Subject != "URGENT: review needed" || got.FromAddr != "boss@company.com" {
		t.Errorf("alert display fields not copied from event: %+v", got)
	}
	if got.MessageID != "msg-1" || got.RuleID != "rule-boss" || got.UserID != "user-1" {
		t.Errorf("alert keys wrong: %+v", got)
	}
}

// TestProcessEvent_NoMatch verifies scenario B: AND fails on from_contains,
// no alert is created.
func TestProcessEvent_NoMatch(t *testing.T) {
	sink := newFakeAlertSink()
	p := New(Config{
		Rules:  &fakeRuleSource{rules: []rules.LoadResult{bossRule()}},
		Alerts: sink,
	})

	ev := bossEvent()
	ev.FromAddr = "friend@example.com"
	ev.Subject = "Urgent... just kidding"

	outcome, err := p.ProcessEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	if len(outcome.AlertsCreated) != 0 {
		t.Errorf("alerts created = %d, want 0", len(outcome.AlertsCreated))
	}
	if sink.writes != 0 {
		t.Errorf("alert store written %d times for a non-match", sink.writes)
	}
}

// TestProcessEvent_Idempotent verifies scenario C: redelivering the same
// event creates no second alert and reports it as a duplicate skip.
func TestProcessEvent_Idempotent(t *testing.T) {
	sink := newFakeAlertSink()
	p := New(Config{
		Rules:  &fakeRuleSource{rules: []rules.LoadResult{bossRule()}},
		Alerts: sink,
	})

	first, err := p.ProcessEvent(context.Background(), bossEvent())
	if err != nil {
		t.Fatalf("first ProcessEvent: %v", err)
	}
	second, err := p.ProcessEvent(context.Background(), bossEvent())
	if err != nil {
		t.Fatalf("second ProcessEvent: %v", err)
	}

	if len(first.AlertsCreated) != 1 {
		t.Fatalf("first call created %d alerts, want 1", len(first.AlertsCreated))
	}
	if len(second.AlertsCreated) != 0 {
		t.Errorf("second call created %d alerts, want 0", len(second.AlertsCreated))
	}
	if len(second.AlertsSkippedDuplicate) != 1 {
		t.Fatalf("second call skipped %d duplicates, want 1", len(second.AlertsSkippedDuplicate))
	}
	if second.AlertsSkippedDuplicate[0] != first.AlertsCreated[0] {
		t.Errorf("duplicate skip reports %s, want the original alert %s",
			second.AlertsSkippedDuplicate[0], first.AlertsCreated[0])
	}
	if len(sink.byKey) != 1 {
		t.Errorf("alert store holds %d rows, want 1", len(sink.byKey))
	}
}

// TestProcessEvent_RuleErrorIsolated verifies one rule's decode failure is
// reported without aborting evaluation of the remaining rules.
func TestProcessEvent_RuleErrorIsolated(t *testing.T) {
	broken := rules.LoadResult{
		Rule: rules.Rule{ID: "rule-broken", UserID: "user-1", Name: "broken"},
		Err:  errors.New("condition 0: unknown condition type \"regex\""),
	}

	sink := newFakeAlertSink()
	p := New(Config{
		Rules:  &fakeRuleSource{rules: []rules.LoadResult{broken, bossRule()}},
		Alerts: sink,
	})

	outcome, err := p.ProcessEvent(context.Background(), bossEvent())
	if err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}

	if len(outcome.RuleErrors) != 1 {
		t.Fatalf("rule errors = %d, want 1", len(outcome.RuleErrors))
	}
	if outcome.RuleErrors[0].RuleID != "rule-broken" {
		t.Errorf("rule error for %q, want rule-broken", outcome.RuleErrors[0].RuleID)
	}
	if len(outcome.AlertsCreated) != 1 {
		t.Errorf("healthy rule did not produce its alert: %+v", outcome)
	}
}

// TestProcessEvent_Validation verifies malformed events fail permanently.
func TestProcessEvent_Validation(t *testing.T) {
	p := New(Config{
		Rules:  &fakeRuleSource{},
		Alerts: newFakeAlertSink(),
	})

	tests := []struct {
		name string
		ev   *models.EmailEvent
	}{
		{"missing message_id", &models.EmailEvent{UserID: "user-1"}},
		{"missing user_id", &models.EmailEvent{MessageID: "msg-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.ProcessEvent(context.Background(), tt.ev)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if !IsPermanent(err) {
				t.Error("validation errors must be permanent")
			}
		})
	}
}

// TestProcessEvent_OwnershipViolation verifies a loaded rule owned by a
// different user aborts the invocation permanently.
func TestProcessEvent_OwnershipViolation(t *testing.T) {
	foreign := bossRule()
	foreign.Rule.UserID = "user-2"

	p := New(Config{
		Rules:  &fakeRuleSource{rules: []rules.LoadResult{foreign}},
		Alerts: newFakeAlertSink(),
	})

	_, err := p.ProcessEvent(context.Background(), bossEvent())
	var oerr *OwnershipError
	if !errors.As(err, &oerr) {
		t.Fatalf("err = %v, want OwnershipError", err)
	}
	if !IsPermanent(err) {
		t.Error("ownership violations must be permanent")
	}
}

// TestProcessEvent_StoreFailureRetryable verifies infrastructure failures
// surface as retryable StoreErrors.
func TestProcessEvent_StoreFailureRetryable(t *testing.T) {
	p := New(Config{
		Rules:  &fakeRuleSource{err: errors.New("connection refused")},
		Alerts: newFakeAlertSink(),
	})

	_, err := p.ProcessEvent(context.Background(), bossEvent())
	var serr *StoreError
	if !errors.As(err, &serr) {
		t.Fatalf("err = %v, want StoreError", err)
	}
	if IsPermanent(err) {
		t.Error("store failures must stay retryable")
	}

	failing := newFakeAlertSink()
	failing.err = errors.New("write timeout")
	p = New(Config{
		Rules:  &fakeRuleSource{rules: []rules.LoadResult{bossRule()}},
		Alerts: failing,
	})
	_, err = p.ProcessEvent(context.Background(), bossEvent())
	if !errors.As(err, &serr) || IsPermanent(err) {
		t.Errorf("alert write failure = %v, want retryable StoreError", err)
	}
}

// TestProcessEvent_DuplicateNotRenotified verifies only newly created
// alerts trigger notification dispatch.
func TestProcessEvent_DuplicateNotRenotified(t *testing.T) {
	sink := newFakeAlertSink()
	notifier := newFakeNotifier()
	p := New(Config{
		Rules:    &fakeRuleSource{rules: []rules.LoadResult{bossRule()}},
		Alerts:   sink,
		Notifier: notifier,
	})

	if _, err := p.ProcessEvent(context.Background(), bossEvent()); err != nil {
		t.Fatalf("first ProcessEvent: %v", err)
	}
	notifier.wait(t, 1)

	if _, err := p.ProcessEvent(context.Background(), bossEvent()); err != nil {
		t.Fatalf("second ProcessEvent: %v", err)
	}

	// Give a stray dispatch a moment to land before asserting.
	time.Sleep(50 * time.Millisecond)
	notifier.mu.Lock()
	n := len(notifier.alerts)
	notifier.mu.Unlock()
	if n != 1 {
		t.Errorf("notifications dispatched = %d, want 1", n)
	}
}
