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

// Package models defines the data structures shared across the matching service.
package models

import "time"

// EmailEvent is the transient metadata snapshot of one inbound email.
//
// This struct's JSON serialisation is the wire contract with the ingestion
// side of the queue. Events are consumed exactly once per pipeline invocation
// and discarded afterwards; BodyText in particular travels on the queue but
// is never written to any table.
type EmailEvent struct {
	MessageID     string    `json:"message_id"`
	ThreadID      string    `json:"thread_id,omitempty"`
	UserID        string    `json:"user_id"`
	FromAddr      string    `json:"from_addr"`
	Subject       string    `json:"subject"`
	Snippet       string    `json:"snippet"`
	BodyText      string    `json:"body_text,omitempty"`
	LabelIDs      []string  `json:"label_ids,omitempty"`
	HasAttachment bool      `json:"has_attachment"`
	ReceivedAt    time.Time `json:"received_at"`
}

// HasLabel reports whether the event carries the exact label.
func (e *EmailEvent) HasLabel(label string) bool {
	for _, l := range e.LabelIDs {
		if l == label {
			return true
		}
	}
	return false
}

// AlertDraft is a candidate alert built by the pipeline for a rule match.
// The display fields are copied from the event so the stored alert stays
// self-contained after the message or the rule is gone.
type AlertDraft struct {
	ID        string
	UserID    string
	MessageID string
	RuleID    string
	RuleName  string
	Subject   string
	FromAddr  string
	Snippet   string
}

// Alert is a persisted record that a specific rule matched a specific
// message. At most one exists per (rule_id, message_id) pair.
type Alert struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	MessageID string    `json:"message_id"`
	RuleID    string    `json:"rule_id,omitempty"`
	RuleName  string    `json:"rule_name"`
	Subject   string    `json:"subject"`
	FromAddr  string    `json:"from_addr"`
	Snippet   string    `json:"snippet"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// RuleError describes a failure isolated to a single rule's evaluation.
type RuleError struct {
	RuleID string `json:"rule_id"`
	Reason string `json:"reason"`
}

// MatchingOutcome summarises one pipeline invocation for the job system.
type MatchingOutcome struct {
	AlertsCreated          []string    `json:"alerts_created"`
	AlertsSkippedDuplicate []string    `json:"alerts_skipped_duplicate"`
	RuleErrors             []RuleError `json:"rule_errors"`
}
