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
	"errors"
	"fmt"
)

// ValidationError marks a malformed event payload. Permanent: the job
// system must drop the task, not retry it.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid event: " + e.Reason }

// Permanent marks the error as non-retryable for the job layer.
func (e *ValidationError) Permanent() bool { return true }

// ErrBadTask marks a queue task whose payload cannot be decoded into an
// event. Permanent for the same reason as any validation failure.
var ErrBadTask = &ValidationError{Reason: "undecodable task payload"}

// OwnershipError marks an event or loaded rule carrying an inconsistent
// user_id. Permanent, and logged as a security event by the pipeline.
type OwnershipError struct {
	EventUserID string
	RuleID      string
	RuleUserID  string
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("ownership violation: rule %s belongs to user %s, event belongs to user %s",
		e.RuleID, e.RuleUserID, e.EventUserID)
}

func (e *OwnershipError) Permanent() bool { return true }

// StoreError wraps a rule-load or alert-write infrastructure failure.
// Retryable: the job system re-drives the invocation with backoff, which
// is safe because every write is idempotent.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *StoreError) Unwrap() error { return e.Err }

// IsPermanent reports whether the error must not be retried.
func IsPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}
