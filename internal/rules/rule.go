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

package rules

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bcem/matching/internal/models"
)

// Logic is the combination operator for a rule's conditions.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// ParseLogic validates a combination operator. The empty string defaults
// to AND, matching what older clients sent.
func ParseLogic(s string) (Logic, error) {
	switch Logic(s) {
	case LogicAnd, LogicOr:
		return Logic(s), nil
	case "":
		return LogicAnd, nil
	default:
		return "", fmt.Errorf("invalid logic %q", s)
	}
}

// ConditionSet is a rule's ordered conditions plus their combination logic.
// On the wire it is {"logic": "AND"|"OR", "conditions": [...]}.
type ConditionSet struct {
	Logic      Logic
	Conditions []Condition
}

// wireConditionSet mirrors the JSON structure stored in the rules table.
type wireConditionSet struct {
	Logic      string          `json:"logic"`
	Conditions []wireCondition `json:"conditions"`
}

// UnmarshalJSON decodes the loose client encoding into concrete condition
// types, rejecting unknown types and payloads that don't fit their tag.
func (cs *ConditionSet) UnmarshalJSON(data []byte) error {
	var w wireConditionSet
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	logic, err := ParseLogic(w.Logic)
	if err != nil {
		return err
	}

	conditions := make([]Condition, 0, len(w.Conditions))
	for i, wc := range w.Conditions {
		c, err := decodeCondition(wc)
		if err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
		conditions = append(conditions, c)
	}

	cs.Logic = logic
	cs.Conditions = conditions
	return nil
}

// MarshalJSON encodes back to the client-facing form.
func (cs ConditionSet) MarshalJSON() ([]byte, error) {
	w := wireConditionSet{
		Logic:      string(cs.Logic),
		Conditions: make([]wireCondition, 0, len(cs.Conditions)),
	}
	if w.Logic == "" {
		w.Logic = string(LogicAnd)
	}
	for _, c := range cs.Conditions {
		wc, err := encodeCondition(c)
		if err != nil {
			return nil, err
		}
		w.Conditions = append(w.Conditions, wc)
	}
	return json.Marshal(w)
}

// Rule is a user-owned named condition set, toggled active/inactive.
type Rule struct {
	ID         string
	UserID     string
	Name       string
	Conditions ConditionSet
	IsActive   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// LoadResult pairs a loaded rule with its decode error, so one rule with
// malformed stored conditions surfaces as a per-rule failure instead of
// aborting the whole batch.
type LoadResult struct {
	Rule Rule
	Err  error
}

// Combine evaluates the rule's conditions against the event in stored
// order. AND short-circuits on the first false, OR on the first true.
// matchedIndices lists the indices that evaluated true, in evaluation
// order, up to the short-circuit point.
//
// An empty condition list never matches. That violates the data-model
// invariant (every rule has at least one condition), so fail safe here
// rather than match everything.
func Combine(r *Rule, ev *models.EmailEvent) (matched bool, matchedIndices []int) {
	conditions := r.Conditions.Conditions
	if len(conditions) == 0 {
		return false, nil
	}

	switch r.Conditions.Logic {
	case LogicOr:
		for i, c := range conditions {
			if c.Match(ev) {
				return true, []int{i}
			}
		}
		return false, nil
	default: // AND
		for i, c := range conditions {
			if !c.Match(ev) {
				return false, matchedIndices
			}
			matchedIndices = append(matchedIndices, i)
		}
		return true, matchedIndices
	}
}
