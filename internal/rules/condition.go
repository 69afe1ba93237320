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

// Package rules implements user-defined email matching rules: the condition
// vocabulary, the JSON codec for the client-facing condition encoding, and
// the evaluation of rules against email events.
//
// Clients encode a condition as {"type": ..., "value": ...} where the shape
// of value depends on the type. That loose form is decoded here into one
// concrete Go type per condition kind, so a payload that doesn't fit its
// type tag is rejected at decode time instead of surfacing as a runtime
// type inspection failure during matching.
package rules

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bcem/matching/internal/models"
)

// Kind identifies a condition type.
type Kind string

const (
	KindFromContains    Kind = "from_contains"
	KindSubjectContains Kind = "subject_contains"
	KindHasAttachment   Kind = "has_attachment"
	KindLabel           Kind = "label"
	KindBodyKeywords    Kind = "body_keywords"
	KindTimeWindow      Kind = "time_window"
)

// Condition is one atomic predicate evaluated against an email event.
//
// Match is pure and never fails: a condition whose required email field is
// absent evaluates to false, and an unresolvable timezone logs a warning
// and evaluates to false rather than aborting the rule.
type Condition interface {
	Kind() Kind
	Match(ev *models.EmailEvent) bool
}

// FromContains matches when the sender address contains the substring,
// case-insensitively.
type FromContains struct {
	Substring string
}

func (c FromContains) Kind() Kind { return KindFromContains }

func (c FromContains) Match(ev *models.EmailEvent) bool {
	if ev.FromAddr == "" {
		return false
	}
	return strings.Contains(strings.ToLower(ev.FromAddr), strings.ToLower(c.Substring))
}

// SubjectContains matches when the subject contains the substring,
// case-insensitively.
type SubjectContains struct {
	Substring string
}

func (c SubjectContains) Kind() Kind { return KindSubjectContains }

func (c SubjectContains) Match(ev *models.EmailEvent) bool {
	if ev.Subject == "" {
		return false
	}
	return strings.Contains(strings.ToLower(ev.Subject), strings.ToLower(c.Substring))
}

// HasAttachment matches when the event's attachment flag equals Want.
type HasAttachment struct {
	Want bool
}

func (c HasAttachment) Kind() Kind { return KindHasAttachment }

func (c HasAttachment) Match(ev *models.EmailEvent) bool {
	return ev.HasAttachment == c.Want
}

// HasLabel matches when the event's label set contains the exact label.
type HasLabel struct {
	Label string
}

func (c HasLabel) Kind() Kind { return KindLabel }

func (c HasLabel) Match(ev *models.EmailEvent) bool {
	return ev.HasLabel(c.Label)
}

// BodyKeywords matches when any keyword appears, case-insensitively, in the
// concatenation of snippet and body text.
type BodyKeywords struct {
	Keywords []string
}

func (c BodyKeywords) Kind() Kind { return KindBodyKeywords }

func (c BodyKeywords) Match(ev *models.EmailEvent) bool {
	text := ev.Snippet
	if ev.BodyText != "" {
		text += "\n" + ev.BodyText
	}
	if text == "" {
		return false
	}
	text = strings.ToLower(text)
	for _, kw := range c.Keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// TimeWindow matches when the event's receipt instant, converted to the
// window's timezone, falls in the half-open interval [Start, End).
//
// End numerically before Start means the window wraps past midnight
// (22:00-06:00 covers late evening and early morning). Start equal to End
// is an empty window and never matches. Minute resolution: the event's
// seconds are truncated, so 07:59:59 is still outside an 08:00 start.
type TimeWindow struct {
	Start    ClockTime
	End      ClockTime
	Timezone string
}

func (c TimeWindow) Kind() Kind { return KindTimeWindow }

func (c TimeWindow) Match(ev *models.EmailEvent) bool {
	if ev.ReceivedAt.IsZero() {
		return false
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		slog.Warn("time_window condition has unresolvable timezone",
			"timezone", c.Timezone,
			"error", err,
		)
		return false
	}
	local := ev.ReceivedAt.In(loc)
	m := local.Hour()*60 + local.Minute()
	start, end := c.Start.Minutes(), c.End.Minutes()
	if start <= end {
		return m >= start && m < end
	}
	// Wraps midnight
	return m >= start || m < end
}

// ClockTime is a local time of day with minute resolution.
type ClockTime struct {
	Hour   int
	Minute int
}

// Minutes returns the time of day as minutes since midnight.
func (t ClockTime) Minutes() int { return t.Hour*60 + t.Minute }

func (t ClockTime) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// ParseClockTime parses "HH:MM" (seconds, if present, are ignored).
func ParseClockTime(s string) (ClockTime, error) {
	var h, m int
	var sec int
	if _, err := fmt.Sscanf(s, "%d:%d:%d", &h, &m, &sec); err != nil {
		if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
			return ClockTime{}, fmt.Errorf("invalid time of day %q", s)
		}
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return ClockTime{}, fmt.Errorf("time of day %q out of range", s)
	}
	return ClockTime{Hour: h, Minute: m}, nil
}

// wireCondition is the client-facing encoding of one condition.
type wireCondition struct {
	Type  Kind            `json:"type"`
	Value json.RawMessage `json:"value"`
}

// timeWindowValue mirrors the time_window payload on the wire.
type timeWindowValue struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Timezone string `json:"timezone"`
}

// decodeCondition converts one wire condition into its concrete type.
func decodeCondition(w wireCondition) (Condition, error) {
	switch w.Type {
	case KindFromContains, KindSubjectContains:
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return nil, fmt.Errorf("%s: value must be a string: %w", w.Type, err)
		}
		if s == "" {
			return nil, fmt.Errorf("%s: value must not be empty", w.Type)
		}
		if w.Type == KindFromContains {
			return FromContains{Substring: s}, nil
		}
		return SubjectContains{Substring: s}, nil

	case KindHasAttachment:
		var b bool
		if err := json.Unmarshal(w.Value, &b); err != nil {
			return nil, fmt.Errorf("has_attachment: value must be a boolean: %w", err)
		}
		return HasAttachment{Want: b}, nil

	case KindLabel:
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return nil, fmt.Errorf("label: value must be a string: %w", err)
		}
		if s == "" {
			return nil, fmt.Errorf("label: value must not be empty")
		}
		return HasLabel{Label: s}, nil

	case KindBodyKeywords:
		var kws []string
		if err := json.Unmarshal(w.Value, &kws); err != nil {
			return nil, fmt.Errorf("body_keywords: value must be a string array: %w", err)
		}
		if len(kws) == 0 {
			return nil, fmt.Errorf("body_keywords: value must not be empty")
		}
		return BodyKeywords{Keywords: kws}, nil

	case KindTimeWindow:
		var v timeWindowValue
		if err := json.Unmarshal(w.Value, &v); err != nil {
			return nil, fmt.Errorf("time_window: value must be an object: %w", err)
		}
		start, err := ParseClockTime(v.Start)
		if err != nil {
			return nil, fmt.Errorf("time_window start: %w", err)
		}
		end, err := ParseClockTime(v.End)
		if err != nil {
			return nil, fmt.Errorf("time_window end: %w", err)
		}
		tz := v.Timezone
		if tz == "" {
			tz = "UTC"
		}
		return TimeWindow{Start: start, End: end, Timezone: tz}, nil

	default:
		return nil, fmt.Errorf("unknown condition type %q", w.Type)
	}
}

// encodeCondition converts a concrete condition back to the wire form.
func encodeCondition(c Condition) (wireCondition, error) {
	var value any
	switch cc := c.(type) {
	case FromContains:
		value = cc.Substring
	case SubjectContains:
		value = cc.Substring
	case HasAttachment:
		value = cc.Want
	case HasLabel:
		value = cc.Label
	case BodyKeywords:
		value = cc.Keywords
	case TimeWindow:
		value = timeWindowValue{
			Start:    cc.Start.String(),
			End:      cc.End.String(),
			Timezone: cc.Timezone,
		}
	default:
		return wireCondition{}, fmt.Errorf("unknown condition %T", c)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return wireCondition{}, err
	}
	return wireCondition{Type: c.Kind(), Value: raw}, nil
}
