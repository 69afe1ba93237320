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
	"testing"
	"time"

	"github.com/bcem/matching/internal/models"
)

// eventAt builds a minimal event received at the given UTC instant.
func eventAt(t time.Time) *models.EmailEvent {
	return &models.EmailEvent{
		MessageID:  "msg-1",
		UserID:     "user-1",
		ReceivedAt: t,
	}
}

// TestFromContains verifies case-insensitive substring matching on the sender.
func TestFromContains(t *testing.T) {
	tests := []struct {
		name      string
		substring string
		from      string
		want      bool
	}{
		{"exact", "boss@company.com", "boss@company.com", true},
		{"case insensitive", "BOSS@Company.COM", "boss@company.com", true},
		{"partial", "company.com", "boss@company.com", true},
		{"no match", "boss@company.com", "friend@example.com", false},
		{"empty from", "boss@company.com", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := FromContains{Substring: tt.substring}
			ev := &models.EmailEvent{FromAddr: tt.from}
			if got := c.Match(ev); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestSubjectContains verifies case-insensitive substring matching on the subject.
func TestSubjectContains(t *testing.T) {
	c := SubjectContains{Substring: "urgent"}

	if !c.Match(&models.EmailEvent{Subject: "URGENT: review needed"}) {
		t.Error("expected match on uppercase subject")
	}
	if c.Match(&models.EmailEvent{Subject: "weekly digest"}) {
		t.Error("unexpected match")
	}
	if c.Match(&models.EmailEvent{}) {
		t.Error("empty subject should not match")
	}
}

// TestHasAttachment verifies exact boolean equality.
func TestHasAttachment(t *testing.T) {
	withAttachment := &models.EmailEvent{HasAttachment: true}
	without := &models.EmailEvent{HasAttachment: false}

	if !(HasAttachment{Want: true}).Match(withAttachment) {
		t.Error("want=true should match event with attachment")
	}
	if (HasAttachment{Want: true}).Match(without) {
		t.Error("want=true should not match event without attachment")
	}
	if !(HasAttachment{Want: false}).Match(without) {
		t.Error("want=false should match event without attachment")
	}
	if (HasAttachment{Want: false}).Match(withAttachment) {
		t.Error("want=false should not match event with attachment")
	}
}

// TestHasLabel verifies exact membership in the label set.
func TestHasLabel(t *testing.T) {
	ev := &models.EmailEvent{LabelIDs: []string{"INBOX", "IMPORTANT"}}

	if !(HasLabel{Label: "IMPORTANT"}).Match(ev) {
		t.Error("expected exact label match")
	}
	if (HasLabel{Label: "important"}).Match(ev) {
		t.Error("label matching must be exact, not case-insensitive")
	}
	if (HasLabel{Label: "IMPORTANT"}).Match(&models.EmailEvent{}) {
		t.Error("event without labels should not match")
	}
}

// TestBodyKeywords verifies any-keyword matching over snippet + body text.
func TestBodyKeywords(t *testing.T) {
	c := BodyKeywords{Keywords: []string{"invoice", "overdue"}}

	if !c.Match(&models.EmailEvent{Snippet: "Your INVOICE is ready"}) {
		t.Error("expected case-insensitive match on snippet")
	}
	if c.Match(&models.EmailEvent{Snippet: "Let's grab lunch"}) {
		t.Error("unexpected match")
	}
	if !c.Match(&models.EmailEvent{Snippet: "hi", BodyText: "payment is OVERDUE"}) {
		t.Error("expected match on body text")
	}
	if c.Match(&models.EmailEvent{}) {
		t.Error("event without snippet or body should not match")
	}
}

// TestTimeWindow_Daytime verifies a non-wrapping window is half-open.
func TestTimeWindow_Daytime(t *testing.T) {
	c := TimeWindow{
		Start:    ClockTime{Hour: 8},
		End:      ClockTime{Hour: 17},
		Timezone: "UTC",
	}

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"inside", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), true},
		{"just before start", time.Date(2026, 3, 2, 7, 59, 0, 0, time.UTC), false},
		{"at start", time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC), true},
		{"at end is excluded", time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC), false},
		{"just before end", time.Date(2026, 3, 2, 16, 59, 59, 0, time.UTC), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Match(eventAt(tt.at)); got != tt.want {
				t.Errorf("Match(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

// TestTimeWindow_WrapsMidnight verifies overnight windows (end before start).
func TestTimeWindow_WrapsMidnight(t *testing.T) {
	c := TimeWindow{
		Start:    ClockTime{Hour: 22},
		End:      ClockTime{Hour: 6},
		Timezone: "UTC",
	}

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"late evening", time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC), true},
		{"early morning", time.Date(2026, 3, 2, 5, 30, 0, 0, time.UTC), true},
		{"midday", time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC), false},
		{"at start", time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC), true},
		{"at end is excluded", time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Match(eventAt(tt.at)); got != tt.want {
				t.Errorf("Match(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

// TestTimeWindow_Timezone verifies the receipt instant is localised before
// the interval check.
func TestTimeWindow_Timezone(t *testing.T) {
	c := TimeWindow{
		Start:    ClockTime{Hour: 9},
		End:      ClockTime{Hour: 17},
		Timezone: "Europe/Amsterdam",
	}

	// 08:30 UTC in winter is 09:30 in Amsterdam (CET, +1)
	if !c.Match(eventAt(time.Date(2026, 1, 15, 8, 30, 0, 0, time.UTC))) {
		t.Error("expected 08:30 UTC to fall inside the Amsterdam window")
	}
	// 08:30 UTC would be outside a UTC 09:00-17:00 window
	utc := TimeWindow{Start: ClockTime{Hour: 9}, End: ClockTime{Hour: 17}, Timezone: "UTC"}
	if utc.Match(eventAt(time.Date(2026, 1, 15, 8, 30, 0, 0, time.UTC))) {
		t.Error("expected 08:30 UTC to fall outside the UTC window")
	}
}

// TestTimeWindow_InvalidTimezone verifies an unresolvable timezone fails the
// single condition without panicking.
func TestTimeWindow_InvalidTimezone(t *testing.T) {
	c := TimeWindow{
		Start:    ClockTime{Hour: 8},
		End:      ClockTime{Hour: 17},
		Timezone: "Mars/Olympus_Mons",
	}
	if c.Match(eventAt(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))) {
		t.Error("invalid timezone must evaluate to false")
	}
}

// TestTimeWindow_ZeroReceivedAt verifies events without a receipt instant
// never match a time window.
func TestTimeWindow_ZeroReceivedAt(t *testing.T) {
	c := TimeWindow{Start: ClockTime{}, End: ClockTime{Hour: 23, Minute: 59}, Timezone: "UTC"}
	if c.Match(&models.EmailEvent{}) {
		t.Error("zero ReceivedAt must evaluate to false")
	}
}

// TestParseClockTime verifies time-of-day parsing and bounds.
func TestParseClockTime(t *testing.T) {
	tests := []struct {
		in      string
		want    ClockTime
		wantErr bool
	}{
		{in: "08:00", want: ClockTime{Hour: 8}},
		{in: "23:59", want: ClockTime{Hour: 23, Minute: 59}},
		{in: "09:30:15", want: ClockTime{Hour: 9, Minute: 30}},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "noon", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseClockTime(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseClockTime(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// TestConditionSet_Decode verifies the wire codec produces concrete types.
func TestConditionSet_Decode(t *testing.T) {
	raw := `{
		"logic": "OR",
		"conditions": [
			{"type": "from_contains", "value": "boss@company.com"},
			{"type": "subject_contains", "value": "urgent"},
			{"type": "has_attachment", "value": true},
			{"type": "label", "value": "IMPORTANT"},
			{"type": "body_keywords", "value": ["deadline", "asap"]},
			{"type": "time_window", "value": {"start": "09:00", "end": "17:00", "timezone": "Europe/Amsterdam"}}
		]
	}`

	var cs ConditionSet
	if err := json.Unmarshal([]byte(raw), &cs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if cs.Logic != LogicOr {
		t.Errorf("logic = %q, want OR", cs.Logic)
	}
	if len(cs.Conditions) != 6 {
		t.Fatalf("decoded %d conditions, want 6", len(cs.Conditions))
	}

	wantKinds := []Kind{
		KindFromContains, KindSubjectContains, KindHasAttachment,
		KindLabel, KindBodyKeywords, KindTimeWindow,
	}
	for i, k := range wantKinds {
		if cs.Conditions[i].Kind() != k {
			t.Errorf("condition %d kind = %q, want %q", i, cs.Conditions[i].Kind(), k)
		}
	}

	tw, ok := cs.Conditions[5].(TimeWindow)
	if !ok {
		t.Fatalf("condition 5 is %T, want TimeWindow", cs.Conditions[5])
	}
	if tw.Start != (ClockTime{Hour: 9}) || tw.End != (ClockTime{Hour: 17}) {
		t.Errorf("time window = %v-%v, want 09:00-17:00", tw.Start, tw.End)
	}
	if tw.Timezone != "Europe/Amsterdam" {
		t.Errorf("timezone = %q", tw.Timezone)
	}
}

// TestConditionSet_DecodeDefaults verifies missing logic defaults to AND and
// a missing time_window timezone defaults to UTC.
func TestConditionSet_DecodeDefaults(t *testing.T) {
	raw := `{"conditions": [{"type": "time_window", "value": {"start": "08:00", "end": "12:00"}}]}`

	var cs ConditionSet
	if err := json.Unmarshal([]byte(raw), &cs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cs.Logic != LogicAnd {
		t.Errorf("logic = %q, want AND default", cs.Logic)
	}
	if tw := cs.Conditions[0].(TimeWindow); tw.Timezone != "UTC" {
		t.Errorf("timezone = %q, want UTC default", tw.Timezone)
	}
}

// TestConditionSet_DecodeRejects verifies payloads that don't fit their type
// tag fail at decode time.
func TestConditionSet_DecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"unknown type", `{"conditions": [{"type": "regex", "value": ".*"}]}`},
		{"bool for from_contains", `{"conditions": [{"type": "from_contains", "value": true}]}`},
		{"string for has_attachment", `{"conditions": [{"type": "has_attachment", "value": "yes"}]}`},
		{"string for body_keywords", `{"conditions": [{"type": "body_keywords", "value": "invoice"}]}`},
		{"empty keyword list", `{"conditions": [{"type": "body_keywords", "value": []}]}`},
		{"empty substring", `{"conditions": [{"type": "subject_contains", "value": ""}]}`},
		{"bad time window", `{"conditions": [{"type": "time_window", "value": {"start": "25:00", "end": "06:00"}}]}`},
		{"bad logic", `{"logic": "XOR", "conditions": [{"type": "label", "value": "INBOX"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cs ConditionSet
			if err := json.Unmarshal([]byte(tt.raw), &cs); err == nil {
				t.Errorf("expected decode error for %s", tt.raw)
			}
		})
	}
}

// TestConditionSet_RoundTrip verifies encode(decode(x)) preserves the wire form.
func TestConditionSet_RoundTrip(t *testing.T) {
	cs := ConditionSet{
		Logic: LogicAnd,
		Conditions: []Condition{
			FromContains{Substring: "boss@company.com"},
			TimeWindow{Start: ClockTime{Hour: 22}, End: ClockTime{Hour: 6}, Timezone: "America/New_York"},
		},
	}

	data, err := json.Marshal(cs)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded ConditionSet
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded.Logic != LogicAnd {
		t.Errorf("logic = %q", decoded.Logic)
	}
	if len(decoded.Conditions) != 2 {
		t.Fatalf("decoded %d conditions, want 2", len(decoded.Conditions))
	}
	if fc := decoded.Conditions[0].(FromContains); fc.Substring != "boss@company.com" {
		t.Errorf("substring = %q", fc.Substring)
	}
	if tw := decoded.Conditions[1].(TimeWindow); tw.Start.Hour != 22 || tw.End.Hour != 6 {
		t.Errorf("window = %v-%v, want 22:00-06:00", tw.Start, tw.End)
	}
}
