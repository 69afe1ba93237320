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

package gmail

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

const testUserID = "4c2a9e1e-6a33-4d2c-9a8e-0f4b8a6d2e71"

func b64(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

// TestParseMessage_Multipart verifies parsing of a typical multipart
// message: headers, plain-text body, labels and received time.
func TestParseMessage_Multipart(t *testing.T) {
	raw := `{
		"id": "19a4f2",
		"threadId": "19a4f0",
		"labelIds": ["INBOX", "IMPORTANT"],
		"snippet": "Quarterly numbers attached",
		"internalDate": "1761900300000",
		"payload": {
			"mimeType": "multipart/mixed",
			"headers": [
				{"name": "from", "value": "\"The Boss\" <boss@example.com>"},
				{"name": "Subject", "value": "urgent: payroll"}
			],
			"parts": [
				{
					"mimeType": "text/plain",
					"body": {"size": 21, "data": "` + b64("Quarterly numbers attached.") + `"}
				},
				{
					"mimeType": "text/html",
					"body": {"size": 30, "data": "` + b64("<p>Quarterly numbers attached.</p>") + `"}
				},
				{
					"mimeType": "application/pdf",
					"filename": "q3.pdf",
					"body": {"size": 1024}
				}
			]
		}
	}`

	ev, err := parseMessage(strings.NewReader(raw), testUserID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ev.MessageID != "19a4f2" || ev.ThreadID != "19a4f0" {
		t.Errorf("ids = %q / %q", ev.MessageID, ev.ThreadID)
	}
	if ev.UserID != testUserID {
		t.Errorf("user_id = %q", ev.UserID)
	}
	if ev.FromAddr != "boss@example.com" {
		t.Errorf("from = %q, want bare address", ev.FromAddr)
	}
	if ev.Subject != "urgent: payroll" {
		t.Errorf("subject = %q", ev.Subject)
	}
	if ev.BodyText != "Quarterly numbers attached." {
		t.Errorf("body = %q, want the text/plain part", ev.BodyText)
	}
	if !ev.HasAttachment {
		t.Error("expected attachment to be detected")
	}
	if !ev.HasLabel("IMPORTANT") {
		t.Errorf("labels = %v", ev.LabelIDs)
	}

	want := time.Date(2025, 10, 31, 8, 45, 0, 0, time.UTC)
	if !ev.ReceivedAt.Equal(want) {
		t.Errorf("received_at = %v, want %v", ev.ReceivedAt, want)
	}
}

// TestParseMessage_HTMLFallback verifies that an HTML-only message gets a
// tag-stripped body.
func TestParseMessage_HTMLFallback(t *testing.T) {
	raw := `{
		"id": "m1",
		"payload": {
			"mimeType": "text/html",
			"headers": [{"name": "From", "value": "news@example.com"}],
			"body": {"size": 40, "data": "` + b64("<div><b>Sale</b> ends &amp; prices rise</div>") + `"}
		}
	}`

	ev, err := parseMessage(strings.NewReader(raw), testUserID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.BodyText != "Sale ends & prices rise" {
		t.Errorf("body = %q", ev.BodyText)
	}
	if ev.HasAttachment {
		t.Error("no attachment expected")
	}
}

func TestParseMessage_BadJSON(t *testing.T) {
	if _, err := parseMessage(strings.NewReader("{"), testUserID); err == nil {
		t.Error("expected error for truncated JSON")
	}
}

func TestFromAddress(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`"The Boss" <boss@example.com>`, "boss@example.com"},
		{"boss@example.com", "boss@example.com"},
		{"not an address", "not an address"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := fromAddress(tt.raw); got != tt.want {
			t.Errorf("fromAddress(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestDecodeBody_RawPadding(t *testing.T) {
	// Gmail omits padding; both alphabets must decode.
	padded := base64.URLEncoding.EncodeToString([]byte("hello"))
	raw := base64.RawURLEncoding.EncodeToString([]byte("hello"))

	if got := decodeBody(padded); got != "hello" {
		t.Errorf("padded decode = %q", got)
	}
	if got := decodeBody(raw); got != "hello" {
		t.Errorf("raw decode = %q", got)
	}
	if got := decodeBody("!!!"); got != "" {
		t.Errorf("invalid decode = %q, want empty", got)
	}
}

func TestInternalDate(t *testing.T) {
	if got := internalDate(""); !got.IsZero() {
		t.Errorf("empty = %v, want zero", got)
	}
	if got := internalDate("not-a-number"); !got.IsZero() {
		t.Errorf("garbage = %v, want zero", got)
	}

	got := internalDate("1761900300000")
	want := time.Date(2025, 10, 31, 8, 45, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestHasAttachment_Nested(t *testing.T) {
	p := gmailPart{
		MimeType: "multipart/mixed",
		Parts: []gmailPart{
			{MimeType: "multipart/alternative", Parts: []gmailPart{
				{MimeType: "text/plain"},
			}},
			{MimeType: "image/png", Filename: "chart.png"},
		},
	}
	if !hasAttachment(&p) {
		t.Error("nested attachment not detected")
	}
}
