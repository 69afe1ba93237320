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
	"encoding/json"
	"fmt"
	"io"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bcem/matching/internal/models"
)

// gmailMessage represents the relevant fields from a users.messages.get
// response with format=full.
type gmailMessage struct {
	ID           string    `json:"id"`
	ThreadID     string    `json:"threadId"`
	LabelIDs     []string  `json:"labelIds"`
	Snippet      string    `json:"snippet"`
	InternalDate string    `json:"internalDate"`
	Payload      gmailPart `json:"payload"`
}

// gmailPart is one node of the MIME tree.
type gmailPart struct {
	MimeType string `json:"mimeType"`
	Filename string `json:"filename"`
	Headers  []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"headers"`
	Body struct {
		Size int    `json:"size"`
		Data string `json:"data"`
	} `json:"body"`
	Parts []gmailPart `json:"parts"`
}

// parseMessage converts a Gmail API message response into an EmailEvent.
func parseMessage(body io.Reader, userID string) (*models.EmailEvent, error) {
	var msg gmailMessage
	if err := json.NewDecoder(body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("decode gmail message: %w", err)
	}

	event := &models.EmailEvent{
		MessageID:     msg.ID,
		ThreadID:      msg.ThreadID,
		UserID:        userID,
		Snippet:       msg.Snippet,
		LabelIDs:      msg.LabelIDs,
		FromAddr:      fromAddress(header(&msg.Payload, "From")),
		Subject:       header(&msg.Payload, "Subject"),
		HasAttachment: hasAttachment(&msg.Payload),
		ReceivedAt:    internalDate(msg.InternalDate),
	}

	text, html := extractBodies(&msg.Payload)
	if text != "" {
		event.BodyText = text
	} else if html != "" {
		event.BodyText = stripTags(html)
	}

	return event, nil
}

// header returns a header value from the top-level payload, matching
// case-insensitively.
func header(p *gmailPart, name string) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// fromAddress extracts the bare address from a From header like
// `"The Boss" <boss@example.com>`. Falls back to the raw value when it
// does not parse as an address.
func fromAddress(raw string) string {
	if raw == "" {
		return ""
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return raw
	}
	return addr.Address
}

// hasAttachment walks the MIME tree looking for a part with a filename.
func hasAttachment(p *gmailPart) bool {
	if p.Filename != "" {
		return true
	}
	for i := range p.Parts {
		if hasAttachment(&p.Parts[i]) {
			return true
		}
	}
	return false
}

// extractBodies walks the MIME tree collecting the first text/plain and
// text/html bodies found.
func extractBodies(p *gmailPart) (text, html string) {
	if p.Body.Data != "" {
		decoded := decodeBody(p.Body.Data)
		switch {
		case strings.HasPrefix(p.MimeType, "text/plain") && text == "":
			text = decoded
		case strings.HasPrefix(p.MimeType, "text/html") && html == "":
			html = decoded
		}
	}
	for i := range p.Parts {
		t, h := extractBodies(&p.Parts[i])
		if text == "" {
			text = t
		}
		if html == "" {
			html = h
		}
	}
	return text, html
}

// decodeBody decodes the base64url body data Gmail sends. Padding is
// optional on the wire, so try both alphabets.
func decodeBody(data string) string {
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	if b, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	return ""
}

var tagRe = regexp.MustCompile(`<[^>]*>`)

// stripTags produces a crude plain-text rendering of an HTML body, good
// enough for keyword matching.
func stripTags(html string) string {
	text := tagRe.ReplaceAllString(html, " ")
	text = strings.ReplaceAll(text, "&nbsp;", " ")
	text = strings.ReplaceAll(text, "&amp;", "&")
	text = strings.ReplaceAll(text, "&lt;", "<")
	text = strings.ReplaceAll(text, "&gt;", ">")
	return strings.Join(strings.Fields(text), " ")
}

// internalDate converts Gmail's millisecond epoch string to UTC time.
// Returns the zero time when absent or malformed.
func internalDate(ms string) time.Time {
	if ms == "" {
		return time.Time{}
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}
