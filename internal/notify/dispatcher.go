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

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bcem/matching/internal/metrics"
	"github.com/bcem/matching/internal/models"
	"github.com/bcem/matching/internal/store"
)

// TargetStore is the registered-channel state the dispatcher reads.
// Implemented by store.NotifyTargetStore.
type TargetStore interface {
	ListDevices(ctx context.Context, userID string) ([]store.DeviceToken, error)
	TouchDevice(ctx context.Context, id int64) error
	DeleteDevice(ctx context.Context, id int64) error
	GetSlackConfig(ctx context.Context, userID string) (*store.SlackConfig, error)
}

// Pusher sends one push notification. Implemented by FCMClient.
type Pusher interface {
	Push(ctx context.Context, token, title, body string, data map[string]string) error
}

// WebhookPoster posts one Slack message. Implemented by SlackClient.
type WebhookPoster interface {
	Post(ctx context.Context, webhookURL, text string) error
}

// Dispatcher fans a new alert out to every channel the owning user has
// registered. It satisfies the pipeline's Notifier interface; failures
// are logged and never propagate.
type Dispatcher struct {
	targets TargetStore
	push    Pusher
	slack   WebhookPoster
}

// NewDispatcher creates a dispatcher. Push and slack may be nil to
// disable the channel.
func NewDispatcher(targets TargetStore, push Pusher, slack WebhookPoster) *Dispatcher {
	return &Dispatcher{
		targets: targets,
		push:    push,
		slack:   slack,
	}
}

// AlertCreated delivers the notification for one newly created alert.
func (d *Dispatcher) AlertCreated(ctx context.Context, alert models.Alert) {
	title := alert.RuleName
	body := fmt.Sprintf("%s: %s", alert.FromAddr, alert.Subject)

	if d.push != nil {
		d.pushAll(ctx, alert, title, body)
	}
	if d.slack != nil {
		d.postSlack(ctx, alert, title, body)
	}
}

func (d *Dispatcher) pushAll(ctx context.Context, alert models.Alert, title, body string) {
	devices, err := d.targets.ListDevices(ctx, alert.UserID)
	if err != nil {
		slog.Error("failed to list devices for alert",
			"alert_id", alert.ID,
			"user_id", alert.UserID,
			"error", err,
		)
		return
	}

	data := map[string]string{
		"alert_id":   alert.ID,
		"rule_id":    alert.RuleID,
		"message_id": alert.MessageID,
	}

	for _, dev := range devices {
		err := d.push.Push(ctx, dev.Token, title, body, data)
		switch {
		case err == nil:
			metrics.NotificationsSent.WithLabelValues("push").Inc()
			if err := d.targets.TouchDevice(ctx, dev.ID); err != nil {
				slog.Warn("failed to touch device token", "device_id", dev.ID, "error", err)
			}
		case errors.Is(err, ErrUnregistered):
			slog.Info("removing unregistered device token",
				"device_id", dev.ID,
				"user_id", alert.UserID,
			)
			if err := d.targets.DeleteDevice(ctx, dev.ID); err != nil {
				slog.Warn("failed to delete device token", "device_id", dev.ID, "error", err)
			}
		default:
			slog.Error("push notification failed",
				"alert_id", alert.ID,
				"device_id", dev.ID,
				"error", err,
			)
		}
	}
}

func (d *Dispatcher) postSlack(ctx context.Context, alert models.Alert, title, body string) {
	cfg, err := d.targets.GetSlackConfig(ctx, alert.UserID)
	if err != nil {
		slog.Error("failed to load slack config",
			"alert_id", alert.ID,
			"user_id", alert.UserID,
			"error", err,
		)
		return
	}
	if cfg == nil || !cfg.IsEnabled {
		return
	}

	text := fmt.Sprintf(":envelope: *%s*\n%s", title, body)
	if err := d.slack.Post(ctx, cfg.WebhookURL, text); err != nil {
		slog.Error("slack notification failed",
			"alert_id", alert.ID,
			"user_id", alert.UserID,
			"error", err,
		)
		return
	}
	metrics.NotificationsSent.WithLabelValues("slack").Inc()
}
