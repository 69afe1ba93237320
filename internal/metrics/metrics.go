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

// Package metrics is the single source of truth for the service's
// Prometheus metrics. Import from here in pipeline and worker code.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EmailsProcessed counts events that completed a pipeline invocation.
	EmailsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matching_emails_processed_total",
		Help: "Total email events processed by the matching pipeline",
	})

	// AlertsCreated counts alerts newly inserted by the dedup guard.
	AlertsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matching_alerts_created_total",
		Help: "Total alerts created from rule matches",
	})

	// DuplicateAlertsSkipped counts drafts that lost to an existing alert.
	DuplicateAlertsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matching_duplicate_alerts_skipped_total",
		Help: "Total alert drafts skipped because the (rule, message) pair already had one",
	})

	// RuleErrors counts per-rule evaluation failures that were isolated.
	RuleErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matching_rule_errors_total",
		Help: "Total rule evaluations skipped due to per-rule failures",
	})

	// NotificationsSent counts dispatched notifications by channel.
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matching_notifications_sent_total",
		Help: "Total notifications sent by channel",
	}, []string{"channel"})

	// TasksConsumed counts queue tasks by name and terminal status.
	TasksConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matching_tasks_consumed_total",
		Help: "Total queue tasks consumed by task name and status",
	}, []string{"task", "status"})
)
