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

// Package queue implements the Redis task queue the matching service runs
// on: a publisher producing Celery-compatible task messages, and a
// consumer worker pool that dispatches them to registered handlers with
// scheduled retry on transient failure. The envelope format matches the
// ingestion side, so either service can feed the other's queue.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/matching/internal/models"
)

// Task names dispatched through the matching queue.
const (
	TaskMatchEmail  = "matching.tasks.match_email"
	TaskSyncHistory = "matching.tasks.sync_history"
)

// Task represents a Celery-compatible task message.
type Task struct {
	ID      string         `json:"id"`
	Task    string         `json:"task"`
	Args    []any          `json:"args"`
	Kwargs  map[string]any `json:"kwargs"`
	Retries int            `json:"retries"`
	ETA     *string        `json:"eta"`
}

// envelope wraps a task for Redis transport.
type envelope struct {
	Body            string         `json:"body"`
	ContentEncoding string         `json:"content-encoding"`
	ContentType     string         `json:"content-type"`
	Headers         map[string]any `json:"headers"`
	Properties      map[string]any `json:"properties"`
}

// EmailEvent decodes the event payload of a match_email task. The event
// travels as a JSON string in args[0], mirroring how the ingestion side
// publishes it.
func (t *Task) EmailEvent() (*models.EmailEvent, error) {
	if len(t.Args) == 0 {
		return nil, fmt.Errorf("task %s has no args", t.ID)
	}
	raw, ok := t.Args[0].(string)
	if !ok {
		return nil, fmt.Errorf("task %s: args[0] is %T, want string", t.ID, t.Args[0])
	}
	var ev models.EmailEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, fmt.Errorf("decode email event: %w", err)
	}
	return &ev, nil
}

// StringKwarg returns a string kwarg by name, or "".
func (t *Task) StringKwarg(name string) string {
	v, _ := t.Kwargs[name].(string)
	return v
}

// Publisher sends tasks to the matching queue in Celery task format.
type Publisher struct {
	rdb       *redis.Client
	queueName string
}

// NewPublisher creates a Redis publisher targeting the specified queue.
func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

// PublishMatchEmail enqueues one matching pipeline invocation for the event.
func (p *Publisher) PublishMatchEmail(ctx context.Context, ev *models.EmailEvent) error {
	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal email event: %w", err)
	}

	task := Task{
		ID:     uuid.New().String(),
		Task:   TaskMatchEmail,
		Args:   []any{string(eventJSON)},
		Kwargs: map[string]any{},
	}

	if err := p.publish(ctx, &task); err != nil {
		return err
	}

	slog.Info("published match task",
		"task_id", task.ID,
		"message_id", ev.MessageID,
		"user_id", ev.UserID,
		"queue", p.queueName,
	)
	return nil
}

// PublishSyncHistory enqueues a Gmail history catch-up for a mailbox.
func (p *Publisher) PublishSyncHistory(ctx context.Context, emailAddress, historyID string) error {
	task := Task{
		ID:   uuid.New().String(),
		Task: TaskSyncHistory,
		Args: []any{},
		Kwargs: map[string]any{
			"email_address": emailAddress,
			"history_id":    historyID,
		},
	}

	if err := p.publish(ctx, &task); err != nil {
		return err
	}

	slog.Info("published history sync task",
		"task_id", task.ID,
		"email", emailAddress,
		"history_id", historyID,
	)
	return nil
}

// publish wraps the task in the Celery message envelope and LPUSHes it.
func (p *Publisher) publish(ctx context.Context, task *Task) error {
	msgJSON, err := encodeEnvelope(task, p.queueName)
	if err != nil {
		return err
	}
	if err := p.rdb.LPush(ctx, p.queueName, msgJSON).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}

// encodeEnvelope serialises a task into the Celery wire format.
func encodeEnvelope(task *Task, queueName string) (string, error) {
	taskBody, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}

	msg := envelope{
		Body:            string(taskBody),
		ContentEncoding: "utf-8",
		ContentType:     "application/json",
		Headers: map[string]any{
			"lang":    "go",
			"task":    task.Task,
			"id":      task.ID,
			"retries": task.Retries,
		},
		Properties: map[string]any{
			"correlation_id": task.ID,
			"delivery_mode":  2,
			"delivery_tag":   task.ID,
			"body_encoding":  "utf-8",
			"exchange":       queueName,
			"routing_key":    queueName,
			"delivery_info": map[string]string{
				"exchange":    queueName,
				"routing_key": queueName,
			},
		},
	}

	msgJSON, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(msgJSON), nil
}

// decodeEnvelope parses a Celery message back into its task.
func decodeEnvelope(raw string) (*Task, error) {
	var msg envelope
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	var task Task
	if err := json.Unmarshal([]byte(msg.Body), &task); err != nil {
		return nil, fmt.Errorf("decode task body: %w", err)
	}
	if task.Task == "" {
		return nil, fmt.Errorf("task %s has no task name", task.ID)
	}
	return &task, nil
}
