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

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bcem/matching/internal/metrics"
)

const (
	// popTimeout bounds each BRPOP so workers notice shutdown promptly.
	popTimeout = 5 * time.Second

	// MaxRetries is how many times a failed task is rescheduled before
	// being dropped.
	MaxRetries = 3

	// retryMoveInterval is how often the mover promotes due retries back
	// onto the main queue.
	retryMoveInterval = 2 * time.Second
)

// HandlerFunc processes one decoded task. Returning an error reschedules
// the task unless the error is permanent.
type HandlerFunc func(ctx context.Context, task *Task) error

// Consumer pops tasks off the matching queue with a pool of workers and
// dispatches them to registered handlers. Failed tasks go to a scheduled
// retry set and are promoted back to the queue with exponential backoff.
type Consumer struct {
	rdb       *redis.Client
	queueName string
	retryKey  string
	workers   int

	handlers map[string]HandlerFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer creates a consumer with the given worker count.
func NewConsumer(rdb *redis.Client, queueName string, workers int) *Consumer {
	if workers < 1 {
		workers = 1
	}
	return &Consumer{
		rdb:       rdb,
		queueName: queueName,
		retryKey:  queueName + ":retry",
		workers:   workers,
		handlers:  make(map[string]HandlerFunc),
	}
}

// Handle registers the handler for a task name. Must be called before Start.
func (c *Consumer) Handle(taskName string, fn HandlerFunc) {
	c.handlers[taskName] = fn
}

// Start launches the worker pool and the retry mover.
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.workerLoop(ctx, i)
	}

	c.wg.Add(1)
	go c.retryLoop(ctx)

	slog.Info("queue consumer started", "queue", c.queueName, "workers", c.workers)
}

// Stop signals all workers to exit and waits for in-flight tasks.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	slog.Info("queue consumer stopped", "queue", c.queueName)
}

func (c *Consumer) workerLoop(ctx context.Context, id int) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := c.rdb.BRPop(ctx, popTimeout, c.queueName).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("queue pop failed", "worker", id, "error", err)
			time.Sleep(time.Second)
			continue
		}

		// BRPOP returns [key, value].
		if len(res) < 2 {
			continue
		}
		c.dispatch(ctx, res[1])
	}
}

// dispatch decodes one raw message and runs its handler, deciding on
// failure whether the task retries or is dropped.
func (c *Consumer) dispatch(ctx context.Context, raw string) {
	task, err := decodeEnvelope(raw)
	if err != nil {
		// An undecodable message can never succeed on retry.
		slog.Error("dropping malformed task", "error", err)
		metrics.TasksConsumed.WithLabelValues("unknown", "malformed").Inc()
		return
	}

	fn, ok := c.handlers[task.Task]
	if !ok {
		slog.Error("dropping task with no handler", "task", task.Task, "task_id", task.ID)
		metrics.TasksConsumed.WithLabelValues(task.Task, "unhandled").Inc()
		return
	}

	if err := fn(ctx, task); err != nil {
		c.handleFailure(ctx, task, err)
		return
	}
	metrics.TasksConsumed.WithLabelValues(task.Task, "ok").Inc()
}

func (c *Consumer) handleFailure(ctx context.Context, task *Task, taskErr error) {
	if isPermanent(taskErr) {
		slog.Error("dropping task with permanent failure",
			"task", task.Task, "task_id", task.ID, "error", taskErr)
		metrics.TasksConsumed.WithLabelValues(task.Task, "permanent").Inc()
		return
	}

	if task.Retries >= MaxRetries {
		slog.Error("dropping task after max retries",
			"task", task.Task, "task_id", task.ID, "retries", task.Retries, "error", taskErr)
		metrics.TasksConsumed.WithLabelValues(task.Task, "exhausted").Inc()
		return
	}

	task.Retries++
	delay := RetryBackoff(task.Retries)
	if err := c.scheduleRetry(ctx, task, delay); err != nil {
		slog.Error("failed to schedule retry, task lost",
			"task", task.Task, "task_id", task.ID, "error", err)
		metrics.TasksConsumed.WithLabelValues(task.Task, "lost").Inc()
		return
	}

	slog.Warn("task failed, retry scheduled",
		"task", task.Task, "task_id", task.ID,
		"retries", task.Retries, "delay", delay, "error", taskErr)
	metrics.TasksConsumed.WithLabelValues(task.Task, "retried").Inc()
}

// scheduleRetry puts the task on the retry set, scored by the time it
// becomes ready.
func (c *Consumer) scheduleRetry(ctx context.Context, task *Task, delay time.Duration) error {
	msgJSON, err := encodeEnvelope(task, c.queueName)
	if err != nil {
		return err
	}
	readyAt := time.Now().Add(delay)
	err = c.rdb.ZAdd(ctx, c.retryKey, redis.Z{
		Score:  float64(readyAt.Unix()),
		Member: msgJSON,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis ZADD: %w", err)
	}
	return nil
}

// retryLoop periodically promotes due retries back onto the main queue.
func (c *Consumer) retryLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(retryMoveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.moveDueRetries(ctx); err != nil && ctx.Err() == nil {
				slog.Error("retry promotion failed", "error", err)
			}
		}
	}
}

func (c *Consumer) moveDueRetries(ctx context.Context) error {
	now := fmt.Sprintf("%d", time.Now().Unix())
	due, err := c.rdb.ZRangeByScore(ctx, c.retryKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("redis ZRANGEBYSCORE: %w", err)
	}

	for _, member := range due {
		// ZREM before LPUSH so two movers never push the same task twice.
		removed, err := c.rdb.ZRem(ctx, c.retryKey, member).Result()
		if err != nil {
			return fmt.Errorf("redis ZREM: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := c.rdb.LPush(ctx, c.queueName, member).Err(); err != nil {
			return fmt.Errorf("redis LPUSH: %w", err)
		}
	}
	return nil
}

// RetryBackoff returns the delay before the given retry attempt: 30s,
// 60s, 120s, doubling per attempt.
func RetryBackoff(retries int) time.Duration {
	d := 30 * time.Second
	for i := 1; i < retries; i++ {
		d *= 2
	}
	return d
}

// isPermanent reports whether the error chain marks itself as not worth
// retrying.
func isPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}
