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

// BCEM — Historical Backfill Command
//
// Standalone CLI tool that replays historical Gmail messages through the
// matching queue for one connected account. Intended for applying rules
// retroactively after a mailbox is connected.
//
// Usage:
//
//	go run ./cmd/backfill/ --email user@example.com [--since 168h]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/matching/internal/backfill"
	"github.com/bcem/matching/internal/config"
	"github.com/bcem/matching/internal/dedup"
	"github.com/bcem/matching/internal/gmail"
	"github.com/bcem/matching/internal/queue"
	"github.com/bcem/matching/internal/store"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	emailFlag := flag.String("email", "", "Connected mailbox address to backfill (required)")
	sinceFlag := flag.String("since", "168h", "Lookback duration (e.g. 168h for 1 week, 720h for 30 days)")
	flag.Parse()

	if *emailFlag == "" {
		fmt.Fprintf(os.Stderr, "Error: --email is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	sinceDuration, err := time.ParseDuration(*sinceFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --since duration %q: %v\n", *sinceFlag, err)
		os.Exit(1)
	}

	slog.Info("starting historical backfill",
		"email", *emailFlag,
		"since", sinceDuration,
	)

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	accountStore, err := store.NewAccountStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise account store", "error", err)
		os.Exit(1)
	}

	acct, err := accountStore.GetByEmail(ctx, *emailFlag)
	if err != nil {
		slog.Error("failed to load account", "email", *emailFlag, "error", err)
		os.Exit(1)
	}
	if acct == nil {
		slog.Error("no connected account for mailbox", "email", *emailFlag)
		os.Exit(1)
	}

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	publisher := queue.NewPublisher(rdb, cfg.MatchingQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Run Backfill ---
	runner := backfill.NewRunner(backfill.RunnerConfig{
		Service: gmail.NewService(gmail.Config{
			ClientID:     cfg.GmailClientID,
			ClientSecret: cfg.GmailClientSecret,
		}),
		Publisher: publisher,
		Dedup:     dedup.NewFilter(rdb),
	})

	result, err := runner.Run(ctx, acct, sinceDuration)
	if err != nil {
		slog.Error("backfill failed", "error", err)
		os.Exit(1)
	}

	// --- Summary ---
	slog.Info("backfill complete",
		"email", result.Email,
		"published", result.Published,
		"skipped", result.Skipped,
		"errors", result.Errors,
		"elapsed", result.Elapsed,
	)
}
