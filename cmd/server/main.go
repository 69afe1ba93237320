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

// BCEM — Matching Service
//
// Entry point for the Go matching service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL and Redis
//  3. Consumes email events off the task queue and runs them through
//     the rule matching pipeline
//  4. Keeps Gmail watches alive and runs fallback history sync
//  5. Serves the Pub/Sub push webhook and the rule/alert JSON API
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/matching/internal/api"
	"github.com/bcem/matching/internal/config"
	"github.com/bcem/matching/internal/dedup"
	"github.com/bcem/matching/internal/gmail"
	"github.com/bcem/matching/internal/match"
	"github.com/bcem/matching/internal/notify"
	"github.com/bcem/matching/internal/queue"
	"github.com/bcem/matching/internal/store"
	"github.com/bcem/matching/internal/watch"
	"github.com/bcem/matching/internal/webhook"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting BCEM matching service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"workers", cfg.Workers,
		"queue", cfg.MatchingQueue,
		"sync_interval", cfg.SyncInterval,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)

	publisher := queue.NewPublisher(rdb, cfg.MatchingQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Stores (rules before alerts, alerts reference rules) ---
	ruleStore, err := store.NewRuleStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise rule store", "error", err)
		os.Exit(1)
	}
	alertStore, err := store.NewAlertStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise alert store", "error", err)
		os.Exit(1)
	}
	ledger, err := store.NewMessageLedger(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise message ledger", "error", err)
		os.Exit(1)
	}
	accountStore, err := store.NewAccountStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise account store", "error", err)
		os.Exit(1)
	}
	targetStore, err := store.NewNotifyTargetStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise notification target store", "error", err)
		os.Exit(1)
	}

	// --- Notification channels ---
	var pusher notify.Pusher
	if cfg.FCMCredentialsFile != "" {
		credsJSON, err := os.ReadFile(cfg.FCMCredentialsFile)
		if err != nil {
			slog.Error("failed to read FCM credentials", "error", err)
			os.Exit(1)
		}
		fcm, err := notify.NewFCMClient(ctx, credsJSON)
		if err != nil {
			slog.Error("failed to build FCM client", "error", err)
			os.Exit(1)
		}
		pusher = fcm
		slog.Info("FCM push notifications enabled")
	} else {
		slog.Warn("FCM credentials not configured, push notifications disabled")
	}
	dispatcher := notify.NewDispatcher(targetStore, pusher, notify.NewSlackClient())

	// --- Matching Pipeline ---
	pipeline := match.New(match.Config{
		Rules:        ruleStore,
		Alerts:       alertStore,
		Ledger:       ledger,
		Notifier:     dispatcher,
		StoreTimeout: cfg.StoreTimeout,
	})

	// --- Gmail Service, Dedup and History Sync ---
	// The dedup filter sits on the publish side only. The consume side
	// must re-run every delivery so retried failures are not lost; the
	// alert store's unique index keeps re-runs duplicate-free.
	filter := dedup.NewFilter(rdb)
	gmailSvc := gmail.NewService(gmail.Config{
		ClientID:     cfg.GmailClientID,
		ClientSecret: cfg.GmailClientSecret,
	})
	syncer := gmail.NewSyncer(gmailSvc, accountStore, publisher, filter)

	// --- Watch Lifecycle Manager ---
	mgr := watch.NewManager(watch.ManagerConfig{
		Accounts:    accountStore,
		Service:     gmailSvc,
		Syncer:      syncer,
		TopicName:   cfg.PubSubTopic,
		RenewBuffer: cfg.WatchRenewBuffer,
		SyncEvery:   cfg.SyncInterval,
	})
	if err := mgr.Start(ctx); err != nil {
		slog.Error("failed to start watch lifecycle manager", "error", err)
		os.Exit(1)
	}

	// --- Queue Consumer ---
	consumer := queue.NewConsumer(rdb, cfg.MatchingQueue, cfg.Workers)
	consumer.Handle(queue.TaskMatchEmail, matchEmailHandler(pipeline))
	consumer.Handle(queue.TaskSyncHistory, syncHistoryHandler(accountStore, mgr))
	consumer.Start(ctx)

	// --- Stale device token janitor ---
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := targetStore.DeleteStaleDevices(ctx, time.Now().AddDate(0, 0, -90))
				if err != nil {
					slog.Error("stale device cleanup failed", "error", err)
				} else if n > 0 {
					slog.Info("removed stale device tokens", "count", n)
				}
			}
		}
	}()

	// --- HTTP Server: webhook, API, metrics, health ---
	mux := http.NewServeMux()

	push := webhook.NewHandler(publisher, cfg.PubSubVerificationToken)
	mux.HandleFunc("POST /pubsub/push", push.ServePush)

	api.NewHandler(ruleStore, alertStore).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := publisher.Ping(r.Context()); err != nil {
			http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		if err := pgPool.Ping(r.Context()); err != nil {
			http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel() // Stop all background goroutines

		consumer.Stop()
		mgr.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}

		rdb.Close()
		pgPool.Close()
	}()

	slog.Info("matching service listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("matching service stopped")
}
