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

// Package watch handles creation, renewal, and recovery of per-mailbox
// Gmail push watches. It runs a background renewal loop and a periodic
// fallback history sync that catches anything push notifications missed.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bcem/matching/internal/gmail"
	"github.com/bcem/matching/internal/store"
)

// Accounts is the account state the manager needs. Implemented by
// store.AccountStore.
type Accounts interface {
	List(ctx context.Context) ([]store.Account, error)
	ListWatchesExpiringSoon(ctx context.Context, buffer time.Duration) ([]store.Account, error)
	SaveWatch(ctx context.Context, email, historyID string, expiresAt time.Time) error
	SaveHistoryID(ctx context.Context, email, historyID string) error
}

// HistorySyncer runs a catch-up sync for one account. Implemented by
// gmail.Syncer.
type HistorySyncer interface {
	SyncAccount(ctx context.Context, acct *store.Account) error
}

// LifecycleManager keeps every connected mailbox covered by an active
// Gmail watch and periodically reconciles via history sync.
type LifecycleManager struct {
	accounts    Accounts
	service     *gmail.Service
	syncer      HistorySyncer
	topicName   string
	renewBuffer time.Duration
	syncEvery   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ManagerConfig holds the configuration for the lifecycle manager.
type ManagerConfig struct {
	Accounts    Accounts
	Service     *gmail.Service
	Syncer      HistorySyncer
	TopicName   string
	RenewBuffer time.Duration
	SyncEvery   time.Duration
}

// NewManager creates a watch lifecycle manager.
func NewManager(cfg ManagerConfig) *LifecycleManager {
	return &LifecycleManager{
		accounts:    cfg.Accounts,
		service:     cfg.Service,
		syncer:      cfg.Syncer,
		topicName:   cfg.TopicName,
		renewBuffer: cfg.RenewBuffer,
		syncEvery:   cfg.SyncEvery,
	}
}

// Start ensures every account has a live watch, then runs the renewal
// and fallback sync loops in the background.
func (m *LifecycleManager) Start(ctx context.Context) error {
	accounts, err := m.accounts.List(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	slog.Info("ensuring watches for connected accounts", "accounts", len(accounts))
	for i := range accounts {
		if err := m.EnsureWatch(ctx, &accounts[i]); err != nil {
			slog.Error("failed to ensure watch",
				"email", accounts[i].Email,
				"error", err,
			)
			// Continue with other accounts, the renewal loop retries
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(2)
	go m.renewalLoop(loopCtx)
	go m.syncLoop(loopCtx)

	slog.Info("watch lifecycle manager started",
		"renew_buffer", m.renewBuffer,
		"sync_interval", m.syncEvery,
	)
	return nil
}

// Stop gracefully shuts down the background loops.
func (m *LifecycleManager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	slog.Info("watch lifecycle manager stopped")
}

// EnsureWatch registers or renews the watch for one account when it is
// missing or inside the renewal buffer.
func (m *LifecycleManager) EnsureWatch(ctx context.Context, acct *store.Account) error {
	if acct.WatchExpiresAt != nil && time.Until(*acct.WatchExpiresAt) >= m.renewBuffer {
		slog.Debug("watch still active",
			"email", acct.Email,
			"expires_at", acct.WatchExpiresAt,
		)
		return nil
	}

	client := m.service.ClientFor(ctx, acct)
	w, err := m.service.RegisterWatch(ctx, client, acct.Email, m.topicName)
	if err != nil {
		return fmt.Errorf("register watch for %s: %w", acct.Email, err)
	}

	if err := m.accounts.SaveWatch(ctx, acct.Email, w.HistoryID, w.ExpiresAt); err != nil {
		return fmt.Errorf("persist watch: %w", err)
	}

	slog.Info("watch registered",
		"email", acct.Email,
		"history_id", w.HistoryID,
		"expires_at", w.ExpiresAt,
	)
	return nil
}

// renewalLoop periodically renews watches that are close to expiry.
func (m *LifecycleManager) renewalLoop(ctx context.Context) {
	defer m.wg.Done()

	interval := m.renewBuffer / 2
	if interval < time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.renewExpiring(ctx)
		}
	}
}

// renewExpiring re-registers every watch inside the renewal buffer.
func (m *LifecycleManager) renewExpiring(ctx context.Context) {
	accounts, err := m.accounts.ListWatchesExpiringSoon(ctx, m.renewBuffer)
	if err != nil {
		slog.Error("failed to list expiring watches", "error", err)
		return
	}
	if len(accounts) == 0 {
		return
	}

	slog.Info("renewing expiring watches", "count", len(accounts))
	for i := range accounts {
		if err := m.EnsureWatch(ctx, &accounts[i]); err != nil {
			slog.Error("watch renewal failed",
				"email", accounts[i].Email,
				"error", err,
			)
		}
	}
}

// syncLoop runs history sync for every account at the configured interval
// as a safety net for dropped push notifications.
func (m *LifecycleManager) syncLoop(ctx context.Context) {
	defer m.wg.Done()

	// A zero or negative interval would panic NewTicker; floor it like
	// the renewal loop does.
	interval := m.syncEvery
	if interval < time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.syncAll(ctx)
		}
	}
}

func (m *LifecycleManager) syncAll(ctx context.Context) {
	accounts, err := m.accounts.List(ctx)
	if err != nil {
		slog.Error("failed to list accounts for fallback sync", "error", err)
		return
	}

	for i := range accounts {
		if err := m.SyncAccount(ctx, &accounts[i]); err != nil {
			slog.Error("fallback sync failed",
				"email", accounts[i].Email,
				"error", err,
			)
		}
	}
}

// SyncAccount runs history sync for one account, recovering from an
// expired history baseline by re-registering the watch and resuming from
// the fresh history ID it returns.
func (m *LifecycleManager) SyncAccount(ctx context.Context, acct *store.Account) error {
	err := m.syncer.SyncAccount(ctx, acct)
	if err == nil {
		return nil
	}
	if !errors.Is(err, gmail.ErrHistoryExpired) {
		return err
	}

	slog.Warn("history baseline expired, re-registering watch", "email", acct.Email)

	client := m.service.ClientFor(ctx, acct)
	w, regErr := m.service.RegisterWatch(ctx, client, acct.Email, m.topicName)
	if regErr != nil {
		return fmt.Errorf("re-register watch after expired history: %w", regErr)
	}
	if err := m.accounts.SaveWatch(ctx, acct.Email, w.HistoryID, w.ExpiresAt); err != nil {
		return fmt.Errorf("persist re-registered watch: %w", err)
	}
	// Messages between the expired baseline and the new watch are lost to
	// history; resume from the fresh cursor.
	return m.accounts.SaveHistoryID(ctx, acct.Email, w.HistoryID)
}
