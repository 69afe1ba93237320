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

// Package dedup provides event deduplication using a Redis SET with TTL.
// It cheaply skips already-seen email events at publish time, before a
// match task enters the queue. IsNew marks the key seen as it checks, so
// the filter must guard exactly one checkpoint per event; the consume
// side re-runs every delivery and relies on the alert store's unique
// index instead. Advisory only: when Redis is unavailable or the filter
// misses, that index still guarantees at most one alert per
// (rule, message).
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long we remember a seen event. Gmail redelivers
	// within minutes; 24h comfortably covers backfill overlap too.
	DefaultTTL = 24 * time.Hour

	// keyPrefix namespaces dedup keys in Redis.
	keyPrefix = "matching:seen:"
)

// Filter tracks which (user, message) pairs have already been processed.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a dedup filter backed by Redis.
func NewFilter(rdb *redis.Client) *Filter {
	return &Filter{
		rdb: rdb,
		ttl: DefaultTTL,
	}
}

// IsNew returns true if the (user, message) pair has NOT been seen before.
// If true, the pair is marked as seen atomically (SETNX). Keys are scoped
// per user so one user's redelivery can never mask another user's copy of
// the same message.
func (f *Filter) IsNew(ctx context.Context, userID, messageID string) (bool, error) {
	key := fmt.Sprintf("%s%s:%s", keyPrefix, userID, messageID)

	// SET NX = set only if key does not exist. Returns true if the key was set.
	set, err := f.rdb.SetNX(ctx, key, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}

	return set, nil
}
