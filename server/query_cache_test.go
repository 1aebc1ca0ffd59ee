// Copyright 2024 The Pulse Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return mr, client
}

func TestQueryCacheRoundTrip(t *testing.T) {
	mr, client := newTestCache(t)
	qc := NewLocalQueryCache(logger, metrics, client)
	ctx := context.Background()

	_, found := qc.Get(ctx, cacheKeyDashboard("overview"))
	assert.False(t, found)

	qc.Set(ctx, cacheKeyDashboard("overview"), []byte(`{"total_events":42}`), 300*time.Second)

	value, found := qc.Get(ctx, cacheKeyDashboard("overview"))
	require.True(t, found)
	assert.Equal(t, []byte(`{"total_events":42}`), value)

	// Keys are namespaced so invalidation cannot touch unrelated data.
	assert.True(t, mr.Exists("pulse:qc:dashboard:overview"))
}

func TestQueryCacheTTL(t *testing.T) {
	mr, client := newTestCache(t)
	qc := NewLocalQueryCache(logger, metrics, client)
	ctx := context.Background()

	qc.Set(ctx, cacheKeyTournament("t1", "leaderboard", "100", "0"), []byte(`[]`), 240*time.Second)

	mr.FastForward(239 * time.Second)
	_, found := qc.Get(ctx, cacheKeyTournament("t1", "leaderboard", "100", "0"))
	assert.True(t, found)

	mr.FastForward(2 * time.Second)
	_, found = qc.Get(ctx, cacheKeyTournament("t1", "leaderboard", "100", "0"))
	assert.False(t, found)
}

func TestQueryCacheSetNonPositiveTTL(t *testing.T) {
	mr, client := newTestCache(t)
	qc := NewLocalQueryCache(logger, metrics, client)

	qc.Set(context.Background(), "dashboard:health", []byte(`{}`), 0)
	assert.False(t, mr.Exists("pulse:qc:dashboard:health"))
}

func TestQueryCacheInvalidatePrefixes(t *testing.T) {
	_, client := newTestCache(t)
	qc := NewLocalQueryCache(logger, metrics, client)
	ctx := context.Background()

	qc.Set(ctx, cacheKeyDashboard("overview"), []byte(`{}`), time.Minute)
	qc.Set(ctx, cacheKeyDashboard("dau-trend", "30"), []byte(`{}`), time.Minute)
	qc.Set(ctx, cacheKeyGlobalLeaderboard(100, 0), []byte(`[]`), time.Minute)
	qc.Set(ctx, cacheKeyTournament("t1", "leaderboard", "100", "0"), []byte(`[]`), time.Minute)
	qc.Set(ctx, cacheKeyTournament("t2", "leaderboard", "100", "0"), []byte(`[]`), time.Minute)

	qc.Invalidate(ctx, "dashboard:", "tournament:t1")

	_, found := qc.Get(ctx, cacheKeyDashboard("overview"))
	assert.False(t, found)
	_, found = qc.Get(ctx, cacheKeyDashboard("dau-trend", "30"))
	assert.False(t, found)
	_, found = qc.Get(ctx, cacheKeyTournament("t1", "leaderboard", "100", "0"))
	assert.False(t, found)

	_, found = qc.Get(ctx, cacheKeyGlobalLeaderboard(100, 0))
	assert.True(t, found)
	_, found = qc.Get(ctx, cacheKeyTournament("t2", "leaderboard", "100", "0"))
	assert.True(t, found)
}

func TestQueryCacheInvalidateManyKeys(t *testing.T) {
	mr, client := newTestCache(t)
	qc := NewLocalQueryCache(logger, metrics, client)
	ctx := context.Background()

	// Enough keys to force multiple scan pages and delete batches.
	for i := 0; i < 1200; i++ {
		qc.Set(ctx, cacheKeyDashboard("top-events", fmt.Sprintf("%d", i)), []byte(`{}`), time.Minute)
	}
	qc.Set(ctx, cacheKeyGlobalLeaderboard(10, 0), []byte(`[]`), time.Minute)

	qc.Invalidate(ctx, "dashboard:")

	assert.Len(t, mr.Keys(), 1)
	_, found := qc.Get(ctx, cacheKeyGlobalLeaderboard(10, 0))
	assert.True(t, found)
}

func TestQueryCacheDegradedBackend(t *testing.T) {
	mr, client := newTestCache(t)
	qc := NewLocalQueryCache(logger, metrics, client)
	ctx := context.Background()

	assert.True(t, qc.Healthy(ctx))

	mr.Close()

	// All operations degrade to misses and no-ops without surfacing errors.
	assert.False(t, qc.Healthy(ctx))
	_, found := qc.Get(ctx, cacheKeyDashboard("overview"))
	assert.False(t, found)
	qc.Set(ctx, cacheKeyDashboard("overview"), []byte(`{}`), time.Minute)
	qc.Invalidate(ctx, "dashboard:")
}

func TestNoopQueryCache(t *testing.T) {
	qc := NewLocalQueryCache(logger, metrics, nil)
	ctx := context.Background()

	_, ok := qc.(*NoopQueryCache)
	require.True(t, ok)

	qc.Set(ctx, cacheKeyDashboard("overview"), []byte(`{}`), time.Minute)
	_, found := qc.Get(ctx, cacheKeyDashboard("overview"))
	assert.False(t, found)
	assert.False(t, qc.Healthy(ctx))
}

func TestCacheKeys(t *testing.T) {
	assert.Equal(t, "dashboard:dau-trend:30", cacheKeyDashboard("dau-trend", "30"))
	assert.Equal(t, "leaderboard:global:100:20", cacheKeyGlobalLeaderboard(100, 20))
	assert.Equal(t, "tournament:abc", cacheKeyTournament("abc"))
	assert.Equal(t, "tournament:abc:prizes", cacheKeyTournament("abc", "prizes"))
	assert.Equal(t, "dashboard", cacheFamily("dashboard:overview"))
	assert.Equal(t, "health", cacheFamily("health"))
}
