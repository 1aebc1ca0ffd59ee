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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const cacheKeyPrefix = "pulse:qc:"

// QueryCache is a read-through cache for expensive query results. Values are
// stored already serialized so reads can be written straight to responses.
// The cache is an optimization, not a source of truth: every operation
// tolerates backend failures and callers fall back to computing the result.
type QueryCache interface {
	// Get returns the cached value for key, if present and fresh.
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores value under key for the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	// Invalidate removes all cached values whose keys start with any of the
	// given prefixes.
	Invalidate(ctx context.Context, prefixes ...string)
	// Healthy reports whether the cache backend is reachable.
	Healthy(ctx context.Context) bool
}

// CacheConnect opens the cache connection pool shared by the query cache and
// the job queue. Returns nil when no cache address is configured. An
// unreachable cache is not fatal, the pool reconnects per command and all
// callers are expected to tolerate command failures.
func CacheConnect(ctx context.Context, logger *zap.Logger, config Config) *redis.Client {
	address := config.GetCache().Address
	if address == "" {
		logger.Warn("Cache address not configured, query caching is disabled and jobs run synchronously")
		return nil
	}
	if !strings.Contains(address, "://") {
		address = "redis://" + address
	}

	opts, err := redis.ParseURL(address)
	if err != nil {
		logger.Fatal("Bad cache connection URL", zap.Error(err))
	}
	opts.PoolSize = config.GetCache().PoolSize
	opts.MinIdleConns = config.GetCache().MinIdleConns
	opts.DialTimeout = time.Duration(config.GetCache().DialTimeoutMs) * time.Millisecond
	opts.ReadTimeout = time.Duration(config.GetCache().ReadTimeoutMs) * time.Millisecond
	opts.WriteTimeout = time.Duration(config.GetCache().WriteTimeoutMs) * time.Millisecond

	client := redis.NewClient(opts)

	pingCtx, pingCancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("Error pinging cache, starting in degraded mode", zap.String("addr", opts.Addr), zap.Error(err))
	} else {
		logger.Info("Cache information", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	}
	return client
}

// LocalQueryCache caches serialized query results in the cache server under
// the "pulse:qc:" key namespace.
type LocalQueryCache struct {
	logger  *zap.Logger
	metrics Metrics
	client  *redis.Client
}

// NewLocalQueryCache creates the query cache over an established cache
// connection. A nil client yields a no-op cache so read paths do not need to
// special-case a missing cache server.
func NewLocalQueryCache(logger *zap.Logger, metrics Metrics, client *redis.Client) QueryCache {
	if client == nil {
		return &NoopQueryCache{}
	}
	return &LocalQueryCache{
		logger:  logger,
		metrics: metrics,
		client:  client,
	}
}

func (c *LocalQueryCache) Get(ctx context.Context, key string) ([]byte, bool) {
	value, err := c.client.Get(ctx, cacheKeyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Debug("Error reading from query cache", zap.String("key", key), zap.Error(err))
		}
		c.metrics.CacheMiss(cacheFamily(key))
		return nil, false
	}
	c.metrics.CacheHit(cacheFamily(key))
	return value, true
}

func (c *LocalQueryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if err := c.client.Set(ctx, cacheKeyPrefix+key, value, ttl).Err(); err != nil {
		c.logger.Debug("Error writing to query cache", zap.String("key", key), zap.Error(err))
	}
}

func (c *LocalQueryCache) Invalidate(ctx context.Context, prefixes ...string) {
	for _, prefix := range prefixes {
		var deleted int64
		keys := make([]string, 0, 100)
		iter := c.client.Scan(ctx, 0, cacheKeyPrefix+prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
			if len(keys) >= 500 {
				deleted += c.deleteKeys(ctx, keys)
				keys = keys[:0]
			}
		}
		if err := iter.Err(); err != nil {
			c.logger.Warn("Error scanning query cache keys", zap.String("prefix", prefix), zap.Error(err))
			continue
		}
		if len(keys) > 0 {
			deleted += c.deleteKeys(ctx, keys)
		}
		c.logger.Debug("Invalidated cached queries", zap.String("prefix", prefix), zap.Int64("count", deleted))
	}
}

func (c *LocalQueryCache) deleteKeys(ctx context.Context, keys []string) int64 {
	deleted, err := c.client.Del(ctx, keys...).Result()
	if err != nil {
		c.logger.Warn("Error deleting query cache keys", zap.Error(err))
		return 0
	}
	return deleted
}

func (c *LocalQueryCache) Healthy(ctx context.Context) bool {
	pingCtx, pingCancel := context.WithTimeout(ctx, time.Second)
	defer pingCancel()
	return c.client.Ping(pingCtx).Err() == nil
}

// NoopQueryCache is used when no cache server is configured. All reads miss.
type NoopQueryCache struct{}

func (c *NoopQueryCache) Get(context.Context, string) ([]byte, bool) { return nil, false }

func (c *NoopQueryCache) Set(context.Context, string, []byte, time.Duration) {}

func (c *NoopQueryCache) Invalidate(context.Context, ...string) {}

func (c *NoopQueryCache) Healthy(context.Context) bool { return false }

func cacheFamily(key string) string {
	if idx := strings.IndexByte(key, ':'); idx > 0 {
		return key[:idx]
	}
	return key
}

func cacheKeyDashboard(parts ...string) string {
	return "dashboard:" + strings.Join(parts, ":")
}

func cacheKeyGlobalLeaderboard(limit, offset int) string {
	return fmt.Sprintf("leaderboard:global:%d:%d", limit, offset)
}

func cacheKeyTournament(tournamentID string, parts ...string) string {
	key := "tournament:" + tournamentID
	if len(parts) > 0 {
		key += ":" + strings.Join(parts, ":")
	}
	return key
}
