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
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const rateLimiterIdleTimeout = 10 * time.Minute

type rateLimiterClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a token bucket per client IP to the ingest endpoint.
// Buckets refill at the configured points per window and allow a full
// window's worth of burst. Idle clients are evicted periodically so the map
// does not grow without bound.
type RateLimiter struct {
	sync.RWMutex
	logger *zap.Logger

	limit time.Duration
	burst int

	clients map[string]*rateLimiterClient

	ctx         context.Context
	ctxCancelFn context.CancelFunc
}

// NewRateLimiter creates a per-client rate limiter from the API rate limit
// configuration and starts its background eviction of idle client buckets.
func NewRateLimiter(logger *zap.Logger, config Config) *RateLimiter {
	points := config.GetApi().RateLimitPoints
	window := time.Duration(config.GetApi().RateLimitDurationSec) * time.Second

	ctx, ctxCancelFn := context.WithCancel(context.Background())
	r := &RateLimiter{
		logger: logger,

		limit: window / time.Duration(points),
		burst: points,

		clients: make(map[string]*rateLimiterClient),

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,
	}

	go func() {
		ticker := time.NewTicker(rateLimiterIdleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				r.evictIdle()
			}
		}
	}()

	return r
}

// Allow reports whether a request from the given client should proceed, and
// if not, how long the client should wait before retrying.
func (r *RateLimiter) Allow(clientIP string) (bool, time.Duration) {
	r.Lock()
	client, found := r.clients[clientIP]
	if !found {
		client = &rateLimiterClient{
			limiter: rate.NewLimiter(rate.Every(r.limit), r.burst),
		}
		r.clients[clientIP] = client
	}
	client.lastSeen = time.Now()
	r.Unlock()

	reservation := client.limiter.Reserve()
	delay := reservation.Delay()
	if delay > 0 {
		reservation.Cancel()
		return false, delay
	}
	return true, 0
}

func (r *RateLimiter) evictIdle() {
	threshold := time.Now().Add(-rateLimiterIdleTimeout)

	r.Lock()
	for clientIP, client := range r.clients {
		if client.lastSeen.Before(threshold) {
			delete(r.clients, clientIP)
		}
	}
	count := len(r.clients)
	r.Unlock()

	r.logger.Debug("Rate limiter eviction pass complete", zap.Int("active_clients", count))
}

// Stop terminates the background eviction goroutine.
func (r *RateLimiter) Stop() {
	r.ctxCancelFn()
}

// clientIPFromRequest extracts the client address used as the rate limit
// key. The first hop of X-Forwarded-For wins when a proxy set it, otherwise
// the connection's remote address is used without its port.
func clientIPFromRequest(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.IndexByte(forwarded, ','); idx >= 0 {
			forwarded = forwarded[:idx]
		}
		if ip := strings.TrimSpace(forwarded); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
