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
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRateLimiter(t *testing.T, points, durationSec int) *RateLimiter {
	t.Helper()
	config := NewConfig()
	config.GetApi().RateLimitPoints = points
	config.GetApi().RateLimitDurationSec = durationSec
	limiter := NewRateLimiter(logger, config)
	t.Cleanup(limiter.Stop)
	return limiter
}

func TestRateLimiterAllowsBurstThenDenies(t *testing.T) {
	limiter := newTestRateLimiter(t, 2, 60)

	allowed, delay := limiter.Allow("203.0.113.7")
	require.True(t, allowed)
	assert.Zero(t, delay)

	allowed, _ = limiter.Allow("203.0.113.7")
	require.True(t, allowed)

	allowed, delay = limiter.Allow("203.0.113.7")
	require.False(t, allowed)
	assert.Greater(t, delay, time.Duration(0))
	// 2 points over 60s refill one token every 30s.
	assert.LessOrEqual(t, delay, 30*time.Second)
}

func TestRateLimiterDeniedRequestDoesNotDrainBucket(t *testing.T) {
	limiter := newTestRateLimiter(t, 1, 60)

	allowed, _ := limiter.Allow("203.0.113.7")
	require.True(t, allowed)

	// Denied attempts cancel their reservation, so the wait until the next
	// token must not grow with each rejected request.
	_, first := limiter.Allow("203.0.113.7")
	_, second := limiter.Allow("203.0.113.7")
	assert.Greater(t, first, time.Duration(0))
	assert.Greater(t, second, time.Duration(0))
	assert.LessOrEqual(t, second, first+time.Second)
}

func TestRateLimiterIsolatesClients(t *testing.T) {
	limiter := newTestRateLimiter(t, 1, 60)

	allowed, _ := limiter.Allow("203.0.113.7")
	require.True(t, allowed)
	allowed, _ = limiter.Allow("203.0.113.7")
	require.False(t, allowed)

	allowed, _ = limiter.Allow("198.51.100.23")
	assert.True(t, allowed)
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	limiter := newTestRateLimiter(t, 10, 60)

	limiter.Allow("203.0.113.7")
	limiter.Allow("198.51.100.23")

	limiter.Lock()
	require.Len(t, limiter.clients, 2)
	limiter.clients["203.0.113.7"].lastSeen = time.Now().Add(-rateLimiterIdleTimeout - time.Minute)
	limiter.Unlock()

	limiter.evictIdle()

	limiter.RLock()
	defer limiter.RUnlock()
	assert.Len(t, limiter.clients, 1)
	assert.Contains(t, limiter.clients, "198.51.100.23")
}

func TestClientIPFromRequest(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		expected   string
	}{
		{
			name:       "remote addr with port",
			remoteAddr: "203.0.113.7:39412",
			expected:   "203.0.113.7",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "203.0.113.7",
			expected:   "203.0.113.7",
		},
		{
			name:       "forwarded single hop",
			remoteAddr: "10.0.0.1:80",
			forwarded:  "198.51.100.23",
			expected:   "198.51.100.23",
		},
		{
			name:       "forwarded chain keeps first hop",
			remoteAddr: "10.0.0.1:80",
			forwarded:  "198.51.100.23, 10.0.0.2, 10.0.0.3",
			expected:   "198.51.100.23",
		},
		{
			name:       "forwarded with surrounding spaces",
			remoteAddr: "10.0.0.1:80",
			forwarded:  "  198.51.100.23  ,10.0.0.2",
			expected:   "198.51.100.23",
		},
		{
			name:       "empty forwarded falls back to remote addr",
			remoteAddr: "203.0.113.7:39412",
			forwarded:  "",
			expected:   "203.0.113.7",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			r, err := http.NewRequest(http.MethodPost, "/events", nil)
			require.NoError(t, err)
			r.RemoteAddr = test.remoteAddr
			if test.forwarded != "" {
				r.Header.Set("X-Forwarded-For", test.forwarded)
			}
			assert.Equal(t, test.expected, clientIPFromRequest(r))
		})
	}
}
