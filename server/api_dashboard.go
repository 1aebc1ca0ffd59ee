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
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// dashboardRead is the shared read-through path for the analytics
// endpoints: bounded handler deadline, cache probe, compute, store, serve.
// The computed response must already carry its last_updated field, the
// cached bytes are served verbatim.
func (s *ApiServer) dashboardRead(w http.ResponseWriter, r *http.Request, cacheKey string, ttl time.Duration, compute func(ctx context.Context) (interface{}, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(s.config.GetApi().QueryTimeoutMs)*time.Millisecond)
	defer cancel()

	if cached, found := s.queryCache.Get(ctx, cacheKey); found {
		s.rawResponse(w, http.StatusOK, cached)
		return
	}

	response, err := compute(ctx)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	payload, err := json.Marshal(response)
	if err != nil {
		s.errorResponse(w, r, StatusError(ErrorKindFatal, "Could not encode dashboard response.", err))
		return
	}
	s.queryCache.Set(ctx, cacheKey, payload, ttl)
	s.rawResponse(w, http.StatusOK, payload)
}

func (s *ApiServer) overviewTTL() time.Duration {
	return time.Duration(s.config.GetCacheTTL().OverviewSec) * time.Second
}

type dashboardOverviewResponse struct {
	*OverviewStats
	LastUpdated time.Time `json:"last_updated"`
}

func (s *ApiServer) getDashboardOverview(w http.ResponseWriter, r *http.Request) {
	s.dashboardRead(w, r, cacheKeyDashboard("overview"), s.overviewTTL(), func(ctx context.Context) (interface{}, error) {
		stats, err := s.analytics.Overview(ctx)
		if err != nil {
			return nil, err
		}
		return &dashboardOverviewResponse{OverviewStats: stats, LastUpdated: time.Now().UTC()}, nil
	})
}

type dashboardTrendResponse struct {
	Days        int         `json:"days"`
	Points      []*DauPoint `json:"points"`
	LastUpdated time.Time   `json:"last_updated"`
}

func (s *ApiServer) getDashboardDauTrend(w http.ResponseWriter, r *http.Request) {
	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > analyticsTrendMaxDays {
			s.errorResponse(w, r, StatusError(ErrorKindValidation, "Days must be an integer between 1 and 90.", err))
			return
		}
		days = parsed
	}

	s.dashboardRead(w, r, cacheKeyDashboard("dau-trend", strconv.Itoa(days)), s.overviewTTL(), func(ctx context.Context) (interface{}, error) {
		points, err := s.analytics.DauTrend(ctx, days)
		if err != nil {
			return nil, err
		}
		return &dashboardTrendResponse{Days: days, Points: points, LastUpdated: time.Now().UTC()}, nil
	})
}

type dashboardLevelPerformanceResponse struct {
	Zone        int                    `json:"zone,omitempty"`
	Levels      []*LevelPerformanceRow `json:"levels"`
	LastUpdated time.Time              `json:"last_updated"`
}

func (s *ApiServer) getDashboardLevelPerformance(w http.ResponseWriter, r *http.Request) {
	zone := 0
	if raw := r.URL.Query().Get("zone"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.errorResponse(w, r, StatusError(ErrorKindValidation, "Zone must be a positive integer.", err))
			return
		}
		zone = parsed
	}

	s.dashboardRead(w, r, cacheKeyDashboard("level-performance", strconv.Itoa(zone)), s.overviewTTL(), func(ctx context.Context) (interface{}, error) {
		levels, err := s.analytics.LevelPerformance(ctx, zone)
		if err != nil {
			return nil, err
		}
		return &dashboardLevelPerformanceResponse{Zone: zone, Levels: levels, LastUpdated: time.Now().UTC()}, nil
	})
}

type dashboardRetentionResponse struct {
	Cohorts     []*RetentionPoint `json:"cohorts"`
	LastUpdated time.Time         `json:"last_updated"`
}

func (s *ApiServer) getDashboardRetention(w http.ResponseWriter, r *http.Request) {
	s.dashboardRead(w, r, cacheKeyDashboard("retention"), s.overviewTTL(), func(ctx context.Context) (interface{}, error) {
		cohorts, err := s.analytics.Retention(ctx)
		if err != nil {
			return nil, err
		}
		return &dashboardRetentionResponse{Cohorts: cohorts, LastUpdated: time.Now().UTC()}, nil
	})
}

type dashboardTopEventsResponse struct {
	Events      []*TopEventRow `json:"events"`
	LastUpdated time.Time      `json:"last_updated"`
}

func (s *ApiServer) getDashboardTopEvents(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.errorResponse(w, r, StatusError(ErrorKindValidation, "Limit must be a positive integer.", err))
			return
		}
		limit = parsed
	}

	s.dashboardRead(w, r, cacheKeyDashboard("top-events", strconv.Itoa(limit)), s.overviewTTL(), func(ctx context.Context) (interface{}, error) {
		events, err := s.analytics.TopEvents(ctx, limit)
		if err != nil {
			return nil, err
		}
		return &dashboardTopEventsResponse{Events: events, LastUpdated: time.Now().UTC()}, nil
	})
}

type dashboardLevelEndsResponse struct {
	Level       int            `json:"level,omitempty"`
	Date        string         `json:"date"`
	Causes      []*LevelEndRow `json:"causes"`
	LastUpdated time.Time      `json:"last_updated"`
}

func (s *ApiServer) getDashboardLevelEnds(w http.ResponseWriter, r *http.Request) {
	level := 0
	if raw := r.URL.Query().Get("level"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.errorResponse(w, r, StatusError(ErrorKindValidation, "Level must be a positive integer.", err))
			return
		}
		level = parsed
	}
	date := time.Now().UTC()
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			s.errorResponse(w, r, StatusError(ErrorKindValidation, "Date must be formatted YYYY-MM-DD.", err))
			return
		}
		date = parsed
	}
	day := date.Format("2006-01-02")

	s.dashboardRead(w, r, cacheKeyDashboard("level-ends", strconv.Itoa(level), day), s.overviewTTL(), func(ctx context.Context) (interface{}, error) {
		causes, err := s.analytics.LevelEnds(ctx, level, date)
		if err != nil {
			return nil, err
		}
		return &dashboardLevelEndsResponse{Level: level, Date: day, Causes: causes, LastUpdated: time.Now().UTC()}, nil
	})
}

type dashboardActivityResponse struct {
	Items       []*ActivityItem `json:"items"`
	LastUpdated time.Time       `json:"last_updated"`
}

func (s *ApiServer) getDashboardActivity(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.errorResponse(w, r, StatusError(ErrorKindValidation, "Limit must be a positive integer.", err))
			return
		}
		limit = parsed
	}

	ttl := time.Duration(s.config.GetCacheTTL().ActivitySec) * time.Second
	s.dashboardRead(w, r, cacheKeyDashboard("activity", strconv.Itoa(limit)), ttl, func(ctx context.Context) (interface{}, error) {
		items, err := s.analytics.ActivityFeed(ctx, limit)
		if err != nil {
			return nil, err
		}
		return &dashboardActivityResponse{Items: items, LastUpdated: time.Now().UTC()}, nil
	})
}

// refreshDashboardCache drops every cached dashboard read so the next
// request recomputes from the database. Operator-only.
func (s *ApiServer) refreshDashboardCache(w http.ResponseWriter, r *http.Request) {
	s.queryCache.Invalidate(r.Context(), "dashboard:", "leaderboard:global", "tournament:")
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"invalidated": true,
		"at":          time.Now().UTC(),
	})
}

type healthDatabase struct {
	Healthy   bool  `json:"healthy"`
	Open      int   `json:"open"`
	InUse     int   `json:"in_use"`
	Idle      int   `json:"idle"`
	WaitCount int64 `json:"wait_count"`
}

type healthResponse struct {
	Status            string         `json:"status"`
	UptimeSec         int64          `json:"uptime_sec"`
	Database          healthDatabase `json:"database"`
	CacheHealthy      bool           `json:"cache_healthy"`
	Queue             JobQueueStats  `json:"queue"`
	UnprocessedEvents int64          `json:"unprocessed_events"`
	ApiLatencyMs      float64        `json:"api_latency_ms"`
	LastUpdated       time.Time      `json:"last_updated"`
}

// getDashboardHealth reports the live state of every dependency. Never
// cached. A dead database reports unhealthy with a 503 so load balancer
// probes can act on it, a missing cache only degrades.
func (s *ApiServer) getDashboardHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(s.config.GetApi().QueryTimeoutMs)*time.Millisecond)
	defer cancel()

	dbStats := s.db.Stats()
	response := &healthResponse{
		Status:    "ok",
		UptimeSec: int64(time.Since(s.startedAt).Seconds()),
		Database: healthDatabase{
			Healthy:   s.db.PingContext(ctx) == nil,
			Open:      dbStats.OpenConnections,
			InUse:     dbStats.InUse,
			Idle:      dbStats.Idle,
			WaitCount: dbStats.WaitCount,
		},
		CacheHealthy: s.queryCache.Healthy(ctx),
		Queue:        s.queue.Stats(ctx),
		ApiLatencyMs: s.metrics.SnapshotLatencyMs(),
		LastUpdated:  time.Now().UTC(),
	}

	code := http.StatusOK
	switch {
	case !response.Database.Healthy:
		response.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	case !response.CacheHealthy || response.Queue.Degraded:
		response.Status = "degraded"
	}

	if response.Database.Healthy {
		if unprocessed, err := CountUnprocessedEvents(ctx, s.db); err == nil {
			response.UnprocessedEvents = unprocessed
		}
	}

	s.jsonResponse(w, code, response)
}
