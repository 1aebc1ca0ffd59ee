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
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type ApiServer struct {
	logger      *zap.Logger
	db          *sql.DB
	config      Config
	metrics     Metrics
	queryCache  QueryCache
	queue       JobQueue
	rateLimiter *RateLimiter
	analytics   *AnalyticsService
	startedAt   time.Time
	server      *http.Server
}

func StartApiServer(logger *zap.Logger, startupLogger *zap.Logger, db *sql.DB, config Config, metrics Metrics, queryCache QueryCache, queue JobQueue, rateLimiter *RateLimiter, analytics *AnalyticsService) *ApiServer {
	s := &ApiServer{
		logger:      logger,
		db:          db,
		config:      config,
		metrics:     metrics,
		queryCache:  queryCache,
		queue:       queue,
		rateLimiter: rateLimiter,
		analytics:   analytics,
		startedAt:   time.Now().UTC(),
	}

	s.server = &http.Server{
		Addr:           fmt.Sprintf("%v:%d", config.GetApi().Address, config.GetApi().Port),
		ReadTimeout:    time.Millisecond * time.Duration(int64(config.GetApi().ReadTimeoutMs)),
		WriteTimeout:   time.Millisecond * time.Duration(int64(config.GetApi().WriteTimeoutMs)),
		IdleTimeout:    time.Millisecond * time.Duration(int64(config.GetApi().IdleTimeoutMs)),
		MaxHeaderBytes: 5120,
		Handler:        s.buildHandler(),
	}

	startupLogger.Info("Starting API server for HTTP requests", zap.Int("port", config.GetApi().Port))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			startupLogger.Fatal("API server listener failed", zap.Error(err))
		}
	}()

	return s
}

func (s *ApiServer) buildHandler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }).Methods("GET")

	router.HandleFunc("/events", s.instrument("ingest_events", s.rateLimit(s.ingestEvents))).Methods("POST")

	router.HandleFunc("/leaderboard/global", s.instrument("leaderboard_global", s.getGlobalLeaderboard)).Methods("GET")

	router.HandleFunc("/tournaments/current", s.instrument("tournament_current", s.getCurrentTournament)).Methods("GET")
	router.HandleFunc("/tournaments/{id}/leaderboard", s.instrument("tournament_leaderboard", s.getTournamentLeaderboard)).Methods("GET")
	router.HandleFunc("/tournaments/{id}/prizes", s.instrument("tournament_prizes", s.getTournamentPrizes)).Methods("GET")

	router.HandleFunc("/prizes/pending", s.instrument("prizes_pending", s.getPendingPrizes)).Methods("GET")
	router.HandleFunc("/prizes/claim", s.instrument("prizes_claim", s.claimPrize)).Methods("POST")
	router.HandleFunc("/prizes/history", s.instrument("prizes_history", s.getPrizeHistory)).Methods("GET")

	router.HandleFunc("/dashboard/authenticate", s.instrument("dashboard_authenticate", s.authenticateDashboard)).Methods("POST")
	router.HandleFunc("/dashboard/overview", s.instrument("dashboard_overview", s.getDashboardOverview)).Methods("GET")
	router.HandleFunc("/dashboard/dau-trend", s.instrument("dashboard_dau_trend", s.getDashboardDauTrend)).Methods("GET")
	router.HandleFunc("/dashboard/level-performance", s.instrument("dashboard_level_performance", s.getDashboardLevelPerformance)).Methods("GET")
	router.HandleFunc("/dashboard/retention", s.instrument("dashboard_retention", s.getDashboardRetention)).Methods("GET")
	router.HandleFunc("/dashboard/top-events", s.instrument("dashboard_top_events", s.getDashboardTopEvents)).Methods("GET")
	router.HandleFunc("/dashboard/level-ends", s.instrument("dashboard_level_ends", s.getDashboardLevelEnds)).Methods("GET")
	router.HandleFunc("/dashboard/activity", s.instrument("dashboard_activity", s.getDashboardActivity)).Methods("GET")
	router.HandleFunc("/dashboard/refresh-cache", s.instrument("dashboard_refresh_cache", s.requireConsoleAuth(s.refreshDashboardCache))).Methods("POST")
	router.HandleFunc("/dashboard/health", s.instrument("dashboard_health", s.getDashboardHealth)).Methods("GET")

	// Enable max size check on arriving request bodies.
	handlerWithRecovery := s.recoveryHandler(router)
	maxRequestSizeBytes := s.config.GetApi().MaxRequestSizeBytes
	handlerWithMaxBody := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestSizeBytes)
		handlerWithRecovery.ServeHTTP(w, r)
	})

	// Enable CORS on all requests.
	CORSHeaders := handlers.AllowedHeaders([]string{"Authorization", "Content-Type", "User-Agent"})
	CORSOrigins := handlers.AllowedOrigins(s.config.GetApi().CORSAllowedOrigins)
	CORSMethods := handlers.AllowedMethods([]string{"GET", "HEAD", "POST", "PUT", "DELETE"})
	return handlers.CORS(CORSHeaders, CORSOrigins, CORSMethods)(handlerWithMaxBody)
}

func (s *ApiServer) Stop() {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(s.config.GetShutdownGraceSec())*time.Second)
	defer shutdownCancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("API server listener shutdown failed", zap.Error(err))
	}
}

// statusWriter records the response code written by a handler so the access
// log and metrics see the outcome.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// instrument wraps a handler with the per-route access log and metrics
// timing.
func (s *ApiServer) instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}

		next(sw, r)

		elapsed := time.Since(start)
		s.metrics.Api(name, elapsed, sw.Status() >= 500)
		s.logger.Debug("API request complete",
			zap.String("name", name),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.Status()),
			zap.Duration("elapsed", elapsed))
	}
}

func (s *ApiServer) recoveryHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("Panic recovered in API handler", zap.String("path", r.URL.Path), zap.Any("panic", rec), zap.Stack("stack"))
				s.jsonError(w, http.StatusInternalServerError, "An unexpected error occurred.")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// rateLimit applies the per-IP ingest rate limit. Rejected requests carry a
// Retry-After header with the wait in whole seconds, rounded up.
func (s *ApiServer) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := s.rateLimiter.Allow(clientIPFromRequest(r))
		if !allowed {
			s.metrics.RateLimited()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			s.jsonError(w, http.StatusTooManyRequests, "Rate limit exceeded.")
			return
		}
		next(w, r)
	}
}

func (s *ApiServer) jsonResponse(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Debug("Error writing API response", zap.Error(err))
	}
}

// rawResponse writes a payload that is already serialized JSON, the cached
// read path uses it to avoid a decode/encode round trip.
func (s *ApiServer) rawResponse(w http.ResponseWriter, code int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(payload); err != nil {
		s.logger.Debug("Error writing API response", zap.Error(err))
	}
}

func (s *ApiServer) jsonError(w http.ResponseWriter, code int, message string) {
	s.jsonResponse(w, code, map[string]string{"error": message})
}

// errorResponse maps a classified error onto its HTTP status. Server-side
// failures are logged and masked with a generic message, client-facing
// classifications pass their message through.
func (s *ApiServer) errorResponse(w http.ResponseWriter, r *http.Request, err error) {
	code := httpStatusForKind(ErrorKindOf(err))
	message := err.Error()
	if code >= http.StatusInternalServerError {
		s.logger.Error("API request failed", zap.String("path", r.URL.Path), zap.Error(err))
		message = "An unexpected error occurred."
	}
	s.jsonError(w, code, message)
}

// parseLimitOffset reads the shared pagination query parameters. The limit
// defaults to defLimit and is clamped at maxLimit, negative values are
// rejected.
func parseLimitOffset(r *http.Request, defLimit, maxLimit int) (int, int, error) {
	limit := defLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return 0, 0, StatusError(ErrorKindValidation, "Limit must be a positive integer.", err)
		}
		if parsed > maxLimit {
			parsed = maxLimit
		}
		limit = parsed
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return 0, 0, StatusError(ErrorKindValidation, "Offset must be a non-negative integer.", err)
		}
		offset = parsed
	}
	return limit, offset, nil
}
