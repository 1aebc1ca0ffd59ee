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
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/uber-go/tally/v4"
	"github.com/uber-go/tally/v4/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Metrics is the surface the rest of the server reports operational data
// through. Implementations must be safe for concurrent use.
type Metrics interface {
	// SnapshotLatencyMs returns the average API latency over the last
	// reporting window, surfaced on the health endpoint.
	SnapshotLatencyMs() float64

	Api(name string, elapsed time.Duration, isErr bool)
	RateLimited()

	EventsIngested(accepted, rejected int64)
	EventsTruncated(count int64)

	JobEnqueued(jobType string)
	JobCompleted(jobType string, elapsed time.Duration)
	JobFailed(jobType string)
	JobDeadLettered(jobType string)
	JobStalled(jobType string)
	QueueDepth(waiting, active, dead int64)

	AggregatedEvents(aggregator string, count int64, elapsed time.Duration)
	TournamentTransition(to string)
	PrizesDistributed(count int64)

	CacheHit(family string)
	CacheMiss(family string)

	DbPoolState(open, idle, inUse int, waitCount int64)

	CustomCounter(name string, tags map[string]string, delta int64)
	CustomGauge(name string, tags map[string]string, value float64)
	CustomTimer(name string, tags map[string]string, value time.Duration)

	Stop(logger *zap.Logger)
}

// LocalMetrics is a tally-backed Metrics implementation with an optional
// Prometheus scrape endpoint on its own port.
type LocalMetrics struct {
	logger *zap.Logger
	config Config

	snapshotLatencyMs *atomic.Float64
	currentReqCount   *atomic.Int64
	currentMsTotal    *atomic.Int64

	refreshCtx         context.Context
	refreshCtxCancelFn context.CancelFunc

	prometheusScope      tally.Scope
	prometheusCloser     io.Closer
	prometheusHTTPServer *http.Server
}

func NewLocalMetrics(logger, startupLogger *zap.Logger, config Config) *LocalMetrics {
	m := &LocalMetrics{
		logger: logger,
		config: config,

		snapshotLatencyMs: atomic.NewFloat64(0),
		currentReqCount:   atomic.NewInt64(0),
		currentMsTotal:    atomic.NewInt64(0),
	}
	m.refreshCtx, m.refreshCtxCancelFn = context.WithCancel(context.Background())

	reportingFreq := time.Duration(config.GetMetrics().ReportingFreqSec) * time.Second

	go func() {
		ticker := time.NewTicker(reportingFreq)
		defer ticker.Stop()
		for {
			select {
			case <-m.refreshCtx.Done():
				return
			case <-ticker.C:
				reqCount := float64(m.currentReqCount.Swap(0))
				msTotal := m.currentMsTotal.Swap(0)
				if reqCount > 0 {
					m.snapshotLatencyMs.Store(float64(msTotal) / reqCount)
				} else {
					m.snapshotLatencyMs.Store(0)
				}
			}
		}
	}()

	reporter := prometheus.NewReporter(prometheus.Options{
		OnRegisterError: func(err error) {
			logger.Error("Error registering Prometheus metric", zap.Error(err))
		},
	})
	m.prometheusScope, m.prometheusCloser = tally.NewRootScope(tally.ScopeOptions{
		Prefix:          config.GetMetrics().Prefix,
		Tags:            map[string]string{"node_name": config.GetName()},
		CachedReporter:  reporter,
		Separator:       prometheus.DefaultSeparator,
		SanitizeOptions: &prometheus.DefaultSanitizerOpts,
	}, reportingFreq)

	if config.GetMetrics().PrometheusPort > 0 {
		router := mux.NewRouter()
		router.Handle("/metrics", reporter.HTTPHandler()).Methods("GET")
		CORSHeaders := handlers.AllowedHeaders([]string{"Content-Type", "User-Agent"})
		CORSOrigins := handlers.AllowedOrigins([]string{"*"})
		CORSMethods := handlers.AllowedMethods([]string{"GET", "HEAD"})
		handlerWithCORS := handlers.CORS(CORSHeaders, CORSOrigins, CORSMethods)(router)

		m.prometheusHTTPServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", config.GetMetrics().PrometheusPort),
			ReadTimeout:  time.Millisecond * time.Duration(int64(config.GetApi().ReadTimeoutMs)),
			WriteTimeout: time.Millisecond * time.Duration(int64(config.GetApi().WriteTimeoutMs)),
			IdleTimeout:  time.Millisecond * time.Duration(int64(config.GetApi().IdleTimeoutMs)),
			Handler:      handlerWithCORS,
		}

		startupLogger.Info("Starting Prometheus server for metrics requests", zap.Int("port", config.GetMetrics().PrometheusPort))
		go func() {
			if err := m.prometheusHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				startupLogger.Fatal("Prometheus listener failed.", zap.Error(err))
			}
		}()
	}

	return m
}

func (m *LocalMetrics) SnapshotLatencyMs() float64 {
	return m.snapshotLatencyMs.Load()
}

func (m *LocalMetrics) Api(name string, elapsed time.Duration, isErr bool) {
	m.currentReqCount.Inc()
	m.currentMsTotal.Add(elapsed.Milliseconds())

	tags := map[string]string{"path": name}
	m.prometheusScope.Tagged(tags).Counter("api_request_count").Inc(1)
	if isErr {
		m.prometheusScope.Tagged(tags).Counter("api_request_error_count").Inc(1)
	}
	m.prometheusScope.Tagged(tags).Timer("api_request_latency").Record(elapsed)
}

func (m *LocalMetrics) RateLimited() {
	m.prometheusScope.Counter("api_rate_limited_count").Inc(1)
}

func (m *LocalMetrics) EventsIngested(accepted, rejected int64) {
	if accepted > 0 {
		m.prometheusScope.Counter("events_accepted_count").Inc(accepted)
	}
	if rejected > 0 {
		m.prometheusScope.Counter("events_rejected_count").Inc(rejected)
	}
}

func (m *LocalMetrics) EventsTruncated(count int64) {
	m.prometheusScope.Counter("events_truncated_count").Inc(count)
}

func (m *LocalMetrics) JobEnqueued(jobType string) {
	m.prometheusScope.Tagged(map[string]string{"job_type": jobType}).Counter("jobs_enqueued_count").Inc(1)
}

func (m *LocalMetrics) JobCompleted(jobType string, elapsed time.Duration) {
	tags := map[string]string{"job_type": jobType}
	m.prometheusScope.Tagged(tags).Counter("jobs_completed_count").Inc(1)
	m.prometheusScope.Tagged(tags).Timer("jobs_run_latency").Record(elapsed)
}

func (m *LocalMetrics) JobFailed(jobType string) {
	m.prometheusScope.Tagged(map[string]string{"job_type": jobType}).Counter("jobs_failed_count").Inc(1)
}

func (m *LocalMetrics) JobDeadLettered(jobType string) {
	m.prometheusScope.Tagged(map[string]string{"job_type": jobType}).Counter("jobs_dead_letter_count").Inc(1)
}

func (m *LocalMetrics) JobStalled(jobType string) {
	m.prometheusScope.Tagged(map[string]string{"job_type": jobType}).Counter("jobs_stalled_count").Inc(1)
}

func (m *LocalMetrics) QueueDepth(waiting, active, dead int64) {
	m.prometheusScope.Gauge("jobs_waiting").Update(float64(waiting))
	m.prometheusScope.Gauge("jobs_active").Update(float64(active))
	m.prometheusScope.Gauge("jobs_dead_letter").Update(float64(dead))
}

func (m *LocalMetrics) AggregatedEvents(aggregator string, count int64, elapsed time.Duration) {
	tags := map[string]string{"aggregator": aggregator}
	m.prometheusScope.Tagged(tags).Counter("aggregated_events_count").Inc(count)
	m.prometheusScope.Tagged(tags).Timer("aggregate_batch_latency").Record(elapsed)
}

func (m *LocalMetrics) TournamentTransition(to string) {
	m.prometheusScope.Tagged(map[string]string{"to": to}).Counter("tournament_transition_count").Inc(1)
}

func (m *LocalMetrics) PrizesDistributed(count int64) {
	m.prometheusScope.Counter("prizes_distributed_count").Inc(count)
}

func (m *LocalMetrics) CacheHit(family string) {
	m.prometheusScope.Tagged(map[string]string{"family": family}).Counter("query_cache_hit_count").Inc(1)
}

func (m *LocalMetrics) CacheMiss(family string) {
	m.prometheusScope.Tagged(map[string]string{"family": family}).Counter("query_cache_miss_count").Inc(1)
}

func (m *LocalMetrics) DbPoolState(open, idle, inUse int, waitCount int64) {
	m.prometheusScope.Gauge("db_conns_open").Update(float64(open))
	m.prometheusScope.Gauge("db_conns_idle").Update(float64(idle))
	m.prometheusScope.Gauge("db_conns_in_use").Update(float64(inUse))
	m.prometheusScope.Gauge("db_conns_wait_count").Update(float64(waitCount))
}

// CustomCounter adds the given delta to a counter in the custom metrics.
func (m *LocalMetrics) CustomCounter(name string, tags map[string]string, delta int64) {
	m.prometheusScope.Tagged(tags).Counter(name).Inc(delta)
}

// CustomGauge sets the given value to a gauge in the custom metrics.
func (m *LocalMetrics) CustomGauge(name string, tags map[string]string, value float64) {
	m.prometheusScope.Tagged(tags).Gauge(name).Update(value)
}

// CustomTimer records the given value to a timer in the custom metrics.
func (m *LocalMetrics) CustomTimer(name string, tags map[string]string, value time.Duration) {
	m.prometheusScope.Tagged(tags).Timer(name).Record(value)
}

func (m *LocalMetrics) Stop(logger *zap.Logger) {
	if m.prometheusHTTPServer != nil {
		ctx, ctxCancelFn := context.WithTimeout(context.Background(), 5*time.Second)
		defer ctxCancelFn()
		if err := m.prometheusHTTPServer.Shutdown(ctx); err != nil {
			logger.Error("Prometheus listener shutdown failed.", zap.Error(err))
		}
	}
	if err := m.prometheusCloser.Close(); err != nil {
		logger.Error("Prometheus reporter close failed.", zap.Error(err))
	}
	m.refreshCtxCancelFn()
}
