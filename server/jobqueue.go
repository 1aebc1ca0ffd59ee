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
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Job types dispatched through the queue. Handlers are registered by name
// during server startup.
const (
	JobTypeLeaderboardAggregate = "leaderboard.aggregate"
	JobTypeTournamentAggregate  = "tournament.aggregate"
	JobTypeAnalyticsInvalidate  = "analytics.invalidate"
	JobTypeActivityTouch        = "activity.touch"
	JobTypeRetentionSweep       = "retention.sweep"
	JobTypeTournamentCreate     = "tournament.create"
)

type JobPriority string

const (
	JobPriorityHigh   JobPriority = "high"
	JobPriorityNormal JobPriority = "normal"
	JobPriorityLow    JobPriority = "low"
)

// jobPriorities is the strict dispatch order. Within one priority jobs are
// FIFO.
var jobPriorities = [...]JobPriority{JobPriorityHigh, JobPriorityNormal, JobPriorityLow}

const (
	jobKeyPrefix    = "pulse:jobs:"
	jobKeyDelayed   = jobKeyPrefix + "delayed"
	jobKeyActive    = jobKeyPrefix + "active"
	jobKeyDead      = jobKeyPrefix + "dead"
	jobKeyCompleted = jobKeyPrefix + "counter:completed"
	jobKeyFailed    = jobKeyPrefix + "counter:failed"

	// Dead-lettered jobs are kept for inspection, bounded so an unhandled
	// failure mode cannot grow the key without limit.
	jobDeadLetterKeep = 1000
)

func jobKeyWaiting(priority JobPriority) string {
	return jobKeyPrefix + "waiting:" + string(priority)
}

// jobForEvent maps an ingested event type onto the job type and priority of
// its write-behind work. Scoring events carry the leaderboard pipeline so
// they dispatch first, progression events refresh analytics, everything else
// only touches the live activity feed.
func jobForEvent(eventType string) (string, JobPriority) {
	switch eventType {
	case "game_ended":
		return JobTypeLeaderboardAggregate, JobPriorityHigh
	case "level_completed", "currency_earned", "currency_spent":
		return JobTypeAnalyticsInvalidate, JobPriorityNormal
	default:
		return JobTypeActivityTouch, JobPriorityLow
	}
}

// Job is the queue envelope. The raw JSON encoding of the envelope is used
// as the member value in the backing lists and sets, so two envelopes are
// distinct as long as their IDs are.
type Job struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Priority     JobPriority     `json:"priority"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	AttemptsLeft int             `json:"attempts_left"`
	Stalled      int             `json:"stalled"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
}

type JobHandler func(ctx context.Context, payload json.RawMessage) error

type JobQueueStats struct {
	Waiting     int64 `json:"waiting"`
	Delayed     int64 `json:"delayed"`
	Active      int64 `json:"active"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
	Dead        int64 `json:"dead"`
	Workers     int   `json:"workers"`
	BusyWorkers int   `json:"busy_workers"`
	Degraded    bool  `json:"degraded"`
}

// JobQueue dispatches write-behind work at three strict priorities. Failed
// jobs are retried with exponential backoff and dead-lettered when their
// attempts are exhausted. Without a cache server the queue degrades to
// synchronous execution in the caller, so enqueued work is never silently
// dropped.
type JobQueue interface {
	Register(jobType string, handler JobHandler)
	Start()
	Enqueue(ctx context.Context, jobType string, priority JobPriority, payload interface{}) error
	Stats(ctx context.Context) JobQueueStats
	Healthy(ctx context.Context) bool
	Pause()
	Resume()
	Stop()
}

type LocalJobQueue struct {
	logger  *zap.Logger
	config  Config
	metrics Metrics
	client  *redis.Client

	ctx         context.Context
	ctxCancelFn context.CancelFunc

	handlersMu sync.RWMutex
	handlers   map[string]JobHandler

	wg          sync.WaitGroup
	paused      *atomic.Bool
	stopped     *atomic.Bool
	busyWorkers *atomic.Int32

	workers      int
	maxAttempts  int
	maxStalled   int
	deadline     time.Duration
	backoffBase  time.Duration
	stalledGrace time.Duration
	pollInterval time.Duration
}

func NewLocalJobQueue(logger *zap.Logger, config Config, metrics Metrics, client *redis.Client) JobQueue {
	ctx, ctxCancelFn := context.WithCancel(context.Background())

	return &LocalJobQueue{
		logger:  logger,
		config:  config,
		metrics: metrics,
		client:  client,

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,

		handlers: make(map[string]JobHandler, 8),

		paused:      atomic.NewBool(false),
		stopped:     atomic.NewBool(false),
		busyWorkers: atomic.NewInt32(0),

		workers:      config.GetJobs().Workers,
		maxAttempts:  config.GetJobs().MaxAttempts,
		maxStalled:   config.GetJobs().MaxStalled,
		deadline:     time.Duration(config.GetJobs().DeadlineSec) * time.Second,
		backoffBase:  time.Duration(config.GetJobs().BackoffBaseMs) * time.Millisecond,
		stalledGrace: time.Duration(config.GetJobs().StalledGraceSec) * time.Second,
		pollInterval: time.Duration(config.GetJobs().PollIntervalMs) * time.Millisecond,
	}
}

func (q *LocalJobQueue) Register(jobType string, handler JobHandler) {
	q.handlersMu.Lock()
	q.handlers[jobType] = handler
	q.handlersMu.Unlock()
}

func (q *LocalJobQueue) Start() {
	if q.client == nil {
		q.logger.Warn("Job queue starting in degraded mode, jobs will run synchronously at enqueue")
		return
	}

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.workerLoop()
	}
	q.wg.Add(1)
	go q.reaperLoop()

	q.logger.Info("Job queue started", zap.Int("workers", q.workers))
}

// Enqueue submits work for asynchronous execution. When the queue is
// degraded, or the submit itself fails, the handler runs synchronously in
// the calling goroutine instead and its outcome is logged, not returned.
// Persisted state never depends on job execution so a lost or failed job is
// recovered by the timer-driven passes.
func (q *LocalJobQueue) Enqueue(ctx context.Context, jobType string, priority JobPriority, payload interface{}) error {
	var raw json.RawMessage
	if payload != nil {
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("error encoding job payload: %w", err)
		}
	}

	job := &Job{
		ID:           uuid.Must(uuid.NewV4()).String(),
		Type:         jobType,
		Priority:     priority,
		Payload:      raw,
		AttemptsLeft: q.maxAttempts,
		EnqueuedAt:   time.Now().UTC(),
	}

	if q.client == nil {
		q.runSync(ctx, job)
		return nil
	}

	envelope, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("error encoding job envelope: %w", err)
	}
	if err := q.client.RPush(ctx, jobKeyWaiting(priority), envelope).Err(); err != nil {
		q.logger.Warn("Error enqueueing job, running synchronously", zap.String("type", jobType), zap.Error(err))
		q.runSync(ctx, job)
		return nil
	}

	q.metrics.JobEnqueued(jobType)
	return nil
}

func (q *LocalJobQueue) Stats(ctx context.Context) JobQueueStats {
	stats := JobQueueStats{
		Workers:     q.workers,
		BusyWorkers: int(q.busyWorkers.Load()),
		Degraded:    !q.Healthy(ctx),
	}
	if q.client == nil {
		return stats
	}

	for _, priority := range jobPriorities {
		count, err := q.client.LLen(ctx, jobKeyWaiting(priority)).Result()
		if err != nil {
			return stats
		}
		stats.Waiting += count
	}
	stats.Delayed, _ = q.client.ZCard(ctx, jobKeyDelayed).Result()
	stats.Active, _ = q.client.ZCard(ctx, jobKeyActive).Result()
	stats.Dead, _ = q.client.LLen(ctx, jobKeyDead).Result()
	if value, err := q.client.Get(ctx, jobKeyCompleted).Result(); err == nil {
		stats.Completed, _ = strconv.ParseInt(value, 10, 64)
	}
	if value, err := q.client.Get(ctx, jobKeyFailed).Result(); err == nil {
		stats.Failed, _ = strconv.ParseInt(value, 10, 64)
	}
	return stats
}

func (q *LocalJobQueue) Healthy(ctx context.Context) bool {
	if q.client == nil {
		return false
	}
	pingCtx, pingCancel := context.WithTimeout(ctx, time.Second)
	defer pingCancel()
	return q.client.Ping(pingCtx).Err() == nil
}

func (q *LocalJobQueue) Pause() {
	if q.paused.CompareAndSwap(false, true) {
		q.logger.Warn("Job queue paused")
	}
}

func (q *LocalJobQueue) Resume() {
	if q.paused.CompareAndSwap(true, false) {
		q.logger.Info("Job queue resumed")
	}
}

func (q *LocalJobQueue) Stop() {
	if !q.stopped.CompareAndSwap(false, true) {
		return
	}
	q.ctxCancelFn()
	q.wg.Wait()
	q.logger.Info("Job queue stopped")
}

func (q *LocalJobQueue) workerLoop() {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		default:
		}

		if q.paused.Load() {
			q.sleep(q.pollInterval)
			continue
		}

		job, envelope, ok := q.dequeue(q.ctx)
		if !ok {
			q.sleep(q.pollInterval)
			continue
		}
		q.run(job, envelope)
	}
}

func (q *LocalJobQueue) sleep(d time.Duration) {
	select {
	case <-q.ctx.Done():
	case <-time.After(d):
	}
}

// dequeue pops the next ready job, trying priorities in strict order, and
// locks it in the active set for the stalled grace period. A crash between
// the pop and the lock write loses only the kick, the work itself is
// repeated by the timer-driven passes.
func (q *LocalJobQueue) dequeue(ctx context.Context) (*Job, string, bool) {
	for _, priority := range jobPriorities {
		envelope, err := q.client.LPop(ctx, jobKeyWaiting(priority)).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				q.logger.Debug("Error dequeueing job", zap.Error(err))
			}
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(envelope), &job); err != nil {
			q.logger.Error("Dropping malformed job envelope", zap.Error(err))
			q.client.Incr(ctx, jobKeyFailed)
			continue
		}

		lockDeadline := float64(time.Now().Add(q.stalledGrace).UnixMilli())
		if err := q.client.ZAdd(ctx, jobKeyActive, redis.Z{Score: lockDeadline, Member: envelope}).Err(); err != nil && ctx.Err() == nil {
			q.logger.Warn("Error locking job", zap.String("id", job.ID), zap.Error(err))
		}
		return &job, envelope, true
	}
	return nil, "", false
}

func (q *LocalJobQueue) run(job *Job, envelope string) {
	q.busyWorkers.Inc()
	defer q.busyWorkers.Dec()

	start := time.Now()
	err := q.invoke(q.ctx, job)
	if err != nil {
		q.logger.Warn("Job failed", zap.String("id", job.ID), zap.String("type", job.Type), zap.Int("attempts_left", job.AttemptsLeft-1), zap.Error(err))
		q.metrics.JobFailed(job.Type)
		q.retry(job, envelope)
		return
	}

	q.ack(job, envelope)
	q.metrics.JobCompleted(job.Type, time.Since(start))
}

// invoke runs the handler for the job under the per-job deadline, converting
// panics into errors so one bad handler cannot take a worker down.
func (q *LocalJobQueue) invoke(ctx context.Context, job *Job) (err error) {
	q.handlersMu.RLock()
	handler, found := q.handlers[job.Type]
	q.handlersMu.RUnlock()
	if !found {
		return fmt.Errorf("no handler registered for job type %q", job.Type)
	}

	runCtx, runCancel := context.WithTimeout(ctx, q.deadline)
	defer runCancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return handler(runCtx, job.Payload)
}

func (q *LocalJobQueue) ack(job *Job, envelope string) {
	pipe := q.client.Pipeline()
	pipe.ZRem(q.ctx, jobKeyActive, envelope)
	pipe.Incr(q.ctx, jobKeyCompleted)
	if _, err := pipe.Exec(q.ctx); err != nil && q.ctx.Err() == nil {
		// The lock expires and the job is re-dispatched. Handlers are
		// idempotent so the repeat run is safe.
		q.logger.Warn("Error acking job", zap.String("id", job.ID), zap.Error(err))
	}
}

// retry schedules the next attempt with exponential backoff, or dead-letters
// the job once its attempts are exhausted.
func (q *LocalJobQueue) retry(job *Job, envelope string) {
	delay := backoffDelay(q.backoffBase, q.maxAttempts, job.AttemptsLeft)
	job.AttemptsLeft--

	next, err := json.Marshal(job)
	if err != nil {
		q.logger.Error("Error encoding job for retry", zap.String("id", job.ID), zap.Error(err))
		return
	}

	pipe := q.client.Pipeline()
	pipe.ZRem(q.ctx, jobKeyActive, envelope)
	pipe.Incr(q.ctx, jobKeyFailed)
	if job.AttemptsLeft <= 0 {
		pipe.RPush(q.ctx, jobKeyDead, next)
		pipe.LTrim(q.ctx, jobKeyDead, -jobDeadLetterKeep, -1)
	} else {
		readyAt := float64(time.Now().Add(delay).UnixMilli())
		pipe.ZAdd(q.ctx, jobKeyDelayed, redis.Z{Score: readyAt, Member: next})
	}
	if _, err := pipe.Exec(q.ctx); err != nil && q.ctx.Err() == nil {
		q.logger.Warn("Error scheduling job retry", zap.String("id", job.ID), zap.Error(err))
		return
	}

	if job.AttemptsLeft <= 0 {
		q.logger.Error("Job dead-lettered", zap.String("id", job.ID), zap.String("type", job.Type))
		q.metrics.JobDeadLettered(job.Type)
	}
}

// backoffDelay returns base * 2^(maxAttempts - attemptsLeft), so with the
// default three attempts the first retry waits base and the second 2*base.
func backoffDelay(base time.Duration, maxAttempts, attemptsLeft int) time.Duration {
	exp := maxAttempts - attemptsLeft
	if exp < 0 {
		exp = 0
	}
	if exp > 16 {
		exp = 16
	}
	return base << uint(exp)
}

func (q *LocalJobQueue) reaperLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.pollInterval * 5)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.promoteDelayed(q.ctx)
			q.reclaimStalled(q.ctx)
			q.reportDepth(q.ctx)
		}
	}
}

// promoteDelayed moves due members of the delayed set onto their waiting
// lists. The ZRem acts as the claim so concurrent reapers cannot dispatch
// the same job twice.
func (q *LocalJobQueue) promoteDelayed(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := q.client.ZRangeByScore(ctx, jobKeyDelayed, &redis.ZRangeBy{Min: "-inf", Max: now, Count: 100}).Result()
	if err != nil {
		if ctx.Err() == nil {
			q.logger.Debug("Error reading delayed jobs", zap.Error(err))
		}
		return
	}

	for _, envelope := range due {
		removed, err := q.client.ZRem(ctx, jobKeyDelayed, envelope).Result()
		if err != nil || removed == 0 {
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(envelope), &job); err != nil {
			q.logger.Error("Dropping malformed delayed job", zap.Error(err))
			continue
		}
		if err := q.client.RPush(ctx, jobKeyWaiting(job.Priority), envelope).Err(); err != nil && ctx.Err() == nil {
			q.logger.Warn("Error promoting delayed job", zap.String("id", job.ID), zap.Error(err))
		}
	}
}

// reclaimStalled re-dispatches jobs whose lock deadline has passed without
// an ack, usually after a worker crash. Jobs stalled too many times are
// dead-lettered instead of looping forever.
func (q *LocalJobQueue) reclaimStalled(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	expired, err := q.client.ZRangeByScore(ctx, jobKeyActive, &redis.ZRangeBy{Min: "-inf", Max: now, Count: 100}).Result()
	if err != nil {
		if ctx.Err() == nil {
			q.logger.Debug("Error reading active jobs", zap.Error(err))
		}
		return
	}

	for _, envelope := range expired {
		removed, err := q.client.ZRem(ctx, jobKeyActive, envelope).Result()
		if err != nil || removed == 0 {
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(envelope), &job); err != nil {
			q.logger.Error("Dropping malformed stalled job", zap.Error(err))
			continue
		}

		job.Stalled++
		q.metrics.JobStalled(job.Type)

		next, err := json.Marshal(&job)
		if err != nil {
			q.logger.Error("Error encoding stalled job", zap.String("id", job.ID), zap.Error(err))
			continue
		}
		if job.Stalled > q.maxStalled {
			q.logger.Error("Stalled job dead-lettered", zap.String("id", job.ID), zap.String("type", job.Type), zap.Int("stalled", job.Stalled))
			pipe := q.client.Pipeline()
			pipe.Incr(ctx, jobKeyFailed)
			pipe.RPush(ctx, jobKeyDead, next)
			pipe.LTrim(ctx, jobKeyDead, -jobDeadLetterKeep, -1)
			if _, err := pipe.Exec(ctx); err != nil && ctx.Err() == nil {
				q.logger.Warn("Error dead-lettering stalled job", zap.String("id", job.ID), zap.Error(err))
			}
			q.metrics.JobDeadLettered(job.Type)
			continue
		}

		q.logger.Warn("Re-dispatching stalled job", zap.String("id", job.ID), zap.String("type", job.Type), zap.Int("stalled", job.Stalled))
		if err := q.client.RPush(ctx, jobKeyWaiting(job.Priority), next).Err(); err != nil && ctx.Err() == nil {
			q.logger.Warn("Error re-dispatching stalled job", zap.String("id", job.ID), zap.Error(err))
		}
	}
}

func (q *LocalJobQueue) reportDepth(ctx context.Context) {
	var waiting int64
	for _, priority := range jobPriorities {
		count, err := q.client.LLen(ctx, jobKeyWaiting(priority)).Result()
		if err != nil {
			return
		}
		waiting += count
	}
	active, err := q.client.ZCard(ctx, jobKeyActive).Result()
	if err != nil {
		return
	}
	dead, err := q.client.LLen(ctx, jobKeyDead).Result()
	if err != nil {
		return
	}
	q.metrics.QueueDepth(waiting, active, dead)
}

// runSync executes the job inline under the usual deadline. Used when no
// cache server is configured or an enqueue fails.
func (q *LocalJobQueue) runSync(ctx context.Context, job *Job) {
	start := time.Now()
	if err := q.invoke(ctx, job); err != nil {
		q.logger.Warn("Synchronous job failed", zap.String("type", job.Type), zap.Error(err))
		q.metrics.JobFailed(job.Type)
		return
	}
	q.metrics.JobCompleted(job.Type, time.Since(start))
}
