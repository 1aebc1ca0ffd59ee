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
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Scheduler drives the periodic server maintenance: tournament state
// transitions, aggregation kicks, the retention sweep and weekly tournament
// creation.
type Scheduler interface {
	Start()
	Pause()
	Resume()
	Stop()
}

// schedulerEntry is one named periodic task. Interval entries fire on a
// fixed period, the weekly creation entry computes its next run time after
// each fire. The lock key serializes the entry across server instances.
type schedulerEntry struct {
	name     string
	lockKey  int64
	pausable bool
	interval time.Duration
	nextRun  func(now time.Time) time.Time
	fn       func(ctx context.Context)
}

// LocalScheduler fires timer entries into a callback queue consumed by a
// single invoker goroutine, so timed maintenance never runs concurrently
// with itself on one instance. Each entry takes a database advisory lock
// before running, so a fleet of instances executes every tick exactly once.
// Aggregation and sweep ticks are dispatched through the job queue; only
// tournament transitions run in the scheduler itself to keep the state
// machine on schedule.
type LocalScheduler struct {
	sync.Mutex
	logger  *zap.Logger
	db      *sql.DB
	config  Config
	manager *TournamentManager
	queue   JobQueue

	active        *atomic.Uint32
	entries       []*schedulerEntry
	callbackQueue chan *schedulerEntry

	ctx         context.Context
	ctxCancelFn context.CancelFunc
	wg          sync.WaitGroup
}

func NewLocalScheduler(logger *zap.Logger, config Config, db *sql.DB, manager *TournamentManager, queue JobQueue) Scheduler {
	ctx, ctxCancelFn := context.WithCancel(context.Background())

	s := &LocalScheduler{
		logger:  logger,
		db:      db,
		config:  config,
		manager: manager,
		queue:   queue,

		active: atomic.NewUint32(1),

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,
	}

	aggregator := config.GetAggregator()
	retention := config.GetRetention()
	s.entries = []*schedulerEntry{
		{
			name:     "tournament_transitions",
			lockKey:  lockKeyTournamentTransitions,
			interval: time.Duration(aggregator.TransitionIntervalSec) * time.Second,
			fn:       s.manager.RunTransitions,
		},
		{
			name:     "global_aggregation",
			lockKey:  lockKeyGlobalAggregation,
			pausable: true,
			interval: time.Duration(aggregator.GlobalIntervalSec) * time.Second,
			fn:       s.enqueueJob(JobTypeLeaderboardAggregate, JobPriorityHigh),
		},
		{
			name:     "tournament_aggregation",
			lockKey:  lockKeyTournamentAggregation,
			pausable: true,
			interval: time.Duration(aggregator.TournamentIntervalSec) * time.Second,
			fn:       s.enqueueJob(JobTypeTournamentAggregate, JobPriorityHigh),
		},
		{
			name:     "retention_sweep",
			lockKey:  lockKeyRetentionSweep,
			pausable: true,
			interval: time.Duration(retention.SweepIntervalSec) * time.Second,
			fn:       s.enqueueJob(JobTypeRetentionSweep, JobPriorityLow),
		},
		{
			name:    "tournament_creation",
			lockKey: lockKeyTournamentCreation,
			nextRun: s.nextCreationRun,
			fn:      s.enqueueJob(JobTypeTournamentCreate, JobPriorityNormal),
		},
	}
	s.callbackQueue = make(chan *schedulerEntry, len(s.entries)*2)

	return s
}

func (s *LocalScheduler) Start() {
	s.wg.Add(1)
	go s.invokerLoop()

	for _, entry := range s.entries {
		s.wg.Add(1)
		go s.timerLoop(entry)
	}

	s.logger.Info("Scheduler started", zap.Int("entries", len(s.entries)))
}

// Pause suspends the pausable entries. Tournament transitions and weekly
// creation keep firing, the state machine does not wait out load spikes.
func (s *LocalScheduler) Pause() {
	if s.active.CompareAndSwap(1, 0) {
		s.logger.Info("Scheduler paused")
	}
}

func (s *LocalScheduler) Resume() {
	if s.active.CompareAndSwap(0, 1) {
		s.logger.Info("Scheduler resumed")
	}
}

func (s *LocalScheduler) Stop() {
	s.ctxCancelFn()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *LocalScheduler) timerLoop(entry *schedulerEntry) {
	defer s.wg.Done()

	next := entry.interval
	if entry.nextRun != nil {
		next = time.Until(entry.nextRun(time.Now().UTC()))
	}

	timer := time.NewTimer(next)
	defer func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
			select {
			case s.callbackQueue <- entry:
			default:
				// Invoker is behind, drop this tick rather than queueing
				// duplicates. The next tick retries.
				s.logger.Warn("Scheduler callback queue full, skipping tick", zap.String("entry", entry.name))
			}

			next = entry.interval
			if entry.nextRun != nil {
				next = time.Until(entry.nextRun(time.Now().UTC()))
			}
			timer.Reset(next)
		}
	}
}

func (s *LocalScheduler) invokerLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case entry := <-s.callbackQueue:
			s.invoke(entry)
		}
	}
}

func (s *LocalScheduler) invoke(entry *schedulerEntry) {
	if entry.pausable && s.active.Load() != 1 {
		s.logger.Debug("Scheduler entry skipped while paused", zap.String("entry", entry.name))
		return
	}

	conn, acquired, err := AcquireAdvisoryLock(s.ctx, s.db, entry.lockKey)
	if err != nil {
		if s.ctx.Err() == nil {
			s.logger.Error("Error acquiring scheduler lock", zap.String("entry", entry.name), zap.Error(err))
		}
		return
	}
	if !acquired {
		s.logger.Debug("Scheduler entry held by another instance", zap.String("entry", entry.name))
		return
	}
	defer ReleaseAdvisoryLock(s.ctx, s.logger, conn, entry.lockKey)

	start := time.Now()
	entry.fn(s.ctx)
	s.logger.Debug("Scheduler entry complete", zap.String("entry", entry.name), zap.Duration("elapsed", time.Since(start)))
}

// enqueueJob adapts a job submission into a scheduler entry callback. The
// queue runs the work on its own workers, or synchronously right here when
// the queue is degraded, so the tick is never lost either way.
func (s *LocalScheduler) enqueueJob(jobType string, priority JobPriority) func(ctx context.Context) {
	return func(ctx context.Context) {
		if err := s.queue.Enqueue(ctx, jobType, priority, nil); err != nil {
			s.logger.Error("Error enqueuing scheduled job", zap.String("type", jobType), zap.Error(err))
		}
	}
}

// nextCreationRun computes the next weekly tournament creation time from the
// configured UTC weekday, hour and minute, strictly after now.
func (s *LocalScheduler) nextCreationRun(now time.Time) time.Time {
	tournament := s.config.GetTournament()
	weekday := parseWeekday(tournament.CreateWeekday)

	next := time.Date(now.Year(), now.Month(), now.Day(), tournament.CreateHour, tournament.CreateMinute, 0, 0, time.UTC)
	days := (int(weekday) - int(next.Weekday()) + 7) % 7
	next = next.AddDate(0, 0, days)
	if !next.After(now) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}

func parseWeekday(name string) time.Weekday {
	switch strings.ToLower(name) {
	case "monday":
		return time.Monday
	case "tuesday":
		return time.Tuesday
	case "wednesday":
		return time.Wednesday
	case "thursday":
		return time.Thursday
	case "friday":
		return time.Friday
	case "saturday":
		return time.Saturday
	default:
		return time.Sunday
	}
}
