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
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func newTestJobQueue(t *testing.T, client *redis.Client) *LocalJobQueue {
	t.Helper()
	config := NewConfig()
	config.Jobs.Workers = 2
	config.Jobs.BackoffBaseMs = 20
	config.Jobs.PollIntervalMs = 10
	q := NewLocalJobQueue(logger, config, metrics, client).(*LocalJobQueue)
	t.Cleanup(q.Stop)
	return q
}

func TestJobForEvent(t *testing.T) {
	jobType, priority := jobForEvent("game_ended")
	assert.Equal(t, JobTypeLeaderboardAggregate, jobType)
	assert.Equal(t, JobPriorityHigh, priority)

	for _, eventType := range []string{"level_completed", "currency_earned", "currency_spent"} {
		jobType, priority = jobForEvent(eventType)
		assert.Equal(t, JobTypeAnalyticsInvalidate, jobType)
		assert.Equal(t, JobPriorityNormal, priority)
	}

	for _, eventType := range []string{"app_launched", "game_started", "tutorial_completed"} {
		jobType, priority = jobForEvent(eventType)
		assert.Equal(t, JobTypeActivityTouch, jobType)
		assert.Equal(t, JobPriorityLow, priority)
	}
}

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, 2*time.Second, backoffDelay(2*time.Second, 3, 3))
	assert.Equal(t, 4*time.Second, backoffDelay(2*time.Second, 3, 2))
	assert.Equal(t, 8*time.Second, backoffDelay(2*time.Second, 3, 1))
	assert.Equal(t, 2*time.Second, backoffDelay(2*time.Second, 3, 5))
}

func TestJobQueuePriorityOrder(t *testing.T) {
	_, client := newTestCache(t)
	q := newTestJobQueue(t, client)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, JobTypeActivityTouch, JobPriorityLow, map[string]string{"n": "1"}))
	require.NoError(t, q.Enqueue(ctx, JobTypeAnalyticsInvalidate, JobPriorityNormal, map[string]string{"n": "2"}))
	require.NoError(t, q.Enqueue(ctx, JobTypeLeaderboardAggregate, JobPriorityHigh, map[string]string{"n": "3"}))
	require.NoError(t, q.Enqueue(ctx, JobTypeLeaderboardAggregate, JobPriorityHigh, map[string]string{"n": "4"}))

	order := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		job, _, ok := q.dequeue(ctx)
		require.True(t, ok)
		var payload map[string]string
		require.NoError(t, json.Unmarshal(job.Payload, &payload))
		order = append(order, payload["n"])
	}
	assert.Equal(t, []string{"3", "4", "2", "1"}, order)

	_, _, ok := q.dequeue(ctx)
	assert.False(t, ok)

	// Dequeued jobs are locked in the active set until acked.
	active, err := client.ZCard(ctx, jobKeyActive).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(4), active)
}

func TestJobQueueRunCompletes(t *testing.T) {
	_, client := newTestCache(t)
	q := newTestJobQueue(t, client)
	ctx := context.Background()

	ran := atomic.NewInt32(0)
	q.Register(JobTypeActivityTouch, func(ctx context.Context, payload json.RawMessage) error {
		ran.Inc()
		return nil
	})
	q.Start()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, JobTypeActivityTouch, JobPriorityLow, nil))
	}

	require.Eventually(t, func() bool {
		return ran.Load() == 3
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		stats := q.Stats(ctx)
		return stats.Completed == 3 && stats.Active == 0 && stats.Waiting == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestJobQueueRetryThenDeadLetter(t *testing.T) {
	_, client := newTestCache(t)
	q := newTestJobQueue(t, client)
	ctx := context.Background()

	ran := atomic.NewInt32(0)
	q.Register(JobTypeAnalyticsInvalidate, func(ctx context.Context, payload json.RawMessage) error {
		ran.Inc()
		return errors.New("boom")
	})
	q.Start()

	require.NoError(t, q.Enqueue(ctx, JobTypeAnalyticsInvalidate, JobPriorityNormal, nil))

	// Three attempts in total, then the job is dead-lettered.
	require.Eventually(t, func() bool {
		return q.Stats(ctx).Dead == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(3), ran.Load())
	stats := q.Stats(ctx)
	assert.Equal(t, int64(3), stats.Failed)
	assert.Equal(t, int64(0), stats.Waiting)
	assert.Equal(t, int64(0), stats.Delayed)
	assert.Equal(t, int64(0), stats.Active)

	raw, err := client.LRange(ctx, jobKeyDead, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, raw, 1)
	var job Job
	require.NoError(t, json.Unmarshal([]byte(raw[0]), &job))
	assert.Equal(t, JobTypeAnalyticsInvalidate, job.Type)
	assert.Equal(t, 0, job.AttemptsLeft)
}

func TestJobQueueHandlerPanicIsFailure(t *testing.T) {
	_, client := newTestCache(t)
	q := newTestJobQueue(t, client)
	ctx := context.Background()

	q.Register(JobTypeActivityTouch, func(ctx context.Context, payload json.RawMessage) error {
		panic("boom")
	})
	q.Start()

	require.NoError(t, q.Enqueue(ctx, JobTypeActivityTouch, JobPriorityLow, nil))

	require.Eventually(t, func() bool {
		return q.Stats(ctx).Dead == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestJobQueueStalledRedispatch(t *testing.T) {
	_, client := newTestCache(t)
	q := newTestJobQueue(t, client)
	ctx := context.Background()

	job := &Job{
		ID:           uuid.Must(uuid.NewV4()).String(),
		Type:         JobTypeActivityTouch,
		Priority:     JobPriorityLow,
		AttemptsLeft: 3,
		EnqueuedAt:   time.Now().UTC(),
	}
	envelope, err := json.Marshal(job)
	require.NoError(t, err)

	expired := float64(time.Now().Add(-time.Second).UnixMilli())
	require.NoError(t, client.ZAdd(ctx, jobKeyActive, redis.Z{Score: expired, Member: envelope}).Err())

	// Three stalls re-dispatch the job onto its waiting list.
	for stalls := 1; stalls <= 3; stalls++ {
		q.reclaimStalled(ctx)

		waiting, err := client.LRange(ctx, jobKeyWaiting(JobPriorityLow), 0, -1).Result()
		require.NoError(t, err)
		require.Len(t, waiting, 1)
		var redispatched Job
		require.NoError(t, json.Unmarshal([]byte(waiting[0]), &redispatched))
		assert.Equal(t, stalls, redispatched.Stalled)
		assert.Equal(t, 3, redispatched.AttemptsLeft)

		popped, err := client.LPop(ctx, jobKeyWaiting(JobPriorityLow)).Result()
		require.NoError(t, err)
		require.NoError(t, client.ZAdd(ctx, jobKeyActive, redis.Z{Score: expired, Member: popped}).Err())
	}

	// The fourth stall dead-letters it.
	q.reclaimStalled(ctx)
	waiting, err := client.LLen(ctx, jobKeyWaiting(JobPriorityLow)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), waiting)
	dead, err := client.LLen(ctx, jobKeyDead).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)
}

func TestJobQueuePromoteDelayed(t *testing.T) {
	_, client := newTestCache(t)
	q := newTestJobQueue(t, client)
	ctx := context.Background()

	due := &Job{ID: uuid.Must(uuid.NewV4()).String(), Type: JobTypeActivityTouch, Priority: JobPriorityLow, AttemptsLeft: 2}
	notDue := &Job{ID: uuid.Must(uuid.NewV4()).String(), Type: JobTypeActivityTouch, Priority: JobPriorityLow, AttemptsLeft: 2}
	dueRaw, err := json.Marshal(due)
	require.NoError(t, err)
	notDueRaw, err := json.Marshal(notDue)
	require.NoError(t, err)

	require.NoError(t, client.ZAdd(ctx, jobKeyDelayed,
		redis.Z{Score: float64(time.Now().Add(-time.Second).UnixMilli()), Member: dueRaw},
		redis.Z{Score: float64(time.Now().Add(time.Hour).UnixMilli()), Member: notDueRaw},
	).Err())

	q.promoteDelayed(ctx)

	waiting, err := client.LRange(ctx, jobKeyWaiting(JobPriorityLow), 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	var promoted Job
	require.NoError(t, json.Unmarshal([]byte(waiting[0]), &promoted))
	assert.Equal(t, due.ID, promoted.ID)

	delayed, err := client.ZCard(ctx, jobKeyDelayed).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), delayed)
}

func TestJobQueueDegradedSynchronous(t *testing.T) {
	q := NewLocalJobQueue(logger, NewConfig(), metrics, nil).(*LocalJobQueue)
	t.Cleanup(q.Stop)
	ctx := context.Background()

	ran := atomic.NewInt32(0)
	q.Register(JobTypeLeaderboardAggregate, func(ctx context.Context, payload json.RawMessage) error {
		ran.Inc()
		return nil
	})
	q.Start()

	// Without a cache server the handler runs before Enqueue returns.
	require.NoError(t, q.Enqueue(ctx, JobTypeLeaderboardAggregate, JobPriorityHigh, nil))
	assert.Equal(t, int32(1), ran.Load())

	assert.False(t, q.Healthy(ctx))
	stats := q.Stats(ctx)
	assert.True(t, stats.Degraded)

	// A failing handler is logged, not surfaced to the caller.
	q.Register(JobTypeLeaderboardAggregate, func(ctx context.Context, payload json.RawMessage) error {
		return errors.New("boom")
	})
	require.NoError(t, q.Enqueue(ctx, JobTypeLeaderboardAggregate, JobPriorityHigh, nil))
}

func TestJobQueueEnqueueFallsBackWhenCacheDies(t *testing.T) {
	mr, client := newTestCache(t)
	q := newTestJobQueue(t, client)
	ctx := context.Background()

	ran := atomic.NewInt32(0)
	q.Register(JobTypeActivityTouch, func(ctx context.Context, payload json.RawMessage) error {
		ran.Inc()
		return nil
	})

	mr.Close()

	require.NoError(t, q.Enqueue(ctx, JobTypeActivityTouch, JobPriorityLow, nil))
	assert.Equal(t, int32(1), ran.Load())
	assert.False(t, q.Healthy(ctx))
}

func TestJobQueuePauseResume(t *testing.T) {
	_, client := newTestCache(t)
	q := newTestJobQueue(t, client)
	ctx := context.Background()

	ran := atomic.NewInt32(0)
	q.Register(JobTypeActivityTouch, func(ctx context.Context, payload json.RawMessage) error {
		ran.Inc()
		return nil
	})
	q.Pause()
	q.Start()

	require.NoError(t, q.Enqueue(ctx, JobTypeActivityTouch, JobPriorityLow, nil))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), ran.Load())

	q.Resume()
	require.Eventually(t, func() bool {
		return ran.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestJobQueueUnknownHandlerDeadLetters(t *testing.T) {
	_, client := newTestCache(t)
	q := newTestJobQueue(t, client)
	ctx := context.Background()

	q.Start()
	require.NoError(t, q.Enqueue(ctx, "no.such.type", JobPriorityNormal, nil))

	require.Eventually(t, func() bool {
		return q.Stats(ctx).Dead == 1
	}, 5*time.Second, 10*time.Millisecond)
}
