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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextCreationRun(t *testing.T) {
	tests := []struct {
		name     string
		weekday  string
		hour     int
		minute   int
		now      time.Time
		expected time.Time
	}{
		{
			name:     "midweek runs the coming sunday",
			weekday:  "sunday",
			hour:     23,
			minute:   50,
			now:      time.Date(2024, 6, 5, 12, 0, 0, 0, time.UTC), // Wednesday
			expected: time.Date(2024, 6, 9, 23, 50, 0, 0, time.UTC),
		},
		{
			name:     "same day before the slot runs today",
			weekday:  "sunday",
			hour:     23,
			minute:   50,
			now:      time.Date(2024, 6, 9, 23, 49, 0, 0, time.UTC),
			expected: time.Date(2024, 6, 9, 23, 50, 0, 0, time.UTC),
		},
		{
			name:     "exactly at the slot wraps a full week",
			weekday:  "sunday",
			hour:     23,
			minute:   50,
			now:      time.Date(2024, 6, 9, 23, 50, 0, 0, time.UTC),
			expected: time.Date(2024, 6, 16, 23, 50, 0, 0, time.UTC),
		},
		{
			name:     "just past the slot wraps a full week",
			weekday:  "sunday",
			hour:     23,
			minute:   50,
			now:      time.Date(2024, 6, 9, 23, 51, 0, 0, time.UTC),
			expected: time.Date(2024, 6, 16, 23, 50, 0, 0, time.UTC),
		},
		{
			name:     "monday midnight slot",
			weekday:  "monday",
			hour:     0,
			minute:   0,
			now:      time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC), // Monday 00:00
			expected: time.Date(2024, 6, 17, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			config := NewConfig()
			config.GetTournament().CreateWeekday = test.weekday
			config.GetTournament().CreateHour = test.hour
			config.GetTournament().CreateMinute = test.minute

			s := &LocalScheduler{config: config}
			assert.Equal(t, test.expected, s.nextCreationRun(test.now))
		})
	}
}

func TestParseWeekday(t *testing.T) {
	assert.Equal(t, time.Monday, parseWeekday("monday"))
	assert.Equal(t, time.Monday, parseWeekday("MONDAY"))
	assert.Equal(t, time.Saturday, parseWeekday("Saturday"))
	assert.Equal(t, time.Sunday, parseWeekday("sunday"))
	assert.Equal(t, time.Sunday, parseWeekday("someday"))
	assert.Equal(t, time.Sunday, parseWeekday(""))
}

func TestSchedulerPausableEntrySkippedWhilePaused(t *testing.T) {
	db, mock := newSQLMock(t)
	queue := NewLocalJobQueue(logger, cfg, metrics, nil)
	s := NewLocalScheduler(logger, cfg, db, nil, queue).(*LocalScheduler)

	calls := 0
	entry := &schedulerEntry{
		name:     "test_entry",
		lockKey:  lockKeyGlobalAggregation,
		pausable: true,
		fn:       func(ctx context.Context) { calls++ },
	}

	s.Pause()
	s.invoke(entry)
	assert.Equal(t, 0, calls)

	mock.ExpectQuery("pg_try_advisory_lock").
		WithArgs(lockKeyGlobalAggregation).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery("pg_advisory_unlock").
		WithArgs(lockKeyGlobalAggregation).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))

	s.Resume()
	s.invoke(entry)
	assert.Equal(t, 1, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSchedulerEntryHeldByAnotherInstance(t *testing.T) {
	db, mock := newSQLMock(t)
	queue := NewLocalJobQueue(logger, cfg, metrics, nil)
	s := NewLocalScheduler(logger, cfg, db, nil, queue).(*LocalScheduler)

	mock.ExpectQuery("pg_try_advisory_lock").
		WithArgs(lockKeyRetentionSweep).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	calls := 0
	s.invoke(&schedulerEntry{
		name:    "test_entry",
		lockKey: lockKeyRetentionSweep,
		fn:      func(ctx context.Context) { calls++ },
	})
	assert.Equal(t, 0, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSchedulerNonPausableEntryRunsWhilePaused(t *testing.T) {
	db, mock := newSQLMock(t)
	queue := NewLocalJobQueue(logger, cfg, metrics, nil)
	s := NewLocalScheduler(logger, cfg, db, nil, queue).(*LocalScheduler)

	mock.ExpectQuery("pg_try_advisory_lock").
		WithArgs(lockKeyTournamentTransitions).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery("pg_advisory_unlock").
		WithArgs(lockKeyTournamentTransitions).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))

	calls := 0
	s.Pause()
	s.invoke(&schedulerEntry{
		name:    "test_entry",
		lockKey: lockKeyTournamentTransitions,
		fn:      func(ctx context.Context) { calls++ },
	})
	assert.Equal(t, 1, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSchedulerEnqueueJobRunsSynchronouslyWhenDegraded(t *testing.T) {
	queue := NewLocalJobQueue(logger, cfg, metrics, nil)
	ran := make(chan struct{}, 1)
	queue.Register(JobTypeActivityTouch, func(ctx context.Context, payload json.RawMessage) error {
		ran <- struct{}{}
		return nil
	})

	s := &LocalScheduler{logger: logger, config: cfg, queue: queue}
	s.enqueueJob(JobTypeActivityTouch, JobPriorityLow)(context.Background())

	select {
	case <-ran:
	default:
		t.Fatal("expected the degraded queue to run the job in the caller")
	}
}

func TestSchedulerEntries(t *testing.T) {
	db, _ := newSQLMock(t)
	queue := NewLocalJobQueue(logger, cfg, metrics, nil)
	s := NewLocalScheduler(logger, cfg, db, nil, queue).(*LocalScheduler)

	names := make(map[string]bool, len(s.entries))
	for _, entry := range s.entries {
		names[entry.name] = true
		if entry.nextRun == nil {
			require.Greater(t, entry.interval, time.Duration(0), "entry %s must have an interval", entry.name)
		}
	}
	assert.True(t, names["tournament_transitions"])
	assert.True(t, names["global_aggregation"])
	assert.True(t, names["tournament_aggregation"])
	assert.True(t, names["retention_sweep"])
	assert.True(t, names["tournament_creation"])
}
