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
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// passthroughConverter accepts the slice arguments the pgx driver handles
// natively, which the default sqlmock converter would reject. Everything the
// default converter understands still goes through it so expected and actual
// argument values normalize the same way.
type passthroughConverter struct{}

func (passthroughConverter) ConvertValue(v interface{}) (driver.Value, error) {
	if converted, err := driver.DefaultParameterConverter.ConvertValue(v); err == nil {
		return converted, nil
	}
	return driver.Value(v), nil
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(passthroughConverter{}))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db, mock
}

func TestExecuteInTxCommit(t *testing.T) {
	db, mock := newSQLMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE leaderboard_global").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	calls := 0
	err := ExecuteInTx(context.Background(), db, func(tx *sql.Tx) error {
		calls++
		_, err := tx.ExecContext(context.Background(), "UPDATE leaderboard_global SET games_played = games_played")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteInTxRollsBackOnError(t *testing.T) {
	db, mock := newSQLMock(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := ExecuteInTx(context.Background(), db, func(tx *sql.Tx) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteInTxRetriesSerializationFailure(t *testing.T) {
	db, mock := newSQLMock(t)

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	retryable := &pgconn.PgError{Code: pgerrcode.SerializationFailure}
	calls := 0
	err := ExecuteInTx(context.Background(), db, func(tx *sql.Tx) error {
		calls++
		if calls == 1 {
			return retryable
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteInTxGivesUpAfterBoundedRetries(t *testing.T) {
	db, mock := newSQLMock(t)

	for i := 0; i < txRetryAttempts; i++ {
		mock.ExpectBegin()
		mock.ExpectRollback()
	}

	retryable := &pgconn.PgError{Code: pgerrcode.SerializationFailure}
	calls := 0
	err := ExecuteInTx(context.Background(), db, func(tx *sql.Tx) error {
		calls++
		return retryable
	})
	require.Error(t, err)
	assert.Equal(t, txRetryAttempts, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteInTxStopsOnCancelledContext(t *testing.T) {
	db, _ := newSQLMock(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ExecuteInTx(ctx, db, func(tx *sql.Tx) error {
		t.Fatal("fn must not run with a cancelled context")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: pgerrcode.UniqueViolation}))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert tournament: %w", &pgconn.PgError{Code: pgerrcode.UniqueViolation})))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: pgerrcode.SerializationFailure}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
}

func TestAcquireAdvisoryLock(t *testing.T) {
	t.Run("acquired", func(t *testing.T) {
		db, mock := newSQLMock(t)

		mock.ExpectQuery("pg_try_advisory_lock").
			WithArgs(lockKeyGlobalAggregation).
			WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
		mock.ExpectQuery("pg_advisory_unlock").
			WithArgs(lockKeyGlobalAggregation).
			WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))

		conn, acquired, err := AcquireAdvisoryLock(context.Background(), db, lockKeyGlobalAggregation)
		require.NoError(t, err)
		require.True(t, acquired)
		require.NotNil(t, conn)

		ReleaseAdvisoryLock(context.Background(), logger, conn, lockKeyGlobalAggregation)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("held elsewhere", func(t *testing.T) {
		db, mock := newSQLMock(t)

		mock.ExpectQuery("pg_try_advisory_lock").
			WithArgs(lockKeyGlobalAggregation).
			WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

		conn, acquired, err := AcquireAdvisoryLock(context.Background(), db, lockKeyGlobalAggregation)
		require.NoError(t, err)
		assert.False(t, acquired)
		assert.Nil(t, conn)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
