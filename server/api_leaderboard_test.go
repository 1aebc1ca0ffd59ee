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
	"database/sql"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var leaderboardColumns = []string{"user_id", "nickname", "high_score", "games_played", "last_played_at"}

func expectLeaderboardPage(mock sqlmock.Sqlmock, limit, offset int, rows *sqlmock.Rows, total int64) {
	mock.ExpectQuery("FROM leaderboard_global").
		WithArgs(limit, offset).
		WillReturnRows(rows)
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(total))
}

func TestGetGlobalLeaderboardPage(t *testing.T) {
	db, mock := newSQLMock(t)
	mr, client := newTestCache(t)
	cache := NewLocalQueryCache(logger, metrics, client)
	queue := NewLocalJobQueue(logger, cfg, metrics, nil)
	_, ts := newTestApiServer(t, cfg, db, cache, queue)

	played := time.Date(2024, 6, 5, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(leaderboardColumns).
		AddRow("u1", "ace", int64(9000), int64(41), played).
		AddRow("u2", "", int64(8500), int64(12), played.Add(time.Hour))
	expectLeaderboardPage(mock, 2, 0, rows, 137)

	code, body := httpGet(t, ts.URL+"/leaderboard/global?limit=2")
	require.Equal(t, http.StatusOK, code)

	var response leaderboardResponse
	decodeJSON(t, body, &response)
	require.Len(t, response.Records, 2)
	assert.Equal(t, int64(1), response.Records[0].Rank)
	assert.Equal(t, "u1", response.Records[0].UserID)
	assert.Equal(t, "ace", response.Records[0].Nickname)
	assert.Equal(t, int64(9000), response.Records[0].HighScore)
	assert.Equal(t, int64(2), response.Records[1].Rank)
	assert.Equal(t, int64(137), response.Total)
	assert.Nil(t, response.User)
	assert.False(t, response.LastUpdated.IsZero())

	// The page is now cached, the second read must not touch the database.
	require.True(t, mr.Exists("pulse:qc:leaderboard:global:2:0"))
	code, cachedBody := httpGet(t, ts.URL+"/leaderboard/global?limit=2")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, body, cachedBody)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetGlobalLeaderboardOffsetRanks(t *testing.T) {
	db, mock := newSQLMock(t)
	queue := NewLocalJobQueue(logger, cfg, metrics, nil)
	_, ts := newTestApiServer(t, cfg, db, NewLocalQueryCache(logger, metrics, nil), queue)

	played := time.Date(2024, 6, 5, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(leaderboardColumns).
		AddRow("u51", "", int64(100), int64(3), played)
	expectLeaderboardPage(mock, 50, 50, rows, 51)

	code, body := httpGet(t, ts.URL+"/leaderboard/global?offset=50")
	require.Equal(t, http.StatusOK, code)

	var response leaderboardResponse
	decodeJSON(t, body, &response)
	require.Len(t, response.Records, 1)
	assert.Equal(t, int64(51), response.Records[0].Rank)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetGlobalLeaderboardLimitClamped(t *testing.T) {
	db, mock := newSQLMock(t)
	queue := NewLocalJobQueue(logger, cfg, metrics, nil)
	_, ts := newTestApiServer(t, cfg, db, NewLocalQueryCache(logger, metrics, nil), queue)

	expectLeaderboardPage(mock, leaderboardMaxLimit, 0, sqlmock.NewRows(leaderboardColumns), 0)

	code, _ := httpGet(t, ts.URL+"/leaderboard/global?limit=5000")
	require.Equal(t, http.StatusOK, code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetGlobalLeaderboardPersonalized(t *testing.T) {
	db, mock := newSQLMock(t)
	mr, client := newTestCache(t)
	cache := NewLocalQueryCache(logger, metrics, client)
	queue := NewLocalJobQueue(logger, cfg, metrics, nil)
	_, ts := newTestApiServer(t, cfg, db, cache, queue)

	played := time.Date(2024, 6, 5, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(leaderboardColumns).
		AddRow("u1", "ace", int64(9000), int64(41), played)
	expectLeaderboardPage(mock, 50, 0, rows, 137)
	mock.ExpectQuery("FROM leaderboard_global").
		WithArgs("u77").
		WillReturnRows(sqlmock.NewRows([]string{"nickname", "high_score", "games_played", "last_played_at"}).
			AddRow("slug", int64(4200), int64(9), played))
	mock.ExpectQuery(`SELECT COUNT\(\*\) \+ 1 FROM leaderboard_global`).
		WillReturnRows(sqlmock.NewRows([]string{"rank"}).AddRow(int64(23)))

	code, body := httpGet(t, ts.URL+"/leaderboard/global?user_id=u77")
	require.Equal(t, http.StatusOK, code)

	var response leaderboardResponse
	decodeJSON(t, body, &response)
	require.NotNil(t, response.User)
	assert.Equal(t, "u77", response.User.UserID)
	assert.Equal(t, "slug", response.User.Nickname)
	assert.Equal(t, int64(4200), response.User.HighScore)
	assert.Equal(t, int64(23), response.User.Rank)

	// Personalized responses are never cached.
	assert.False(t, mr.Exists("pulse:qc:leaderboard:global:50:0"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetGlobalLeaderboardUnrankedUserOmitted(t *testing.T) {
	db, mock := newSQLMock(t)
	queue := NewLocalJobQueue(logger, cfg, metrics, nil)
	_, ts := newTestApiServer(t, cfg, db, NewLocalQueryCache(logger, metrics, nil), queue)

	expectLeaderboardPage(mock, 50, 0, sqlmock.NewRows(leaderboardColumns), 0)
	mock.ExpectQuery("FROM leaderboard_global").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	code, body := httpGet(t, ts.URL+"/leaderboard/global?user_id=ghost")
	require.Equal(t, http.StatusOK, code)

	var response leaderboardResponse
	decodeJSON(t, body, &response)
	assert.Nil(t, response.User)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetGlobalLeaderboardValidation(t *testing.T) {
	db, _ := newSQLMock(t)
	queue := NewLocalJobQueue(logger, cfg, metrics, nil)
	_, ts := newTestApiServer(t, cfg, db, NewLocalQueryCache(logger, metrics, nil), queue)

	for _, query := range []string{"limit=0", "limit=-3", "limit=abc", "offset=-1", "offset=x"} {
		code, _ := httpGet(t, ts.URL+"/leaderboard/global?"+query)
		assert.Equal(t, http.StatusBadRequest, code, "query %s", query)
	}
}

func TestGetGlobalLeaderboardDatabaseDownMasked(t *testing.T) {
	db, mock := newSQLMock(t)
	queue := NewLocalJobQueue(logger, cfg, metrics, nil)
	_, ts := newTestApiServer(t, cfg, db, NewLocalQueryCache(logger, metrics, nil), queue)

	mock.ExpectQuery("FROM leaderboard_global").
		WillReturnError(errors.New("connection refused"))

	code, body := httpGet(t, ts.URL+"/leaderboard/global")
	require.Equal(t, http.StatusServiceUnavailable, code)

	var response map[string]string
	decodeJSON(t, body, &response)
	assert.Equal(t, "An unexpected error occurred.", response["error"])
	assert.NoError(t, mock.ExpectationsWereMet())
}
