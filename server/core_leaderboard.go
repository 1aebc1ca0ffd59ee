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
	"errors"
	"math"
	"sort"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type LeaderboardRecord struct {
	Rank         int64     `json:"rank"`
	UserID       string    `json:"user_id"`
	Nickname     string    `json:"nickname,omitempty"`
	HighScore    int64     `json:"high_score"`
	GamesPlayed  int64     `json:"games_played"`
	LastPlayedAt time.Time `json:"last_played_at"`
}

// scoredEvent is one unprocessed game_ended row scanned by the aggregator.
type scoredEvent struct {
	id         string
	userID     string
	score      int64
	nickname   string
	receivedAt time.Time
	valid      bool
}

// leaderboardFold is the in-memory aggregate of one user's scanned events.
type leaderboardFold struct {
	maxScore    int64
	count       int64
	maxReceived time.Time
	nickname    string
}

// GlobalAggregator folds unprocessed game_ended events into the global
// leaderboard. Runs are coalesced: a run requested while another is active
// returns immediately, the active run drains the backlog.
type GlobalAggregator struct {
	logger  *zap.Logger
	config  Config
	db      *sql.DB
	metrics Metrics
	cache   QueryCache

	active *atomic.Uint32
}

func NewGlobalAggregator(logger *zap.Logger, config Config, db *sql.DB, metrics Metrics, cache QueryCache) *GlobalAggregator {
	return &GlobalAggregator{
		logger:  logger,
		config:  config,
		db:      db,
		metrics: metrics,
		cache:   cache,

		active: atomic.NewUint32(0),
	}
}

// Run drains the unprocessed event backlog in batches of up to the
// configured size. Each batch is one transaction: score upserts and the
// processed watermark commit together, so an abort leaves the whole batch
// for the next run.
func (a *GlobalAggregator) Run(ctx context.Context) {
	if !a.active.CompareAndSwap(0, 1) {
		return
	}
	defer a.active.Store(0)

	batchSize := a.config.GetAggregator().BatchSize
	for ctx.Err() == nil {
		start := time.Now()
		scored, marked, err := a.runBatch(ctx, batchSize)
		if err != nil {
			if ctx.Err() == nil {
				a.logger.Error("Error running global leaderboard aggregation", zap.Error(err))
			}
			return
		}
		if total := int64(scored) + marked; total > 0 {
			a.metrics.AggregatedEvents("global", total, time.Since(start))
			a.logger.Debug("Global leaderboard aggregation pass complete", zap.Int("scored", scored), zap.Int64("marked", marked))
		}
		if scored > 0 {
			a.cache.Invalidate(ctx, "leaderboard:global")
		}
		if scored < batchSize && marked < int64(batchSize) {
			return
		}
	}
}

func (a *GlobalAggregator) runBatch(ctx context.Context, batchSize int) (int, int64, error) {
	var scored int
	var marked int64
	err := ExecuteInTx(ctx, a.db, func(tx *sql.Tx) error {
		scored = 0
		marked = 0

		events, err := a.scanBatch(ctx, tx, batchSize)
		if err != nil {
			return err
		}

		if len(events) > 0 {
			folds := foldScoredEvents(events)
			if err := a.upsertFolds(ctx, tx, folds); err != nil {
				return err
			}

			ids := make([]string, 0, len(events))
			for _, event := range events {
				ids = append(ids, event.id)
			}
			if err := markEventsProcessed(ctx, tx, ids); err != nil {
				return err
			}
			scored = len(events)
		}

		// Events no derivation consumes still need the processed watermark
		// or retention would keep them forever.
		marked, err = markNonScoringProcessed(ctx, tx, batchSize)
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	return scored, marked, nil
}

func (a *GlobalAggregator) scanBatch(ctx context.Context, tx *sql.Tx, batchSize int) ([]*scoredEvent, error) {
	query := `
SELECT id, user_id, payload, received_at FROM events
WHERE event_type = 'game_ended' AND processed_at IS NULL
ORDER BY received_at
LIMIT $1
FOR UPDATE SKIP LOCKED`
	rows, err := tx.QueryContext(ctx, query, batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]*scoredEvent, 0, batchSize)
	for rows.Next() {
		var id, userID string
		var payload []byte
		var receivedAt time.Time
		if err := rows.Scan(&id, &userID, &payload, &receivedAt); err != nil {
			return nil, err
		}
		event := &scoredEvent{id: id, userID: userID, receivedAt: receivedAt}
		event.score, event.nickname, event.valid = parseScorePayload(payload)
		if !event.valid {
			a.logger.Warn("Skipping game_ended event with missing or invalid score", zap.String("event_id", id), zap.String("user_id", userID))
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// parseScorePayload extracts the score and optional nickname. A score is
// valid when it is a non-negative integer.
func parseScorePayload(payload []byte) (int64, string, bool) {
	var fields struct {
		Score    *float64 `json:"score"`
		Nickname string   `json:"nickname"`
	}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return 0, "", false
	}
	if fields.Score == nil {
		return 0, fields.Nickname, false
	}
	score := *fields.Score
	if score < 0 || score != math.Trunc(score) {
		return 0, fields.Nickname, false
	}
	return int64(score), fields.Nickname, true
}

// foldScoredEvents aggregates scanned events per user. Events with an
// invalid score are skipped, they contribute nothing to the fold. The result
// is order-insensitive apart from the nickname, which keeps the last one
// seen in scan order.
func foldScoredEvents(events []*scoredEvent) map[string]*leaderboardFold {
	folds := make(map[string]*leaderboardFold, len(events))
	for _, event := range events {
		if !event.valid {
			continue
		}
		fold, found := folds[event.userID]
		if !found {
			fold = &leaderboardFold{}
			folds[event.userID] = fold
		}
		fold.count++
		if event.receivedAt.After(fold.maxReceived) {
			fold.maxReceived = event.receivedAt
		}
		if event.nickname != "" {
			fold.nickname = event.nickname
		}
		if event.score > fold.maxScore {
			fold.maxScore = event.score
		}
	}
	return folds
}

func (a *GlobalAggregator) upsertFolds(ctx context.Context, tx *sql.Tx, folds map[string]*leaderboardFold) error {
	if len(folds) == 0 {
		return nil
	}

	// Stable upsert order keeps concurrent aggregator instances from
	// deadlocking on row locks.
	userIDs := make([]string, 0, len(folds))
	for userID := range folds {
		userIDs = append(userIDs, userID)
	}
	sort.Strings(userIDs)

	query := `
INSERT INTO leaderboard_global (user_id, nickname, high_score, games_played, last_played_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id) DO UPDATE SET
	high_score = GREATEST(leaderboard_global.high_score, EXCLUDED.high_score),
	games_played = leaderboard_global.games_played + EXCLUDED.games_played,
	last_played_at = GREATEST(leaderboard_global.last_played_at, EXCLUDED.last_played_at),
	nickname = COALESCE(EXCLUDED.nickname, leaderboard_global.nickname),
	update_time = now()`
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, userID := range userIDs {
		fold := folds[userID]
		nickname := sql.NullString{String: fold.nickname, Valid: fold.nickname != ""}
		if _, err := stmt.ExecContext(ctx, userID, nickname, fold.maxScore, fold.count, fold.maxReceived); err != nil {
			return err
		}
	}
	return nil
}

// markNonScoringProcessed stamps the processed watermark on a batch of
// events that no materialized derivation reads. Tournament counting is
// tracked by the junction table and analytics read by date range, so the
// stamp only gates retention.
func markNonScoringProcessed(ctx context.Context, tx *sql.Tx, batchSize int) (int64, error) {
	query := `
UPDATE events SET processed_at = now()
WHERE id IN (
	SELECT id FROM events
	WHERE event_type <> 'game_ended' AND processed_at IS NULL
	ORDER BY received_at
	LIMIT $1
	FOR UPDATE SKIP LOCKED
)`
	result, err := tx.ExecContext(ctx, query, batchSize)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// LeaderboardRecordsList returns one page of the global leaderboard ordered
// by high score with earlier play breaking ties, plus the total participant
// count.
func LeaderboardRecordsList(ctx context.Context, logger *zap.Logger, db *sql.DB, limit, offset int) ([]*LeaderboardRecord, int64, error) {
	query := `
SELECT user_id, COALESCE(nickname, ''), high_score, games_played, last_played_at
FROM leaderboard_global
ORDER BY high_score DESC, last_played_at ASC
LIMIT $1 OFFSET $2`
	rows, err := db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		logger.Error("Error listing global leaderboard records", zap.Error(err))
		return nil, 0, StatusError(ErrorKindUnavailable, "leaderboard could not be read", err)
	}
	defer rows.Close()

	records := make([]*LeaderboardRecord, 0, limit)
	rank := int64(offset)
	for rows.Next() {
		record := &LeaderboardRecord{}
		if err := rows.Scan(&record.UserID, &record.Nickname, &record.HighScore, &record.GamesPlayed, &record.LastPlayedAt); err != nil {
			logger.Error("Error scanning global leaderboard record", zap.Error(err))
			return nil, 0, StatusError(ErrorKindUnavailable, "leaderboard could not be read", err)
		}
		rank++
		record.Rank = rank
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		logger.Error("Error listing global leaderboard records", zap.Error(err))
		return nil, 0, StatusError(ErrorKindUnavailable, "leaderboard could not be read", err)
	}

	var total int64
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM leaderboard_global").Scan(&total); err != nil {
		logger.Error("Error counting global leaderboard records", zap.Error(err))
		return nil, 0, StatusError(ErrorKindUnavailable, "leaderboard could not be read", err)
	}
	return records, total, nil
}

// LeaderboardRecordForUser returns the user's global record with its rank,
// or a NotFound error if the user has no ranked score.
func LeaderboardRecordForUser(ctx context.Context, logger *zap.Logger, db *sql.DB, userID string) (*LeaderboardRecord, error) {
	record := &LeaderboardRecord{UserID: userID}
	query := `
SELECT COALESCE(nickname, ''), high_score, games_played, last_played_at
FROM leaderboard_global
WHERE user_id = $1`
	err := db.QueryRowContext(ctx, query, userID).Scan(&record.Nickname, &record.HighScore, &record.GamesPlayed, &record.LastPlayedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, StatusError(ErrorKindNotFound, "user not ranked", err)
		}
		logger.Error("Error reading global leaderboard record", zap.String("user_id", userID), zap.Error(err))
		return nil, StatusError(ErrorKindUnavailable, "leaderboard could not be read", err)
	}

	rankQuery := `
SELECT COUNT(*) + 1 FROM leaderboard_global
WHERE high_score > $1 OR (high_score = $1 AND last_played_at < $2)`
	if err := db.QueryRowContext(ctx, rankQuery, record.HighScore, record.LastPlayedAt).Scan(&record.Rank); err != nil {
		logger.Error("Error computing global leaderboard rank", zap.String("user_id", userID), zap.Error(err))
		return nil, StatusError(ErrorKindUnavailable, "leaderboard could not be read", err)
	}
	return record, nil
}
