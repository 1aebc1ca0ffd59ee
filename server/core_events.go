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
	"time"

	"go.uber.org/zap"
)

// InsertEvents persists a validated batch into the event log in a single
// transaction. The batch either lands completely or not at all; per-item
// validation has already happened upstream.
func InsertEvents(ctx context.Context, logger *zap.Logger, db *sql.DB, events []*Event) error {
	if len(events) == 0 {
		return nil
	}

	err := ExecuteInTx(ctx, db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO events (id, event_type, user_id, payload, received_at)
VALUES ($1, $2, $3, $4, $5)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, evt := range events {
			payload, err := json.Marshal(evt.Payload)
			if err != nil {
				return err
			}
			if _, err = stmt.ExecContext(ctx, evt.ID.String(), evt.EventType, evt.UserID, payload, evt.ReceivedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logger.Error("Error inserting events", zap.Int("count", len(events)), zap.Error(err))
		return StatusError(ErrorKindUnavailable, "events could not be persisted", err)
	}
	return nil
}

// markEventsProcessed stamps the processed watermark on the given events.
// Runs inside the aggregator's transaction so the watermark and the derived
// rows commit together.
func markEventsProcessed(ctx context.Context, tx *sql.Tx, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	res, err := tx.ExecContext(ctx, "UPDATE events SET processed_at = now() WHERE id = ANY($1::uuid[]) AND processed_at IS NULL", ids)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows != int64(len(ids)) {
		// The SKIP LOCKED claim should have made these rows exclusively ours.
		return fmt.Errorf("expected %d events marked processed, got %d: %w", len(ids), rows, ErrRowsAffectedCount)
	}
	return nil
}

// CountUnprocessedEvents reports the aggregation backlog, surfaced on the
// health endpoint.
func CountUnprocessedEvents(ctx context.Context, db *sql.DB) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE event_type = 'game_ended' AND processed_at IS NULL").Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// RetentionTarget names a table swept by the retention job. The age column
// and extra predicate are trusted constants, never user input.
type RetentionTarget struct {
	Table     string
	AgeColumn string
	Extra     string
}

// defaultRetentionTargets is the set of tables the sweep covers. Events are
// deleted only once every derivation has consumed them; unprocessed events
// are retained regardless of age.
var defaultRetentionTargets = []RetentionTarget{
	{Table: "events", AgeColumn: "received_at", Extra: "processed_at IS NOT NULL"},
}

// SweepExpiredEvents deletes rows older than the retention threshold from
// every target, in bounded chunks so no single statement exceeds the
// statement timeout. Returns the total number of rows deleted.
func SweepExpiredEvents(ctx context.Context, logger *zap.Logger, db *sql.DB, config Config) (int64, error) {
	threshold := time.Now().UTC().AddDate(0, 0, -config.GetRetention().Days)
	chunkSize := config.GetRetention().ChunkSize

	var total int64
	for _, target := range defaultRetentionTargets {
		deleted, err := sweepTarget(ctx, db, target, threshold, chunkSize)
		total += deleted
		if err != nil {
			logger.Error("Error sweeping expired rows", zap.String("table", target.Table), zap.Error(err))
			return total, err
		}
		if deleted > 0 {
			logger.Info("Swept expired rows", zap.String("table", target.Table),
				zap.Int64("deleted", deleted), zap.Time("threshold", threshold))
		}
	}
	return total, nil
}

func sweepTarget(ctx context.Context, db *sql.DB, target RetentionTarget, threshold time.Time, chunkSize int) (int64, error) {
	predicate := fmt.Sprintf("%s < $1", target.AgeColumn)
	if target.Extra != "" {
		predicate += " AND " + target.Extra
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE id IN (SELECT id FROM %s WHERE %s LIMIT $2)",
		target.Table, target.Table, predicate)

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		res, err := db.ExecContext(ctx, query, threshold, chunkSize)
		if err != nil {
			return total, err
		}
		deleted, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += deleted
		if deleted < int64(chunkSize) {
			return total, nil
		}
	}
}
