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
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// TournamentStatus is persisted as SMALLINT, the order of the constants is
// part of the storage contract.
type TournamentStatus int8

const (
	TournamentStatusUpcoming TournamentStatus = iota
	TournamentStatusActive
	TournamentStatusEnded
	TournamentStatusCancelled
)

func (s TournamentStatus) String() string {
	switch s {
	case TournamentStatusUpcoming:
		return "upcoming"
	case TournamentStatusActive:
		return "active"
	case TournamentStatusEnded:
		return "ended"
	case TournamentStatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

type Tournament struct {
	ID                uuid.UUID        `json:"id"`
	Name              string           `json:"name"`
	Type              string           `json:"type"`
	StartAt           time.Time        `json:"start_at"`
	EndAt             time.Time        `json:"end_at"`
	RegistrationStart time.Time        `json:"registration_start"`
	RegistrationEnd   time.Time        `json:"registration_end"`
	Status            TournamentStatus `json:"-"`
	PrizePool         int64            `json:"prize_pool"`
	PrizeDistribution json.RawMessage  `json:"prize_distribution,omitempty"`
	GameMode          string           `json:"game_mode"`
	CreateTime        time.Time        `json:"create_time"`
	StartedAt         *time.Time       `json:"started_at,omitempty"`
	EndedAt           *time.Time       `json:"ended_at,omitempty"`
}

// TournamentRecord is one row of a tournament leaderboard. Ties on best
// score rank the earlier attempt first.
type TournamentRecord struct {
	Rank          int64     `json:"rank"`
	UserID        string    `json:"user_id"`
	Nickname      string    `json:"nickname,omitempty"`
	BestScore     int64     `json:"best_score"`
	Attempts      int64     `json:"attempts"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
}

const tournamentColumns = `id, name, type, start_at, end_at, registration_start, registration_end, status, prize_pool, prize_distribution, game_mode, create_time, started_at, ended_at`

func scanTournament(row Scannable) (*Tournament, error) {
	t := &Tournament{}
	var distribution []byte
	var startedAt, endedAt sql.NullTime
	err := row.Scan(&t.ID, &t.Name, &t.Type, &t.StartAt, &t.EndAt, &t.RegistrationStart, &t.RegistrationEnd,
		&t.Status, &t.PrizePool, &distribution, &t.GameMode, &t.CreateTime, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	if len(distribution) > 0 {
		t.PrizeDistribution = distribution
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		t.EndedAt = &endedAt.Time
	}
	return t, nil
}

// TournamentGet returns the tournament with the given ID, or a NotFound
// error.
func TournamentGet(ctx context.Context, logger *zap.Logger, db *sql.DB, id uuid.UUID) (*Tournament, error) {
	query := "SELECT " + tournamentColumns + " FROM tournaments WHERE id = $1"
	tournament, err := scanTournament(db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, StatusError(ErrorKindNotFound, "tournament not found", err)
		}
		logger.Error("Error reading tournament", zap.String("tournament_id", id.String()), zap.Error(err))
		return nil, StatusError(ErrorKindUnavailable, "tournament could not be read", err)
	}
	return tournament, nil
}

// CurrentTournament returns the active tournament, or the next upcoming one
// if none is active, together with its participant count.
func CurrentTournament(ctx context.Context, logger *zap.Logger, db *sql.DB) (*Tournament, int64, error) {
	query := "SELECT " + tournamentColumns + ` FROM tournaments
WHERE status = $1
ORDER BY end_at ASC
LIMIT 1`
	tournament, err := scanTournament(db.QueryRowContext(ctx, query, TournamentStatusActive))
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			logger.Error("Error reading active tournament", zap.Error(err))
			return nil, 0, StatusError(ErrorKindUnavailable, "tournament could not be read", err)
		}
		upcoming := "SELECT " + tournamentColumns + ` FROM tournaments
WHERE status = $1
ORDER BY start_at ASC
LIMIT 1`
		tournament, err = scanTournament(db.QueryRowContext(ctx, upcoming, TournamentStatusUpcoming))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, 0, StatusError(ErrorKindNotFound, "no current tournament", err)
			}
			logger.Error("Error reading upcoming tournament", zap.Error(err))
			return nil, 0, StatusError(ErrorKindUnavailable, "tournament could not be read", err)
		}
	}

	var participants int64
	err = db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tournament_leaderboard WHERE tournament_id = $1", tournament.ID).Scan(&participants)
	if err != nil {
		logger.Error("Error counting tournament participants", zap.String("tournament_id", tournament.ID.String()), zap.Error(err))
		return nil, 0, StatusError(ErrorKindUnavailable, "tournament could not be read", err)
	}
	return tournament, participants, nil
}

// TournamentRecordsPage returns one page of a tournament leaderboard plus
// the total participant count. The caller is expected to have resolved the
// tournament already.
func TournamentRecordsPage(ctx context.Context, logger *zap.Logger, db *sql.DB, tournamentID uuid.UUID, limit, offset int) ([]*TournamentRecord, int64, error) {
	query := `
SELECT user_id, COALESCE(nickname, ''), best_score, attempts, last_attempt_at
FROM tournament_leaderboard
WHERE tournament_id = $1
ORDER BY best_score DESC, last_attempt_at ASC
LIMIT $2 OFFSET $3`
	rows, err := db.QueryContext(ctx, query, tournamentID, limit, offset)
	if err != nil {
		logger.Error("Error listing tournament records", zap.String("tournament_id", tournamentID.String()), zap.Error(err))
		return nil, 0, StatusError(ErrorKindUnavailable, "tournament leaderboard could not be read", err)
	}
	defer rows.Close()

	records := make([]*TournamentRecord, 0, limit)
	rank := int64(offset)
	for rows.Next() {
		record := &TournamentRecord{}
		if err := rows.Scan(&record.UserID, &record.Nickname, &record.BestScore, &record.Attempts, &record.LastAttemptAt); err != nil {
			logger.Error("Error scanning tournament record", zap.String("tournament_id", tournamentID.String()), zap.Error(err))
			return nil, 0, StatusError(ErrorKindUnavailable, "tournament leaderboard could not be read", err)
		}
		rank++
		record.Rank = rank
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		logger.Error("Error listing tournament records", zap.String("tournament_id", tournamentID.String()), zap.Error(err))
		return nil, 0, StatusError(ErrorKindUnavailable, "tournament leaderboard could not be read", err)
	}

	var total int64
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tournament_leaderboard WHERE tournament_id = $1", tournamentID).Scan(&total); err != nil {
		logger.Error("Error counting tournament participants", zap.String("tournament_id", tournamentID.String()), zap.Error(err))
		return nil, 0, StatusError(ErrorKindUnavailable, "tournament leaderboard could not be read", err)
	}
	return records, total, nil
}

// TournamentRankForUser returns the user's record in the tournament with its
// rank. The second return is false when the user has no score in the
// tournament.
func TournamentRankForUser(ctx context.Context, logger *zap.Logger, db *sql.DB, tournamentID uuid.UUID, userID string) (*TournamentRecord, bool, error) {
	record := &TournamentRecord{UserID: userID}
	query := `
SELECT COALESCE(nickname, ''), best_score, attempts, last_attempt_at
FROM tournament_leaderboard
WHERE tournament_id = $1 AND user_id = $2`
	err := db.QueryRowContext(ctx, query, tournamentID, userID).Scan(&record.Nickname, &record.BestScore, &record.Attempts, &record.LastAttemptAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		logger.Error("Error reading tournament record", zap.String("tournament_id", tournamentID.String()), zap.String("user_id", userID), zap.Error(err))
		return nil, false, StatusError(ErrorKindUnavailable, "tournament leaderboard could not be read", err)
	}

	rankQuery := `
SELECT COUNT(*) + 1 FROM tournament_leaderboard
WHERE tournament_id = $1 AND (best_score > $2 OR (best_score = $2 AND last_attempt_at < $3))`
	if err := db.QueryRowContext(ctx, rankQuery, tournamentID, record.BestScore, record.LastAttemptAt).Scan(&record.Rank); err != nil {
		logger.Error("Error computing tournament rank", zap.String("tournament_id", tournamentID.String()), zap.String("user_id", userID), zap.Error(err))
		return nil, false, StatusError(ErrorKindUnavailable, "tournament leaderboard could not be read", err)
	}
	return record, true, nil
}

func listActiveTournaments(ctx context.Context, db *sql.DB) ([]*Tournament, error) {
	query := "SELECT " + tournamentColumns + " FROM tournaments WHERE status = $1 ORDER BY start_at ASC"
	rows, err := db.QueryContext(ctx, query, TournamentStatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tournaments := make([]*Tournament, 0, 2)
	for rows.Next() {
		tournament, err := scanTournament(rows)
		if err != nil {
			return nil, err
		}
		tournaments = append(tournaments, tournament)
	}
	return tournaments, rows.Err()
}

// TournamentAggregator folds game_ended events inside each active
// tournament's window into that tournament's leaderboard. The junction table
// is the per-tournament processed marker, the event's own watermark is left
// untouched so the global aggregator and any number of tournaments consume
// the same event independently.
type TournamentAggregator struct {
	logger  *zap.Logger
	config  Config
	db      *sql.DB
	metrics Metrics
	cache   QueryCache

	active *atomic.Uint32
}

func NewTournamentAggregator(logger *zap.Logger, config Config, db *sql.DB, metrics Metrics, cache QueryCache) *TournamentAggregator {
	return &TournamentAggregator{
		logger:  logger,
		config:  config,
		db:      db,
		metrics: metrics,
		cache:   cache,

		active: atomic.NewUint32(0),
	}
}

// Run drains the uncounted backlog of every active tournament. Runs are
// coalesced the same way as the global aggregator.
func (a *TournamentAggregator) Run(ctx context.Context) {
	if !a.active.CompareAndSwap(0, 1) {
		return
	}
	defer a.active.Store(0)

	tournaments, err := listActiveTournaments(ctx, a.db)
	if err != nil {
		a.logger.Error("Error listing active tournaments for aggregation", zap.Error(err))
		return
	}

	batchSize := a.config.GetAggregator().BatchSize
	for _, tournament := range tournaments {
		start := time.Now()
		counted := 0
		for ctx.Err() == nil {
			n, err := a.runBatch(ctx, tournament, batchSize)
			counted += n
			if err != nil {
				if ctx.Err() == nil {
					a.logger.Error("Error running tournament aggregation", zap.String("tournament_id", tournament.ID.String()), zap.Error(err))
				}
				break
			}
			if n < batchSize {
				break
			}
		}
		if counted > 0 {
			a.metrics.AggregatedEvents("tournament", int64(counted), time.Since(start))
			a.logger.Debug("Tournament aggregation pass complete", zap.String("tournament_id", tournament.ID.String()), zap.Int("counted", counted))
			a.cache.Invalidate(ctx, cacheKeyTournament(tournament.ID.String()))
		}
	}
}

func (a *TournamentAggregator) runBatch(ctx context.Context, tournament *Tournament, batchSize int) (int, error) {
	counted := 0
	err := ExecuteInTx(ctx, a.db, func(tx *sql.Tx) error {
		counted = 0

		events, err := a.scanBatch(ctx, tx, tournament, batchSize)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		upsert, err := tx.PrepareContext(ctx, `
INSERT INTO tournament_leaderboard (tournament_id, user_id, nickname, best_score, attempts, last_attempt_at)
VALUES ($1, $2, $3, $4, 1, $5)
ON CONFLICT (tournament_id, user_id) DO UPDATE SET
	best_score = GREATEST(tournament_leaderboard.best_score, EXCLUDED.best_score),
	attempts = tournament_leaderboard.attempts + 1,
	last_attempt_at = GREATEST(tournament_leaderboard.last_attempt_at, EXCLUDED.last_attempt_at),
	nickname = COALESCE(EXCLUDED.nickname, tournament_leaderboard.nickname)`)
		if err != nil {
			return err
		}
		defer upsert.Close()

		link, err := tx.PrepareContext(ctx, `
INSERT INTO tournament_events (tournament_id, event_id, processed_at)
VALUES ($1, $2, now())
ON CONFLICT (tournament_id, event_id) DO NOTHING`)
		if err != nil {
			return err
		}
		defer link.Close()

		for _, event := range events {
			if event.valid {
				nickname := sql.NullString{String: event.nickname, Valid: event.nickname != ""}
				if _, err := upsert.ExecContext(ctx, tournament.ID, event.userID, nickname, event.score, event.receivedAt); err != nil {
					return err
				}
			}
			// Events with an unusable score still get a junction row or they
			// would be rescanned every pass.
			if _, err := link.ExecContext(ctx, tournament.ID, event.id); err != nil {
				return err
			}
		}
		counted = len(events)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return counted, nil
}

func (a *TournamentAggregator) scanBatch(ctx context.Context, tx *sql.Tx, tournament *Tournament, batchSize int) ([]*scoredEvent, error) {
	query := `
SELECT e.id, e.user_id, e.payload, e.received_at FROM events e
WHERE e.event_type = 'game_ended'
AND e.received_at BETWEEN $1 AND $2
AND NOT EXISTS (SELECT 1 FROM tournament_events te WHERE te.tournament_id = $3 AND te.event_id = e.id)
ORDER BY e.received_at
LIMIT $4
FOR UPDATE OF e SKIP LOCKED`
	rows, err := tx.QueryContext(ctx, query, tournament.StartAt, tournament.EndAt, tournament.ID, batchSize)
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
			a.logger.Warn("Skipping tournament event with missing or invalid score", zap.String("event_id", id), zap.String("tournament_id", tournament.ID.String()))
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// PrizeDistributor is the collaborator invoked when a tournament ends.
type PrizeDistributor interface {
	Distribute(ctx context.Context, tournament *Tournament) (int, error)
}

// TournamentManager owns tournament status transitions and scheduled
// creation. No other component writes the status column.
type TournamentManager struct {
	logger  *zap.Logger
	config  Config
	db      *sql.DB
	metrics Metrics
	cache   QueryCache
	prizes  PrizeDistributor
}

func NewTournamentManager(logger *zap.Logger, config Config, db *sql.DB, metrics Metrics, cache QueryCache, prizes PrizeDistributor) *TournamentManager {
	return &TournamentManager{
		logger:  logger,
		config:  config,
		db:      db,
		metrics: metrics,
		cache:   cache,
		prizes:  prizes,
	}
}

// RunTransitions applies the clock-driven status changes in one transaction:
// upcoming tournaments whose start time has passed become active, active
// ones whose end time has passed become ended. Row locks serialize
// concurrent schedulers. Prize distribution runs after commit and is
// idempotent, so a crash between commit and distribution is recovered by
// the next tick.
func (m *TournamentManager) RunTransitions(ctx context.Context) {
	var activated, ended []*Tournament
	err := ExecuteInTx(ctx, m.db, func(tx *sql.Tx) error {
		activated = nil
		ended = nil

		var err error
		activated, err = m.transition(ctx, tx, TournamentStatusUpcoming, TournamentStatusActive,
			"SELECT "+tournamentColumns+" FROM tournaments WHERE status = $1 AND start_at <= now() FOR UPDATE SKIP LOCKED",
			"UPDATE tournaments SET status = $2, started_at = now() WHERE id = ANY($1::uuid[])")
		if err != nil {
			return err
		}
		ended, err = m.transition(ctx, tx, TournamentStatusActive, TournamentStatusEnded,
			"SELECT "+tournamentColumns+" FROM tournaments WHERE status = $1 AND end_at <= now() FOR UPDATE SKIP LOCKED",
			"UPDATE tournaments SET status = $2, ended_at = now() WHERE id = ANY($1::uuid[])")
		return err
	})
	if err != nil {
		m.logger.Error("Error running tournament transitions", zap.Error(err))
		return
	}

	for _, tournament := range activated {
		m.logger.Info("Tournament activated", zap.String("tournament_id", tournament.ID.String()), zap.String("name", tournament.Name))
		m.metrics.TournamentTransition("active")
	}
	for _, tournament := range ended {
		m.logger.Info("Tournament ended", zap.String("tournament_id", tournament.ID.String()), zap.String("name", tournament.Name))
		m.metrics.TournamentTransition("ended")
		m.cache.Invalidate(ctx, cacheKeyTournament(tournament.ID.String()))

		count, err := m.prizes.Distribute(ctx, tournament)
		if err != nil {
			m.logger.Error("Error distributing tournament prizes", zap.String("tournament_id", tournament.ID.String()), zap.Error(err))
			continue
		}
		m.logger.Info("Tournament prizes distributed", zap.String("tournament_id", tournament.ID.String()), zap.Int("count", count))
	}
}

func (m *TournamentManager) transition(ctx context.Context, tx *sql.Tx, from, to TournamentStatus, selectQuery, updateQuery string) ([]*Tournament, error) {
	rows, err := tx.QueryContext(ctx, selectQuery, from)
	if err != nil {
		return nil, err
	}

	due := make([]*Tournament, 0, 2)
	for rows.Next() {
		tournament, err := scanTournament(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		due = append(due, tournament)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(due) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(due))
	for _, tournament := range due {
		ids = append(ids, tournament.ID.String())
		tournament.Status = to
	}
	if _, err := tx.ExecContext(ctx, updateQuery, ids, to); err != nil {
		return nil, err
	}
	return due, nil
}

// EnsureUpcomingWeekly creates next week's tournament if it does not exist
// yet. A concurrent creation loses the unique (type, start_at) race and
// fetches the winner's row instead.
func (m *TournamentManager) EnsureUpcomingWeekly(ctx context.Context, now time.Time) (*Tournament, bool, error) {
	startAt, endAt := nextWeeklyWindow(now)
	tournamentType := m.config.GetTournament().Type

	tournament := &Tournament{
		ID:                uuid.Must(uuid.NewV4()),
		Name:              weeklyTournamentName(startAt, endAt),
		Type:              tournamentType,
		StartAt:           startAt,
		EndAt:             endAt,
		RegistrationStart: startAt,
		RegistrationEnd:   endAt,
		Status:            TournamentStatusUpcoming,
		PrizePool:         int64(m.config.GetTournament().PrizePool),
		GameMode:          m.config.GetTournament().GameMode,
	}

	query := `
INSERT INTO tournaments (id, name, type, start_at, end_at, registration_start, registration_end, status, prize_pool, game_mode, create_time)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())`
	_, err := m.db.ExecContext(ctx, query, tournament.ID, tournament.Name, tournament.Type, tournament.StartAt, tournament.EndAt,
		tournament.RegistrationStart, tournament.RegistrationEnd, tournament.Status, tournament.PrizePool, tournament.GameMode)
	if err != nil {
		if !isUniqueViolation(err) {
			m.logger.Error("Error creating weekly tournament", zap.Error(err))
			return nil, false, StatusError(ErrorKindUnavailable, "tournament could not be created", err)
		}
		existing, err := scanTournament(m.db.QueryRowContext(ctx,
			"SELECT "+tournamentColumns+" FROM tournaments WHERE type = $1 AND start_at = $2", tournamentType, startAt))
		if err != nil {
			m.logger.Error("Error reading existing weekly tournament", zap.Error(err))
			return nil, false, StatusError(ErrorKindUnavailable, "tournament could not be read", err)
		}
		return existing, false, nil
	}

	m.logger.Info("Weekly tournament created", zap.String("tournament_id", tournament.ID.String()),
		zap.String("name", tournament.Name), zap.Time("start_at", startAt), zap.Time("end_at", endAt))
	return tournament, true, nil
}

// nextWeeklyWindow returns the Monday 00:00:00 UTC strictly after now and
// the matching Sunday 23:59:59 UTC.
func nextWeeklyWindow(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	days := (int(time.Monday) - int(now.Weekday()) + 7) % 7
	if days == 0 {
		days = 7
	}
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, days)
	return start, start.AddDate(0, 0, 7).Add(-time.Second)
}

func weeklyTournamentName(start, end time.Time) string {
	switch {
	case start.Year() != end.Year():
		return fmt.Sprintf("Weekly Tournament %s-%s", start.Format("Jan 2 2006"), end.Format("Jan 2 2006"))
	case start.Month() != end.Month():
		return fmt.Sprintf("Weekly Tournament %s-%s %d", start.Format("Jan 2"), end.Format("Jan 2"), start.Year())
	default:
		return fmt.Sprintf("Weekly Tournament %s-%d %d", start.Format("Jan 2"), end.Day(), start.Year())
	}
}
