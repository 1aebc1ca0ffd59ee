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
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

const (
	claimReasonAlreadyClaimed = "already_claimed"
	claimReasonNotFound       = "not_found"
	claimReasonNotOwner       = "not_owner"

	prizeRankCutoff = 50
)

// PrizeAmount is one reward tier of a tournament.
type PrizeAmount struct {
	Coins int64 `json:"coins"`
	Gems  int64 `json:"gems"`
}

type Prize struct {
	ID             uuid.UUID  `json:"id"`
	TournamentID   uuid.UUID  `json:"tournament_id"`
	TournamentName string     `json:"tournament_name,omitempty"`
	UserID         string     `json:"user_id"`
	Rank           int64      `json:"rank"`
	Coins          int64      `json:"coins"`
	Gems           int64      `json:"gems"`
	CreateTime     time.Time  `json:"create_time"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
}

// ClaimResult is the outcome of a claim attempt. Reason is set only when
// Claimed is false.
type ClaimResult struct {
	Claimed bool         `json:"claimed"`
	Reward  *PrizeAmount `json:"reward,omitempty"`
	Reason  string       `json:"reason,omitempty"`
}

// prizeTable maps rank bands to rewards. The JSON keys are the contract for
// the per-tournament prize_distribution override.
type prizeTable struct {
	Rank1      PrizeAmount `json:"1"`
	Rank2      PrizeAmount `json:"2"`
	Rank3      PrizeAmount `json:"3"`
	Rank4To10  PrizeAmount `json:"4-10"`
	Rank11To50 PrizeAmount `json:"11-50"`
}

var defaultPrizeTable = prizeTable{
	Rank1:      PrizeAmount{Coins: 5000, Gems: 250},
	Rank2:      PrizeAmount{Coins: 3000, Gems: 150},
	Rank3:      PrizeAmount{Coins: 2000, Gems: 100},
	Rank4To10:  PrizeAmount{Coins: 1000, Gems: 50},
	Rank11To50: PrizeAmount{Coins: 500, Gems: 25},
}

// resolvePrizeTable merges the tournament's prize_distribution override over
// the default table. Bands missing from the override keep their defaults.
func resolvePrizeTable(logger *zap.Logger, tournament *Tournament) prizeTable {
	table := defaultPrizeTable
	if len(tournament.PrizeDistribution) == 0 {
		return table
	}
	if err := json.Unmarshal(tournament.PrizeDistribution, &table); err != nil {
		logger.Warn("Ignoring malformed tournament prize distribution",
			zap.String("tournament_id", tournament.ID.String()), zap.Error(err))
		return defaultPrizeTable
	}
	return table
}

func (t prizeTable) forRank(rank int64) (PrizeAmount, bool) {
	switch {
	case rank < 1 || rank > prizeRankCutoff:
		return PrizeAmount{}, false
	case rank == 1:
		return t.Rank1, true
	case rank == 2:
		return t.Rank2, true
	case rank == 3:
		return t.Rank3, true
	case rank <= 10:
		return t.Rank4To10, true
	default:
		return t.Rank11To50, true
	}
}

// PrizeForRank returns the reward the given rank would earn under the
// tournament's distribution, or nil beyond the cutoff.
func PrizeForRank(logger *zap.Logger, tournament *Tournament, rank int64) *PrizeAmount {
	amount, ok := resolvePrizeTable(logger, tournament).forRank(rank)
	if !ok {
		return nil
	}
	return &amount
}

// PrizeManager owns all writes to the prizes table.
type PrizeManager struct {
	logger   *zap.Logger
	db       *sql.DB
	metrics  Metrics
	notifier NotificationSender
}

func NewPrizeManager(logger *zap.Logger, db *sql.DB, metrics Metrics, notifier NotificationSender) *PrizeManager {
	return &PrizeManager{
		logger:   logger,
		db:       db,
		metrics:  metrics,
		notifier: notifier,
	}
}

type prizeWinner struct {
	userID string
	rank   int64
	amount PrizeAmount
}

// Distribute creates prize rows for the tournament's top ranks in one
// statement. The unique (tournament_id, user_id) constraint makes concurrent
// or repeated distribution converge on the same row set, conflicting rows
// are skipped. Returns the number of rows this call inserted.
func (p *PrizeManager) Distribute(ctx context.Context, tournament *Tournament) (int, error) {
	winners, err := p.selectWinners(ctx, tournament)
	if err != nil {
		return 0, err
	}
	if len(winners) == 0 {
		return 0, nil
	}

	statements := make([]string, 0, len(winners))
	params := make([]interface{}, 0, len(winners)*6)
	for _, winner := range winners {
		statement := "($" + strconv.Itoa(len(params)+1) +
			",$" + strconv.Itoa(len(params)+2) +
			",$" + strconv.Itoa(len(params)+3) +
			",$" + strconv.Itoa(len(params)+4) +
			",$" + strconv.Itoa(len(params)+5) +
			",$" + strconv.Itoa(len(params)+6) + ",now())"
		statements = append(statements, statement)
		params = append(params, uuid.Must(uuid.NewV4()), tournament.ID, winner.userID, winner.rank, winner.amount.Coins, winner.amount.Gems)
	}
	query := "INSERT INTO prizes (id, tournament_id, user_id, rank, coins, gems, create_time) VALUES " +
		strings.Join(statements, ", ") + " ON CONFLICT (tournament_id, user_id) DO NOTHING"

	result, err := p.db.ExecContext(ctx, query, params...)
	if err != nil {
		p.logger.Error("Error inserting tournament prizes", zap.String("tournament_id", tournament.ID.String()), zap.Error(err))
		return 0, StatusError(ErrorKindUnavailable, "prizes could not be created", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if inserted == 0 {
		// Another distribution run already created every row.
		return 0, nil
	}
	p.metrics.PrizesDistributed(inserted)

	// Best-effort delivery. Interleaved distribution runs may notify a
	// winner twice, the prize row itself is created exactly once.
	notifications := make([]*Notification, 0, len(winners))
	for _, winner := range winners {
		notifications = append(notifications, NewPrizeNotification(tournament, winner.userID, winner.rank, winner.amount.Coins, winner.amount.Gems))
	}
	if err := p.notifier.Send(ctx, notifications); err != nil {
		p.logger.Warn("Error sending prize notifications", zap.String("tournament_id", tournament.ID.String()), zap.Error(err))
	}
	return int(inserted), nil
}

func (p *PrizeManager) selectWinners(ctx context.Context, tournament *Tournament) ([]*prizeWinner, error) {
	query := `
SELECT user_id FROM tournament_leaderboard
WHERE tournament_id = $1
ORDER BY best_score DESC, last_attempt_at ASC
LIMIT $2`
	rows, err := p.db.QueryContext(ctx, query, tournament.ID, prizeRankCutoff)
	if err != nil {
		p.logger.Error("Error selecting tournament winners", zap.String("tournament_id", tournament.ID.String()), zap.Error(err))
		return nil, StatusError(ErrorKindUnavailable, "tournament leaderboard could not be read", err)
	}
	defer rows.Close()

	table := resolvePrizeTable(p.logger, tournament)
	winners := make([]*prizeWinner, 0, prizeRankCutoff)
	rank := int64(0)
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		rank++
		amount, ok := table.forRank(rank)
		if !ok {
			break
		}
		winners = append(winners, &prizeWinner{userID: userID, rank: rank, amount: amount})
	}
	return winners, rows.Err()
}

// ClaimPrize sets claimed_at if and only if the prize belongs to the user
// and is still unclaimed. The conditional update is the only mutation, a
// losing concurrent claim reads the row again purely to name its reason.
func ClaimPrize(ctx context.Context, logger *zap.Logger, db *sql.DB, prizeID uuid.UUID, userID string) (*ClaimResult, error) {
	var coins, gems int64
	err := ExecuteRetryable(func() error {
		return db.QueryRowContext(ctx, `
UPDATE prizes SET claimed_at = now()
WHERE id = $1 AND user_id = $2 AND claimed_at IS NULL
RETURNING coins, gems`, prizeID, userID).Scan(&coins, &gems)
	})
	if err == nil {
		return &ClaimResult{Claimed: true, Reward: &PrizeAmount{Coins: coins, Gems: gems}}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		logger.Error("Error claiming prize", zap.String("prize_id", prizeID.String()), zap.String("user_id", userID), zap.Error(err))
		return nil, StatusError(ErrorKindUnavailable, "prize could not be claimed", err)
	}

	var ownerID string
	var claimedAt sql.NullTime
	err = db.QueryRowContext(ctx, "SELECT user_id, claimed_at FROM prizes WHERE id = $1", prizeID).Scan(&ownerID, &claimedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &ClaimResult{Claimed: false, Reason: claimReasonNotFound}, nil
		}
		logger.Error("Error classifying failed claim", zap.String("prize_id", prizeID.String()), zap.Error(err))
		return nil, StatusError(ErrorKindUnavailable, "prize could not be claimed", err)
	}
	if ownerID != userID {
		return &ClaimResult{Claimed: false, Reason: claimReasonNotOwner}, nil
	}
	return &ClaimResult{Claimed: false, Reason: claimReasonAlreadyClaimed}, nil
}

const prizeColumns = `p.id, p.tournament_id, COALESCE(t.name, ''), p.user_id, p.rank, p.coins, p.gems, p.create_time, p.claimed_at`

func scanPrizes(rows *sql.Rows) ([]*Prize, error) {
	prizes := make([]*Prize, 0, 10)
	for rows.Next() {
		prize := &Prize{}
		var claimedAt sql.NullTime
		if err := rows.Scan(&prize.ID, &prize.TournamentID, &prize.TournamentName, &prize.UserID,
			&prize.Rank, &prize.Coins, &prize.Gems, &prize.CreateTime, &claimedAt); err != nil {
			return nil, err
		}
		if claimedAt.Valid {
			prize.ClaimedAt = &claimedAt.Time
		}
		prizes = append(prizes, prize)
	}
	return prizes, rows.Err()
}

// PendingPrizes lists the user's unclaimed prizes, newest first.
func PendingPrizes(ctx context.Context, logger *zap.Logger, db *sql.DB, userID string) ([]*Prize, error) {
	query := "SELECT " + prizeColumns + `
FROM prizes p
LEFT JOIN tournaments t ON t.id = p.tournament_id
WHERE p.user_id = $1 AND p.claimed_at IS NULL
ORDER BY p.create_time DESC`
	rows, err := db.QueryContext(ctx, query, userID)
	if err != nil {
		logger.Error("Error listing pending prizes", zap.String("user_id", userID), zap.Error(err))
		return nil, StatusError(ErrorKindUnavailable, "prizes could not be read", err)
	}
	defer rows.Close()

	prizes, err := scanPrizes(rows)
	if err != nil {
		logger.Error("Error scanning pending prizes", zap.String("user_id", userID), zap.Error(err))
		return nil, StatusError(ErrorKindUnavailable, "prizes could not be read", err)
	}
	return prizes, nil
}

// PrizeHistory lists the user's claimed prizes, most recently claimed first.
func PrizeHistory(ctx context.Context, logger *zap.Logger, db *sql.DB, userID string) ([]*Prize, error) {
	query := "SELECT " + prizeColumns + `
FROM prizes p
LEFT JOIN tournaments t ON t.id = p.tournament_id
WHERE p.user_id = $1 AND p.claimed_at IS NOT NULL
ORDER BY p.claimed_at DESC`
	rows, err := db.QueryContext(ctx, query, userID)
	if err != nil {
		logger.Error("Error listing prize history", zap.String("user_id", userID), zap.Error(err))
		return nil, StatusError(ErrorKindUnavailable, "prizes could not be read", err)
	}
	defer rows.Close()

	prizes, err := scanPrizes(rows)
	if err != nil {
		logger.Error("Error scanning prize history", zap.String("user_id", userID), zap.Error(err))
		return nil, StatusError(ErrorKindUnavailable, "prizes could not be read", err)
	}
	return prizes, nil
}
