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
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gofrs/uuid"
	"github.com/gorilla/mux"
)

// tournamentView augments the persisted tournament with the fields clients
// render directly: the status name and the countdown to the next state
// change.
type tournamentView struct {
	*Tournament
	Status      string `json:"status"`
	StartsInSec int64  `json:"starts_in_sec,omitempty"`
	EndsInSec   int64  `json:"ends_in_sec,omitempty"`
}

func newTournamentView(tournament *Tournament, now time.Time) *tournamentView {
	view := &tournamentView{
		Tournament: tournament,
		Status:     tournament.Status.String(),
	}
	switch tournament.Status {
	case TournamentStatusUpcoming:
		if remaining := tournament.StartAt.Sub(now); remaining > 0 {
			view.StartsInSec = int64(remaining.Seconds())
		}
	case TournamentStatusActive:
		if remaining := tournament.EndAt.Sub(now); remaining > 0 {
			view.EndsInSec = int64(remaining.Seconds())
		}
	}
	return view
}

type currentTournamentResponse struct {
	Tournament   *tournamentView `json:"tournament"`
	Participants int64           `json:"participants"`
	LastUpdated  time.Time       `json:"last_updated"`
}

// getCurrentTournament returns the active tournament, or the next upcoming
// one when nothing is live. Not cached, the countdown must stay fresh.
func (s *ApiServer) getCurrentTournament(w http.ResponseWriter, r *http.Request) {
	tournament, participants, err := CurrentTournament(r.Context(), s.logger, s.db)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}

	now := time.Now().UTC()
	s.jsonResponse(w, http.StatusOK, &currentTournamentResponse{
		Tournament:   newTournamentView(tournament, now),
		Participants: participants,
		LastUpdated:  now,
	})
}

type tournamentUserView struct {
	*TournamentRecord
	Prize *PrizeAmount `json:"prize,omitempty"`
}

type tournamentLeaderboardResponse struct {
	Tournament  *tournamentView     `json:"tournament"`
	Records     []*TournamentRecord `json:"records"`
	Total       int64               `json:"total"`
	User        *tournamentUserView `json:"user,omitempty"`
	LastUpdated time.Time           `json:"last_updated"`
}

// getTournamentLeaderboard serves one page of a tournament leaderboard.
// Plain pages read through the query cache under the tournament's key
// prefix, so aggregation passes and state transitions invalidate them.
func (s *ApiServer) getTournamentLeaderboard(w http.ResponseWriter, r *http.Request) {
	tournamentID, err := tournamentIDFromRequest(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	limit, offset, err := parseLimitOffset(r, leaderboardDefaultLimit, leaderboardMaxLimit)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	userID := r.URL.Query().Get("user_id")

	cacheKey := cacheKeyTournament(tournamentID.String(), "leaderboard", strconv.Itoa(limit), strconv.Itoa(offset))
	if userID == "" {
		if cached, found := s.queryCache.Get(r.Context(), cacheKey); found {
			s.rawResponse(w, http.StatusOK, cached)
			return
		}
	}

	tournament, err := TournamentGet(r.Context(), s.logger, s.db, tournamentID)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	records, total, err := TournamentRecordsPage(r.Context(), s.logger, s.db, tournamentID, limit, offset)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}

	now := time.Now().UTC()
	response := &tournamentLeaderboardResponse{
		Tournament:  newTournamentView(tournament, now),
		Records:     records,
		Total:       total,
		LastUpdated: now,
	}

	if userID != "" {
		record, ranked, err := TournamentRankForUser(r.Context(), s.logger, s.db, tournamentID, userID)
		if err != nil {
			s.errorResponse(w, r, err)
			return
		}
		if ranked {
			response.User = &tournamentUserView{
				TournamentRecord: record,
				Prize:            PrizeForRank(s.logger, tournament, record.Rank),
			}
		}
		s.jsonResponse(w, http.StatusOK, response)
		return
	}

	payload, err := json.Marshal(response)
	if err != nil {
		s.errorResponse(w, r, StatusError(ErrorKindFatal, "Could not encode tournament leaderboard response.", err))
		return
	}
	s.queryCache.Set(r.Context(), cacheKey, payload, time.Duration(s.config.GetCacheTTL().TournamentSec)*time.Second)
	s.rawResponse(w, http.StatusOK, payload)
}

type prizeBand struct {
	Ranks string `json:"ranks"`
	Coins int64  `json:"coins"`
	Gems  int64  `json:"gems"`
}

type tournamentPrizesResponse struct {
	Tournament  *tournamentView `json:"tournament"`
	PrizePool   int64           `json:"prize_pool"`
	Bands       []prizeBand     `json:"bands"`
	LastUpdated time.Time       `json:"last_updated"`
}

// getTournamentPrizes returns the tournament's effective prize distribution,
// the per-tournament override merged over the defaults.
func (s *ApiServer) getTournamentPrizes(w http.ResponseWriter, r *http.Request) {
	tournamentID, err := tournamentIDFromRequest(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	tournament, err := TournamentGet(r.Context(), s.logger, s.db, tournamentID)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}

	table := resolvePrizeTable(s.logger, tournament)
	now := time.Now().UTC()
	s.jsonResponse(w, http.StatusOK, &tournamentPrizesResponse{
		Tournament: newTournamentView(tournament, now),
		PrizePool:  tournament.PrizePool,
		Bands: []prizeBand{
			{Ranks: "1", Coins: table.Rank1.Coins, Gems: table.Rank1.Gems},
			{Ranks: "2", Coins: table.Rank2.Coins, Gems: table.Rank2.Gems},
			{Ranks: "3", Coins: table.Rank3.Coins, Gems: table.Rank3.Gems},
			{Ranks: "4-10", Coins: table.Rank4To10.Coins, Gems: table.Rank4To10.Gems},
			{Ranks: "11-50", Coins: table.Rank11To50.Coins, Gems: table.Rank11To50.Gems},
		},
		LastUpdated: now,
	})
}

func tournamentIDFromRequest(r *http.Request) (uuid.UUID, error) {
	tournamentID, err := uuid.FromString(mux.Vars(r)["id"])
	if err != nil {
		return uuid.Nil, StatusError(ErrorKindValidation, "Tournament ID must be a valid UUID.", err)
	}
	return tournamentID, nil
}
