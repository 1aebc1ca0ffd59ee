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
	"time"
)

const (
	leaderboardDefaultLimit = 50
	leaderboardMaxLimit     = 100
)

type leaderboardResponse struct {
	Records     []*LeaderboardRecord `json:"records"`
	Total       int64                `json:"total"`
	User        *LeaderboardRecord   `json:"user,omitempty"`
	LastUpdated time.Time            `json:"last_updated"`
}

// getGlobalLeaderboard serves one page of the global leaderboard. Plain
// pages are read through the query cache; requests asking for a specific
// user's rank are personalized and always read the database.
func (s *ApiServer) getGlobalLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, leaderboardDefaultLimit, leaderboardMaxLimit)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	userID := r.URL.Query().Get("user_id")

	cacheKey := cacheKeyGlobalLeaderboard(limit, offset)
	if userID == "" {
		if cached, found := s.queryCache.Get(r.Context(), cacheKey); found {
			s.rawResponse(w, http.StatusOK, cached)
			return
		}
	}

	records, total, err := LeaderboardRecordsList(r.Context(), s.logger, s.db, limit, offset)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	response := &leaderboardResponse{
		Records:     records,
		Total:       total,
		LastUpdated: time.Now().UTC(),
	}

	if userID != "" {
		record, err := LeaderboardRecordForUser(r.Context(), s.logger, s.db, userID)
		if err != nil && ErrorKindOf(err) != ErrorKindNotFound {
			s.errorResponse(w, r, err)
			return
		}
		// An unranked user is not an error for the page read, the user
		// field is simply omitted.
		response.User = record
		s.jsonResponse(w, http.StatusOK, response)
		return
	}

	payload, err := json.Marshal(response)
	if err != nil {
		s.errorResponse(w, r, StatusError(ErrorKindFatal, "Could not encode leaderboard response.", err))
		return
	}
	s.queryCache.Set(r.Context(), cacheKey, payload, time.Duration(s.config.GetCacheTTL().LeaderboardSec)*time.Second)
	s.rawResponse(w, http.StatusOK, payload)
}
