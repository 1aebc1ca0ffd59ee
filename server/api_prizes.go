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

	"github.com/gofrs/uuid"
)

type prizesResponse struct {
	Prizes      []*Prize  `json:"prizes"`
	LastUpdated time.Time `json:"last_updated"`
}

func (s *ApiServer) getPendingPrizes(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.errorResponse(w, r, StatusError(ErrorKindValidation, "User ID must be set.", nil))
		return
	}

	prizes, err := PendingPrizes(r.Context(), s.logger, s.db, userID)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, &prizesResponse{Prizes: prizes, LastUpdated: time.Now().UTC()})
}

func (s *ApiServer) getPrizeHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.errorResponse(w, r, StatusError(ErrorKindValidation, "User ID must be set.", nil))
		return
	}

	prizes, err := PrizeHistory(r.Context(), s.logger, s.db, userID)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, &prizesResponse{Prizes: prizes, LastUpdated: time.Now().UTC()})
}

type claimPrizeRequest struct {
	PrizeID string `json:"prize_id"`
	UserID  string `json:"user_id"`
}

// claimPrize marks a prize claimed for its owner. The body names the prize
// and the claiming user; the result reports the reward once and exactly
// once, concurrent claims of the same prize lose with "already_claimed".
func (s *ApiServer) claimPrize(w http.ResponseWriter, r *http.Request) {
	var request claimPrizeRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.errorResponse(w, r, StatusError(ErrorKindValidation, "Request body must be a JSON claim object.", err))
		return
	}
	if request.UserID == "" {
		s.errorResponse(w, r, StatusError(ErrorKindValidation, "User ID must be set.", nil))
		return
	}
	prizeID, err := uuid.FromString(request.PrizeID)
	if err != nil {
		s.errorResponse(w, r, StatusError(ErrorKindValidation, "Prize ID must be a valid UUID.", err))
		return
	}

	result, err := ClaimPrize(r.Context(), s.logger, s.db, prizeID, request.UserID)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}

	code := http.StatusOK
	if !result.Claimed {
		switch result.Reason {
		case claimReasonNotFound:
			code = http.StatusNotFound
		case claimReasonNotOwner:
			code = http.StatusForbidden
		case claimReasonAlreadyClaimed:
			code = http.StatusConflict
		}
	}
	s.jsonResponse(w, code, result)
}
