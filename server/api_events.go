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
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// maxEventBatchSize caps how many events a single ingest request may carry.
// Submissions beyond the cap are dropped, not rejected, and the response
// reports the truncation so well-behaved clients can resubmit.
const maxEventBatchSize = 100

type rejectedEvent struct {
	Index  int    `json:"index"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

type ingestResponse struct {
	Received  int             `json:"received"`
	Accepted  int             `json:"accepted"`
	Rejected  []rejectedEvent `json:"rejected"`
	Truncated bool            `json:"truncated,omitempty"`
}

// ingestEvents accepts a single event object or an array of up to 100.
// Validation failures are reported per item and never abort the batch; the
// whole request fails only when the accepted events cannot be persisted.
func (s *ApiServer) ingestEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, "Could not read request body.")
		return
	}

	items, err := decodeEventBatch(body)
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, "Request body must be a JSON event object or array of event objects.")
		return
	}

	truncated := false
	if len(items) > maxEventBatchSize {
		s.logger.Warn("Ingest batch over size cap, truncating", zap.Int("received", len(items)), zap.Int("cap", maxEventBatchSize))
		s.metrics.EventsTruncated(int64(len(items) - maxEventBatchSize))
		items = items[:maxEventBatchSize]
		truncated = true
	}

	response := &ingestResponse{
		Received:  len(items),
		Rejected:  make([]rejectedEvent, 0),
		Truncated: truncated,
	}
	accepted := make([]*Event, 0, len(items))
	for i, item := range items {
		event, validationErr := validateEvent(item)
		if validationErr != nil {
			response.Rejected = append(response.Rejected, rejectedEvent{Index: i, Field: validationErr.Field, Reason: validationErr.Reason})
			continue
		}
		accepted = append(accepted, event)
	}
	response.Accepted = len(accepted)
	s.metrics.EventsIngested(int64(len(accepted)), int64(len(response.Rejected)))

	if len(accepted) == 0 {
		s.jsonResponse(w, http.StatusOK, response)
		return
	}

	if err := InsertEvents(r.Context(), s.logger, s.db, accepted); err != nil {
		s.errorResponse(w, r, StatusError(ErrorKindUnavailable, "Could not persist events.", err))
		return
	}

	// Queue kicks are best-effort and deduplicated per job type, the jobs
	// carry no payload and the aggregators coalesce runs anyway. A failed
	// enqueue is logged and absorbed, the periodic ticks pick the events up
	// regardless.
	kicks := make(map[string]JobPriority, 2)
	for _, event := range accepted {
		jobType, priority := jobForEvent(event.EventType)
		kicks[jobType] = priority
	}
	for jobType, priority := range kicks {
		if err := s.queue.Enqueue(r.Context(), jobType, priority, nil); err != nil {
			s.logger.Warn("Error enqueuing ingest job", zap.String("type", jobType), zap.Error(err))
		}
	}

	s.jsonResponse(w, http.StatusOK, response)
}

// decodeEventBatch parses the request body into individual event objects,
// accepting both the single-object and the array form.
func decodeEventBatch(body []byte) ([]map[string]interface{}, error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []map[string]interface{}
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, err
		}
		return items, nil
	}

	var item map[string]interface{}
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, err
	}
	return []map[string]interface{}{item}, nil
}
