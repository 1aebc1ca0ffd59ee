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
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/require"
)

var (
	logger  = NewConsoleLogger(os.Stdout, true)
	cfg     = NewConfig()
	metrics = NewLocalMetrics(logger, logger, cfg)
)

func GenerateString() string {
	return uuid.Must(uuid.NewV4()).String()
}

// newTestApiServer serves the full handler chain, recovery, body size cap
// and CORS included, over an httptest listener. The caller supplies the
// mocked database and whichever cache and queue the scenario needs.
func newTestApiServer(t *testing.T, config Config, db *sql.DB, cache QueryCache, queue JobQueue) (*ApiServer, *httptest.Server) {
	t.Helper()

	rateLimiter := NewRateLimiter(logger, config)
	s := &ApiServer{
		logger:      logger,
		db:          db,
		config:      config,
		metrics:     metrics,
		queryCache:  cache,
		queue:       queue,
		rateLimiter: rateLimiter,
		analytics:   NewAnalyticsService(logger, db, config),
		startedAt:   time.Now().UTC(),
	}
	ts := httptest.NewServer(s.buildHandler())
	t.Cleanup(func() {
		ts.Close()
		rateLimiter.Stop()
	})
	return s, ts
}

func httpGet(t *testing.T, url string) (int, []byte) {
	t.Helper()
	res, err := http.Get(url)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, body
}

func httpPost(t *testing.T, url, body string) (int, []byte) {
	t.Helper()
	res, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()
	payload, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, payload
}

func decodeJSON(t *testing.T, body []byte, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(body, out), "response body: %s", body)
}
