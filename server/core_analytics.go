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
	"time"

	"go.uber.org/zap"
)

// Analytics windows. Every query is bounded by an explicit received_at
// range so nothing ever scans the full event log.
const (
	analyticsTrendMaxDays     = 90
	analyticsLevelWindowDays  = 30
	analyticsCohortWindowDays = 60
	analyticsTopEventsDays    = 7
	analyticsActivityWindow   = 24 * time.Hour
)

var retentionHorizons = [...]int{1, 3, 7, 14, 30}

// AnalyticsService computes the dashboard read models. All methods are
// plain bounded queries against the event log and the aggregated tables,
// the caller layers caching and timeouts on top.
type AnalyticsService struct {
	logger *zap.Logger
	db     *sql.DB
	config Config
}

func NewAnalyticsService(logger *zap.Logger, db *sql.DB, config Config) *AnalyticsService {
	return &AnalyticsService{
		logger: logger,
		db:     db,
		config: config,
	}
}

type OverviewStats struct {
	DailyActiveUsers     int64 `json:"daily_active_users"`
	EventsToday          int64 `json:"events_today"`
	GamesToday           int64 `json:"games_today"`
	NewInstallsToday     int64 `json:"new_installs_today"`
	RevenueUsdCentsToday int64 `json:"revenue_usd_cents_today"`
	RankedPlayers        int64 `json:"ranked_players"`
	TopScore             int64 `json:"top_score"`
}

// Overview returns the headline KPIs: today's activity from the event log
// plus totals from the materialized leaderboard.
func (a *AnalyticsService) Overview(ctx context.Context) (*OverviewStats, error) {
	dayStart, dayEnd := dayRange(time.Now().UTC(), 0)

	stats := &OverviewStats{}
	err := a.db.QueryRowContext(ctx, `
SELECT
	COUNT(DISTINCT user_id),
	COUNT(*),
	COUNT(*) FILTER (WHERE event_type = 'game_ended'),
	COUNT(*) FILTER (WHERE event_type = 'app_installed'),
	COALESCE(SUM((payload->>'price_usd_cents')::BIGINT) FILTER (WHERE event_type = 'purchase_completed'), 0)
FROM events
WHERE received_at >= $1 AND received_at < $2`, dayStart, dayEnd).
		Scan(&stats.DailyActiveUsers, &stats.EventsToday, &stats.GamesToday, &stats.NewInstallsToday, &stats.RevenueUsdCentsToday)
	if err != nil {
		a.logger.Error("Error computing dashboard overview", zap.Error(err))
		return nil, StatusError(ErrorKindUnavailable, "overview could not be computed", err)
	}

	err = a.db.QueryRowContext(ctx, "SELECT COUNT(*), COALESCE(MAX(high_score), 0) FROM leaderboard_global").
		Scan(&stats.RankedPlayers, &stats.TopScore)
	if err != nil {
		a.logger.Error("Error computing dashboard overview", zap.Error(err))
		return nil, StatusError(ErrorKindUnavailable, "overview could not be computed", err)
	}
	return stats, nil
}

type DauPoint struct {
	Date        string `json:"date"`
	ActiveUsers int64  `json:"active_users"`
	Events      int64  `json:"events"`
}

// DauTrend returns one point per day for the last N days, today included.
// Days without any events are present with zero counts.
func (a *AnalyticsService) DauTrend(ctx context.Context, days int) ([]*DauPoint, error) {
	if days < 1 {
		days = 1
	}
	if days > analyticsTrendMaxDays {
		days = analyticsTrendMaxDays
	}
	start, end := dayRange(time.Now().UTC(), days-1)

	rows, err := a.db.QueryContext(ctx, `
SELECT date_trunc('day', received_at), COUNT(DISTINCT user_id), COUNT(*)
FROM events
WHERE received_at >= $1 AND received_at < $2
GROUP BY 1
ORDER BY 1`, start, end)
	if err != nil {
		a.logger.Error("Error computing DAU trend", zap.Error(err))
		return nil, StatusError(ErrorKindUnavailable, "trend could not be computed", err)
	}
	defer rows.Close()

	byDay := make(map[string]*DauPoint, days)
	for rows.Next() {
		var day time.Time
		point := &DauPoint{}
		if err := rows.Scan(&day, &point.ActiveUsers, &point.Events); err != nil {
			a.logger.Error("Error scanning DAU trend", zap.Error(err))
			return nil, StatusError(ErrorKindUnavailable, "trend could not be computed", err)
		}
		point.Date = day.UTC().Format("2006-01-02")
		byDay[point.Date] = point
	}
	if err := rows.Err(); err != nil {
		a.logger.Error("Error computing DAU trend", zap.Error(err))
		return nil, StatusError(ErrorKindUnavailable, "trend could not be computed", err)
	}

	points := make([]*DauPoint, 0, days)
	for day := start; day.Before(end); day = day.AddDate(0, 0, 1) {
		date := day.Format("2006-01-02")
		if point, found := byDay[date]; found {
			points = append(points, point)
			continue
		}
		points = append(points, &DauPoint{Date: date})
	}
	return points, nil
}

type LevelPerformanceRow struct {
	Level          int64   `json:"level"`
	Starts         int64   `json:"starts"`
	Completions    int64   `json:"completions"`
	Failures       int64   `json:"failures"`
	CompletionRate float64 `json:"completion_rate"`
	AvgDurationSec float64 `json:"avg_duration_sec"`
}

// LevelPerformance aggregates level funnel counts over the last 30 days,
// optionally restricted to one zone (0 means all zones).
func (a *AnalyticsService) LevelPerformance(ctx context.Context, zone int) ([]*LevelPerformanceRow, error) {
	start, end := dayRange(time.Now().UTC(), analyticsLevelWindowDays-1)

	rows, err := a.db.QueryContext(ctx, `
SELECT
	(payload->>'level')::BIGINT,
	COUNT(*) FILTER (WHERE event_type = 'level_started'),
	COUNT(*) FILTER (WHERE event_type = 'level_completed'),
	COUNT(*) FILTER (WHERE event_type = 'level_failed'),
	COALESCE(AVG((payload->>'duration_seconds')::BIGINT) FILTER (WHERE event_type = 'level_completed'), 0)
FROM events
WHERE event_type IN ('level_started', 'level_completed', 'level_failed')
	AND received_at >= $1 AND received_at < $2
	AND payload->>'level' IS NOT NULL
	AND ($3 = 0 OR (payload->>'zone')::BIGINT = $3)
GROUP BY 1
ORDER BY 1`, start, end, zone)
	if err != nil {
		a.logger.Error("Error computing level performance", zap.Error(err))
		return nil, StatusError(ErrorKindUnavailable, "level performance could not be computed", err)
	}
	defer rows.Close()

	result := make([]*LevelPerformanceRow, 0, 50)
	for rows.Next() {
		row := &LevelPerformanceRow{}
		if err := rows.Scan(&row.Level, &row.Starts, &row.Completions, &row.Failures, &row.AvgDurationSec); err != nil {
			a.logger.Error("Error scanning level performance", zap.Error(err))
			return nil, StatusError(ErrorKindUnavailable, "level performance could not be computed", err)
		}
		if row.Starts > 0 {
			row.CompletionRate = float64(row.Completions) / float64(row.Starts)
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		a.logger.Error("Error computing level performance", zap.Error(err))
		return nil, StatusError(ErrorKindUnavailable, "level performance could not be computed", err)
	}
	return result, nil
}

type RetentionPoint struct {
	Day      int     `json:"day"`
	Eligible int64   `json:"eligible"`
	Returned int64   `json:"returned"`
	Rate     float64 `json:"rate"`
}

// Retention computes classic day-N retention for the D1/D3/D7/D14/D30
// horizons over the install cohort of the last 60 days. A user counts as
// retained at day N when they produced any event exactly N days after their
// install day; the denominator per horizon only includes installs old
// enough for that horizon to have elapsed.
func (a *AnalyticsService) Retention(ctx context.Context) ([]*RetentionPoint, error) {
	now := time.Now().UTC()
	today := now.Truncate(24 * time.Hour)
	start := today.AddDate(0, 0, -analyticsCohortWindowDays)

	row := a.db.QueryRowContext(ctx, `
WITH installs AS (
	SELECT user_id, MIN(received_at)::date AS install_day
	FROM events
	WHERE event_type = 'app_installed' AND received_at >= $1 AND received_at < $2
	GROUP BY user_id
),
activity AS (
	SELECT DISTINCT user_id, received_at::date AS active_day
	FROM events
	WHERE received_at >= $1 AND received_at < $2
)
SELECT
	COUNT(*) FILTER (WHERE i.install_day + 1 < $3), COUNT(a1.user_id),
	COUNT(*) FILTER (WHERE i.install_day + 3 < $3), COUNT(a3.user_id),
	COUNT(*) FILTER (WHERE i.install_day + 7 < $3), COUNT(a7.user_id),
	COUNT(*) FILTER (WHERE i.install_day + 14 < $3), COUNT(a14.user_id),
	COUNT(*) FILTER (WHERE i.install_day + 30 < $3), COUNT(a30.user_id)
FROM installs i
LEFT JOIN activity a1 ON a1.user_id = i.user_id AND a1.active_day = i.install_day + 1
LEFT JOIN activity a3 ON a3.user_id = i.user_id AND a3.active_day = i.install_day + 3
LEFT JOIN activity a7 ON a7.user_id = i.user_id AND a7.active_day = i.install_day + 7
LEFT JOIN activity a14 ON a14.user_id = i.user_id AND a14.active_day = i.install_day + 14
LEFT JOIN activity a30 ON a30.user_id = i.user_id AND a30.active_day = i.install_day + 30`,
		start, now, today)

	counts := make([]int64, len(retentionHorizons)*2)
	dests := make([]interface{}, len(counts))
	for i := range counts {
		dests[i] = &counts[i]
	}
	if err := row.Scan(dests...); err != nil {
		a.logger.Error("Error computing retention cohorts", zap.Error(err))
		return nil, StatusError(ErrorKindUnavailable, "retention could not be computed", err)
	}

	points := make([]*RetentionPoint, 0, len(retentionHorizons))
	for i, horizon := range retentionHorizons {
		point := &RetentionPoint{
			Day:      horizon,
			Eligible: counts[i*2],
			Returned: counts[i*2+1],
		}
		if point.Eligible > 0 {
			point.Rate = float64(point.Returned) / float64(point.Eligible)
		}
		points = append(points, point)
	}
	return points, nil
}

type TopEventRow struct {
	EventType string `json:"event_type"`
	Count     int64  `json:"count"`
	Users     int64  `json:"users"`
}

// TopEvents ranks event types by volume over the last 7 days.
func (a *AnalyticsService) TopEvents(ctx context.Context, limit int) ([]*TopEventRow, error) {
	if limit < 1 {
		limit = 10
	}
	if limit > len(eventSchemas) {
		limit = len(eventSchemas)
	}
	start, end := dayRange(time.Now().UTC(), analyticsTopEventsDays-1)

	rows, err := a.db.QueryContext(ctx, `
SELECT event_type, COUNT(*), COUNT(DISTINCT user_id)
FROM events
WHERE received_at >= $1 AND received_at < $2
GROUP BY event_type
ORDER BY 2 DESC
LIMIT $3`, start, end, limit)
	if err != nil {
		a.logger.Error("Error computing top events", zap.Error(err))
		return nil, StatusError(ErrorKindUnavailable, "top events could not be computed", err)
	}
	defer rows.Close()

	result := make([]*TopEventRow, 0, limit)
	for rows.Next() {
		row := &TopEventRow{}
		if err := rows.Scan(&row.EventType, &row.Count, &row.Users); err != nil {
			a.logger.Error("Error scanning top events", zap.Error(err))
			return nil, StatusError(ErrorKindUnavailable, "top events could not be computed", err)
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		a.logger.Error("Error computing top events", zap.Error(err))
		return nil, StatusError(ErrorKindUnavailable, "top events could not be computed", err)
	}
	return result, nil
}

type LevelEndRow struct {
	Cause    string  `json:"cause"`
	Count    int64   `json:"count"`
	AvgScore float64 `json:"avg_score"`
	MaxScore int64   `json:"max_score"`
}

// LevelEnds breaks down game_ended outcomes by cause of death for one UTC
// day, optionally restricted to a single level (0 means all levels).
func (a *AnalyticsService) LevelEnds(ctx context.Context, level int, date time.Time) ([]*LevelEndRow, error) {
	dayStart := date.UTC().Truncate(24 * time.Hour)
	dayEnd := dayStart.AddDate(0, 0, 1)

	rows, err := a.db.QueryContext(ctx, `
SELECT
	COALESCE(payload->>'cause_of_death', 'unknown'),
	COUNT(*),
	COALESCE(AVG((payload->>'score')::BIGINT), 0),
	COALESCE(MAX((payload->>'score')::BIGINT), 0)
FROM events
WHERE event_type = 'game_ended'
	AND received_at >= $1 AND received_at < $2
	AND ($3 = 0 OR (payload->>'level')::BIGINT = $3)
GROUP BY 1
ORDER BY 2 DESC`, dayStart, dayEnd, level)
	if err != nil {
		a.logger.Error("Error computing level end breakdown", zap.Error(err))
		return nil, StatusError(ErrorKindUnavailable, "level ends could not be computed", err)
	}
	defer rows.Close()

	result := make([]*LevelEndRow, 0, 8)
	for rows.Next() {
		row := &LevelEndRow{}
		if err := rows.Scan(&row.Cause, &row.Count, &row.AvgScore, &row.MaxScore); err != nil {
			a.logger.Error("Error scanning level end breakdown", zap.Error(err))
			return nil, StatusError(ErrorKindUnavailable, "level ends could not be computed", err)
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		a.logger.Error("Error computing level end breakdown", zap.Error(err))
		return nil, StatusError(ErrorKindUnavailable, "level ends could not be computed", err)
	}
	return result, nil
}

type ActivityItem struct {
	EventType      string          `json:"event_type"`
	UserID         string          `json:"user_id"`
	Nickname       string          `json:"nickname,omitempty"`
	Country        string          `json:"country,omitempty"`
	Device         string          `json:"device,omitempty"`
	InstallAgeDays int64           `json:"install_age_days"`
	GamesPlayed    int64           `json:"games_played"`
	HighScore      int64           `json:"high_score"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ReceivedAt     time.Time       `json:"received_at"`
}

// ActivityFeed returns the latest events of the past 24 hours enriched with
// what the server knows about each user: leaderboard standing plus install
// metadata from the user's first app_installed event.
func (a *AnalyticsService) ActivityFeed(ctx context.Context, limit int) ([]*ActivityItem, error) {
	if limit < 1 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	now := time.Now().UTC()
	since := now.Add(-analyticsActivityWindow)

	rows, err := a.db.QueryContext(ctx, `
SELECT
	e.event_type, e.user_id, e.payload, e.received_at,
	COALESCE(l.nickname, ''), COALESCE(l.games_played, 0), COALESCE(l.high_score, 0),
	i.country, i.device, i.installed_at
FROM events e
LEFT JOIN leaderboard_global l ON l.user_id = e.user_id
LEFT JOIN LATERAL (
	SELECT first.payload->>'country' AS country, first.payload->>'device_model' AS device, first.received_at AS installed_at
	FROM events first
	WHERE first.user_id = e.user_id AND first.event_type = 'app_installed'
	ORDER BY first.received_at ASC
	LIMIT 1
) i ON true
WHERE e.received_at >= $1
ORDER BY e.received_at DESC
LIMIT $2`, since, limit)
	if err != nil {
		a.logger.Error("Error reading activity feed", zap.Error(err))
		return nil, StatusError(ErrorKindUnavailable, "activity feed could not be read", err)
	}
	defer rows.Close()

	items := make([]*ActivityItem, 0, limit)
	for rows.Next() {
		item := &ActivityItem{}
		var payload []byte
		var country, device sql.NullString
		var installedAt sql.NullTime
		if err := rows.Scan(&item.EventType, &item.UserID, &payload, &item.ReceivedAt,
			&item.Nickname, &item.GamesPlayed, &item.HighScore,
			&country, &device, &installedAt); err != nil {
			a.logger.Error("Error scanning activity feed", zap.Error(err))
			return nil, StatusError(ErrorKindUnavailable, "activity feed could not be read", err)
		}
		item.Payload = payload
		item.Country = country.String
		item.Device = device.String
		if installedAt.Valid {
			item.InstallAgeDays = int64(now.Sub(installedAt.Time).Hours() / 24)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		a.logger.Error("Error reading activity feed", zap.Error(err))
		return nil, StatusError(ErrorKindUnavailable, "activity feed could not be read", err)
	}
	return items, nil
}

// dayRange returns the UTC day window covering daysBack days before today
// through the end of today.
func dayRange(now time.Time, daysBack int) (time.Time, time.Time) {
	dayEnd := now.Truncate(24 * time.Hour).AddDate(0, 0, 1)
	return dayEnd.AddDate(0, 0, -daysBack-1), dayEnd
}
