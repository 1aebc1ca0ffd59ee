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
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/uuid"
)

const (
	userIDMaxLen     = 255
	nicknameMaxLen   = 64
	appVersionMaxLen = 32
	sessionIDMaxLen  = 128
)

// Event is a validated, normalized telemetry event ready for persistence.
// The payload carries the type-specific fields plus the client metadata
// (platform, app_version, session_id); the client-reported timestamp becomes
// ReceivedAt, normalized to UTC.
type Event struct {
	ID          uuid.UUID
	EventType   string
	UserID      string
	Payload     map[string]interface{}
	ReceivedAt  time.Time
	ProcessedAt time.Time // zero until a derivation consumes the event
}

// EventValidationError describes why a single submitted event was rejected.
// It never aborts the rest of the batch.
type EventValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *EventValidationError) Error() string {
	return fmt.Sprintf("invalid event: field %q %s", e.Field, e.Reason)
}

type fieldKind int8

const (
	fieldInt fieldKind = iota
	fieldString
	fieldBool
	fieldEnum
)

type fieldSpec struct {
	name     string
	kind     fieldKind
	required bool
	min, max int64
	maxLen   int
	choices  []string
}

type eventSchema struct {
	eventType string
	// lenient schemas pass unknown payload fields through untouched, all
	// others drop them during normalization.
	lenient bool
	fields  []*fieldSpec
}

func reqInt(name string, min, max int64) *fieldSpec {
	return &fieldSpec{name: name, kind: fieldInt, required: true, min: min, max: max}
}

func optInt(name string, min, max int64) *fieldSpec {
	return &fieldSpec{name: name, kind: fieldInt, min: min, max: max}
}

func reqStr(name string, maxLen int) *fieldSpec {
	return &fieldSpec{name: name, kind: fieldString, required: true, maxLen: maxLen}
}

func optStr(name string, maxLen int) *fieldSpec {
	return &fieldSpec{name: name, kind: fieldString, maxLen: maxLen}
}

func reqEnum(name string, choices ...string) *fieldSpec {
	return &fieldSpec{name: name, kind: fieldEnum, required: true, choices: choices}
}

func optEnum(name string, choices ...string) *fieldSpec {
	return &fieldSpec{name: name, kind: fieldEnum, choices: choices}
}

func reqBool(name string) *fieldSpec {
	return &fieldSpec{name: name, kind: fieldBool, required: true}
}

func optBool(name string) *fieldSpec {
	return &fieldSpec{name: name, kind: fieldBool}
}

func newSchema(eventType string, lenient bool, fields ...*fieldSpec) *eventSchema {
	return &eventSchema{eventType: eventType, lenient: lenient, fields: fields}
}

// eventSchemas is the closed registry of accepted event types. The CHECK
// constraint on the events table enumerates the same set; adding a type is
// a registry entry plus a schema migration.
var eventSchemas = func() map[string]*eventSchema {
	schemas := []*eventSchema{
		newSchema("app_installed", true,
			optStr("device_model", 128),
			optStr("os_version", 64),
			optStr("country", 2),
		),
		newSchema("app_launched", true,
			optInt("launch_count", 0, 1_000_000),
		),
		newSchema("app_updated", true,
			optStr("previous_version", appVersionMaxLen),
		),
		newSchema("user_installed", true,
			optStr("source", 128),
			optStr("campaign", 128),
		),
		newSchema("user_registered", false,
			optStr("nickname", nicknameMaxLen),
			optStr("country", 2),
		),
		newSchema("settings_changed", true,
			reqStr("setting", 64),
		),
		newSchema("tutorial_completed", false,
			optInt("step", 0, 1000),
		),
		newSchema("game_started", false,
			optInt("level", 1, 1000),
			optEnum("game_mode", "classic", "endless", "tournament"),
		),
		newSchema("game_ended", false,
			reqInt("score", 0, 10_000_000),
			reqInt("duration_seconds", 0, 86_400),
			reqEnum("cause_of_death", "fall", "spike", "enemy", "timeout", "quit", "completed", "other"),
			optInt("level", 1, 1000),
			optInt("coins_earned", 0, 1_000_000),
			optStr("nickname", nicknameMaxLen),
			optEnum("game_mode", "classic", "endless", "tournament"),
		),
		newSchema("game_paused", false,
			optInt("level", 1, 1000),
			optInt("elapsed_seconds", 0, 86_400),
		),
		newSchema("game_resumed", false,
			optInt("level", 1, 1000),
			optInt("paused_seconds", 0, 86_400),
		),
		newSchema("continue_used", false,
			reqEnum("method", "ad", "gems", "coins"),
			optInt("level", 1, 1000),
		),
		newSchema("level_started", false,
			reqInt("level", 1, 1000),
			optInt("zone", 1, 100),
		),
		newSchema("level_completed", false,
			reqInt("level", 1, 1000),
			optInt("zone", 1, 100),
			optInt("stars", 0, 3),
			optInt("duration_seconds", 0, 86_400),
			optInt("score", 0, 10_000_000),
		),
		newSchema("level_failed", false,
			reqInt("level", 1, 1000),
			optInt("zone", 1, 100),
			optEnum("fail_reason", "death", "timeout", "quit"),
		),
		newSchema("level_unlocked", false,
			reqInt("level", 1, 1000),
			optInt("zone", 1, 100),
		),
		newSchema("currency_earned", false,
			reqEnum("currency", "coins", "gems"),
			reqInt("amount", 1, 1_000_000),
			reqEnum("source", "level_reward", "daily_bonus", "ad_reward", "purchase", "tournament_prize", "achievement", "mission"),
			optInt("balance", 0, 2_000_000_000),
		),
		newSchema("currency_spent", false,
			reqEnum("currency", "coins", "gems"),
			reqInt("amount", 1, 1_000_000),
			reqEnum("sink", "continue", "skin", "upgrade", "booster", "skip"),
			optInt("balance", 0, 2_000_000_000),
		),
		newSchema("purchase_initiated", false,
			reqStr("product_id", 128),
			optInt("price_usd_cents", 0, 1_000_000),
		),
		newSchema("purchase_completed", false,
			reqStr("product_id", 128),
			optInt("price_usd_cents", 0, 1_000_000),
			optStr("currency_code", 3),
			// Receipt validity is established by an external collaborator,
			// recorded here as an opaque flag.
			optBool("receipt_valid"),
		),
		newSchema("skin_unlocked", false,
			reqStr("skin_id", 64),
			optEnum("method", "purchase", "achievement", "event"),
		),
		newSchema("skin_equipped", false,
			reqStr("skin_id", 64),
		),
		newSchema("achievement_unlocked", false,
			reqStr("achievement_id", 64),
		),
		newSchema("mission_completed", false,
			reqStr("mission_id", 64),
			optInt("reward_coins", 0, 1_000_000),
		),
		newSchema("daily_streak_claimed", false,
			reqInt("streak_days", 1, 3650),
			optInt("reward_coins", 0, 1_000_000),
		),
		newSchema("leaderboard_viewed", false,
			optEnum("board", "global", "tournament"),
		),
		newSchema("tournament_entered", false,
			optStr("tournament_id", 64),
			optStr("nickname", nicknameMaxLen),
		),
		newSchema("ad_watched", false,
			reqEnum("placement", "rewarded_continue", "rewarded_coins", "interstitial"),
			reqBool("completed"),
		),
		newSchema("share_clicked", false,
			optEnum("channel", "facebook", "twitter", "whatsapp", "other"),
		),
		newSchema("notification_received", true,
			optStr("campaign_id", 128),
		),
	}

	byType := make(map[string]*eventSchema, len(schemas))
	for _, s := range schemas {
		byType[s.eventType] = s
	}
	return byType
}()

// EventTypes returns the closed set of accepted event types, sorted.
func EventTypes() []string {
	types := make([]string, 0, len(eventSchemas))
	for t := range eventSchemas {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// validateEvent checks one submitted event against the registry and returns
// the normalized form. The input is the decoded JSON object with the base
// fields top-level and the type-specific fields nested under "payload".
func validateEvent(in map[string]interface{}) (*Event, *EventValidationError) {
	eventType, ok := stringField(in, "event_type")
	if !ok || eventType == "" {
		return nil, &EventValidationError{Field: "event_type", Reason: "required"}
	}
	schema, found := eventSchemas[eventType]
	if !found {
		return nil, &EventValidationError{Field: "event_type", Reason: "unknown"}
	}

	userID, ok := stringField(in, "user_id")
	if !ok || userID == "" {
		return nil, &EventValidationError{Field: "user_id", Reason: "required"}
	}
	if len(userID) > userIDMaxLen {
		return nil, &EventValidationError{Field: "user_id", Reason: fmt.Sprintf("longer than %d characters", userIDMaxLen)}
	}

	rawTimestamp, ok := stringField(in, "timestamp")
	if !ok || rawTimestamp == "" {
		return nil, &EventValidationError{Field: "timestamp", Reason: "required"}
	}
	ts, err := time.Parse(time.RFC3339, rawTimestamp)
	if err != nil {
		return nil, &EventValidationError{Field: "timestamp", Reason: "not a valid ISO-8601 timestamp"}
	}

	appVersion, ok := stringField(in, "app_version")
	if !ok || appVersion == "" {
		return nil, &EventValidationError{Field: "app_version", Reason: "required"}
	}
	if len(appVersion) > appVersionMaxLen {
		return nil, &EventValidationError{Field: "app_version", Reason: fmt.Sprintf("longer than %d characters", appVersionMaxLen)}
	}

	platform, ok := stringField(in, "platform")
	if !ok || platform == "" {
		return nil, &EventValidationError{Field: "platform", Reason: "required"}
	}
	platform = strings.ToLower(platform)
	if platform != "ios" && platform != "android" {
		return nil, &EventValidationError{Field: "platform", Reason: "must be one of: ios, android"}
	}

	var sessionID string
	if raw, present := in["session_id"]; present {
		sessionID, ok = raw.(string)
		if !ok || len(sessionID) > sessionIDMaxLen {
			return nil, &EventValidationError{Field: "session_id", Reason: "invalid"}
		}
	}

	rawPayload := map[string]interface{}{}
	if raw, present := in["payload"]; present {
		rawPayload, ok = raw.(map[string]interface{})
		if !ok {
			return nil, &EventValidationError{Field: "payload", Reason: "must be an object"}
		}
	}

	payload, vErr := schema.normalizePayload(rawPayload)
	if vErr != nil {
		return nil, vErr
	}
	payload["platform"] = platform
	payload["app_version"] = appVersion
	if sessionID != "" {
		payload["session_id"] = sessionID
	}

	return &Event{
		ID:         uuid.Must(uuid.NewV4()),
		EventType:  eventType,
		UserID:     userID,
		Payload:    payload,
		ReceivedAt: ts.UTC(),
	}, nil
}

// normalizePayload applies the schema's field specs to the submitted payload
// and returns a fresh map holding only the validated values, plus untouched
// unknown fields when the schema is lenient.
func (s *eventSchema) normalizePayload(in map[string]interface{}) (map[string]interface{}, *EventValidationError) {
	out := make(map[string]interface{}, len(in)+3)
	known := make(map[string]struct{}, len(s.fields))

	for _, f := range s.fields {
		known[f.name] = struct{}{}
		raw, present := in[f.name]
		if !present || raw == nil {
			if f.required {
				return nil, &EventValidationError{Field: f.name, Reason: "required"}
			}
			continue
		}

		switch f.kind {
		case fieldInt:
			n, ok := intValue(raw)
			if !ok {
				return nil, &EventValidationError{Field: f.name, Reason: "must be an integer"}
			}
			if n < f.min || n > f.max {
				return nil, &EventValidationError{Field: f.name, Reason: fmt.Sprintf("must be between %d and %d", f.min, f.max)}
			}
			out[f.name] = n
		case fieldString:
			v, ok := raw.(string)
			if !ok {
				return nil, &EventValidationError{Field: f.name, Reason: "must be a string"}
			}
			if f.maxLen > 0 && len(v) > f.maxLen {
				return nil, &EventValidationError{Field: f.name, Reason: fmt.Sprintf("longer than %d characters", f.maxLen)}
			}
			out[f.name] = v
		case fieldBool:
			v, ok := raw.(bool)
			if !ok {
				return nil, &EventValidationError{Field: f.name, Reason: "must be a boolean"}
			}
			out[f.name] = v
		case fieldEnum:
			v, ok := raw.(string)
			if !ok {
				return nil, &EventValidationError{Field: f.name, Reason: "must be a string"}
			}
			if !contains(f.choices, v) {
				return nil, &EventValidationError{Field: f.name, Reason: "must be one of: " + strings.Join(f.choices, ", ")}
			}
			out[f.name] = v
		}
	}

	if s.lenient {
		for name, raw := range in {
			if _, isKnown := known[name]; !isKnown {
				out[name] = raw
			}
		}
	}

	return out, nil
}

// intValue accepts the numeric shapes JSON decoding produces. A float is an
// integer only when it has no fractional part.
func intValue(raw interface{}) (int64, bool) {
	switch v := raw.(type) {
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) || math.IsNaN(v) {
			return 0, false
		}
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}

func stringField(in map[string]interface{}, name string) (string, bool) {
	raw, present := in[name]
	if !present {
		return "", false
	}
	v, ok := raw.(string)
	return v, ok
}

func contains(choices []string, v string) bool {
	for _, c := range choices {
		if c == v {
			return true
		}
	}
	return false
}
