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
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

const (
	NotificationCodePrizeAwarded int32 = -1
)

// Notification is a message destined for a player outside the request path.
type Notification struct {
	ID         uuid.UUID              `json:"id"`
	UserID     string                 `json:"user_id"`
	Code       int32                  `json:"code"`
	Subject    string                 `json:"subject"`
	Content    map[string]interface{} `json:"content"`
	CreateTime time.Time              `json:"create_time"`
}

// NotificationSender delivers notifications to players. Delivery is
// best-effort, callers log failures and move on.
type NotificationSender interface {
	Send(ctx context.Context, notifications []*Notification) error
}

// LocalNotificationSender records deliveries in the log. Wiring a push
// provider means replacing this implementation, the emitting code paths
// stay unchanged.
type LocalNotificationSender struct {
	logger *zap.Logger
}

func NewLocalNotificationSender(logger *zap.Logger) NotificationSender {
	return &LocalNotificationSender{logger: logger}
}

func (s *LocalNotificationSender) Send(ctx context.Context, notifications []*Notification) error {
	for _, notification := range notifications {
		s.logger.Info("Notification sent",
			zap.String("notification_id", notification.ID.String()),
			zap.String("user_id", notification.UserID),
			zap.Int32("code", notification.Code),
			zap.String("subject", notification.Subject),
			zap.Any("content", notification.Content))
	}
	return nil
}

// NewPrizeNotification builds the message emitted when a tournament prize
// is created for a user.
func NewPrizeNotification(tournament *Tournament, userID string, rank, coins, gems int64) *Notification {
	return &Notification{
		ID:      uuid.Must(uuid.NewV4()),
		UserID:  userID,
		Code:    NotificationCodePrizeAwarded,
		Subject: "Tournament prize awarded",
		Content: map[string]interface{}{
			"tournament_id":   tournament.ID.String(),
			"tournament_name": tournament.Name,
			"rank":            rank,
			"coins":           coins,
			"gems":            gems,
		},
		CreateTime: time.Now().UTC(),
	}
}
