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

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/arcadelab/pulse/migrate"
	"github.com/arcadelab/pulse/server"
	"go.uber.org/zap"
)

var (
	version  string = "1.2.0"
	commitID string = "dev"
)

func main() {
	semver := fmt.Sprintf("%s+%s", version, commitID)

	ctx, ctxCancelFn := context.WithCancel(context.Background())
	defer ctxCancelFn()

	tmpLogger := server.NewConsoleLogger(os.Stdout, true)

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version":
			fmt.Println(semver)
			return
		case "migrate":
			migrate.Parse(os.Args[2:], tmpLogger)
		}
	}

	config := server.ParseArgs(tmpLogger, os.Args)
	logger, startupLogger := server.SetupLogging(tmpLogger, config)
	server.ValidateConfig(logger, config)

	startupLogger.Info("Pulse starting")
	startupLogger.Info("Node", zap.String("name", config.GetName()), zap.String("version", semver),
		zap.String("runtime", runtime.Version()), zap.Int("cpu", runtime.NumCPU()))
	startupLogger.Info("Environment", zap.String("env", config.GetEnv()))

	db := server.DbConnect(ctx, startupLogger, config)

	// Check migration status and fail fast if the schema has diverged.
	migrate.StartupCheck(startupLogger, db)

	redisClient := server.CacheConnect(ctx, startupLogger, config)

	// Start up server components.
	metrics := server.NewLocalMetrics(logger, startupLogger, config)
	queryCache := server.NewLocalQueryCache(logger, metrics, redisClient)
	notifier := server.NewLocalNotificationSender(logger)
	prizeManager := server.NewPrizeManager(logger, db, metrics, notifier)
	tournamentManager := server.NewTournamentManager(logger, config, db, metrics, queryCache, prizeManager)
	globalAggregator := server.NewGlobalAggregator(logger, config, db, metrics, queryCache)
	tournamentAggregator := server.NewTournamentAggregator(logger, config, db, metrics, queryCache)

	jobQueue := server.NewLocalJobQueue(logger, config, metrics, redisClient)
	registerJobHandlers(logger, config, db, jobQueue, queryCache, tournamentManager, globalAggregator, tournamentAggregator)
	jobQueue.Start()

	rateLimiter := server.NewRateLimiter(logger, config)
	analytics := server.NewAnalyticsService(logger, db, config)

	scheduler := server.NewLocalScheduler(logger, config, db, tournamentManager, jobQueue)
	scheduler.Start()

	poolMonitor := server.NewPoolMonitor(logger, db, config, metrics, scheduler)
	poolMonitor.Start()

	apiServer := server.StartApiServer(logger, startupLogger, db, config, metrics, queryCache, jobQueue, rateLimiter, analytics)

	// Respect OS stop signals.
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	startupLogger.Info("Startup done")

	// Wait for a termination signal.
	<-c
	logger.Info("Shutting down")

	ctxCancelFn()

	// Gracefully stop server components, in reverse order to startup.
	apiServer.Stop()
	poolMonitor.Stop()
	scheduler.Stop()
	jobQueue.Stop()
	rateLimiter.Stop()
	metrics.Stop(logger)
	if redisClient != nil {
		_ = redisClient.Close()
	}
	_ = db.Close()

	logger.Info("Shutdown complete")
	os.Exit(0)
}

// registerJobHandlers binds every queue job type to the component that does
// the work. Handlers returning an error are retried by the queue with
// backoff; the aggregators absorb their own errors because the next tick
// resumes from the processed watermark anyway.
func registerJobHandlers(logger *zap.Logger, config server.Config, db *sql.DB, queue server.JobQueue, cache server.QueryCache, tournaments *server.TournamentManager, globalAgg *server.GlobalAggregator, tournamentAgg *server.TournamentAggregator) {
	queue.Register(server.JobTypeLeaderboardAggregate, func(ctx context.Context, _ json.RawMessage) error {
		globalAgg.Run(ctx)
		return nil
	})
	queue.Register(server.JobTypeTournamentAggregate, func(ctx context.Context, _ json.RawMessage) error {
		tournamentAgg.Run(ctx)
		return nil
	})
	queue.Register(server.JobTypeAnalyticsInvalidate, func(ctx context.Context, _ json.RawMessage) error {
		cache.Invalidate(ctx, "dashboard:")
		return nil
	})
	queue.Register(server.JobTypeActivityTouch, func(ctx context.Context, _ json.RawMessage) error {
		cache.Invalidate(ctx, "dashboard:activity")
		return nil
	})
	queue.Register(server.JobTypeRetentionSweep, func(ctx context.Context, _ json.RawMessage) error {
		_, err := server.SweepExpiredEvents(ctx, logger, db, config)
		return err
	})
	queue.Register(server.JobTypeTournamentCreate, func(ctx context.Context, _ json.RawMessage) error {
		_, _, err := tournaments.EnsureUpcomingWeekly(ctx, time.Now().UTC())
		return err
	})
}
