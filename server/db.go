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
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const (
	dbErrorUniqueViolation = pgerrcode.UniqueViolation

	txRetryAttempts = 5
	dbPingTimeout   = 5 * time.Second
)

// Advisory lock keys for singleton scheduled work. Each scheduler entry
// takes its lock before running so multi-instance deployments execute every
// tick exactly once.
const (
	lockKeyTournamentTransitions int64 = 0x70756C5E_0001
	lockKeyGlobalAggregation     int64 = 0x70756C5E_0002
	lockKeyTournamentAggregation int64 = 0x70756C5E_0003
	lockKeyRetentionSweep        int64 = 0x70756C5E_0004
	lockKeyTournamentCreation    int64 = 0x70756C5E_0005
)

// Scannable helps utility functions accept either *sql.Row or *sql.Rows for
// scanning one row at a time.
type Scannable interface {
	Scan(dest ...interface{}) error
}

// DbConnect normalizes the configured database address, opens the pool and
// verifies connectivity. The raw address may omit the scheme and query
// options; sslmode defaults by environment and the server-side statement
// timeout is injected unless the operator set one explicitly.
func DbConnect(ctx context.Context, multiLogger *zap.Logger, config Config) *sql.DB {
	rawURL := config.GetDatabase().Address
	if !(strings.HasPrefix(rawURL, "postgresql://") || strings.HasPrefix(rawURL, "postgres://")) {
		rawURL = "postgres://" + rawURL
	}
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		multiLogger.Fatal("Bad database connection URL", zap.Error(err))
	}
	query := parsedURL.Query()
	if len(query.Get("sslmode")) == 0 {
		if config.GetEnv() == "development" {
			query.Set("sslmode", "disable")
		} else {
			query.Set("sslmode", "prefer")
		}
	}
	if len(query.Get("statement_timeout")) == 0 && config.GetDatabase().StatementTimeoutMs > 0 {
		query.Set("statement_timeout", strconv.Itoa(config.GetDatabase().StatementTimeoutMs))
	}
	parsedURL.RawQuery = query.Encode()

	if len(parsedURL.User.Username()) < 1 {
		parsedURL.User = url.User("postgres")
	}
	dbName := "postgres"
	if len(parsedURL.Path) > 1 {
		dbName = parsedURL.Path[1:]
	}

	multiLogger.Info("Database connection", zap.String("db", parsedURL.Host), zap.String("name", dbName))

	db, err := sql.Open("pgx", parsedURL.String())
	if err != nil {
		multiLogger.Fatal("Error connecting to database", zap.Error(err))
	}
	pingCtx, pingCancel := context.WithTimeout(ctx, dbPingTimeout)
	defer pingCancel()
	if err = db.PingContext(pingCtx); err != nil {
		multiLogger.Fatal("Error pinging database", zap.Error(err))
	}

	db.SetConnMaxLifetime(time.Millisecond * time.Duration(config.GetDatabase().ConnMaxLifetimeMs))
	db.SetConnMaxIdleTime(time.Millisecond * time.Duration(config.GetDatabase().ConnMaxIdleTimeMs))
	db.SetMaxOpenConns(config.GetDatabase().MaxOpenConns)
	db.SetMaxIdleConns(config.GetDatabase().MaxIdleConns)

	return db
}

// ExecuteInTx runs fn inside a transaction. The transaction is retried a
// bounded number of times when the database reports a serialization failure,
// and rolled back on any other error.
func ExecuteInTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	var err error
	for i := 0; i < txRetryAttempts; i++ {
		if err = ctx.Err(); err != nil {
			return err
		}

		var tx *sql.Tx
		tx, err = db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err = fn(tx); err != nil {
			_ = tx.Rollback()
		} else if err = tx.Commit(); err == nil {
			return nil
		}

		if !isRetryableTxError(err) {
			return err
		}
	}
	return err
}

// ExecuteRetryable retries functions that perform non-transactional database
// operations when they fail on a retryable error code.
func ExecuteRetryable(fn func() error) error {
	if err := fn(); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && (pgErr.Code == "CR000" || pgErr.Code == pgerrcode.SerializationFailure) {
			// A recognised error type that can be retried.
			return ExecuteRetryable(fn)
		}
		return err
	}
	return nil
}

func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "CR000" || pgErr.Code == pgerrcode.SerializationFailure) {
		return true
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == dbErrorUniqueViolation
}

// AcquireAdvisoryLock takes a session advisory lock on a pinned connection.
// Returns (nil, false, nil) when another session holds the lock. The caller
// must release through ReleaseAdvisoryLock to free both lock and connection.
func AcquireAdvisoryLock(ctx context.Context, db *sql.DB, key int64) (*sql.Conn, bool, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, false, err
	}
	var acquired bool
	if err = conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, false, err
	}
	if !acquired {
		_ = conn.Close()
		return nil, false, nil
	}
	return conn, true, nil
}

// ReleaseAdvisoryLock releases a lock taken by AcquireAdvisoryLock and
// returns the pinned connection to the pool.
func ReleaseAdvisoryLock(ctx context.Context, logger *zap.Logger, conn *sql.Conn, key int64) {
	var released bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", key).Scan(&released); err != nil {
		logger.Warn("Error releasing advisory lock", zap.Int64("key", key), zap.Error(err))
	} else if !released {
		logger.Warn("Advisory lock not held at release", zap.Int64("key", key))
	}
	_ = conn.Close()
}

// PoolMonitor watches database pool saturation. While requests are queueing
// for connections it pauses the non-critical scheduler entries so background
// aggregation does not compete with client traffic.
type PoolMonitor struct {
	logger  *zap.Logger
	db      *sql.DB
	metrics Metrics
	pauser  SchedulerPauser

	freq          time.Duration
	ctx           context.Context
	ctxCancelFn   context.CancelFunc
	lastWaitCount int64
	paused        bool
}

// SchedulerPauser is the slice of the scheduler the pool monitor drives.
type SchedulerPauser interface {
	Pause()
	Resume()
}

func NewPoolMonitor(logger *zap.Logger, db *sql.DB, config Config, metrics Metrics, pauser SchedulerPauser) *PoolMonitor {
	ctx, ctxCancelFn := context.WithCancel(context.Background())
	return &PoolMonitor{
		logger:      logger,
		db:          db,
		metrics:     metrics,
		pauser:      pauser,
		freq:        time.Duration(config.GetDatabase().HealthCheckFreqSec) * time.Second,
		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,
	}
}

func (p *PoolMonitor) Start() {
	go func() {
		ticker := time.NewTicker(p.freq)
		defer ticker.Stop()
		for {
			select {
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				p.check()
			}
		}
	}()
}

func (p *PoolMonitor) Stop() {
	p.ctxCancelFn()
}

func (p *PoolMonitor) check() {
	stats := p.db.Stats()
	p.metrics.DbPoolState(stats.OpenConnections, stats.Idle, stats.InUse, stats.WaitCount)

	waiting := stats.WaitCount > p.lastWaitCount
	p.lastWaitCount = stats.WaitCount

	switch {
	case waiting && !p.paused:
		p.logger.Warn("Database pool saturated, pausing background aggregation",
			zap.Int("open", stats.OpenConnections), zap.Int("in_use", stats.InUse), zap.Int64("wait_count", stats.WaitCount))
		p.pauser.Pause()
		p.paused = true
	case !waiting && p.paused:
		p.logger.Info("Database pool recovered, resuming background aggregation")
		p.pauser.Resume()
		p.paused = false
	}
}
