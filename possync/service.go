// Copyright 2025 Mipos Authors
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MutationService executes idempotent, race-safe mutations against shared
// ledger-like resources (loyalty-point balances, cash-register sessions) and
// generic versioned records. It is the backend target of both direct online
// calls and client operation-queue drains after reconnect.
//
// Correctness under true parallelism rests on database-level row locks plus
// an explicit version compare-and-swap, wrapped in the same transaction as
// the idempotency-ledger check-then-act.
type MutationService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig

	// Cleanup tracking
	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the mutation service
type ServiceConfig struct {
	AppName string // Application name for connection tracking

	// LedgerTTL is how long idempotency ledger entries deduplicate retries.
	// Must cover plausible client retry windows (minutes to hours).
	// Zero means DefaultLedgerTTL.
	LedgerTTL time.Duration

	// MaxTxAttempts bounds internal retries of serialization/deadlock
	// failures before the error propagates as an infrastructure fault.
	// Zero means DefaultMaxTxAttempts.
	MaxTxAttempts int

	// StageMetrics receives per-stage timings when set.
	StageMetrics StageMetricsRecorder
}

const (
	DefaultLedgerTTL     = 24 * time.Hour
	DefaultMaxTxAttempts = 3

	txRetryBackoffMin = 50 * time.Millisecond
	txRetryBackoffMax = 1 * time.Second
)

// NewMutationService creates a new mutation service instance from an existing pool.
// Schema initialization runs atomically before the service is returned.
func NewMutationService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*MutationService, error) {
	if config == nil {
		config = &ServiceConfig{AppName: "possync-app"}
	}
	if config.LedgerTTL <= 0 {
		config.LedgerTTL = DefaultLedgerTTL
	}
	if config.MaxTxAttempts <= 0 {
		config.MaxTxAttempts = DefaultMaxTxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}

	service := &MutationService{
		pool:   pool,
		logger: logger,
		config: config,
	}

	ctx := context.Background()
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if err := service.initializeSchemaInTx(ctx, tx); err != nil {
			logger.Error("Failed to initialize database schema", "error", err)
			return err
		}
		logger.Debug("Database schema initialized successfully")
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mutation service: %w", err)
	}

	return service, nil
}

// Close gracefully shuts down the mutation service.
// It's safe to call multiple times.
// Note: This does NOT close the database pool - the caller is responsible for pool lifecycle
func (s *MutationService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil // Already closed
	}

	s.logger.Debug("Shutting down mutation service")
	s.closed = true
	return nil
}

// Pool returns the underlying database connection pool
// This allows advanced users to execute custom queries
func (s *MutationService) Pool() *pgxpool.Pool {
	return s.pool
}

// checkClosed returns an error if the service has been closed
func (s *MutationService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return errors.New("mutation service has been closed")
	}
	return nil
}

// withTxRetry runs fn inside a REPEATABLE READ read-write transaction,
// retrying serialization failures and deadlocks with capped backoff.
func (s *MutationService) withTxRetry(ctx context.Context, fn func(tx pgx.Tx) error) error {
	backoff := txRetryBackoffMin
	var lastErr error
	for attempt := 1; attempt <= s.config.MaxTxAttempts; attempt++ {
		err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadWrite}, fn)
		if err == nil {
			return nil
		}
		if !isRetryablePGTxError(err) {
			return err
		}
		lastErr = err
		s.logger.Warn("Retrying transaction after retryable failure",
			"attempt", attempt, "max_attempts", s.config.MaxTxAttempts, "error", err)
		if err := sleepWithContext(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > txRetryBackoffMax {
			backoff = txRetryBackoffMax
		}
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", s.config.MaxTxAttempts, lastErr)
}
