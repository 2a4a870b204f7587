// Copyright 2025 Mipos Authors
// SPDX-License-Identifier: Apache-2.0

package posqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Operation status lifecycle. Exactly one terminal state (processed or
// failed) is reachable per operation.
const (
	StatusPending   = "pending"
	StatusInFlight  = "in_flight"
	StatusProcessed = "processed"
	StatusFailed    = "failed"
)

// PendingOperation is a single queued mutation, persisted durably before
// Enqueue returns. The idempotency key is generated once at creation time and
// never changes across retries or conflict resubmissions.
type PendingOperation struct {
	ID             string
	Type           string
	RecordID       string
	Payload        json.RawMessage
	BasePayload    json.RawMessage // pre-edit snapshot, baseline for three-way merge
	IdempotencyKey string
	Status         string
	RetryCount     int
	TargetVersion  int64 // last-known record version this operation assumes
	CreatedAt      time.Time
	LastAttemptAt  sql.NullTime
	NextAttemptAt  time.Time
	LastError      string
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// initializeOpLog creates the operation log table and recovers operations that
// were in flight when the process last died: an in_flight row whose outcome
// never landed goes back to pending, and its unchanged idempotency key makes
// the replay safe even if the server already applied it.
func initializeOpLog(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS _op_log (
		id              TEXT PRIMARY KEY,
		op_type         TEXT NOT NULL,
		record_id       TEXT NOT NULL DEFAULT '',
		payload         TEXT,
		base_payload    TEXT,
		idempotency_key TEXT NOT NULL UNIQUE,
		status          TEXT NOT NULL DEFAULT 'pending'
		                CHECK (status IN ('pending','in_flight','processed','failed')),
		retry_count     INTEGER NOT NULL DEFAULT 0,
		target_version  INTEGER NOT NULL DEFAULT 0,
		created_at      TEXT NOT NULL,
		last_attempt_at TEXT,
		next_attempt_at TEXT NOT NULL,
		last_error      TEXT NOT NULL DEFAULT ''
	)`)
	if err != nil {
		return fmt.Errorf("failed to create operation log table: %w", err)
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS op_log_drain_idx
		ON _op_log (status, created_at)`); err != nil {
		return fmt.Errorf("failed to create operation log index: %w", err)
	}

	if _, err := db.Exec(`UPDATE _op_log SET status = 'pending' WHERE status = 'in_flight'`); err != nil {
		return fmt.Errorf("failed to recover in-flight operations: %w", err)
	}

	return nil
}

func (q *Queue) insertOperation(ctx context.Context, op *PendingOperation) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO _op_log
			(id, op_type, record_id, payload, base_payload, idempotency_key,
			 status, retry_count, target_version, created_at, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?)
	`, op.ID, op.Type, op.RecordID, rawToNull(op.Payload), rawToNull(op.BasePayload),
		op.IdempotencyKey, op.TargetVersion,
		op.CreatedAt.UTC().Format(timeLayout), op.NextAttemptAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to insert operation: %w", err)
	}
	return nil
}

// loadPendingOperations returns pending operations in enqueue order. The
// stored created_at only has millisecond precision, so rowid breaks ties by
// insertion order for operations enqueued within the same millisecond.
// Callers partition the slice into per-record lanes; a lane stops at its
// first operation whose next attempt is still in the future, so backoff never
// reorders same-record operations.
func (q *Queue) loadPendingOperations(ctx context.Context, limit int) ([]*PendingOperation, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, op_type, record_id, payload, base_payload, idempotency_key,
		       status, retry_count, target_version, created_at, last_attempt_at,
		       next_attempt_at, last_error
		FROM _op_log
		WHERE status = 'pending'
		ORDER BY created_at, rowid
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending operations: %w", err)
	}
	defer rows.Close()

	var ops []*PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending operations: %w", err)
	}
	return ops, nil
}

// GetOperation returns a single operation by ID, or nil if unknown.
func (q *Queue) GetOperation(ctx context.Context, opID string) (*PendingOperation, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, op_type, record_id, payload, base_payload, idempotency_key,
		       status, retry_count, target_version, created_at, last_attempt_at,
		       next_attempt_at, last_error
		FROM _op_log WHERE id = ?
	`, opID)
	if err != nil {
		return nil, fmt.Errorf("failed to query operation: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanOperation(rows)
}

func scanOperation(rows *sql.Rows) (*PendingOperation, error) {
	var op PendingOperation
	var payload, basePayload sql.NullString
	var createdAt, nextAttemptAt string
	var lastAttemptAt sql.NullString

	if err := rows.Scan(&op.ID, &op.Type, &op.RecordID, &payload, &basePayload,
		&op.IdempotencyKey, &op.Status, &op.RetryCount, &op.TargetVersion,
		&createdAt, &lastAttemptAt, &nextAttemptAt, &op.LastError); err != nil {
		return nil, fmt.Errorf("failed to scan operation: %w", err)
	}

	if payload.Valid {
		op.Payload = json.RawMessage(payload.String)
	}
	if basePayload.Valid {
		op.BasePayload = json.RawMessage(basePayload.String)
	}

	var err error
	if op.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if op.NextAttemptAt, err = time.Parse(timeLayout, nextAttemptAt); err != nil {
		return nil, fmt.Errorf("failed to parse next_attempt_at: %w", err)
	}
	if lastAttemptAt.Valid {
		t, err := time.Parse(timeLayout, lastAttemptAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse last_attempt_at: %w", err)
		}
		op.LastAttemptAt = sql.NullTime{Time: t, Valid: true}
	}
	return &op, nil
}

func (q *Queue) markInFlight(ctx context.Context, opID string) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	now := time.Now().UTC().Format(timeLayout)
	_, err := q.db.ExecContext(ctx, `
		UPDATE _op_log SET status = 'in_flight', last_attempt_at = ? WHERE id = ?
	`, now, opID)
	if err != nil {
		return fmt.Errorf("failed to mark operation in flight: %w", err)
	}
	return nil
}

func (q *Queue) markProcessed(ctx context.Context, opID string) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	_, err := q.db.ExecContext(ctx, `
		UPDATE _op_log SET status = 'processed', last_error = '' WHERE id = ?
	`, opID)
	if err != nil {
		return fmt.Errorf("failed to mark operation processed: %w", err)
	}
	return nil
}

func (q *Queue) markFailed(ctx context.Context, opID, detail string) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	_, err := q.db.ExecContext(ctx, `
		UPDATE _op_log SET status = 'failed', last_error = ? WHERE id = ?
	`, detail, opID)
	if err != nil {
		return fmt.Errorf("failed to mark operation failed: %w", err)
	}
	return nil
}

// markRetry returns an operation to pending with its backoff-scheduled next
// attempt. The idempotency key is untouched.
func (q *Queue) markRetry(ctx context.Context, op *PendingOperation, detail string) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	op.RetryCount++
	nextAttempt := time.Now().Add(q.config.backoffDelay(op.RetryCount))
	op.NextAttemptAt = nextAttempt
	_, err := q.db.ExecContext(ctx, `
		UPDATE _op_log
		SET status = 'pending', retry_count = ?, next_attempt_at = ?, last_error = ?
		WHERE id = ?
	`, op.RetryCount, nextAttempt.UTC().Format(timeLayout), detail, op.ID)
	if err != nil {
		return fmt.Errorf("failed to schedule operation retry: %w", err)
	}
	return nil
}

// updateResolvedPayload persists a conflict resolution: new payload, the
// current remote version as CAS target, and the remote snapshot as the new
// merge baseline. Status returns to pending under the same idempotency key.
func (q *Queue) updateResolvedPayload(ctx context.Context, op *PendingOperation) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	_, err := q.db.ExecContext(ctx, `
		UPDATE _op_log
		SET status = 'pending', payload = ?, base_payload = ?, target_version = ?
		WHERE id = ?
	`, rawToNull(op.Payload), rawToNull(op.BasePayload), op.TargetVersion, op.ID)
	if err != nil {
		return fmt.Errorf("failed to update resolved payload: %w", err)
	}
	return nil
}

// rebasePendingVersions moves the CAS target of queued operations on a record
// forward after an earlier operation on the same record was applied.
func (q *Queue) rebasePendingVersions(ctx context.Context, recordID string, newVersion int64) error {
	if recordID == "" {
		return nil
	}
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	_, err := q.db.ExecContext(ctx, `
		UPDATE _op_log SET target_version = ? WHERE record_id = ? AND status = 'pending'
	`, newVersion, recordID)
	if err != nil {
		return fmt.Errorf("failed to rebase pending versions: %w", err)
	}
	return nil
}

// Backlog returns the count of non-terminal operations.
func (q *Queue) Backlog(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM _op_log WHERE status IN ('pending','in_flight')
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count backlog: %w", err)
	}
	return n, nil
}

func rawToNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
