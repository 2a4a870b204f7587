// Copyright 2025 Mipos Authors
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Generic versioned record operations drained from client CRUD mutations.
// Conflict detection is an explicit compare-and-swap on record.version, never
// inferred from timestamps; a mismatch returns the full current server row so
// the client-side resolver can produce a merged resubmission.

func (s *MutationService) applyRecordMutation(ctx context.Context, tx pgx.Tx, req *MutationRequest) (*MutationResponse, error) {
	var payload RecordPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return respRejected(ReasonBadPayload, fmt.Sprintf("malformed record payload: %v", err)), nil
	}
	if _, err := uuid.Parse(payload.ID); err != nil {
		return respRejected(ReasonBadPayload, fmt.Sprintf("record id is not a UUID: %v", err)), nil
	}

	current, err := s.lockRecord(ctx, tx, payload.ID)
	if err != nil {
		return nil, err
	}

	switch req.Type {
	case OpCreateRecord:
		if current != nil && !current.Deleted {
			// Creating over a live row is a conflict, not a rejection: the
			// record may have been created by another terminal while offline.
			return s.conflictWithCurrent(ctx, current)
		}
		return s.upsertRecord(ctx, tx, current, &payload)

	case OpUpdateRecord:
		if current == nil || current.Deleted {
			return respRejected(ReasonNotFound, fmt.Sprintf("record %s not found", payload.ID)), nil
		}
		if current.Version != req.ExpectedVersion {
			return s.conflictWithCurrent(ctx, current)
		}
		return s.upsertRecord(ctx, tx, current, &payload)

	case OpDeleteRecord:
		if current == nil || current.Deleted {
			// Deleting an absent row is idempotent-applied.
			return respAppliedIdempotent(nil), nil
		}
		if current.Version != req.ExpectedVersion {
			return s.conflictWithCurrent(ctx, current)
		}
		newVersion := current.Version + 1
		tag, err := tx.Exec(ctx, `
			UPDATE possync.record
			SET deleted = TRUE, version = $2, updated_at = now()
			WHERE id = $1 AND version = $3
		`, current.ID, newVersion, current.Version)
		if err != nil {
			return nil, fmt.Errorf("failed to delete record: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return nil, fmt.Errorf("version CAS failed for record %s at version %d", current.ID, current.Version)
		}
		return respApplied(nil, newVersion), nil

	default:
		return respRejected(ReasonUnknownType, fmt.Sprintf("unknown record operation %q", req.Type)), nil
	}
}

// upsertRecord inserts a fresh row or overwrites a locked one, bumping version.
func (s *MutationService) upsertRecord(ctx context.Context, tx pgx.Tx, current *SyncRecord, payload *RecordPayload) (*MutationResponse, error) {
	fields := payload.Fields
	if len(fields) == 0 {
		fields = json.RawMessage(`{}`)
	}

	if current == nil {
		_, err := tx.Exec(ctx, `
			INSERT INTO possync.record (id, name, payload, version, deleted)
			VALUES ($1, $2, $3, 1, FALSE)
		`, payload.ID, payload.Name, fields)
		if err != nil {
			return nil, fmt.Errorf("failed to insert record: %w", err)
		}
		return respApplied(nil, 1), nil
	}

	newVersion := current.Version + 1
	tag, err := tx.Exec(ctx, `
		UPDATE possync.record
		SET name = $2, payload = $3, version = $4, deleted = FALSE, updated_at = now()
		WHERE id = $1 AND version = $5
	`, current.ID, payload.Name, fields, newVersion, current.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to update record: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return nil, fmt.Errorf("version CAS failed for record %s at version %d", current.ID, current.Version)
	}
	return respApplied(nil, newVersion), nil
}

// lockRecord reads and row-locks a record; nil means the row does not exist.
func (s *MutationService) lockRecord(ctx context.Context, tx pgx.Tx, id string) (*SyncRecord, error) {
	var rec SyncRecord
	err := tx.QueryRow(ctx, `
		SELECT id, name, payload, version, deleted, updated_at
		FROM possync.record
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&rec.ID, &rec.Name, &rec.Payload, &rec.Version, &rec.Deleted, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock record: %w", err)
	}
	return &rec, nil
}

func (s *MutationService) conflictWithCurrent(ctx context.Context, current *SyncRecord) (*MutationResponse, error) {
	start := s.stageStart()
	row, err := json.Marshal(current)
	s.observeStage(ctx, StageConflictFetch, start, err != nil)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal server row for conflict: %w", err)
	}
	return respConflict(row), nil
}

// GetRecord returns the current server state of a record, or nil.
func (s *MutationService) GetRecord(ctx context.Context, id string) (*SyncRecord, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	var rec SyncRecord
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, payload, version, deleted, updated_at
		FROM possync.record WHERE id = $1
	`, id).Scan(&rec.ID, &rec.Name, &rec.Payload, &rec.Version, &rec.Deleted, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return &rec, nil
}
