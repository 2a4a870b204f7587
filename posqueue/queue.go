// Copyright 2025 Mipos Authors
// SPDX-License-Identifier: Apache-2.0

package posqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eduardojeem/Mipos-sub030/possync"
)

// Queue owns the durable operation log and drains it against the backend.
// Delivery is exactly-once-in-effect, not exactly-once-in-transmission: the
// per-operation idempotency key, fixed at enqueue time, is what makes every
// retry and ambiguous timeout safe.
type Queue struct {
	db      *sql.DB
	applier Applier
	logger  *slog.Logger
	config  *Config
	events  subscribers

	writeMu sync.Mutex // serialize operation log writes (SQLite)
	drainMu sync.Mutex // one drain cycle at a time

	gateMu   sync.RWMutex
	sendGate func() bool // nil means immediate sends are always allowed
}

// EnqueueRequest describes a mutation intent to persist.
type EnqueueRequest struct {
	Type          string          // wire operation type (possync.Op* constants)
	RecordID      string          // logical record identity for FIFO ordering; empty for unordered ops
	Payload       json.RawMessage // opaque mutation body
	BasePayload   json.RawMessage // pre-edit snapshot for three-way merges (record updates)
	TargetVersion int64           // last-known version of the target record
}

// DrainResult summarizes one completed drain cycle.
type DrainResult struct {
	Attempted int
	Processed int
	Failed    int
	Resolved  int
	Retried   int
	Latency   time.Duration
}

// NewQueue creates an operation queue over db, draining through applier.
// In-flight operations from a previous crash are recovered to pending.
func NewQueue(db *sql.DB, applier Applier, config *Config, logger *slog.Logger) (*Queue, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeOpLog(db); err != nil {
		return nil, err
	}
	return &Queue{
		db:      db,
		applier: applier,
		logger:  logger,
		config:  config,
	}, nil
}

// SetSendGate installs a predicate consulted before Enqueue nudges an
// immediate drain. The sync coordinator wires this to suppress immediate
// sends while offline or backpressured; queued operations always wait for
// the next coordinated drain instead.
func (q *Queue) SetSendGate(gate func() bool) {
	q.gateMu.Lock()
	q.sendGate = gate
	q.gateMu.Unlock()
}

func (q *Queue) sendAllowed() bool {
	q.gateMu.RLock()
	gate := q.sendGate
	q.gateMu.RUnlock()
	return gate == nil || gate()
}

// Subscribe registers a listener for queue lifecycle events and returns an
// unsubscribe handle.
func (q *Queue) Subscribe(fn func(Event)) func() {
	return q.events.subscribe(fn)
}

// Enqueue persists a mutation intent durably and returns its operation ID.
// It never performs network I/O and never fails for business reasons; all
// delivery outcomes surface through the event stream. When the send gate
// allows it, an asynchronous drain is nudged immediately.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.Type == "" {
		return "", fmt.Errorf("operation type is required")
	}

	now := time.Now()
	op := &PendingOperation{
		ID:             uuid.New().String(),
		Type:           req.Type,
		RecordID:       req.RecordID,
		Payload:        req.Payload,
		BasePayload:    req.BasePayload,
		IdempotencyKey: uuid.New().String(),
		Status:         StatusPending,
		TargetVersion:  req.TargetVersion,
		CreatedAt:      now,
		NextAttemptAt:  now,
	}
	if err := q.insertOperation(ctx, op); err != nil {
		return "", err
	}

	q.events.emit(Event{Kind: EventEnqueued, OperationID: op.ID, RecordID: op.RecordID, Type: op.Type})

	if q.sendAllowed() {
		go func() {
			if _, err := q.Drain(context.Background()); err != nil {
				q.logger.Warn("Immediate drain after enqueue failed", "error", err)
			}
		}()
	}
	return op.ID, nil
}

// Drain sends pending operations to the backend. Operations on the same
// record drain strictly in enqueue order; unrelated records drain
// concurrently up to the configured fan-out. Permanent failures never abort
// the cycle. One synced event is emitted per completed cycle.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	started := time.Now()
	ops, err := q.loadPendingOperations(ctx, q.config.DrainLimit)
	if err != nil {
		return DrainResult{}, err
	}

	var result DrainResult
	if len(ops) == 0 {
		result.Latency = time.Since(started)
		q.events.emit(Event{Kind: EventSynced, Count: 0, Latency: result.Latency})
		return result, nil
	}

	lanes := partitionLanes(ops)

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	fanOut := q.config.FanOut
	if fanOut <= 0 {
		fanOut = 1
	}
	sem := make(chan struct{}, fanOut)

	for _, lane := range lanes {
		wg.Add(1)
		sem <- struct{}{}
		go func(lane []*PendingOperation) {
			defer wg.Done()
			defer func() { <-sem }()
			laneResult := q.drainLane(ctx, lane)
			mu.Lock()
			result.Attempted += laneResult.Attempted
			result.Processed += laneResult.Processed
			result.Failed += laneResult.Failed
			result.Resolved += laneResult.Resolved
			result.Retried += laneResult.Retried
			mu.Unlock()
		}(lane)
	}
	wg.Wait()

	result.Latency = time.Since(started)
	q.logger.Debug("Drain cycle completed",
		"attempted", result.Attempted, "processed", result.Processed,
		"failed", result.Failed, "resolved", result.Resolved,
		"retried", result.Retried, "latency", result.Latency)
	q.events.emit(Event{Kind: EventSynced, Count: result.Processed, Latency: result.Latency})
	return result, nil
}

// partitionLanes groups operations by record while preserving enqueue order
// within each lane. Operations without a record identity get private lanes.
func partitionLanes(ops []*PendingOperation) [][]*PendingOperation {
	var lanes [][]*PendingOperation
	index := make(map[string]int)
	for _, op := range ops {
		if op.RecordID == "" {
			lanes = append(lanes, []*PendingOperation{op})
			continue
		}
		if i, ok := index[op.RecordID]; ok {
			lanes[i] = append(lanes[i], op)
			continue
		}
		index[op.RecordID] = len(lanes)
		lanes = append(lanes, []*PendingOperation{op})
	}
	return lanes
}

// drainLane processes one record's operations sequentially. The lane stops at
// the first operation that must wait (backoff not yet elapsed, transient
// failure, unresolved conflict) so a retrying operation is never overtaken by
// a later one on the same record.
func (q *Queue) drainLane(ctx context.Context, lane []*PendingOperation) DrainResult {
	var res DrainResult
	laneVersion := int64(-1) // version produced by the previous applied op, if any

	for _, op := range lane {
		if time.Now().Before(op.NextAttemptAt) {
			return res
		}
		select {
		case <-ctx.Done():
			return res
		default:
		}

		if laneVersion >= 0 {
			op.TargetVersion = laneVersion
		}

		res.Attempted++
		outcome := q.attemptOperation(ctx, op)
		res.Processed += outcome.processed
		res.Failed += outcome.failed
		res.Resolved += outcome.resolved
		res.Retried += outcome.retried
		if outcome.stopLane {
			return res
		}
		if outcome.newVersion > 0 {
			laneVersion = outcome.newVersion
		}
	}
	return res
}

type attemptOutcome struct {
	processed  int
	failed     int
	resolved   int
	retried    int
	stopLane   bool
	newVersion int64
}

// attemptOperation sends one operation and applies the response transitions,
// including at most one in-place conflict resolution and resubmission under
// the same idempotency key.
func (q *Queue) attemptOperation(ctx context.Context, op *PendingOperation) attemptOutcome {
	var out attemptOutcome

	if err := q.markInFlight(ctx, op.ID); err != nil {
		q.logger.Error("Failed to mark operation in flight", "error", err, "op_id", op.ID)
		out.stopLane = true
		return out
	}
	q.events.emit(Event{Kind: EventProcessing, OperationID: op.ID, RecordID: op.RecordID, Type: op.Type})

	for resolveAttempts := 0; ; resolveAttempts++ {
		resp, err := q.sendOperation(ctx, op)
		if err != nil {
			// Transient or ambiguous: keep pending with backoff, same key.
			q.logger.Warn("Operation attempt failed; scheduling retry",
				"op_id", op.ID, "type", op.Type, "retry_count", op.RetryCount+1, "error", err)
			if mErr := q.markRetry(ctx, op, err.Error()); mErr != nil {
				q.logger.Error("Failed to schedule retry", "error", mErr, "op_id", op.ID)
			}
			out.retried++
			out.stopLane = true
			return out
		}

		switch resp.Status {
		case possync.StApplied:
			if err := q.markProcessed(ctx, op.ID); err != nil {
				q.logger.Error("Failed to mark operation processed", "error", err, "op_id", op.ID)
				out.stopLane = true
				return out
			}
			if resp.NewVersion != nil {
				out.newVersion = *resp.NewVersion
				if err := q.rebasePendingVersions(ctx, op.RecordID, *resp.NewVersion); err != nil {
					q.logger.Warn("Failed to rebase pending versions", "error", err, "record_id", op.RecordID)
				}
			}
			q.events.emit(Event{Kind: EventProcessed, OperationID: op.ID, RecordID: op.RecordID, Type: op.Type})
			out.processed++
			return out

		case possync.StRejected:
			// Terminal domain or validation rejection. Surfaced to
			// subscribers, left for caller-level remediation; later
			// operations keep draining.
			if err := q.markFailed(ctx, op.ID, resp.Reason+": "+resp.Message); err != nil {
				q.logger.Error("Failed to mark operation failed", "error", err, "op_id", op.ID)
				out.stopLane = true
				return out
			}
			q.events.emit(Event{
				Kind: EventFailed, OperationID: op.ID, RecordID: op.RecordID,
				Type: op.Type, Reason: resp.Reason,
			})
			out.failed++
			return out

		case possync.StConflict:
			discarded, err := q.resolveConflict(ctx, op, resp.ServerRow)
			if err != nil {
				q.logger.Error("Conflict resolution failed", "error", err, "op_id", op.ID)
				if mErr := q.markRetry(ctx, op, err.Error()); mErr != nil {
					q.logger.Error("Failed to schedule retry", "error", mErr, "op_id", op.ID)
				}
				out.retried++
				out.stopLane = true
				return out
			}
			out.resolved++
			q.events.emit(Event{
				Kind: EventResolved, OperationID: op.ID, RecordID: op.RecordID,
				Type: op.Type, Strategy: q.config.Strategy,
			})
			if discarded {
				// server_wins: remote state is the truth; the operation is
				// intentionally processed, not failed, to prevent infinite
				// retry of a permanently rejected write.
				if err := q.markProcessed(ctx, op.ID); err != nil {
					q.logger.Error("Failed to mark operation processed", "error", err, "op_id", op.ID)
					out.stopLane = true
					return out
				}
				q.events.emit(Event{Kind: EventProcessed, OperationID: op.ID, RecordID: op.RecordID, Type: op.Type})
				out.processed++
				return out
			}
			if resolveAttempts >= 1 {
				// Resolved twice in one cycle and still conflicting; leave
				// pending for the next drain rather than spinning here.
				out.stopLane = true
				return out
			}
			// Resubmit the resolved payload immediately, same idempotency key.
			continue

		default:
			q.logger.Warn("Unknown mutation status", "status", resp.Status, "op_id", op.ID)
			if mErr := q.markRetry(ctx, op, "unknown status "+resp.Status); mErr != nil {
				q.logger.Error("Failed to schedule retry", "error", mErr, "op_id", op.ID)
			}
			out.retried++
			out.stopLane = true
			return out
		}
	}
}

// sendOperation performs one bounded network attempt.
func (q *Queue) sendOperation(ctx context.Context, op *PendingOperation) (*possync.MutationResponse, error) {
	attemptCtx := ctx
	if q.config.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, q.config.AttemptTimeout)
		defer cancel()
	}
	return q.applier.Apply(attemptCtx, &possync.MutationRequest{
		IdempotencyKey:  op.IdempotencyKey,
		Type:            op.Type,
		Payload:         op.Payload,
		ExpectedVersion: op.TargetVersion,
	})
}

// resolveConflict reconciles op against the current server row. It returns
// true when the local operation was discarded in favor of the server state;
// otherwise op carries the resolved payload, the remote version as its new
// CAS target, and the remote fields as its new merge baseline.
func (q *Queue) resolveConflict(ctx context.Context, op *PendingOperation, serverRow json.RawMessage) (discarded bool, err error) {
	var remote struct {
		ID      string          `json:"id"`
		Name    string          `json:"name"`
		Payload json.RawMessage `json:"payload"`
		Version int64           `json:"version"`
	}
	if err := json.Unmarshal(serverRow, &remote); err != nil {
		return false, fmt.Errorf("failed to parse conflicting server row: %w", err)
	}

	var local possync.RecordPayload
	if err := json.Unmarshal(op.Payload, &local); err != nil {
		return false, fmt.Errorf("failed to parse local payload: %w", err)
	}

	resolution, err := Resolve(ConflictRecord{
		Local:  local.Fields,
		Remote: remote.Payload,
		Base:   op.BasePayload,
	}, q.config.Strategy)
	if err != nil {
		return false, err
	}
	if resolution.DiscardLocal {
		return true, nil
	}

	resolved, err := json.Marshal(possync.RecordPayload{
		ID:     local.ID,
		Name:   local.Name,
		Fields: resolution.Payload,
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal resolved payload: %w", err)
	}

	op.Payload = resolved
	op.BasePayload = remote.Payload
	op.TargetVersion = remote.Version
	if op.Type == possync.OpCreateRecord {
		// The record exists server-side; the resolved resubmission is an
		// update against the current version.
		op.Type = possync.OpUpdateRecord
	}
	if err := q.updateResolvedPayload(ctx, op); err != nil {
		return false, err
	}
	return false, nil
}
