// Copyright 2025 Mipos Authors
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"encoding/json"
	"time"
)

// REST/JSON models for HTTP API requests and responses
// These models are also the wire contract drained by the client operation queue.

// MutationRequest represents a single mutation submitted by a client.
// The idempotency key is generated once by the caller and reused verbatim on
// every retry of the same logical operation.
type MutationRequest struct {
	IdempotencyKey  string          `json:"idempotency_key"`  // Caller-generated, stable across retries
	Type            string          `json:"type"`             // One of the Op* constants
	Payload         json.RawMessage `json:"payload,omitempty"`
	ExpectedVersion int64           `json:"expected_version"` // Last-known record version for CAS (record ops)
}

// MutationResponse represents the server's discriminated result for a mutation.
// Exactly one of the three statuses is returned; business rejections are data,
// not transport errors.
type MutationResponse struct {
	Status     string          `json:"status"`                // "applied", "conflict", "rejected"
	Result     json.RawMessage `json:"result,omitempty"`      // Outcome snapshot if applied
	NewVersion *int64          `json:"new_version,omitempty"` // New record/account version if applied
	ServerRow  json.RawMessage `json:"server_row,omitempty"`  // Current remote record if conflict
	Reason     string          `json:"reason,omitempty"`      // Rejection reason constant
	Message    string          `json:"message,omitempty"`     // Optional human-readable detail
}

// RedeemRewardRequest is the payload for a redeem-reward mutation.
type RedeemRewardRequest struct {
	RewardID       string `json:"reward_id"`
	AccountID      string `json:"account_id"`
	CostPoints     int64  `json:"cost_points"`
	CorrelationRef string `json:"correlation_ref,omitempty"` // e.g. sale/receipt reference
}

// AdjustPointsRequest is the payload for an adjust-points mutation.
// Delta is signed; negative deltas that would overdraw the account are rejected.
type AdjustPointsRequest struct {
	AccountID string `json:"account_id"`
	Delta     int64  `json:"delta"`
	Reason    string `json:"reason"`
}

// CloseCashSessionRequest is the payload for a close-cash-session mutation.
type CloseCashSessionRequest struct {
	SessionID          string `json:"session_id"`
	ClosingAmountCents int64  `json:"closing_amount_cents"`
}

// RecordPayload is the payload for create-record/update-record/delete-record.
// Name identifies the logical collection (e.g. "customer", "product").
type RecordPayload struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Fields json.RawMessage `json:"fields,omitempty"`
}

// RedeemRewardResult is the stored outcome snapshot of a successful redemption.
type RedeemRewardResult struct {
	AccountID  string `json:"account_id"`
	RewardID   string `json:"reward_id"`
	NewBalance int64  `json:"new_balance"`
	Version    int64  `json:"version"`
}

// AdjustPointsResult is the stored outcome snapshot of a point adjustment.
type AdjustPointsResult struct {
	AccountID  string `json:"account_id"`
	NewBalance int64  `json:"new_balance"`
	Version    int64  `json:"version"`
}

// CloseCashSessionResult is the stored outcome snapshot of a session close.
type CloseCashSessionResult struct {
	SessionID          string    `json:"session_id"`
	ClosingAmountCents int64     `json:"closing_amount_cents"`
	ClosedAt           time.Time `json:"closed_at"`
	Version            int64     `json:"version"`
}

// StatusResponse represents service status response
type StatusResponse struct {
	Status  string `json:"status"`   // healthy, degraded, unhealthy
	Version string `json:"version"`  // API version
	AppName string `json:"app_name"` // Application name
}

// ErrorResponse represents a transport-level error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
