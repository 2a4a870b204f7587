// Copyright 2025 Mipos Authors
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"encoding/json"
	"time"
)

// Database entities for the possync schema.

// LoyaltyAccount is a versioned ledger account holding loyalty points.
// Every committed mutation increments version; readers use version for CAS.
type LoyaltyAccount struct {
	ID            string    `json:"id"`
	CurrentPoints int64     `json:"current_points"`
	Version       int64     `json:"version"`
	Status        string    `json:"status"` // active, inactive
	UpdatedAt     time.Time `json:"updated_at"`
}

// CashSession is a versioned cash-register session.
// CLOSED is terminal: further mutating operations are rejected.
type CashSession struct {
	ID                 string     `json:"id"`
	OpenedAmountCents  int64      `json:"opened_amount_cents"`
	ClosingAmountCents *int64     `json:"closing_amount_cents,omitempty"`
	Status             string     `json:"status"` // OPEN, CLOSED
	Version            int64      `json:"version"`
	OpenedAt           time.Time  `json:"opened_at"`
	ClosedAt           *time.Time `json:"closed_at,omitempty"`
}

// PointTransaction is the immutable audit row written for every balance change.
type PointTransaction struct {
	ID             int64     `json:"id"`
	AccountID      string    `json:"account_id"`
	Delta          int64     `json:"delta"`
	Reason         string    `json:"reason"`
	CorrelationRef string    `json:"correlation_ref,omitempty"`
	ActorID        string    `json:"actor_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// SyncRecord is a generic versioned record drained from client CRUD operations.
type SyncRecord struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	Version   int64           `json:"version"`
	Deleted   bool            `json:"deleted"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// LedgerEntry is one row of the idempotency ledger. At most one entry ever
// exists per key; a duplicate request before expiry replays the stored outcome.
type LedgerEntry struct {
	Key        string          `json:"key"`
	Status     string          `json:"status"` // applied, rejected (in_flight only within an open tx)
	Result     json.RawMessage `json:"result,omitempty"`
	NewVersion *int64          `json:"new_version,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
}
