// Copyright 2025 Mipos Authors
// SPDX-License-Identifier: Apache-2.0

package possync

// Operation type constants for mutation requests
const (
	OpCreateRecord     = "create-record"
	OpUpdateRecord     = "update-record"
	OpDeleteRecord     = "delete-record"
	OpRedeemReward     = "redeem-reward"
	OpAdjustPoints     = "adjust-points"
	OpCloseCashSession = "close-cash-session"
)

// Status constants for mutation responses
const (
	StApplied  = "applied"
	StConflict = "conflict"
	StRejected = "rejected"
)

// Rejection reason constants
const (
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonAccountInactive     = "account_inactive"
	ReasonSessionClosed       = "session_closed"
	ReasonNotFound            = "not_found"
	ReasonBadPayload          = "bad_payload"
	ReasonUnknownType         = "unknown_type"
	ReasonInternalError       = "internal_error"
)

// Cash session lifecycle states
const (
	SessionOpen   = "OPEN"
	SessionClosed = "CLOSED"
)

// Loyalty account lifecycle states
const (
	AccountActive   = "active"
	AccountInactive = "inactive"
)
