// Copyright 2025 Mipos Authors
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"encoding/json"
)

// respApplied creates a response for a successfully applied mutation
func respApplied(result json.RawMessage, newVer int64) *MutationResponse {
	return &MutationResponse{
		Status:     StApplied,
		Result:     result,
		NewVersion: &newVer,
	}
}

// respAppliedIdempotent creates a response for a no-op apply (e.g. delete of a
// row that is already gone) without a version bump
func respAppliedIdempotent(result json.RawMessage) *MutationResponse {
	return &MutationResponse{
		Status: StApplied,
		Result: result,
	}
}

// respConflict creates a response for version conflicts with current server state
func respConflict(serverRow json.RawMessage) *MutationResponse {
	return &MutationResponse{
		Status:    StConflict,
		ServerRow: serverRow,
	}
}

// respRejected creates a response for terminal domain rejections
func respRejected(reason, message string) *MutationResponse {
	return &MutationResponse{
		Status:  StRejected,
		Reason:  reason,
		Message: message,
	}
}
