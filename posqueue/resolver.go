// Copyright 2025 Mipos Authors
// SPDX-License-Identifier: Apache-2.0

package posqueue

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// Strategy selects how a version conflict between a local edit and the
// current server state is reconciled.
type Strategy string

const (
	StrategyClientWins    Strategy = "client_wins"
	StrategyServerWins    Strategy = "server_wins"
	StrategyMergeFields   Strategy = "merge_fields"
	StrategyLastWriteWins Strategy = "last_write_wins"
)

// ConflictRecord pairs the divergent snapshots of one record. Base is the
// pre-edit snapshot the local change started from; it is what makes the
// merge_fields strategy a three-way merge. Fields scopes the diff; empty
// means the union of keys from both snapshots.
type ConflictRecord struct {
	Local  json.RawMessage
	Remote json.RawMessage
	Base   json.RawMessage
	Fields []string
}

// Resolution is the resolver's decision: either a merged payload to resubmit
// under the same idempotency key, or DiscardLocal to accept the server state
// and retire the local operation.
type Resolution struct {
	Payload      json.RawMessage
	DiscardLocal bool
}

// Resolve reconciles a conflict with the given strategy. It is pure: no I/O,
// no side effects, deterministic for identical inputs. It is also exposed
// directly so an interactive "keep mine / keep theirs / merge" flow can call
// it with a user-picked strategy.
func Resolve(c ConflictRecord, strategy Strategy) (Resolution, error) {
	switch strategy {
	case StrategyServerWins:
		return Resolution{DiscardLocal: true}, nil

	case StrategyClientWins:
		merged, err := overlayFields(c.Remote, c.Local, c.Fields)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Payload: merged}, nil

	case StrategyMergeFields:
		return mergeFields(c)

	case StrategyLastWriteWins:
		return lastWriteWins(c)

	default:
		return Resolution{}, fmt.Errorf("unknown resolution strategy %q", strategy)
	}
}

// mergeFields performs a three-way field merge without full history: a local
// value survives only when it differs from the remote value AND the remote
// value still equals the baseline for that field (no concurrent remote change
// to that specific field). It cannot detect semantic conflicts within one
// field, only presence of independent field-level change.
func mergeFields(c ConflictRecord) (Resolution, error) {
	local, err := unmarshalObject(c.Local, "local")
	if err != nil {
		return Resolution{}, err
	}
	remote, err := unmarshalObject(c.Remote, "remote")
	if err != nil {
		return Resolution{}, err
	}
	base, err := unmarshalObject(c.Base, "base")
	if err != nil {
		return Resolution{}, err
	}
	if base == nil {
		// No baseline retained: a per-field merge is impossible, so the whole
		// record degrades to a single field decided by timestamps.
		return lastWriteWins(c)
	}

	fields := c.Fields
	if len(fields) == 0 {
		fields = unionKeys(local, remote)
	}

	merged := make(map[string]any, len(remote))
	for k, v := range remote {
		merged[k] = v
	}
	for _, f := range fields {
		lv, lok := local[f]
		rv := remote[f]
		bv := base[f]
		if lok && !jsonEqual(lv, rv) && jsonEqual(rv, bv) {
			merged[f] = lv
		}
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to marshal merged record: %w", err)
	}
	return Resolution{Payload: out}, nil
}

// lastWriteWins compares the updated_at timestamps of the two snapshots; the
// later one wins wholesale. A snapshot without a parseable timestamp loses to
// one that has it; when neither has one, the local snapshot wins.
func lastWriteWins(c ConflictRecord) (Resolution, error) {
	lt, lok := snapshotTimestamp(c.Local)
	rt, rok := snapshotTimestamp(c.Remote)

	switch {
	case lok && rok:
		if rt.After(lt) {
			return Resolution{DiscardLocal: true}, nil
		}
		return Resolution{Payload: c.Local}, nil
	case rok:
		return Resolution{DiscardLocal: true}, nil
	default:
		return Resolution{Payload: c.Local}, nil
	}
}

// overlayFields copies over onto under for every field in scope that over has.
func overlayFields(under, over json.RawMessage, fields []string) (json.RawMessage, error) {
	u, err := unmarshalObject(under, "remote")
	if err != nil {
		return nil, err
	}
	o, err := unmarshalObject(over, "local")
	if err != nil {
		return nil, err
	}
	if u == nil {
		u = map[string]any{}
	}

	if len(fields) == 0 {
		fields = unionKeys(o, nil)
	}

	merged := make(map[string]any, len(u))
	for k, v := range u {
		merged[k] = v
	}
	for _, f := range fields {
		if v, ok := o[f]; ok {
			merged[f] = v
		}
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merged record: %w", err)
	}
	return out, nil
}

func unmarshalObject(raw json.RawMessage, which string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to parse %s snapshot: %w", which, err)
	}
	return m, nil
}

func unionKeys(a, b map[string]any) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var keys []string
	for k := range a {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	for k := range b {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	return keys
}

// jsonEqual compares two decoded JSON values structurally.
func jsonEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// snapshotTimestamp extracts an RFC3339 updated_at from a record snapshot.
func snapshotTimestamp(raw json.RawMessage) (time.Time, bool) {
	m, err := unmarshalObject(raw, "snapshot")
	if err != nil || m == nil {
		return time.Time{}, false
	}
	s, ok := m["updated_at"].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		if t, err = time.Parse(time.RFC3339, s); err != nil {
			return time.Time{}, false
		}
	}
	return t, true
}
