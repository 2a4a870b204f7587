// Copyright 2025 Mipos Authors
// SPDX-License-Identifier: Apache-2.0

package posqueue

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func asMap(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestResolveServerWins(t *testing.T) {
	res, err := Resolve(ConflictRecord{
		Local:  mustJSON(t, map[string]any{"price": 5}),
		Remote: mustJSON(t, map[string]any{"price": 6}),
	}, StrategyServerWins)
	require.NoError(t, err)
	require.True(t, res.DiscardLocal)
	require.Nil(t, res.Payload)
}

func TestResolveClientWins(t *testing.T) {
	res, err := Resolve(ConflictRecord{
		Local:  mustJSON(t, map[string]any{"price": 5.0}),
		Remote: mustJSON(t, map[string]any{"price": 6.0, "stock": 8.0}),
	}, StrategyClientWins)
	require.NoError(t, err)
	require.False(t, res.DiscardLocal)

	merged := asMap(t, res.Payload)
	require.Equal(t, 5.0, merged["price"], "local value overrides remote")
	require.Equal(t, 8.0, merged["stock"], "untouched remote fields survive")
}

func TestResolveMergeFields(t *testing.T) {
	t.Run("independent edits both survive", func(t *testing.T) {
		base := map[string]any{"name": "Latte", "price": 4.0, "stock": 10.0}
		local := map[string]any{"name": "Latte", "price": 5.0, "stock": 10.0}
		remote := map[string]any{"name": "Latte", "price": 4.0, "stock": 8.0}

		res, err := Resolve(ConflictRecord{
			Local:  mustJSON(t, local),
			Remote: mustJSON(t, remote),
			Base:   mustJSON(t, base),
		}, StrategyMergeFields)
		require.NoError(t, err)
		require.False(t, res.DiscardLocal)

		merged := asMap(t, res.Payload)
		require.Equal(t, 5.0, merged["price"], "local price edit survives")
		require.Equal(t, 8.0, merged["stock"], "remote stock edit survives")
		require.Equal(t, "Latte", merged["name"])
	})

	t.Run("remote edit to same field wins", func(t *testing.T) {
		base := map[string]any{"price": 4.0}
		local := map[string]any{"price": 5.0}
		remote := map[string]any{"price": 6.0} // remote also changed price

		res, err := Resolve(ConflictRecord{
			Local:  mustJSON(t, local),
			Remote: mustJSON(t, remote),
			Base:   mustJSON(t, base),
		}, StrategyMergeFields)
		require.NoError(t, err)

		merged := asMap(t, res.Payload)
		require.Equal(t, 6.0, merged["price"], "concurrently changed field stays remote")
	})

	t.Run("unchanged local field takes the remote edit", func(t *testing.T) {
		base := map[string]any{"p": 1.0, "q": 2.0}
		local := map[string]any{"p": 1.0, "q": 2.0}
		remote := map[string]any{"p": 1.0, "q": 3.0}

		res, err := Resolve(ConflictRecord{
			Local:  mustJSON(t, local),
			Remote: mustJSON(t, remote),
			Base:   mustJSON(t, base),
		}, StrategyMergeFields)
		require.NoError(t, err)

		merged := asMap(t, res.Payload)
		require.Equal(t, 1.0, merged["p"])
		require.Equal(t, 3.0, merged["q"])
	})

	t.Run("explicit field scope limits merge", func(t *testing.T) {
		base := map[string]any{"price": 4.0, "stock": 10.0}
		local := map[string]any{"price": 5.0, "stock": 3.0}
		remote := map[string]any{"price": 4.0, "stock": 10.0}

		res, err := Resolve(ConflictRecord{
			Local:  mustJSON(t, local),
			Remote: mustJSON(t, remote),
			Base:   mustJSON(t, base),
			Fields: []string{"price"},
		}, StrategyMergeFields)
		require.NoError(t, err)

		merged := asMap(t, res.Payload)
		require.Equal(t, 5.0, merged["price"])
		require.Equal(t, 10.0, merged["stock"], "out-of-scope local edit is dropped")
	})

	t.Run("missing base degrades to last write wins", func(t *testing.T) {
		local := map[string]any{"price": 5.0, "updated_at": "2026-01-02T10:00:00Z"}
		remote := map[string]any{"price": 6.0, "updated_at": "2026-01-02T11:00:00Z"}

		res, err := Resolve(ConflictRecord{
			Local:  mustJSON(t, local),
			Remote: mustJSON(t, remote),
		}, StrategyMergeFields)
		require.NoError(t, err)
		require.True(t, res.DiscardLocal, "newer remote wins wholesale without a baseline")
	})

	t.Run("deterministic for identical inputs", func(t *testing.T) {
		cr := ConflictRecord{
			Local:  mustJSON(t, map[string]any{"a": 1.0, "b": 2.0, "c": 3.0}),
			Remote: mustJSON(t, map[string]any{"a": 9.0, "b": 2.0, "c": 7.0}),
			Base:   mustJSON(t, map[string]any{"a": 9.0, "b": 0.0, "c": 7.0}),
		}
		first, err := Resolve(cr, StrategyMergeFields)
		require.NoError(t, err)
		for i := 0; i < 10; i++ {
			again, err := Resolve(cr, StrategyMergeFields)
			require.NoError(t, err)
			require.Equal(t, asMap(t, first.Payload), asMap(t, again.Payload))
		}
	})
}

func TestResolveLastWriteWins(t *testing.T) {
	t.Run("newer local wins", func(t *testing.T) {
		res, err := Resolve(ConflictRecord{
			Local:  mustJSON(t, map[string]any{"price": 5.0, "updated_at": "2026-01-02T12:00:00Z"}),
			Remote: mustJSON(t, map[string]any{"price": 6.0, "updated_at": "2026-01-02T11:00:00Z"}),
		}, StrategyLastWriteWins)
		require.NoError(t, err)
		require.False(t, res.DiscardLocal)
		require.Equal(t, 5.0, asMap(t, res.Payload)["price"])
	})

	t.Run("newer remote wins", func(t *testing.T) {
		res, err := Resolve(ConflictRecord{
			Local:  mustJSON(t, map[string]any{"updated_at": "2026-01-02T10:00:00Z"}),
			Remote: mustJSON(t, map[string]any{"updated_at": "2026-01-02T11:00:00Z"}),
		}, StrategyLastWriteWins)
		require.NoError(t, err)
		require.True(t, res.DiscardLocal)
	})

	t.Run("side without timestamp loses", func(t *testing.T) {
		res, err := Resolve(ConflictRecord{
			Local:  mustJSON(t, map[string]any{"price": 5.0}),
			Remote: mustJSON(t, map[string]any{"updated_at": "2026-01-02T11:00:00Z"}),
		}, StrategyLastWriteWins)
		require.NoError(t, err)
		require.True(t, res.DiscardLocal)
	})

	t.Run("neither has timestamp keeps local", func(t *testing.T) {
		res, err := Resolve(ConflictRecord{
			Local:  mustJSON(t, map[string]any{"price": 5.0}),
			Remote: mustJSON(t, map[string]any{"price": 6.0}),
		}, StrategyLastWriteWins)
		require.NoError(t, err)
		require.False(t, res.DiscardLocal)
		require.Equal(t, 5.0, asMap(t, res.Payload)["price"])
	})
}

func TestResolveUnknownStrategy(t *testing.T) {
	_, err := Resolve(ConflictRecord{}, Strategy("coin_flip"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown resolution strategy")
}
