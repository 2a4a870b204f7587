// Copyright 2025 Mipos Authors
// SPDX-License-Identifier: Apache-2.0

package posqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eduardojeem/Mipos-sub030/possync"
)

func staticProbe(rtt time.Duration, err error) ProbeFunc {
	return func(context.Context) (time.Duration, error) { return rtt, err }
}

func TestClassifyQuality(t *testing.T) {
	require.Equal(t, QualityExcellent, classifyQuality(20*time.Millisecond, nil))
	require.Equal(t, QualityGood, classifyQuality(150*time.Millisecond, nil))
	require.Equal(t, QualityFair, classifyQuality(500*time.Millisecond, nil))
	require.Equal(t, QualityPoor, classifyQuality(2*time.Second, nil))
	require.Equal(t, QualityOffline, classifyQuality(0, errors.New("no route")))
}

func TestProbeFailureGoesOfflineAndGatesSends(t *testing.T) {
	q := newTestQueue(t, &scriptedApplier{}, nil)
	c := NewCoordinator(q, staticProbe(0, errors.New("unreachable")), nil, nil)

	c.runProbe(context.Background())

	state := c.State()
	require.Equal(t, MethodOffline, state.Method)
	require.Equal(t, QualityOffline, state.NetworkQuality)
	require.False(t, q.sendAllowed(), "offline must suppress immediate sends")
}

func TestOfflineRecoveryResumesPolling(t *testing.T) {
	q := newTestQueue(t, &scriptedApplier{}, nil)

	var offline atomic.Bool
	offline.Store(true)
	probe := func(context.Context) (time.Duration, error) {
		if offline.Load() {
			return 0, errors.New("unreachable")
		}
		return 50 * time.Millisecond, nil
	}
	c := NewCoordinator(q, probe, nil, nil)

	c.runProbe(context.Background())
	require.Equal(t, MethodOffline, c.State().Method)

	offline.Store(false)
	c.runProbe(context.Background())

	state := c.State()
	require.Equal(t, MethodPolling, state.Method)
	require.Equal(t, QualityExcellent, state.NetworkQuality)
	require.Equal(t, c.config.PollExcellent, state.TickInterval)
	require.True(t, q.sendAllowed())
}

func TestPushHealthSwitchesMethod(t *testing.T) {
	q := newTestQueue(t, &scriptedApplier{}, nil)
	c := NewCoordinator(q, staticProbe(50*time.Millisecond, nil), nil, nil)
	c.runProbe(context.Background())

	c.SetPushHealthy(true)
	state := c.State()
	require.Equal(t, MethodRealtime, state.Method)
	require.Equal(t, c.config.SafetyNetInterval, state.TickInterval,
		"realtime keeps only a safety-net cadence")

	c.SetPushHealthy(false)
	state = c.State()
	require.Equal(t, MethodPolling, state.Method)
	require.Equal(t, c.config.PollExcellent, state.TickInterval)
}

func TestOfflineOverridesPushHealth(t *testing.T) {
	q := newTestQueue(t, &scriptedApplier{}, nil)
	c := NewCoordinator(q, staticProbe(0, errors.New("unreachable")), nil, nil)

	c.SetPushHealthy(true)
	c.runProbe(context.Background())

	state := c.State()
	require.Equal(t, MethodOffline, state.Method)
	require.Equal(t, QualityOffline, state.NetworkQuality)
}

func TestQualityAdjustsPollInterval(t *testing.T) {
	q := newTestQueue(t, &scriptedApplier{}, nil)
	c := NewCoordinator(q, nil, nil, nil)

	cases := []struct {
		quality Quality
		want    time.Duration
	}{
		{QualityExcellent, c.config.PollExcellent},
		{QualityGood, c.config.PollGood},
		{QualityFair, c.config.PollFair},
		{QualityPoor, c.config.PollPoor},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, c.pollInterval(tc.quality), "quality %s", tc.quality)
	}
}

func TestBackpressureHysteresis(t *testing.T) {
	applier := &scriptedApplier{script: []func(*possync.MutationRequest) (*possync.MutationResponse, error){
		transportError(), transportError(), applied(1), applied(1),
	}}
	cfg := DefaultConfig()
	cfg.BackoffBase = time.Millisecond
	q := newTestQueue(t, applier, cfg)
	ctx := context.Background()

	ccfg := DefaultCoordinatorConfig()
	ccfg.HighWater = 1
	ccfg.LowWater = 1
	c := NewCoordinator(q, staticProbe(50*time.Millisecond, nil), ccfg, nil)

	// A backlog sitting exactly at the high-water mark does not engage.
	c.mu.Lock()
	c.updateBackpressureLocked(ccfg.HighWater)
	atMark := c.state.BackpressureActive
	c.mu.Unlock()
	require.False(t, atMark, "backpressure engages only above the high-water mark")

	for _, rec := range []string{"rec-a", "rec-b"} {
		_, err := q.Enqueue(ctx, EnqueueRequest{
			Type:     possync.OpUpdateRecord,
			RecordID: rec,
			Payload:  recordFields(t, rec, map[string]any{"price": 1.0}),
		})
		require.NoError(t, err)
	}

	// Both attempts fail: backlog rises above the high-water mark.
	c.drain(ctx)
	state := c.State()
	require.Equal(t, 2, state.BacklogSize)
	require.True(t, state.BackpressureActive)
	require.False(t, q.sendAllowed(), "backpressure must suppress immediate sends")

	// A backlog sitting exactly at the low-water mark holds backpressure on.
	c.mu.Lock()
	c.updateBackpressureLocked(ccfg.LowWater)
	held := c.state.BackpressureActive
	c.mu.Unlock()
	require.True(t, held, "backpressure releases only below the low-water mark")

	time.Sleep(10 * time.Millisecond)
	c.drain(ctx)
	state = c.State()
	require.Zero(t, state.BacklogSize)
	require.False(t, state.BackpressureActive, "draining below low water releases backpressure")
	require.True(t, q.sendAllowed())
	require.NotNil(t, state.LastSync)
	require.Equal(t, 2, state.LastSync.Count)
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	q := newTestQueue(t, &scriptedApplier{}, nil)
	c := NewCoordinator(q, staticProbe(50*time.Millisecond, nil), nil, nil)

	var states []SyncState
	unsubscribe := c.Subscribe(func(s SyncState) { states = append(states, s) })

	c.runProbe(context.Background())
	require.NotEmpty(t, states)
	require.Equal(t, QualityExcellent, states[len(states)-1].NetworkQuality)

	unsubscribe()
	before := len(states)
	c.runProbe(context.Background())
	require.Equal(t, before, len(states), "unsubscribed listener receives nothing")
}

func TestRunDrainsOnPushSignal(t *testing.T) {
	applier := &scriptedApplier{script: []func(*possync.MutationRequest) (*possync.MutationResponse, error){
		applied(1),
	}}
	q := newTestQueue(t, applier, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ccfg := DefaultCoordinatorConfig()
	ccfg.QualityInterval = time.Hour     // no probes during the test window
	ccfg.SafetyNetInterval = time.Hour   // no timer-driven drains
	ccfg.PollExcellent = time.Hour
	ccfg.PollGood = time.Hour
	ccfg.MinPollInterval = time.Millisecond
	c := NewCoordinator(q, staticProbe(50*time.Millisecond, nil), ccfg, nil)

	processed := make(chan struct{}, 1)
	unsubscribe := q.Subscribe(func(ev Event) {
		if ev.Kind == EventProcessed {
			select {
			case processed <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	_, err := q.Enqueue(ctx, EnqueueRequest{
		Type:     possync.OpUpdateRecord,
		RecordID: "rec-1",
		Payload:  recordFields(t, "rec-1", map[string]any{"price": 1.0}),
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	c.NotifyPush()

	select {
	case <-processed:
	case <-ctx.Done():
		t.Fatal("push signal did not trigger a drain")
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
