// Copyright 2025 Mipos Authors
// SPDX-License-Identifier: Apache-2.0

package posqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Method is the active synchronization transport mode.
type Method string

const (
	MethodRealtime Method = "realtime"
	MethodPolling  Method = "polling"
	MethodOffline  Method = "offline"
)

// Quality buckets the observed network condition.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
	QualityOffline   Quality = "offline"
)

// SyncSummary describes the most recent completed drain cycle.
type SyncSummary struct {
	At      time.Time
	Count   int
	Latency time.Duration
}

// SyncState is an immutable snapshot of the coordinator. Method is offline
// exactly when NetworkQuality is offline.
type SyncState struct {
	Method             Method
	NetworkQuality     Quality
	TickInterval       time.Duration
	BacklogSize        int
	BackpressureActive bool
	LastSync           *SyncSummary
}

// CoordinatorConfig holds the cadence and backpressure tuning knobs.
type CoordinatorConfig struct {
	// Poll interval per quality bucket while in polling mode.
	PollExcellent time.Duration
	PollGood      time.Duration
	PollFair      time.Duration
	PollPoor      time.Duration

	// MinPollInterval floors every computed interval so a flapping quality
	// signal cannot drive a request storm.
	MinPollInterval time.Duration

	// QualityInterval is how often the network probe runs. While offline it
	// doubles as the reconnect probe cadence.
	QualityInterval time.Duration

	// SafetyNetInterval forces a periodic drain even in realtime mode, in
	// case a push notification was lost.
	SafetyNetInterval time.Duration

	// Backpressure hysteresis: engage when the backlog exceeds HighWater,
	// release when it drops below LowWater. While active, enqueues stop
	// nudging immediate drains; the coordinated cadence still drains the
	// backlog.
	HighWater int
	LowWater  int

	// ProbeTimeout bounds each quality probe.
	ProbeTimeout time.Duration
}

// DefaultCoordinatorConfig returns the default coordinator tuning.
func DefaultCoordinatorConfig() *CoordinatorConfig {
	return &CoordinatorConfig{
		PollExcellent:     3 * time.Second,
		PollGood:          5 * time.Second,
		PollFair:          10 * time.Second,
		PollPoor:          20 * time.Second,
		MinPollInterval:   2 * time.Second,
		QualityInterval:   15 * time.Second,
		SafetyNetInterval: 60 * time.Second,
		HighWater:         500,
		LowWater:          100,
		ProbeTimeout:      3 * time.Second,
	}
}

// ProbeFunc measures network reachability and latency to the backend. A nil
// error classifies the link by round-trip time; an error means offline.
type ProbeFunc func(ctx context.Context) (time.Duration, error)

// Coordinator drives the queue's drain cadence from observed network
// conditions: realtime pushes when the push channel is healthy, adaptive
// polling otherwise, and quiet accumulation while offline.
type Coordinator struct {
	queue  *Queue
	probe  ProbeFunc
	logger *slog.Logger
	config *CoordinatorConfig

	mu          sync.Mutex
	state       SyncState
	pushHealthy bool

	pushCh chan struct{}

	subMu  sync.Mutex
	nextID int
	subs   map[int]func(SyncState)
}

// NewCoordinator creates a coordinator over queue. probe must not be nil.
// The coordinator installs itself as the queue's send gate: immediate
// post-enqueue drains are suppressed while offline or backpressured.
func NewCoordinator(queue *Queue, probe ProbeFunc, config *CoordinatorConfig, logger *slog.Logger) *Coordinator {
	if config == nil {
		config = DefaultCoordinatorConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		queue:  queue,
		probe:  probe,
		logger: logger,
		config: config,
		state: SyncState{
			Method:         MethodPolling,
			NetworkQuality: QualityGood,
			TickInterval:   config.PollGood,
		},
		pushCh: make(chan struct{}, 1),
		subs:   make(map[int]func(SyncState)),
	}
	queue.SetSendGate(func() bool {
		s := c.State()
		return s.Method != MethodOffline && !s.BackpressureActive
	})
	return c
}

// State returns the current coordinator snapshot.
func (c *Coordinator) State() SyncState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers a listener for state transitions and returns an
// unsubscribe handle. Listeners run synchronously and must not block.
func (c *Coordinator) Subscribe(fn func(SyncState)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subs, id)
	}
}

// SetPushHealthy reports whether the realtime push channel is connected.
// Healthy push upgrades the method to realtime (unless offline); unhealthy
// degrades it to polling at the current quality's cadence.
func (c *Coordinator) SetPushHealthy(healthy bool) {
	c.mu.Lock()
	c.pushHealthy = healthy
	c.recomputeLocked()
	state := c.state
	c.mu.Unlock()
	c.notify(state)
}

// NotifyPush signals that a push message arrived; the coordinator drains
// promptly instead of waiting for the next tick. Safe to call from any
// goroutine; signals coalesce.
func (c *Coordinator) NotifyPush() {
	select {
	case c.pushCh <- struct{}{}:
	default:
	}
}

// AttachPushSignal forwards signals from an externally owned channel (e.g. a
// websocket reader) into the coordinator until ch closes or ctx is cancelled.
func (c *Coordinator) AttachPushSignal(ctx context.Context, ch <-chan struct{}) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				c.NotifyPush()
			}
		}
	}()
}

// Run drives the coordination loop until ctx is cancelled. It probes network
// quality on a fixed cadence, drains on the computed tick interval or on push
// signals, and maintains backpressure hysteresis from the queue backlog.
func (c *Coordinator) Run(ctx context.Context) error {
	c.runProbe(ctx)

	tick := time.NewTimer(c.tickInterval())
	defer tick.Stop()
	quality := time.NewTicker(c.config.QualityInterval)
	defer quality.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-quality.C:
			c.runProbe(ctx)

		case <-c.pushCh:
			if c.State().Method != MethodOffline {
				c.drain(ctx)
			}

		case <-tick.C:
			if c.State().Method != MethodOffline {
				c.drain(ctx)
			}
		}

		if !tick.Stop() {
			select {
			case <-tick.C:
			default:
			}
		}
		tick.Reset(c.tickInterval())
	}
}

// drain runs one queue drain and folds the outcome into the state snapshot.
func (c *Coordinator) drain(ctx context.Context) {
	result, err := c.queue.Drain(ctx)
	if err != nil {
		c.logger.Warn("Coordinated drain failed", "error", err)
		return
	}

	backlog, err := c.queue.Backlog(ctx)
	if err != nil {
		c.logger.Warn("Failed to read queue backlog", "error", err)
		backlog = c.State().BacklogSize
	}

	c.mu.Lock()
	c.state.BacklogSize = backlog
	c.updateBackpressureLocked(backlog)
	c.recomputeLocked()
	if result.Attempted > 0 || result.Processed > 0 {
		c.state.LastSync = &SyncSummary{At: time.Now(), Count: result.Processed, Latency: result.Latency}
	}
	state := c.state
	c.mu.Unlock()
	c.notify(state)
}

// runProbe measures network quality and recomputes method and cadence.
func (c *Coordinator) runProbe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, c.config.ProbeTimeout)
	rtt, err := c.probe(probeCtx)
	cancel()

	quality := classifyQuality(rtt, err)

	c.mu.Lock()
	prev := c.state.NetworkQuality
	c.state.NetworkQuality = quality
	c.recomputeLocked()
	state := c.state
	c.mu.Unlock()

	if quality != prev {
		c.logger.Info("Network quality changed",
			"from", prev, "to", quality, "method", state.Method, "tick", state.TickInterval)
	}
	c.notify(state)
}

// recomputeLocked derives method and tick interval from quality, push health,
// backlog and backpressure. Caller holds c.mu.
func (c *Coordinator) recomputeLocked() {
	switch {
	case c.state.NetworkQuality == QualityOffline:
		c.state.Method = MethodOffline
		c.state.TickInterval = c.config.QualityInterval
	case c.pushHealthy:
		c.state.Method = MethodRealtime
		c.state.TickInterval = c.config.SafetyNetInterval
	default:
		c.state.Method = MethodPolling
		d := c.pollInterval(c.state.NetworkQuality)
		// A waiting backlog polls tighter; active backpressure widens the
		// cadence so the backlog drains in fewer, larger cycles.
		if c.state.BackpressureActive {
			d *= 2
		} else if c.state.BacklogSize > 0 {
			d /= 2
			if d < c.config.MinPollInterval {
				d = c.config.MinPollInterval
			}
		}
		c.state.TickInterval = d
	}
}

// updateBackpressureLocked applies hysteresis: engage when the backlog rises
// above HighWater, release when it falls below LowWater, hold in between.
// Caller holds c.mu.
func (c *Coordinator) updateBackpressureLocked(backlog int) {
	if !c.state.BackpressureActive && backlog > c.config.HighWater {
		c.state.BackpressureActive = true
		c.logger.Warn("Backpressure engaged", "backlog", backlog, "high_water", c.config.HighWater)
	} else if c.state.BackpressureActive && backlog < c.config.LowWater {
		c.state.BackpressureActive = false
		c.logger.Info("Backpressure released", "backlog", backlog, "low_water", c.config.LowWater)
	}
}

func (c *Coordinator) pollInterval(q Quality) time.Duration {
	var d time.Duration
	switch q {
	case QualityExcellent:
		d = c.config.PollExcellent
	case QualityGood:
		d = c.config.PollGood
	case QualityFair:
		d = c.config.PollFair
	default:
		d = c.config.PollPoor
	}
	if d < c.config.MinPollInterval {
		d = c.config.MinPollInterval
	}
	return d
}

func (c *Coordinator) tickInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.TickInterval
}

func (c *Coordinator) notify(state SyncState) {
	c.subMu.Lock()
	fns := make([]func(SyncState), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}

// classifyQuality buckets a probe outcome. Probe failure means offline; the
// thresholds otherwise follow typical store Wi-Fi round-trip times.
func classifyQuality(rtt time.Duration, err error) Quality {
	if err != nil {
		return QualityOffline
	}
	switch {
	case rtt < 100*time.Millisecond:
		return QualityExcellent
	case rtt < 300*time.Millisecond:
		return QualityGood
	case rtt < 800*time.Millisecond:
		return QualityFair
	default:
		return QualityPoor
	}
}
