// Copyright 2025 Mipos Authors
// SPDX-License-Identifier: Apache-2.0

// Package posqueue implements the client side of the offline-first mutation
// engine: a durable SQLite-backed operation log, a draining queue with
// per-record FIFO ordering, a pure conflict resolver, and a sync coordinator
// that adapts drain cadence to observed network conditions.
package posqueue

import (
	"time"
)

// Config holds configuration for the operation queue
type Config struct {
	// FanOut bounds how many unrelated records are drained concurrently.
	// Operations on the same record always drain strictly in enqueue order.
	FanOut int

	// DrainLimit caps how many pending operations one drain cycle loads.
	DrainLimit int

	// AttemptTimeout bounds each network attempt. A timeout is treated as a
	// transient failure; the retry reuses the same idempotency key, so an
	// ambiguous outcome is always safe.
	AttemptTimeout time.Duration

	// Exponential backoff for transient failures.
	BackoffBase   time.Duration // e.g. 500ms
	BackoffFactor int           // e.g. 2
	BackoffCap    time.Duration // e.g. 30s

	// Strategy selects how version conflicts are resolved during drains.
	Strategy Strategy
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() *Config {
	return &Config{
		FanOut:         4,
		DrainLimit:     200,
		AttemptTimeout: 10 * time.Second,
		BackoffBase:    500 * time.Millisecond,
		BackoffFactor:  2,
		BackoffCap:     30 * time.Second,
		Strategy:       StrategyMergeFields,
	}
}

// backoffDelay computes the capped exponential delay for a retry count.
func (c *Config) backoffDelay(retryCount int) time.Duration {
	d := c.BackoffBase
	for i := 0; i < retryCount; i++ {
		d *= time.Duration(c.BackoffFactor)
		if d >= c.BackoffCap {
			return c.BackoffCap
		}
	}
	if d > c.BackoffCap {
		d = c.BackoffCap
	}
	return d
}
