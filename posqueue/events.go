// Copyright 2025 Mipos Authors
// SPDX-License-Identifier: Apache-2.0

package posqueue

import (
	"sync"
	"time"
)

// EventKind identifies a queue lifecycle event.
type EventKind string

const (
	EventEnqueued   EventKind = "enqueued"
	EventProcessing EventKind = "processing"
	EventProcessed  EventKind = "processed"
	EventFailed     EventKind = "failed"
	EventResolved   EventKind = "resolved"
	EventSynced     EventKind = "synced"
)

// Event carries the details of a queue lifecycle transition. Synced events
// are emitted once per completed drain cycle with Count and Latency set.
type Event struct {
	Kind        EventKind
	OperationID string
	RecordID    string
	Type        string
	Reason      string        // rejection reason or error detail on failed
	Strategy    Strategy      // resolution strategy on resolved
	Count       int           // processed count on synced
	Latency     time.Duration // drain duration on synced
}

// subscribers is an explicit publish-subscribe channel with unsubscribe
// handles; there is no global listener registry.
type subscribers struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Event)
}

// subscribe registers fn and returns an unsubscribe handle. fn is invoked
// synchronously on the emitting goroutine; listeners must not block.
func (s *subscribers) subscribe(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[int]func(Event))
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// emit delivers ev to all current subscribers without holding the lock.
func (s *subscribers) emit(ev Event) {
	s.mu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
