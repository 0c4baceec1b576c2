// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package debug

import (
	"context"
	"sync"
	"time"
)

// DefaultEventQueueSize bounds the per-session event queue.
const DefaultEventQueueSize = 1000

// EventType identifies a session event.
type EventType string

const (
	EventStopped    EventType = "stopped"
	EventContinued  EventType = "continued"
	EventOutput     EventType = "output"
	EventTerminated EventType = "terminated"
	EventExited     EventType = "exited"
	EventBreakpoint EventType = "breakpoint"
	EventThread     EventType = "thread"
	EventModule     EventType = "module"
)

// Event is a backend notification queued for polling.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// eventQueue is a bounded FIFO that drops its oldest entry when full.
type eventQueue struct {
	mu      sync.Mutex
	items   []Event
	limit   int
	dropped uint64
	closed  bool

	// notify is closed and replaced whenever an event is pushed.
	notify chan struct{}
}

func newEventQueue(limit int) *eventQueue {
	if limit <= 0 {
		limit = DefaultEventQueueSize
	}
	return &eventQueue{limit: limit, notify: make(chan struct{})}
}

func (q *eventQueue) push(evt Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if len(q.items) >= q.limit {
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, evt)
	close(q.notify)
	q.notify = make(chan struct{})
}

func (q *eventQueue) drainLocked() []Event {
	out := q.items
	q.items = nil
	return out
}

// poll returns everything queued. When nothing is queued it waits up to
// timeout for an event, returning an empty slice if none arrives or the
// queue is closed.
func (q *eventQueue) poll(ctx context.Context, timeout time.Duration) ([]Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			out := q.drainLocked()
			q.mu.Unlock()
			return out, nil
		}
		if q.closed {
			q.mu.Unlock()
			return []Event{}, nil
		}
		notify := q.notify
		q.mu.Unlock()

		select {
		case <-notify:
		case <-timer.C:
			return []Event{}, nil
		case <-ctx.Done():
			return []Event{}, ctx.Err()
		}
	}
}

// close wakes every poller. Events already queued can still be drained.
func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.notify)
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *eventQueue) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
