/*
Copyright 2025 The tsio Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package eventbus implements the in-process broadcast of state-transition
// events to WebSocket subscribers. Producers never block: a subscriber that
// falls more than the buffer capacity behind skips forward and receives a
// single synthetic lag notification instead.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultCapacity bounds how many events a slow subscriber may fall behind
// before it is lagged forward.
const DefaultCapacity = 1000

// Type enumerates the broadcast event kinds.
type Type string

const (
	ReportCreated   Type = "report_created"
	ReportUpdated   Type = "report_updated"
	JobCreated      Type = "job_created"
	JobUpdated      Type = "job_updated"
	SuitesAvailable Type = "suites_available"

	// Lagged is synthesized per subscriber and never passes through Send.
	Lagged Type = "lagged"
)

// Event is one state transition. Payload is kept as pre-encoded JSON so one
// Send serves any number of subscribers without re-marshaling.
type Event struct {
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

// New constructs an event. The payload must marshal; a payload that cannot
// marshal is a programming error and panics like encoding/json's own Marshal
// on unsupported types would.
func New(eventType Type, payload interface{}) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("eventbus: unmarshalable payload for %s: %v", eventType, err))
	}
	return Event{
		Type:      eventType,
		Payload:   raw,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func laggedEvent(n uint64) Event {
	return Event{
		Type:      Lagged,
		Payload:   json.RawMessage(fmt.Sprintf(`{"lagged_by":%d}`, n)),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// ErrClosed is returned by Receive once the bus has shut down and the
// subscriber has drained its remaining events.
var ErrClosed = errors.New("event bus closed")

// Bus is a multi-producer multi-consumer broadcast over a shared ring.
// The zero value is not usable; construct with NewBus.
type Bus struct {
	mu       sync.Mutex
	cond     *sync.Cond
	ring     []Event
	capacity uint64
	// next is the sequence number the next Send will occupy. ring holds
	// sequences [next-len(ring), next).
	next   uint64
	closed bool

	subscribers int
}

// NewBus returns a bus with the given ring capacity; zero or negative means
// DefaultCapacity.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Bus{
		ring:     make([]Event, 0, capacity),
		capacity: uint64(capacity),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Send broadcasts an event and returns how many subscribers were current at
// the time of the send. Zero subscribers is not an error. Sending on a closed
// bus is a no-op reporting zero.
func (b *Bus) Send(event Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	if uint64(len(b.ring)) == b.capacity {
		copy(b.ring, b.ring[1:])
		b.ring = b.ring[:len(b.ring)-1]
	}
	b.ring = append(b.ring, event)
	b.next++
	b.cond.Broadcast()
	return b.subscribers
}

// Close shuts the bus down. Every receiver drains its buffered events and
// then observes ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

// Subscribe registers a new receiver positioned after the most recent event.
func (b *Bus) Subscribe() *Receiver {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers++
	subscriberGauge.Inc()
	return &Receiver{bus: b, cursor: b.next}
}

// Subscribers reports the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribers
}

// Receiver is one subscriber's cursor into the ring. Not safe for concurrent
// use by multiple goroutines; the WebSocket handler owns exactly one.
type Receiver struct {
	bus    *Bus
	cursor uint64
	done   bool
}

// Receive blocks until an event is available, the context is done, or the bus
// closes. A receiver that lagged past the ring capacity gets one synthetic
// Lagged event carrying how many events it missed, then resumes with the
// oldest retained event.
func (r *Receiver) Receive(ctx context.Context) (Event, error) {
	if r.done {
		return Event{}, ErrClosed
	}

	b := r.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	// cond.Wait cannot watch the context, so a watcher goroutine turns
	// context cancellation into a broadcast.
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		oldest := b.next - uint64(len(b.ring))
		if r.cursor < oldest {
			missed := oldest - r.cursor
			r.cursor = oldest
			laggedEvents.Add(float64(missed))
			return laggedEvent(missed), nil
		}
		if r.cursor < b.next {
			event := b.ring[r.cursor-oldest]
			r.cursor++
			return event, nil
		}
		if b.closed {
			return Event{}, ErrClosed
		}
		b.cond.Wait()
	}
}

// Close drops the subscription. Further Receive calls return ErrClosed.
func (r *Receiver) Close() {
	if r.done {
		return
	}
	r.done = true
	r.bus.mu.Lock()
	r.bus.subscribers--
	r.bus.mu.Unlock()
	subscriberGauge.Dec()
}
