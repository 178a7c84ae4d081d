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

package eventbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewBusDefaultsRingCapacity(t *testing.T) {
	require.Equal(t, 1000, DefaultCapacity)
	for _, capacity := range []int{0, -1} {
		bus := NewBus(capacity)
		require.Equal(t, uint64(DefaultCapacity), bus.capacity)
		bus.Close()
	}
}

func TestSendCountsSubscribers(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	require.Equal(t, 0, bus.Send(New(ReportCreated, map[string]string{"report_id": "r1"})))

	first := bus.Subscribe()
	defer first.Close()
	second := bus.Subscribe()
	defer second.Close()

	require.Equal(t, 2, bus.Send(New(ReportUpdated, map[string]string{"report_id": "r1"})))
}

func TestReceiveInSendOrder(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()
	receiver := bus.Subscribe()
	defer receiver.Close()

	sent := []Type{ReportCreated, JobCreated, JobUpdated, SuitesAvailable}
	for _, eventType := range sent {
		bus.Send(New(eventType, map[string]string{}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, want := range sent {
		event, err := receiver.Receive(ctx)
		require.NoError(t, err)
		require.Equal(t, want, event.Type)
	}
}

func TestSubscriberMissesNothingSentBeforeSubscription(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	bus.Send(New(ReportCreated, map[string]string{}))
	receiver := bus.Subscribe()
	defer receiver.Close()
	bus.Send(New(JobCreated, map[string]string{}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	event, err := receiver.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, JobCreated, event.Type)
}

func TestLaggedSubscriberGetsOneMarkerThenResumes(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()
	receiver := bus.Subscribe()
	defer receiver.Close()

	// Overrun the ring by three events: 7 sends into capacity 4.
	for i := 0; i < 7; i++ {
		bus.Send(New(JobUpdated, map[string]int{"n": i}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	event, err := receiver.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, Lagged, event.Type)
	var marker struct {
		LaggedBy uint64 `json:"lagged_by"`
	}
	require.NoError(t, json.Unmarshal(event.Payload, &marker))
	require.Equal(t, uint64(3), marker.LaggedBy)

	// The four retained events follow, exactly once each.
	for i := 3; i < 7; i++ {
		event, err := receiver.Receive(ctx)
		require.NoError(t, err)
		require.Equal(t, JobUpdated, event.Type)
		var payload struct {
			N int `json:"n"`
		}
		require.NoError(t, json.Unmarshal(event.Payload, &payload))
		require.Equal(t, i, payload.N)
	}
}

func TestReceiveHonorsContext(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()
	receiver := bus.Subscribe()
	defer receiver.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := receiver.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseDrainsThenEnds(t *testing.T) {
	bus := NewBus(4)
	receiver := bus.Subscribe()
	defer receiver.Close()

	bus.Send(New(ReportCreated, map[string]string{}))
	bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	event, err := receiver.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, ReportCreated, event.Type)

	_, err = receiver.Receive(ctx)
	require.ErrorIs(t, err, ErrClosed)
}

func TestConcurrentProducersNeverBlock(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()
	receiver := bus.Subscribe()
	defer receiver.Close()

	done := make(chan struct{})
	for p := 0; p < 4; p++ {
		go func() {
			for i := 0; i < 100; i++ {
				bus.Send(New(JobUpdated, map[string]int{"n": i}))
			}
			done <- struct{}{}
		}()
	}
	for p := 0; p < 4; p++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("producer blocked on a slow subscriber")
		}
	}
}
