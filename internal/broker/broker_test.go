package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, ch <-chan Event, timeout time.Duration) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(timeout)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, evt)
		case <-deadline:
			return events
		}
	}
}

func TestBroker_SubscribeSnapshot(t *testing.T) {
	b := New()
	b.UpdateQueueState(3, 1, 10, 2.5, 5000)

	sub := b.Subscribe([]string{"queue:status"})
	require.NotEmpty(t, sub.ClientID)

	select {
	case evt := <-sub.Events:
		assert.Equal(t, TypeSnapshot, evt.Type)
		assert.Equal(t, "queue:status", evt.Topic)
		assert.EqualValues(t, 3, evt.Payload["pending"])
	case <-time.After(time.Second):
		t.Fatal("expected a snapshot event")
	}
}

func TestBroker_GlobMatching(t *testing.T) {
	b := New()
	sub := b.Subscribe([]string{"worker:*:status"})

	b.UpdateWorkerState(2, "running", "/music/a.mp3")
	b.UpdateQueueState(0, 0, 0, 0, 0) // should not match this subscription

	events := drain(t, sub.Events, 200*time.Millisecond)
	require.Len(t, events, 1)
	assert.Equal(t, "worker:2:status", events[0].Topic)
}

func TestBroker_NoGapBetweenSubscribeAndLivePublish(t *testing.T) {
	b := New()
	b.UpdateJobState(1, "pending", "/music/a.mp3")

	sub := b.Subscribe([]string{"queue:jobs"})
	b.UpdateJobState(2, "pending", "/music/b.mp3")

	events := drain(t, sub.Events, 200*time.Millisecond)
	// First event is the snapshot (job 1 already known), second is the live update for job 2.
	require.Len(t, events, 2)
	assert.Equal(t, TypeSnapshot, events[0].Type)
	assert.Equal(t, TypeJobUpdate, events[1].Type)
	assert.EqualValues(t, 2, events[1].Payload["job_id"])
}

func TestBroker_OverflowDropsWithoutBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe([]string{"system:health"})

	done := make(chan struct{})
	go func() {
		for i := 0; i < DefaultBufferSize+50; i++ {
			b.UpdateHealth("ok", "")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a full client buffer instead of dropping")
	}

	// The buffer should have filled but not grown past its capacity.
	assert.LessOrEqual(t, len(sub.Events), DefaultBufferSize)
}

func TestBroker_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe([]string{"queue:status"})
	b.Unsubscribe(sub.ClientID)

	_, ok := <-sub.Events
	assert.False(t, ok, "channel should be closed after unsubscribe")

	// Unsubscribing twice is a no-op, not a panic.
	assert.NotPanics(t, func() { b.Unsubscribe(sub.ClientID) })
}

func TestBroker_HealthErrorsCapped(t *testing.T) {
	b := New()
	for i := 0; i < maxHealthErrors+10; i++ {
		b.UpdateHealth("degraded", "err")
	}
	assert.LessOrEqual(t, len(b.health.LastErrors), maxHealthErrors)
}
