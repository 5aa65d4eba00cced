// Package broker implements the State Broker (C3): an in-memory
// publish/subscribe hub with glob topic matching, snapshot-on-subscribe,
// and bounded per-client buffers that are dropped from, never blocked on.
package broker

import (
	"strconv"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// EventType discriminates the shape of an Event's payload.
type EventType string

const (
	TypeSnapshot     EventType = "snapshot"
	TypeStateUpdate  EventType = "state_update"
	TypeJobUpdate    EventType = "job_update"
	TypeWorkerUpdate EventType = "worker_update"
	TypeJobRemoved   EventType = "job_removed"
)

// Event is the ephemeral publish/subscribe message shape shared by
// snapshots and live updates alike.
type Event struct {
	Topic       string                 `json:"topic"`
	Type        EventType              `json:"type"`
	TimestampMs int64                  `json:"timestamp_ms"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}

// DefaultBufferSize is the target per-client buffer capacity from spec §4.3.
const DefaultBufferSize = 1000

type client struct {
	id        string
	patterns  []string
	ch        chan Event
	createdAt int64
}

// QueueState is the broker's authoritative aggregate-counts snapshot.
type QueueState struct {
	Pending   int
	Running   int
	Completed int
	AvgTimeMs float64
	EtaMs     int64
}

// JobSnapshot is the broker's per-job authoritative state.
type JobSnapshot struct {
	ID     int64
	Status string
	Path   string
}

// WorkerSnapshot is the broker's per-worker authoritative state.
type WorkerSnapshot struct {
	ID    int
	State string
	Path  string
}

// HealthState is the broker's authoritative system-health snapshot.
type HealthState struct {
	Status    string
	LastErrors []string
}

const maxHealthErrors = 20

// Broker is the process-wide pub/sub hub. A single mutex serializes all
// state mutation and broadcast fan-out.
type Broker struct {
	mu sync.Mutex

	queueState  QueueState
	jobsState   map[int64]JobSnapshot
	workerState map[int]WorkerSnapshot
	health      HealthState

	clients map[string]*client
	nextID  int64
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		jobsState:   make(map[int64]JobSnapshot),
		workerState: make(map[int]WorkerSnapshot),
		clients:     make(map[string]*client),
		health:      HealthState{Status: "ok"},
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }

// UpdateQueueState mutates the aggregate queue counters and broadcasts on queue:status.
func (b *Broker) UpdateQueueState(pending, running, completed int, avgTimeMs float64, etaMs int64) {
	b.mu.Lock()
	b.queueState = QueueState{Pending: pending, Running: running, Completed: completed, AvgTimeMs: avgTimeMs, EtaMs: etaMs}
	snapshot := b.queueStatusPayloadLocked()
	b.mu.Unlock()

	b.broadcast(Event{Topic: "queue:status", Type: TypeStateUpdate, TimestampMs: nowMs(), Payload: snapshot})
}

// UpdateJobState mutates a single job's snapshot and broadcasts on queue:jobs.
func (b *Broker) UpdateJobState(jobID int64, status, path string) {
	b.mu.Lock()
	b.jobsState[jobID] = JobSnapshot{ID: jobID, Status: status, Path: path}
	b.mu.Unlock()

	b.broadcast(Event{Topic: "queue:jobs", Type: TypeJobUpdate, TimestampMs: nowMs(), Payload: map[string]interface{}{
		"job_id": jobID, "status": status, "path": path,
	}})
}

// RemoveJob drops a job from the authoritative state and broadcasts its removal.
func (b *Broker) RemoveJob(jobID int64) {
	b.mu.Lock()
	delete(b.jobsState, jobID)
	b.mu.Unlock()

	b.broadcast(Event{Topic: "queue:jobs", Type: TypeJobRemoved, TimestampMs: nowMs(), Payload: map[string]interface{}{
		"job_id": jobID,
	}})
}

// UpdateWorkerState mutates a single worker's snapshot and broadcasts on worker:<id>:status.
func (b *Broker) UpdateWorkerState(workerID int, state, path string) {
	b.mu.Lock()
	b.workerState[workerID] = WorkerSnapshot{ID: workerID, State: state, Path: path}
	b.mu.Unlock()

	b.broadcast(Event{
		Topic:       topicForWorker(workerID),
		Type:        TypeWorkerUpdate,
		TimestampMs: nowMs(),
		Payload:     map[string]interface{}{"worker_id": workerID, "state": state, "path": path},
	})
}

// UpdateHealth mutates system health and broadcasts on system:health.
func (b *Broker) UpdateHealth(status string, lastError string) {
	b.mu.Lock()
	b.health.Status = status
	if lastError != "" {
		b.health.LastErrors = append(b.health.LastErrors, lastError)
		if len(b.health.LastErrors) > maxHealthErrors {
			b.health.LastErrors = b.health.LastErrors[len(b.health.LastErrors)-maxHealthErrors:]
		}
	}
	payload := map[string]interface{}{"status": b.health.Status, "last_errors": append([]string(nil), b.health.LastErrors...)}
	b.mu.Unlock()

	b.broadcast(Event{Topic: "system:health", Type: TypeStateUpdate, TimestampMs: nowMs(), Payload: payload})
}

func topicForWorker(id int) string {
	return "worker:" + strconv.Itoa(id) + ":status"
}

// Subscription is the opaque handle returned by Subscribe.
type Subscription struct {
	ClientID string
	Events   <-chan Event
}

// Subscribe registers a client under patterns and, still holding the
// registration lock, enqueues one snapshot event per pattern that answers
// a well-known topic. This closes the gap between "subscribed" and "first
// live event observed": no publish that happens after Subscribe returns
// can be missed, because the client is registered before the lock is released.
func (b *Broker) Subscribe(patterns []string) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := "client-" + strconv.FormatInt(b.nextID, 10)
	c := &client{
		id:        id,
		patterns:  patterns,
		ch:        make(chan Event, DefaultBufferSize),
		createdAt: nowMs(),
	}
	b.clients[id] = c

	for _, snap := range b.snapshotEventsLocked(patterns) {
		deliverLocked(c, snap)
	}

	return Subscription{ClientID: id, Events: c.ch}
}

// Unsubscribe idempotently removes a client and releases its buffer.
func (b *Broker) Unsubscribe(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.clients[clientID]
	if !ok {
		return
	}
	delete(b.clients, clientID)
	close(c.ch)
}

// snapshotEventsLocked builds the set of snapshot events a freshly
// subscribed client should see, one per matching well-known topic.
// Must be called with b.mu held.
func (b *Broker) snapshotEventsLocked(patterns []string) []Event {
	var events []Event
	ts := nowMs()

	if matchesAny(patterns, "queue:status") {
		events = append(events, Event{Topic: "queue:status", Type: TypeSnapshot, TimestampMs: ts, Payload: b.queueStatusPayloadLocked()})
	}
	if matchesAny(patterns, "queue:jobs") {
		jobs := make([]map[string]interface{}, 0, len(b.jobsState))
		for _, j := range b.jobsState {
			jobs = append(jobs, map[string]interface{}{"job_id": j.ID, "status": j.Status, "path": j.Path})
		}
		events = append(events, Event{Topic: "queue:jobs", Type: TypeSnapshot, TimestampMs: ts, Payload: map[string]interface{}{"jobs": jobs}})
	}
	for id, w := range b.workerState {
		topic := topicForWorker(id)
		if matchesAny(patterns, topic) {
			events = append(events, Event{
				Topic: topic, Type: TypeSnapshot, TimestampMs: ts,
				Payload: map[string]interface{}{"worker_id": w.ID, "state": w.State, "path": w.Path},
			})
		}
	}
	if matchesAny(patterns, "system:health") {
		events = append(events, Event{
			Topic: "system:health", Type: TypeSnapshot, TimestampMs: ts,
			Payload: map[string]interface{}{"status": b.health.Status, "last_errors": append([]string(nil), b.health.LastErrors...)},
		})
	}
	return events
}

func (b *Broker) queueStatusPayloadLocked() map[string]interface{} {
	return map[string]interface{}{
		"pending":     b.queueState.Pending,
		"running":     b.queueState.Running,
		"completed":   b.queueState.Completed,
		"avg_time_ms": b.queueState.AvgTimeMs,
		"eta_ms":      b.queueState.EtaMs,
	}
}

// broadcast fans an event out to every subscriber whose pattern set
// matches the topic. Delivery is non-blocking: a full client buffer drops
// the event for that client only, never blocking the publisher or other clients.
func (b *Broker) broadcast(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range b.clients {
		if matchesAny(c.patterns, evt.Topic) {
			deliverLocked(c, evt)
		}
	}
}

func deliverLocked(c *client, evt Event) {
	select {
	case c.ch <- evt:
	default:
		// Buffer full: drop for this client only, matching the
		// never-block-the-publisher guarantee.
	}
}

// matchesAny reports whether any pattern glob-matches topic, shell-style
// (`*`, `?`, case-sensitive).
func matchesAny(patterns []string, topic string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, topic); err == nil && ok {
			return true
		}
	}
	return false
}
