// Package streaming provides in-memory pub/sub for per-query loop progress
// events, consumed by the SSE and websocket endpoints.
package streaming

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published by the engine over the life of one query.
const (
	EventQueryStarted  = "query.started"
	EventFollowUp      = "reception.follow_up"
	EventTaskProposed  = "task.proposed"
	EventTaskPlanned   = "task.planned"
	EventTaskExecuted  = "task.executed"
	EventTaskValidated = "task.validated"
	EventTaskAccepted  = "task.accepted"
	EventTaskRetried   = "task.retried"
	EventAnswerReady   = "answer.ready"
	EventQueryFailed   = "query.failed"
)

// Event is one loop progress notification.
type Event struct {
	QueryID    string    `json:"query_id"`
	Type       string    `json:"type"`
	Message    string    `json:"message,omitempty"`
	Intent     string    `json:"intent,omitempty"`
	Outer      int       `json:"outer,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Seq        uint64    `json:"seq"`
}

// Marshal returns the event as JSON for SSE frames and websocket messages.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager fans events out to subscribers per query and keeps a bounded
// replay ring per query for Last-Event-ID support. Constructed once at
// process start and passed by reference.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

// NewManager builds a manager with the given per-query replay capacity.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe registers a channel for a query's events; the caller must drain
// it and call Unsubscribe when done.
func (m *Manager) Subscribe(queryID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[queryID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[queryID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the channel and closes it.
func (m *Manager) Unsubscribe(queryID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[queryID]; ok {
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, queryID)
		}
	}
}

// Publish assigns a sequence number, records the event for replay, and
// fans it out without blocking. Slow subscribers miss events. The fanout
// happens under the lock so Unsubscribe cannot close a channel mid-send;
// sends never block, so holding the lock here is safe.
func (m *Manager) Publish(queryID string, evt Event) {
	evt.QueryID = queryID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rg := m.history[queryID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[queryID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	for ch := range m.subscribers[queryID] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// ReplaySince returns recorded events with Seq > since, best effort within
// the ring capacity.
func (m *Manager) ReplaySince(queryID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[queryID]
	m.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops a finished query's replay history.
func (m *Manager) Forget(queryID string) {
	m.mu.Lock()
	delete(m.history, queryID)
	m.mu.Unlock()
}

type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

// Sequence numbers start at 1 so ReplaySince(id, 0) yields everything.
func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity), nextSeq: 1} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
