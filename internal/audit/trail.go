// Package audit keeps a bounded in-memory trail of dispatch activity.
// Every request, response and transport error is appended; when the
// buffer is full the oldest entry is evicted, so the trail always holds
// the most recent activity.
package audit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity is used when a trail is created with a non-positive
// capacity.
const DefaultCapacity = 50

// Kind classifies an audit entry.
type Kind string

const (
	// KindRequest records an outbound request.
	KindRequest Kind = "request"
	// KindResponse records a reply, 2xx or not.
	KindResponse Kind = "response"
	// KindError records a transport-level failure.
	KindError Kind = "error"
)

// Entry is one recorded event.
type Entry struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	Time          time.Time `json:"time"`
	ScenarioIdx   int       `json:"scenario_idx"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	URL           string    `json:"url,omitempty"`
	Status        int       `json:"status,omitempty"`
	Detail        string    `json:"detail,omitempty"`
}

// Trail is a thread-safe ring of audit entries.
type Trail struct {
	mu       sync.RWMutex
	entries  []Entry
	head     int // next write position
	count    int
	capacity int

	evictionCount atomic.Int64
}

// NewTrail creates a trail retaining the most recent capacity entries.
func NewTrail(capacity int) *Trail {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Trail{
		entries:  make([]Entry, capacity),
		capacity: capacity,
	}
}

// Append records an entry, evicting the oldest when full. A missing ID
// and time are filled in.
func (t *Trail) Append(e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries[t.head] = e
	t.head = (t.head + 1) % t.capacity
	if t.count < t.capacity {
		t.count++
	} else {
		t.evictionCount.Add(1)
	}
}

// Snapshot returns the retained entries, oldest first.
func (t *Trail) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Entry, 0, t.count)
	start := 0
	if t.count == t.capacity {
		start = t.head
	}
	for i := 0; i < t.count; i++ {
		out = append(out, t.entries[(start+i)%t.capacity])
	}
	return out
}

// Len returns the number of retained entries.
func (t *Trail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Capacity returns the maximum number of retained entries.
func (t *Trail) Capacity() int {
	return t.capacity
}

// Evicted returns how many entries have been dropped since creation.
func (t *Trail) Evicted() int64 {
	return t.evictionCount.Load()
}

// Clear removes all entries. The eviction counter is not reset.
func (t *Trail) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.head = 0
	t.count = 0
	for i := range t.entries {
		t.entries[i] = Entry{}
	}
}
