// Package events carries agent lifecycle notifications from the poll
// loop to the status API and the watch TUI. Delivery is best-effort:
// the hub never blocks a publisher on a slow subscriber.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Lifecycle topics published by the agent.
const (
	TopicAgentStarted = "agent.started"
	TopicAgentTick    = "agent.tick"
	TopicAgentStopped = "agent.stopped"
	TopicJobClaimed   = "job.claimed"
	TopicJobProgress  = "job.progress"
	TopicJobCompleted = "job.completed"
	TopicJobFailed    = "job.failed"
)

// Event is one lifecycle notification. JobID is empty for agent-scoped
// topics. Data is always a JSON object.
type Event struct {
	ID    int64           `json:"id"`
	Type  string          `json:"type"`
	JobID string          `json:"job_id,omitempty"`
	At    time.Time       `json:"at"`
	Data  json.RawMessage `json:"data"`
}

// Hub is an in-memory pub/sub with a ring buffer so late subscribers
// (an SSE client reconnecting, the watch TUI starting mid-job) can
// catch up on recent history.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

// NewHub creates a hub retaining the last capacity events.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish records the event and fans it out. data is marshalled to JSON;
// a nil or unmarshallable payload becomes {}.
func (h *Hub) Publish(eventType, jobID string, data any) {
	id := h.nextID.Add(1)

	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:    id,
		Type:  eventType,
		JobID: jobID,
		At:    time.Now().UTC(),
		Data:  payload,
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, ch := range h.subs {
		// A stalled subscriber loses events rather than stalling the
		// agent.
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe registers a listener. The returned cancel must be called to
// release the subscription; the channel is closed on cancel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	// Sized for an SSE flush hiccup without dropping a normal job's
	// worth of progress lines.
	ch := make(chan Event, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// Replay returns buffered events with ID > lastID, oldest first. lastID
// 0 returns the whole buffer. Used for SSE Last-Event-ID resumption.
func (h *Hub) Replay(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if capacity == 0 {
		return
	}

	if h.size < capacity {
		idx := (h.start + h.size) % capacity
		h.ring[idx] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
