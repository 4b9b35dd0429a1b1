// Package hub fans out step lifecycle events to subscribers. It keeps no
// per-session state; subscribers see the events published after they
// subscribe.
package hub

import (
	"sync"
	"time"

	"github.com/joestump/evolve-learn/internal/evolution"
)

const globalChanCap = 4096

// Kind identifies a lifecycle event.
type Kind string

const (
	StepStarted   Kind = "step_started"
	StepCompleted Kind = "step_completed"
	StepFailed    Kind = "step_error"
	StepCancelled Kind = "step_cancelled"
	SessionEnded  Kind = "session_ended"
)

// Event is one lifecycle transition. Entry is set for terminal step events.
type Event struct {
	Kind      Kind                    `json:"kind"`
	SessionID string                  `json:"session_id"`
	StepID    string                  `json:"step_id,omitempty"`
	Entry     *evolution.HistoryEntry `json:"entry,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
}

// Hub routes events to its subscribers.
type Hub struct {
	mu      sync.Mutex
	global  map[chan Event]struct{}
	dropped int
}

// New creates a Hub ready for use.
func New() *Hub {
	return &Hub{global: make(map[chan Event]struct{})}
}

// Publish delivers the event to every subscriber. Sends never block; a
// full subscriber misses the event and the drop is counted.
func (h *Hub) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.global {
		h.send(ch, e)
	}
}

func (h *Hub) send(ch chan Event, e Event) {
	select {
	case ch <- e:
	default:
		h.dropped++
	}
}

// SubscribeAll returns a channel receiving every event published after the
// call, across all sessions. The unsubscribe function closes the channel.
func (h *Hub) SubscribeAll() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, globalChanCap)
	h.global[ch] = struct{}{}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.global[ch]; ok {
				delete(h.global, ch)
				close(ch)
			}
		})
	}
}

// Dropped returns how many deliveries were skipped because a subscriber's
// channel was full.
func (h *Hub) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}
