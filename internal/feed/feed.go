// Package feed is a broadcast hub for pipeline events. The escalation engine
// and enforcement service publish into it; the control API streams it to
// connected operators.
package feed

import (
	"sync"
	"time"
)

// EventType identifies what happened.
type EventType string

const (
	EventDecision EventType = "decision"
	EventBlock    EventType = "block"
	EventUnblock  EventType = "unblock"
)

// Event is one pipeline occurrence, shaped for the live stream.
type Event struct {
	Type           EventType `json:"type"`
	SourceIP       string    `json:"source_ip"`
	Score          float64   `json:"score,omitempty"`
	Classification string    `json:"classification,omitempty"`
	Trigger        string    `json:"trigger,omitempty"`
	Reasons        []string  `json:"reasons,omitempty"`
	Timestamp      time.Time `json:"timestamp_utc"`
}

// Hub fans events out to subscribers. Slow subscribers lose events rather
// than stall publishers.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a new subscriber and returns its channel plus a
// cancel function. The channel is closed on cancel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber that has buffer room.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers reports the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
