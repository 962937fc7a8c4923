// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

// MatchEvent is emitted once when a flow first matches the active rule set,
// and once per packet for untracked traffic that matches (there is no state
// to dedupe against when the table is full).
type MatchEvent struct {
	Time        time.Time `json:"time"`
	Worker      int       `json:"worker"`
	Flow        string    `json:"flow"`
	EtherType   string    `json:"ether_type,omitempty"`
	Proto       string    `json:"proto,omitempty"`
	SrcMAC      string    `json:"src_mac,omitempty"`
	DstMAC      string    `json:"dst_mac,omitempty"`
	RuleVersion uint64    `json:"rule_version"`
	Patterns    []string  `json:"patterns,omitempty"`
}

// HubStats is a copy of the hub counters.
type HubStats struct {
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

// Hub fans match events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event and the drop is counted.
// Workers publish from the packet path, so the hub must never become a
// point of backpressure.
type Hub struct {
	mu   sync.RWMutex
	subs map[int]chan MatchEvent
	next int

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan MatchEvent)}
}

// Subscribe registers a buffered subscription. The returned cancel function
// removes the subscription and closes the channel; it is safe to call once
// from any goroutine.
func (h *Hub) Subscribe(buffer int) (<-chan MatchEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan MatchEvent, buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[id]; !ok {
			h.mu.Unlock()
			return
		}
		delete(h.subs, id)
		h.mu.Unlock()
		// No publisher can hold the channel now: sends happen under the
		// read lock, and the subscription is gone.
		close(ch)
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber that has room.
func (h *Hub) Publish(ev MatchEvent) {
	h.published.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Stats returns a copy of the hub counters.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	n := len(h.subs)
	h.mu.RUnlock()
	return HubStats{
		Published:   h.published.Load(),
		Dropped:     h.dropped.Load(),
		Subscribers: n,
	}
}
