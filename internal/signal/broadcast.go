// Package signal provides the per-project broadcast primitive that long
// polls block on. Publish never blocks and wakes every current waiter;
// waiters re-check state on wake, so delivery is best-effort by design.
package signal

import "sync"

// Hub fans out wakeups per project.
type Hub struct {
	mu       sync.Mutex
	channels map[string]chan struct{}
	waiters  map[string]int
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		channels: make(map[string]chan struct{}),
		waiters:  make(map[string]int),
	}
}

// Wait returns a channel that closes on the next Publish for the project.
// Subscribe before re-checking state so no wakeup can slip between the
// check and the wait.
func (h *Hub) Wait(projectID string) <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[projectID]
	if !ok {
		ch = make(chan struct{})
		h.channels[projectID] = ch
	}
	return ch
}

// Publish wakes all current waiters of the project. Waiters that subscribe
// after this call wait for the next generation.
func (h *Hub) Publish(projectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.channels[projectID]; ok {
		close(ch)
		delete(h.channels, projectID)
	}
}

// TryAcquire reserves a waiter slot for the project, refusing beyond max.
// Over-capacity callers shed load by returning their empty result
// immediately instead of parking.
func (h *Hub) TryAcquire(projectID string, max int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if max > 0 && h.waiters[projectID] >= max {
		return false
	}
	h.waiters[projectID]++
	return true
}

// Release returns a waiter slot.
func (h *Hub) Release(projectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.waiters[projectID] > 0 {
		h.waiters[projectID]--
	}
	if h.waiters[projectID] == 0 {
		delete(h.waiters, projectID)
	}
}

// Waiters reports the current waiter count for a project.
func (h *Hub) Waiters(projectID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waiters[projectID]
}
