package ledgerclient

import (
	"sync"
	"time"
)

// NodeHealth tracks the backoff state of one node.
// Failures double the backoff and push readmitAt forward; successes halve it.
// Invariant: minBackoff <= currentBackoff <= maxBackoff. Thread-safe.
type NodeHealth struct {
	mu sync.RWMutex

	badStatusCount uint64
	currentBackoff time.Duration
	minBackoff     time.Duration
	maxBackoff     time.Duration
	readmitAt      time.Time

	now func() time.Time
}

// NewNodeHealth creates a healthy NodeHealth starting at minBackoff.
// If maxBackoff < minBackoff, maxBackoff is raised to minBackoff.
// A nil now uses time.Now.
func NewNodeHealth(minBackoff, maxBackoff time.Duration, now func() time.Time) *NodeHealth {
	if now == nil {
		now = time.Now
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	return &NodeHealth{
		currentBackoff: minBackoff,
		minBackoff:     minBackoff,
		maxBackoff:     maxBackoff,
		now:            now,
	}
}

// IsHealthy reports whether the node is past its readmit time.
func (h *NodeHealth) IsHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return !h.now().Before(h.readmitAt)
}

// OnFailure records a bad outcome: the node is excluded for the current backoff,
// then the backoff doubles up to maxBackoff.
func (h *NodeHealth) OnFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.badStatusCount++
	h.readmitAt = h.now().Add(h.currentBackoff)
	h.currentBackoff *= 2
	if h.currentBackoff > h.maxBackoff || h.currentBackoff < 0 {
		h.currentBackoff = h.maxBackoff
	}
}

// OnSuccess halves the backoff down to minBackoff. badStatusCount and readmitAt are kept.
func (h *NodeHealth) OnSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.currentBackoff /= 2
	if h.currentBackoff < h.minBackoff {
		h.currentBackoff = h.minBackoff
	}
}

// RemainingBackoff returns how long until the node is readmitted, or zero.
func (h *NodeHealth) RemainingBackoff() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if d := h.readmitAt.Sub(h.now()); d > 0 {
		return d
	}
	return 0
}

// BadStatusCount returns the total number of recorded failures.
func (h *NodeHealth) BadStatusCount() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.badStatusCount
}

// CurrentBackoff returns the backoff the next failure will apply.
func (h *NodeHealth) CurrentBackoff() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.currentBackoff
}

// ReadmitAt returns the time the node becomes selectable again.
func (h *NodeHealth) ReadmitAt() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readmitAt
}

// NodeHealthStats is a point-in-time copy of a NodeHealth.
type NodeHealthStats struct {
	Healthy        bool
	BadStatusCount uint64
	CurrentBackoff time.Duration
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	ReadmitAt      time.Time
}

// Stats returns a consistent snapshot.
func (h *NodeHealth) Stats() NodeHealthStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return NodeHealthStats{
		Healthy:        !h.now().Before(h.readmitAt),
		BadStatusCount: h.badStatusCount,
		CurrentBackoff: h.currentBackoff,
		MinBackoff:     h.minBackoff,
		MaxBackoff:     h.maxBackoff,
		ReadmitAt:      h.readmitAt,
	}
}
