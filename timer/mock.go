package timer

import (
	"sync"
	"time"
)

// MockTimer is a timer for testing that can be triggered manually.
type MockTimer struct {
	mu        sync.Mutex
	c         chan struct{}
	armed     bool
	durations []time.Duration
	stops     int

	// started receives the duration of every Start
	started chan time.Duration
}

// NewMockTimer creates a new MockTimer.
func NewMockTimer() *MockTimer {
	return &MockTimer{
		c:       make(chan struct{}, 1),
		started: make(chan time.Duration, 64),
	}
}

// Start arms the mock timer.
func (t *MockTimer) Start(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.armed = true
	t.durations = append(t.durations, d)
	select {
	case <-t.c:
	default:
	}
	select {
	case t.started <- d:
	default:
	}
}

// Stop disarms the mock timer.
func (t *MockTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.armed = false
	t.stops++
	select {
	case <-t.c:
	default:
	}
}

// C returns the timer channel.
func (t *MockTimer) C() <-chan struct{} {
	return t.c
}

// Fire triggers the timer if it is armed and reports whether it did.
// Like a real one-shot timer, it disarms until the next Start.
func (t *MockTimer) Fire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed {
		return false
	}
	t.armed = false
	select {
	case t.c <- struct{}{}:
	default:
	}
	return true
}

// WaitStarted blocks until the timer is started and returns the duration, or returns
// false after timeout.
func (t *MockTimer) WaitStarted(timeout time.Duration) (time.Duration, bool) {
	select {
	case d := <-t.started:
		return d, true
	case <-time.After(timeout):
		return 0, false
	}
}

// IsArmed reports whether the timer would fire on Fire.
func (t *MockTimer) IsArmed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

// Durations returns the durations of every Start, in order.
func (t *MockTimer) Durations() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.durations...)
}

// StopCount returns how many times Stop was called.
func (t *MockTimer) StopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}
