// Package timer provides the schedule used for recurring background work such as the
// address book refresh.
package timer

import (
	"sync"
	"time"
)

// Timer is a one-shot timer that can be re-armed with a new duration.
type Timer interface {
	// Start arms the timer to fire once after d. A pending firing is discarded.
	Start(d time.Duration)

	// Stop disarms the timer and discards a pending firing.
	Stop()

	// C returns the channel that receives when the timer fires.
	C() <-chan struct{}
}

// RealTimer implements Timer using actual time.
type RealTimer struct {
	mu    sync.Mutex
	timer *time.Timer
	c     chan struct{}

	// generation invalidates callbacks of timers replaced by Start or Stop
	generation uint64
	last       time.Duration
}

// NewRealTimer creates a stopped RealTimer.
func NewRealTimer() *RealTimer {
	return &RealTimer{c: make(chan struct{}, 1)}
}

// Start arms the timer.
func (t *RealTimer) Start(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.disarmLocked()
	gen := t.generation
	t.last = d
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.generation != gen {
			return
		}
		select {
		case t.c <- struct{}{}:
		default:
		}
	})
}

// Stop disarms the timer.
func (t *RealTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disarmLocked()
}

func (t *RealTimer) disarmLocked() {
	t.generation++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	select {
	case <-t.c:
	default:
	}
}

// C returns the timer channel.
func (t *RealTimer) C() <-chan struct{} {
	return t.c
}

// Duration returns the duration of the last Start.
func (t *RealTimer) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}
