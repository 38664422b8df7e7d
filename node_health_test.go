package ledgerclient_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/edgedlt/ledgerclient"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestNodeHealth_StartsHealthy(t *testing.T) {
	h := ledgerclient.NewNodeHealth(time.Second, time.Minute, nil)

	assert.True(t, h.IsHealthy())
	assert.Equal(t, time.Second, h.CurrentBackoff())
	assert.Zero(t, h.RemainingBackoff())
	assert.Zero(t, h.BadStatusCount())
}

func TestNodeHealth_FailureDoublesBackoff(t *testing.T) {
	clock := newFakeClock()
	h := ledgerclient.NewNodeHealth(time.Second, 8*time.Second, clock.Now)

	h.OnFailure()
	assert.False(t, h.IsHealthy())
	assert.Equal(t, time.Second, h.RemainingBackoff(), "first exclusion is the min backoff")
	assert.Equal(t, 2*time.Second, h.CurrentBackoff())
	assert.Equal(t, uint64(1), h.BadStatusCount())

	h.OnFailure()
	assert.Equal(t, 2*time.Second, h.RemainingBackoff())
	assert.Equal(t, 4*time.Second, h.CurrentBackoff())

	h.OnFailure()
	h.OnFailure()
	h.OnFailure()
	assert.Equal(t, 8*time.Second, h.CurrentBackoff(), "backoff is capped")
	assert.Equal(t, uint64(5), h.BadStatusCount())
}

func TestNodeHealth_ReadmittedAfterBackoff(t *testing.T) {
	clock := newFakeClock()
	h := ledgerclient.NewNodeHealth(time.Second, time.Minute, clock.Now)

	h.OnFailure()
	assert.False(t, h.IsHealthy())

	clock.Advance(999 * time.Millisecond)
	assert.False(t, h.IsHealthy())

	clock.Advance(time.Millisecond)
	assert.True(t, h.IsHealthy(), "readmitted exactly at readmitAt")
	assert.Zero(t, h.RemainingBackoff())
}

func TestNodeHealth_SuccessHalvesBackoff(t *testing.T) {
	clock := newFakeClock()
	h := ledgerclient.NewNodeHealth(time.Second, time.Minute, clock.Now)

	h.OnFailure()
	h.OnFailure()
	h.OnFailure()
	assert.Equal(t, 8*time.Second, h.CurrentBackoff())

	readmit := h.ReadmitAt()
	h.OnSuccess()
	assert.Equal(t, 4*time.Second, h.CurrentBackoff())
	assert.Equal(t, readmit, h.ReadmitAt(), "success keeps the readmit time")
	assert.Equal(t, uint64(3), h.BadStatusCount(), "success keeps the failure count")

	for i := 0; i < 10; i++ {
		h.OnSuccess()
	}
	assert.Equal(t, time.Second, h.CurrentBackoff(), "backoff never drops below min")
}

func TestNodeHealth_MaxBelowMinIsRaised(t *testing.T) {
	h := ledgerclient.NewNodeHealth(time.Minute, time.Second, nil)
	stats := h.Stats()
	assert.Equal(t, time.Minute, stats.MinBackoff)
	assert.Equal(t, time.Minute, stats.MaxBackoff)

	h.OnFailure()
	assert.Equal(t, time.Minute, h.CurrentBackoff())
}

func TestNodeHealth_Stats(t *testing.T) {
	clock := newFakeClock()
	h := ledgerclient.NewNodeHealth(time.Second, time.Minute, clock.Now)
	h.OnFailure()

	stats := h.Stats()
	assert.False(t, stats.Healthy)
	assert.Equal(t, uint64(1), stats.BadStatusCount)
	assert.Equal(t, 2*time.Second, stats.CurrentBackoff)
	assert.Equal(t, clock.Now().Add(time.Second), stats.ReadmitAt)
}

func TestNodeHealth_Concurrent(t *testing.T) {
	h := ledgerclient.NewNodeHealth(time.Millisecond, time.Second, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				h.OnFailure()
			} else {
				h.OnSuccess()
			}
			_ = h.IsHealthy()
			_ = h.Stats()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, uint64(25), h.BadStatusCount())
	backoff := h.CurrentBackoff()
	assert.GreaterOrEqual(t, backoff, time.Millisecond)
	assert.LessOrEqual(t, backoff, time.Second)
}
