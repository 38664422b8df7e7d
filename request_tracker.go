package ledgerclient

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// RequestTracker tracks executions in flight so the client can drain them on close.
// Once closing starts, Track refuses new executions with ErrClientClosed.
type RequestTracker struct {
	mu sync.Mutex

	pending map[uint64]*trackedRequest
	closing bool

	// signalled whenever pending becomes empty while closing
	drained chan struct{}

	nextID atomic.Uint64

	logger *zap.Logger

	// Stats
	totalStarted   uint64
	totalCompleted uint64
	totalCancelled uint64
}

type trackedRequest struct {
	ID        uint64
	Kind      RequestKind
	Method    string
	StartedAt time.Time
	Cancel    context.CancelFunc
}

// RequestKind identifies the type of tracked execution.
type RequestKind uint8

const (
	RequestKindTransaction RequestKind = iota
	RequestKindQuery
	RequestKindPing
)

func (k RequestKind) String() string {
	switch k {
	case RequestKindTransaction:
		return "transaction"
	case RequestKindQuery:
		return "query"
	case RequestKindPing:
		return "ping"
	default:
		return "unknown"
	}
}

// NewRequestTracker creates a new RequestTracker.
func NewRequestTracker(logger *zap.Logger) *RequestTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequestTracker{
		pending: make(map[uint64]*trackedRequest),
		drained: make(chan struct{}),
		logger:  logger.With(zap.String("component", "request_tracker")),
	}
}

// Track registers a new execution.
// Returns a context that is cancelled if the tracker gives up waiting on close, and a
// completion function that must be called when the execution finishes.
func (rt *RequestTracker) Track(parent context.Context, kind RequestKind, method string) (context.Context, func(), error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.closing {
		return nil, nil, ErrClientClosed
	}

	ctx, cancel := context.WithCancel(parent)
	id := rt.nextID.Add(1)
	rt.pending[id] = &trackedRequest{
		ID:        id,
		Kind:      kind,
		Method:    method,
		StartedAt: time.Now(),
		Cancel:    cancel,
	}
	rt.totalStarted++

	rt.logger.Debug("tracking request",
		zap.Uint64("id", id),
		zap.String("kind", kind.String()),
		zap.String("method", method))

	var once sync.Once
	return ctx, func() { once.Do(func() { rt.complete(id) }) }, nil
}

func (rt *RequestTracker) complete(id uint64) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	req, exists := rt.pending[id]
	if !exists {
		return
	}
	req.Cancel()
	delete(rt.pending, id)
	rt.totalCompleted++

	rt.logger.Debug("request completed",
		zap.Uint64("id", id),
		zap.Duration("duration", time.Since(req.StartedAt)))

	if rt.closing && len(rt.pending) == 0 {
		rt.signalDrainedLocked()
	}
}

func (rt *RequestTracker) signalDrainedLocked() {
	select {
	case <-rt.drained:
	default:
		close(rt.drained)
	}
}

// Shutdown stops accepting executions and waits for the pending ones until ctx is done,
// then cancels whatever is still running. It returns the number of executions cancelled.
// Safe to call more than once.
func (rt *RequestTracker) Shutdown(ctx context.Context) int {
	rt.mu.Lock()
	rt.closing = true
	if len(rt.pending) == 0 {
		rt.signalDrainedLocked()
	}
	drained := rt.drained
	rt.mu.Unlock()

	select {
	case <-drained:
		return 0
	case <-ctx.Done():
	}
	return rt.CancelAll()
}

// CancelAll cancels all pending executions and returns how many there were.
func (rt *RequestTracker) CancelAll() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	n := len(rt.pending)
	for _, req := range rt.pending {
		req.Cancel()
		rt.totalCancelled++
		rt.logger.Debug("cancelled request",
			zap.Uint64("id", req.ID),
			zap.String("kind", req.Kind.String()),
			zap.String("method", req.Method))
	}
	rt.pending = make(map[uint64]*trackedRequest)
	if rt.closing {
		rt.signalDrainedLocked()
	}
	return n
}

// RequestTrackerStats contains statistics for monitoring.
type RequestTrackerStats struct {
	PendingCount   int
	Closing        bool
	TotalStarted   uint64
	TotalCompleted uint64
	TotalCancelled uint64
}

// Stats returns current statistics.
func (rt *RequestTracker) Stats() RequestTrackerStats {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	return RequestTrackerStats{
		PendingCount:   len(rt.pending),
		Closing:        rt.closing,
		TotalStarted:   rt.totalStarted,
		TotalCompleted: rt.totalCompleted,
		TotalCancelled: rt.totalCancelled,
	}
}

// PendingCount returns the number of executions in flight.
func (rt *RequestTracker) PendingCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.pending)
}
