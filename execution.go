package ledgerclient

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ExecutionState is the decision a classifier makes about one attempt.
type ExecutionState uint8

const (
	// ExecutionStateRetry retries on the next node after the backoff.
	ExecutionStateRetry ExecutionState = iota

	// ExecutionStateExpired regenerates the transaction identity, then retries.
	ExecutionStateExpired

	// ExecutionStateRequestError stops with the node's rejection.
	ExecutionStateRequestError

	// ExecutionStateFinished stops with the response.
	ExecutionStateFinished
)

func (s ExecutionState) String() string {
	switch s {
	case ExecutionStateRetry:
		return "retry"
	case ExecutionStateExpired:
		return "expired"
	case ExecutionStateRequestError:
		return "request_error"
	case ExecutionStateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

var errNotConnected = errors.New("failed to connect within timeout")

var rstStream = regexp.MustCompile(`(?i)\brst[^0-9a-zA-Z]stream\b`)

// retryableTransport reports whether a transport failure should move on to another node.
func retryableTransport(err error) (codes.Code, bool) {
	st, ok := status.FromError(err)
	if !ok {
		return codes.Unknown, false
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return st.Code(), true
	case codes.Internal:
		return st.Code(), rstStream.MatchString(st.Message())
	default:
		return st.Code(), false
	}
}

// engine holds the settings shared by every execution of a client.
type engine struct {
	network *Network

	maxAttempts    int
	minBackoff     time.Duration
	maxBackoff     time.Duration
	requestTimeout time.Duration
	grpcDeadline   time.Duration

	hooks  *Hooks
	logger *zap.Logger
}

// backoff returns the delay after the given attempt: min(minBackoff*2^(attempt-1), maxBackoff).
func (e *engine) backoff(attempt int) time.Duration {
	d := e.minBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.maxBackoff || d <= 0 {
			return e.maxBackoff
		}
	}
	if d > e.maxBackoff {
		return e.maxBackoff
	}
	return d
}

// request is the kind-specific part of an execution.
type request[T any] struct {
	kind   RequestKind
	method string
	chunk  int

	// nodes is the fixed candidate list. When reselect is set and every candidate is
	// unhealthy, a new list is taken from the network.
	nodes    []EntityID
	reselect bool

	// maxAttempts overrides the engine's budget when positive.
	maxAttempts int

	// build encodes the payload for the candidate at index i.
	build func(i int, node EntityID) ([]byte, error)

	// classify decides what a node's reply means. err describes a retryable or
	// fatal status.
	classify func(node EntityID, reply []byte) (state ExecutionState, st Status, err error)

	// result produces the value of a finished execution.
	result func(i int, node EntityID, reply []byte) (T, error)

	// regenerate replaces an expired identity. Nil means expiry is fatal.
	regenerate func() error

	// invoke overrides the transport. When nil the node's connection is used and
	// probed before each attempt.
	invoke func(ctx context.Context, node *Node, method string, payload []byte) ([]byte, error)
}

// execution is the run state of one call. It is never persisted.
type execution[T any] struct {
	eng *engine
	req *request[T]

	attempt  int
	cursor   int
	deadline time.Time
	lastErr  error

	// pending is the candidate chosen by a previous step that waited for readmission.
	pending *candidate

	logger *zap.Logger
}

type candidate struct {
	index int
	id    EntityID
	node  *Node
}

type stepOutcome[T any] struct {
	done  bool
	value T
	err   error
	delay time.Duration
}

func newExecution[T any](ctx context.Context, eng *engine, req *request[T]) *execution[T] {
	deadline := time.Now().Add(eng.requestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return &execution[T]{
		eng:      eng,
		req:      req,
		deadline: deadline,
		logger:   eng.logger.With(zap.String("method", req.method), zap.String("kind", req.kind.String())),
	}
}

func (x *execution[T]) budget() int {
	if x.req.maxAttempts > 0 {
		return x.req.maxAttempts
	}
	return x.eng.maxAttempts
}

func (x *execution[T]) timeout(reason string) stepOutcome[T] {
	return stepOutcome[T]{done: true, err: &TimeoutError{Attempts: x.attempt, Reason: reason, LastErr: x.lastErr}}
}

func (x *execution[T]) fail(err error) stepOutcome[T] {
	return stepOutcome[T]{done: true, err: err}
}

func (x *execution[T]) contextDone(err error) stepOutcome[T] {
	if errors.Is(err, context.DeadlineExceeded) {
		return x.timeout("call deadline exceeded")
	}
	return x.fail(err)
}

// prepare checks the budgets and picks the candidate of the next attempt. When ok is
// false, out says what to do instead.
func (x *execution[T]) prepare(ctx context.Context) (c *candidate, out stepOutcome[T], ok bool) {
	if err := ctx.Err(); err != nil {
		return nil, x.contextDone(err), false
	}
	if x.attempt >= x.budget() {
		return nil, x.timeout("attempt budget exhausted"), false
	}
	if !time.Now().Before(x.deadline) {
		return nil, x.timeout("request timeout exceeded"), false
	}

	c = x.pending
	x.pending = nil
	if c == nil {
		var wait time.Duration
		var err error
		c, wait, err = x.nextCandidate()
		if err != nil {
			return nil, x.fail(err), false
		}
		if wait > 0 {
			if time.Now().Add(wait).After(x.deadline) {
				return nil, x.timeout("no node readmitted before the deadline"), false
			}
			x.pending = c
			x.logger.Debug("all candidates unhealthy, waiting for readmission",
				zap.String("node", c.id.String()),
				zap.Duration("wait", wait))
			return nil, stepOutcome[T]{delay: wait}, false
		}
	}

	return c, stepOutcome[T]{}, true
}

// step performs at most one attempt and says what to do next. A node whose channel
// does not become ready within the attempt deadline is penalized without a request
// being sent.
func (x *execution[T]) step(ctx context.Context) stepOutcome[T] {
	c, out, ok := x.prepare(ctx)
	if !ok {
		return out
	}
	if x.req.invoke != nil {
		return x.attemptOn(ctx, c)
	}
	started := time.Now()
	if !c.node.conn.ProbeConnected(x.attemptDeadline()) {
		return x.notConnected(ctx, c, started)
	}
	return x.attemptOn(ctx, c)
}

// stepAsync is the non-blocking form of step. next receives the outcome, possibly on
// another goroutine.
func (x *execution[T]) stepAsync(ctx context.Context, next func(stepOutcome[T])) {
	c, out, ok := x.prepare(ctx)
	if !ok {
		next(out)
		return
	}
	if x.req.invoke != nil {
		next(x.attemptOn(ctx, c))
		return
	}
	started := time.Now()
	c.node.conn.ProbeConnectedAsync(x.attemptDeadline(), func(ready bool) {
		if !ready {
			next(x.notConnected(ctx, c, started))
			return
		}
		next(x.attemptOn(ctx, c))
	})
}

// attemptDeadline is the end of the next attempt: the per-attempt deadline, cut short
// by the call deadline.
func (x *execution[T]) attemptDeadline() time.Time {
	d := time.Now().Add(x.eng.grpcDeadline)
	if d.After(x.deadline) {
		return x.deadline
	}
	return d
}

// notConnected records an attempt on a node that failed to connect in time.
func (x *execution[T]) notConnected(ctx context.Context, c *candidate, started time.Time) stepOutcome[T] {
	x.attempt++
	if err := ctx.Err(); err != nil {
		return x.contextDone(err)
	}

	err := &TransportError{NodeID: c.id, Code: codes.Unavailable, Err: errNotConnected}
	x.eng.network.recordNodeOutcome(c.node, false)
	x.lastErr = err
	x.eng.hooks.attempt(AttemptEvent{
		Request:  x.req.method,
		NodeID:   c.id,
		Attempt:  x.attempt,
		Chunk:    x.req.chunk,
		State:    ExecutionStateRetry,
		Error:    err,
		Latency:  time.Since(started),
		Finished: time.Now(),
	})

	delay := x.eng.backoff(x.attempt)
	x.logger.Debug("node failed to connect, retrying",
		zap.String("node", c.id.String()),
		zap.Int("attempt", x.attempt),
		zap.Duration("backoff", delay))
	return stepOutcome[T]{delay: delay}
}

func (x *execution[T]) attemptOn(ctx context.Context, c *candidate) stepOutcome[T] {
	x.attempt++
	started := time.Now()

	payload, err := x.req.build(c.index, c.id)
	if err != nil {
		return x.fail(fmt.Errorf("build request for node %s: %w", c.id, err))
	}

	perAttempt := x.eng.grpcDeadline
	if remaining := time.Until(x.deadline); remaining < perAttempt {
		perAttempt = remaining
	}
	attemptCtx, cancel := context.WithTimeout(ctx, perAttempt)
	invoke := x.req.invoke
	if invoke == nil {
		invoke = func(ctx context.Context, node *Node, method string, payload []byte) ([]byte, error) {
			return node.Invoke(ctx, method, payload)
		}
	}
	reply, err := invoke(attemptCtx, c.node, x.req.method, payload)
	cancel()

	event := AttemptEvent{Request: x.req.method, NodeID: c.id, Attempt: x.attempt, Chunk: x.req.chunk}
	defer func() {
		event.Latency = time.Since(started)
		event.Finished = time.Now()
		x.eng.hooks.attempt(event)
	}()

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			event.State, event.Error = ExecutionStateRequestError, ctxErr
			return x.contextDone(ctxErr)
		}
		code, retry := retryableTransport(err)
		event.Error = err
		if !retry {
			event.State = ExecutionStateRequestError
			x.logger.Debug("attempt failed with fatal transport error",
				zap.String("node", c.id.String()),
				zap.Int("attempt", x.attempt),
				zap.Stringer("code", code),
				zap.Error(err))
			return x.fail(&TransportError{NodeID: c.id, Code: code, Err: err})
		}

		x.eng.network.recordNodeOutcome(c.node, false)
		x.lastErr = &TransportError{NodeID: c.id, Code: code, Err: err}
		event.State = ExecutionStateRetry
		delay := x.eng.backoff(x.attempt)
		x.logger.Debug("node unavailable, retrying",
			zap.String("node", c.id.String()),
			zap.Int("attempt", x.attempt),
			zap.Stringer("code", code),
			zap.Duration("backoff", delay))
		return stepOutcome[T]{delay: delay}
	}

	x.eng.network.recordNodeOutcome(c.node, true)

	state, st, err := x.req.classify(c.id, reply)
	event.State, event.Status, event.Error = state, st, err

	switch state {
	case ExecutionStateFinished:
		value, err := x.req.result(c.index, c.id, reply)
		if err != nil {
			return x.fail(err)
		}
		x.logger.Debug("request finished",
			zap.String("node", c.id.String()),
			zap.Int("attempt", x.attempt),
			zap.Stringer("status", st))
		return stepOutcome[T]{done: true, value: value}

	case ExecutionStateRetry:
		x.lastErr = err
		delay := x.eng.backoff(x.attempt)
		x.logger.Debug("node asked to retry",
			zap.String("node", c.id.String()),
			zap.Int("attempt", x.attempt),
			zap.Stringer("status", st),
			zap.Duration("backoff", delay))
		return stepOutcome[T]{delay: delay}

	case ExecutionStateExpired:
		if x.req.regenerate == nil {
			return x.fail(err)
		}
		if rerr := x.req.regenerate(); rerr != nil {
			return x.fail(fmt.Errorf("regenerate transaction ID: %w", rerr))
		}
		x.lastErr = err
		delay := x.eng.backoff(x.attempt)
		x.logger.Debug("transaction expired, regenerated identity",
			zap.String("node", c.id.String()),
			zap.Int("attempt", x.attempt),
			zap.Duration("backoff", delay))
		return stepOutcome[T]{delay: delay}

	default:
		x.logger.Debug("request rejected",
			zap.String("node", c.id.String()),
			zap.Int("attempt", x.attempt),
			zap.Stringer("status", st))
		return x.fail(err)
	}
}

// nextCandidate round-robins to the next healthy candidate. When none is healthy it
// returns the one readmitted soonest together with the time to wait for it.
func (x *execution[T]) nextCandidate() (*candidate, time.Duration, error) {
	c, ok, err := x.scan()
	if err != nil || ok {
		return c, 0, err
	}

	if x.req.reselect {
		if ids := x.eng.network.SelectNodesForRequest(); len(ids) > 0 {
			x.req.nodes, x.cursor = ids, 0
			if c2, ok, err := x.scan(); err == nil && ok {
				return c2, 0, nil
			} else if err == nil {
				c = c2
			}
		}
	}

	return c, c.node.health.RemainingBackoff(), nil
}

// scan looks for a healthy candidate starting at the cursor. If there is none it
// returns the candidate with the soonest readmission.
func (x *execution[T]) scan() (*candidate, bool, error) {
	n := len(x.req.nodes)
	if n == 0 {
		return nil, false, ErrNoNodes
	}

	var soonest *candidate
	for i := 0; i < n; i++ {
		idx := (x.cursor + i) % n
		id := x.req.nodes[idx]
		node := x.eng.network.NodeFor(id)
		if node == nil {
			continue
		}
		c := &candidate{index: idx, id: id, node: node}
		if node.IsHealthy() {
			x.cursor = idx + 1
			return c, true, nil
		}
		if soonest == nil || node.health.ReadmitAt().Before(soonest.node.health.ReadmitAt()) {
			soonest = c
		}
	}
	if soonest == nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUnknownNode, x.req.nodes)
	}
	x.cursor = soonest.index + 1
	return soonest, false, nil
}

// execute runs an execution to completion on the calling goroutine.
func execute[T any](ctx context.Context, eng *engine, req *request[T]) (T, error) {
	x := newExecution(ctx, eng, req)
	for {
		out := x.step(ctx)
		if out.done {
			return out.value, out.err
		}
		if out.delay <= 0 {
			continue
		}
		t := time.NewTimer(out.delay)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
}

// executeAsync runs an execution without blocking the caller. Waits between attempts
// are scheduled with timers instead of sleeping goroutines. onDone, if set, receives the
// result before the future resolves.
func executeAsync[T any](ctx context.Context, eng *engine, req *request[T], onDone func(T, error)) *Future[T] {
	f := newFuture[T]()
	x := newExecution(ctx, eng, req)

	var run func()
	next := func(out stepOutcome[T]) {
		if out.done {
			if onDone != nil {
				onDone(out.value, out.err)
			}
			f.resolve(out.value, out.err)
			return
		}

		if out.delay <= 0 {
			go run()
			return
		}
		afterDelay(ctx, out.delay, run)
	}
	run = func() { x.stepAsync(ctx, next) }

	go run()
	return f
}

// afterDelay calls f once on its own goroutine after d, or earlier if ctx is done.
func afterDelay(ctx context.Context, d time.Duration, f func()) {
	var (
		mu    sync.Mutex
		once  sync.Once
		timer *time.Timer
		stop  func() bool
	)
	fire := func() {
		once.Do(func() {
			mu.Lock()
			timer.Stop()
			stop()
			mu.Unlock()
			go f()
		})
	}

	mu.Lock()
	timer = time.AfterFunc(d, fire)
	stop = context.AfterFunc(ctx, fire)
	mu.Unlock()
}
