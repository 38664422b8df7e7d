package ledgerclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// step is one scripted reply: a status byte or a transport error.
type step struct {
	st  Status
	err error
}

type script struct {
	mu    sync.Mutex
	steps []step
	calls []EntityID
}

func (s *script) invoke(_ context.Context, node *Node, _ string, _ []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, node.AccountID())
	var next step
	if len(s.steps) > 0 {
		next = s.steps[0]
		if len(s.steps) > 1 {
			s.steps = s.steps[1:]
		}
	}
	if next.err != nil {
		return nil, next.err
	}
	return []byte{byte(next.st)}, nil
}

func (s *script) nodes() []EntityID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]EntityID(nil), s.calls...)
}

func classifyByte(node EntityID, reply []byte) (ExecutionState, Status, error) {
	st := Status(reply[0])
	rejection := &PrecheckError{Status: st, NodeID: node}
	switch st {
	case StatusOK:
		return ExecutionStateFinished, st, nil
	case StatusBusy:
		return ExecutionStateRetry, st, rejection
	case StatusTransactionExpired:
		return ExecutionStateExpired, st, rejection
	default:
		return ExecutionStateRequestError, st, rejection
	}
}

func newTestEngine(t *testing.T, nodes int) (*engine, []EntityID) {
	t.Helper()

	cfg := DefaultNetworkConfig()
	cfg.Seed = 1
	network := NewNetwork(cfg, nil, nil)
	topology := make(map[EntityID][]NodeAddress, nodes)
	ids := make([]EntityID, nodes)
	for i := range ids {
		ids[i] = NewEntityID(0, 0, uint64(3+i))
		topology[ids[i]] = []NodeAddress{{Kind: AddressPlaintext, Host: "10.0.0.1", Port: 50211 + i}}
	}
	require.NoError(t, network.SetNodes(topology))
	t.Cleanup(func() { _ = network.Close(time.Second) })

	return &engine{
		network:        network,
		maxAttempts:    10,
		minBackoff:     time.Millisecond,
		maxBackoff:     8 * time.Millisecond,
		requestTimeout: 5 * time.Second,
		grpcDeadline:   time.Second,
		logger:         zaptest.NewLogger(t),
	}, ids
}

func newTestRequest(nodes []EntityID, s *script) *request[EntityID] {
	return &request[EntityID]{
		kind:     RequestKindQuery,
		method:   "/proto.TestService/query",
		nodes:    append([]EntityID(nil), nodes...),
		build:    func(int, EntityID) ([]byte, error) { return []byte{1}, nil },
		classify: classifyByte,
		result:   func(_ int, node EntityID, _ []byte) (EntityID, error) { return node, nil },
		invoke:   s.invoke,
	}
}

func TestEngine_Backoff(t *testing.T) {
	eng := &engine{minBackoff: 250 * time.Millisecond, maxBackoff: 8 * time.Second}

	want := []time.Duration{
		250 * time.Millisecond,
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, eng.backoff(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, 8*time.Second, eng.backoff(200), "no overflow on large attempts")
}

func TestRetryableTransport(t *testing.T) {
	tests := []struct {
		err   error
		retry bool
	}{
		{status.Error(codes.Unavailable, "down"), true},
		{status.Error(codes.DeadlineExceeded, "slow"), true},
		{status.Error(codes.ResourceExhausted, "busy"), true},
		{status.Error(codes.Internal, "Received RST_STREAM with error code 2"), true},
		{status.Error(codes.Internal, "rst stream"), true},
		{status.Error(codes.Internal, "something else"), false},
		{status.Error(codes.InvalidArgument, "bad"), false},
		{errors.New("plain"), false},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			_, retry := retryableTransport(tt.err)
			assert.Equal(t, tt.retry, retry)
		})
	}
}

func TestExecute_FinishesOnFirstNode(t *testing.T) {
	eng, ids := newTestEngine(t, 3)
	s := &script{steps: []step{{st: StatusOK}}}

	node, err := execute(context.Background(), eng, newTestRequest(ids, s))
	require.NoError(t, err)
	assert.Equal(t, ids[0], node)
	assert.Equal(t, []EntityID{ids[0]}, s.nodes())
}

func TestExecute_ExactlyMaxAttempts(t *testing.T) {
	eng, ids := newTestEngine(t, 3)
	eng.maxAttempts = 4
	s := &script{steps: []step{{st: StatusBusy}}}

	_, err := execute(context.Background(), eng, newTestRequest(ids, s))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 4, te.Attempts)

	var pe *PrecheckError
	require.ErrorAs(t, err, &pe, "the last error is wrapped")
	assert.Equal(t, StatusBusy, pe.Status)

	assert.Len(t, s.nodes(), 4)
	assert.Equal(t, []EntityID{ids[0], ids[1], ids[2], ids[0]}, s.nodes(), "round robin over candidates")
}

func TestExecute_RequestMaxAttemptsOverride(t *testing.T) {
	eng, ids := newTestEngine(t, 3)
	s := &script{steps: []step{{st: StatusBusy}}}
	req := newTestRequest(ids, s)
	req.maxAttempts = 2

	_, err := execute(context.Background(), eng, req)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Len(t, s.nodes(), 2)
}

func TestExecute_UnavailableMovesOnAndPenalizes(t *testing.T) {
	eng, ids := newTestEngine(t, 2)
	s := &script{steps: []step{
		{err: status.Error(codes.Unavailable, "down")},
		{st: StatusOK},
	}}

	node, err := execute(context.Background(), eng, newTestRequest(ids, s))
	require.NoError(t, err)
	assert.Equal(t, ids[1], node)

	a := eng.network.NodeFor(ids[0])
	assert.Equal(t, uint64(1), a.Health().BadStatusCount())
	assert.False(t, a.IsHealthy())
	assert.Equal(t, 16*time.Second, a.Health().CurrentBackoff(), "backoff doubled from the 8s minimum")

	b := eng.network.NodeFor(ids[1])
	assert.Zero(t, b.Health().BadStatusCount())
}

func TestExecute_BusyDoesNotPenalize(t *testing.T) {
	eng, ids := newTestEngine(t, 2)
	s := &script{steps: []step{{st: StatusBusy}, {st: StatusOK}}}

	_, err := execute(context.Background(), eng, newTestRequest(ids, s))
	require.NoError(t, err)
	assert.Zero(t, eng.network.NodeFor(ids[0]).Health().BadStatusCount())
}

func TestExecute_FatalTransportError(t *testing.T) {
	eng, ids := newTestEngine(t, 3)
	s := &script{steps: []step{{err: status.Error(codes.PermissionDenied, "nope")}}}

	_, err := execute(context.Background(), eng, newTestRequest(ids, s))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, codes.PermissionDenied, te.Code)
	assert.Equal(t, ids[0], te.NodeID)
	assert.Len(t, s.nodes(), 1)
}

func TestExecute_PrecheckRejection(t *testing.T) {
	eng, ids := newTestEngine(t, 3)
	s := &script{steps: []step{{st: StatusInvalidSignature}}}

	_, err := execute(context.Background(), eng, newTestRequest(ids, s))
	var pe *PrecheckError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, StatusInvalidSignature, pe.Status)
	assert.Len(t, s.nodes(), 1)
}

func TestExecute_ExpiredRegenerates(t *testing.T) {
	eng, ids := newTestEngine(t, 3)
	s := &script{steps: []step{{st: StatusTransactionExpired}, {st: StatusOK}}}
	req := newTestRequest(ids, s)

	regenerated := 0
	req.regenerate = func() error {
		regenerated++
		return nil
	}

	_, err := execute(context.Background(), eng, req)
	require.NoError(t, err)
	assert.Equal(t, 1, regenerated)
}

func TestExecute_ExpiredWithoutRegenerationIsFatal(t *testing.T) {
	eng, ids := newTestEngine(t, 3)
	s := &script{steps: []step{{st: StatusTransactionExpired}, {st: StatusOK}}}

	_, err := execute(context.Background(), eng, newTestRequest(ids, s))
	var pe *PrecheckError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, StatusTransactionExpired, pe.Status)
	assert.Len(t, s.nodes(), 1)
}

func TestExecute_UnknownNodes(t *testing.T) {
	eng, _ := newTestEngine(t, 2)
	s := &script{steps: []step{{st: StatusOK}}}

	_, err := execute(context.Background(), eng, newTestRequest([]EntityID{NewEntityID(0, 0, 99)}, s))
	assert.ErrorIs(t, err, ErrUnknownNode)
	assert.Empty(t, s.nodes())
}

func TestExecute_NoNodes(t *testing.T) {
	eng, _ := newTestEngine(t, 2)
	s := &script{}

	_, err := execute(context.Background(), eng, newTestRequest(nil, s))
	assert.ErrorIs(t, err, ErrNoNodes)
}

func TestExecute_AllUnhealthyBeyondDeadline(t *testing.T) {
	eng, ids := newTestEngine(t, 2)
	eng.requestTimeout = 200 * time.Millisecond
	for _, id := range ids {
		eng.network.RecordOutcome(id, false)
	}
	s := &script{steps: []step{{st: StatusOK}}}

	start := time.Now()
	_, err := execute(context.Background(), eng, newTestRequest(ids, s))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second, "does not sleep past the deadline")
	assert.Empty(t, s.nodes())
}

func TestExecute_WaitsForReadmission(t *testing.T) {
	cfg := DefaultNetworkConfig()
	cfg.NodeMinBackoff = 30 * time.Millisecond
	network := NewNetwork(cfg, nil, nil)
	id := NewEntityID(0, 0, 3)
	require.NoError(t, network.SetNodes(map[EntityID][]NodeAddress{id: {MustParseNodeAddress("10.0.0.1:50211")}}))
	defer network.Close(time.Second)

	eng := &engine{
		network:        network,
		maxAttempts:    3,
		minBackoff:     time.Millisecond,
		maxBackoff:     time.Millisecond,
		requestTimeout: 5 * time.Second,
		grpcDeadline:   time.Second,
		logger:         zaptest.NewLogger(t),
	}
	network.RecordOutcome(id, false)

	s := &script{steps: []step{{st: StatusOK}}}
	start := time.Now()
	_, err := execute(context.Background(), eng, newTestRequest([]EntityID{id}, s))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Len(t, s.nodes(), 1, "waiting is not an attempt")
}

func TestExecute_ReselectsWhenAllowed(t *testing.T) {
	eng, ids := newTestEngine(t, 3)
	eng.network.SetMaxNodesPerRequest(1)
	eng.network.RecordOutcome(ids[0], false)

	s := &script{steps: []step{{st: StatusOK}}}
	req := newTestRequest([]EntityID{ids[0]}, s)
	req.reselect = true

	node, err := execute(context.Background(), eng, req)
	require.NoError(t, err)
	assert.NotEqual(t, ids[0], node, "an unhealthy fixed list is replaced by a fresh selection")
}

func TestExecute_ContextCancelled(t *testing.T) {
	eng, ids := newTestEngine(t, 3)
	eng.minBackoff, eng.maxBackoff = time.Hour, time.Hour
	s := &script{steps: []step{{st: StatusBusy}}}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := execute(ctx, eng, newTestRequest(ids, s))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, s.nodes(), 1)
}

func TestExecute_CallerDeadlineIsTimeout(t *testing.T) {
	eng, ids := newTestEngine(t, 3)
	eng.minBackoff, eng.maxBackoff = time.Hour, time.Hour
	s := &script{steps: []step{{st: StatusBusy}}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := execute(ctx, eng, newTestRequest(ids, s))
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 1, te.Attempts)
}

func TestExecute_AttemptHook(t *testing.T) {
	eng, ids := newTestEngine(t, 3)
	var mu sync.Mutex
	var events []AttemptEvent
	eng.hooks = &Hooks{OnAttempt: func(e AttemptEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}}
	s := &script{steps: []step{{err: status.Error(codes.Unavailable, "down")}, {st: StatusBusy}, {st: StatusOK}}}

	_, err := execute(context.Background(), eng, newTestRequest(ids, s))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)
	assert.Equal(t, ExecutionStateRetry, events[0].State)
	assert.Error(t, events[0].Error)
	assert.Equal(t, ExecutionStateRetry, events[1].State)
	assert.Equal(t, StatusBusy, events[1].Status)
	assert.Equal(t, ExecutionStateFinished, events[2].State)
	assert.Equal(t, 3, events[2].Attempt)
}

func TestExecuteAsync_SameDecisionsAsBlocking(t *testing.T) {
	scenarios := map[string][]step{
		"unavailable then ok": {{err: status.Error(codes.Unavailable, "down")}, {st: StatusOK}},
		"busy until budget":   {{st: StatusBusy}},
		"rejected":            {{st: StatusBusy}, {st: StatusInvalidSignature}},
		"fatal transport":     {{err: status.Error(codes.Unimplemented, "no")}},
	}

	for name, steps := range scenarios {
		t.Run(name, func(t *testing.T) {
			engSync, ids := newTestEngine(t, 3)
			engSync.maxAttempts = 5
			sSync := &script{steps: append([]step(nil), steps...)}
			vSync, errSync := execute(context.Background(), engSync, newTestRequest(ids, sSync))

			engAsync, _ := newTestEngine(t, 3)
			engAsync.maxAttempts = 5
			sAsync := &script{steps: append([]step(nil), steps...)}
			var hookValue EntityID
			var hookErr error
			f := executeAsync(context.Background(), engAsync, newTestRequest(ids, sAsync), func(v EntityID, err error) {
				hookValue, hookErr = v, err
			})

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			vAsync, errAsync := f.Get(ctx)

			assert.Equal(t, sSync.nodes(), sAsync.nodes(), "same nodes in the same order")
			assert.Equal(t, vSync, vAsync)
			assert.Equal(t, fmt.Sprint(errSync), fmt.Sprint(errAsync))
			assert.Equal(t, vAsync, hookValue)
			assert.Equal(t, errAsync, hookErr)
		})
	}
}

func TestExecuteAsync_Cancelled(t *testing.T) {
	eng, ids := newTestEngine(t, 3)
	eng.minBackoff, eng.maxBackoff = time.Hour, time.Hour
	s := &script{steps: []step{{st: StatusBusy}}}

	ctx, cancel := context.WithCancel(context.Background())
	f := executeAsync(ctx, eng, newTestRequest(ids, s), nil)

	require.Eventually(t, func() bool { return len(s.nodes()) == 1 }, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case <-f.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not wake the pending wait")
	}
	_, err, ok := f.TryGet()
	require.True(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, s.nodes(), 1)
}

func TestFuture_GetRespectsContext(t *testing.T) {
	f := newFuture[int]()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Get(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	_, _, ok := f.TryGet()
	assert.False(t, ok)

	f.resolve(7, nil)
	f.resolve(8, errors.New("ignored"))
	v, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}
