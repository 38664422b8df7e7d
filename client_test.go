package ledgerclient_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"

	"github.com/edgedlt/ledgerclient"
	"github.com/edgedlt/ledgerclient/internal/testutil"
)

var operatorID = ledgerclient.NewEntityID(0, 0, 1001)

func newTestClient(t *testing.T, fn *testutil.FakeNetwork, opts ...ledgerclient.ClientOption) *ledgerclient.Client {
	t.Helper()

	all := append(fn.Options(),
		ledgerclient.WithLogger(zaptest.NewLogger(t)),
		ledgerclient.WithSelectionSeed(1),
	)
	all = append(all, opts...)

	client, err := ledgerclient.NewClient(all...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func withOperator() ledgerclient.ClientOption {
	return ledgerclient.WithOperator(operatorID, testutil.DeterministicSigner("operator"))
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewClient_RequiresNodes(t *testing.T) {
	_, err := ledgerclient.NewClient()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one node")
}

func TestNewClient_FromConfig(t *testing.T) {
	fn := testutil.NewFakeNetwork(t, 3)

	cfg := ledgerclient.LocalConfig()
	cfg.Nodes = fn.Topology()
	cfg.InProcessDialer = fn.Dialer()

	client, err := ledgerclient.NewClientFromConfig(cfg)
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, fn.IDs(), client.Network().NodeIDs())
	assert.Equal(t, cfg.MaxAttempts, client.Config().MaxAttempts)

	cfg.MaxAttempts = 0
	_, err = ledgerclient.NewClientFromConfig(cfg)
	assert.Error(t, err)
}

// A node that is unavailable is penalized and the request moves on to the next node.
func TestClient_FailoverToNextNode(t *testing.T) {
	fn := testutil.NewFakeNetwork(t, 2)
	ids := fn.IDs()
	a, b := ids[0], ids[1]
	fn.Node(a).Enqueue(testutil.Unavailable())

	client := newTestClient(t, fn, withOperator())

	tx := ledgerclient.NewTransaction(testutil.NewTestBody([]byte("hello")))
	require.NoError(t, tx.SetNodeAccountIDs([]ledgerclient.EntityID{a, b}))

	resp, err := tx.Execute(testContext(t), client)
	require.NoError(t, err)
	assert.Equal(t, b, resp.NodeID)

	healthA := client.Network().NodeFor(a).Health()
	assert.Equal(t, uint64(1), healthA.BadStatusCount())
	assert.False(t, healthA.IsHealthy())
	assert.Equal(t, 2*ledgerclient.LocalConfig().NodeMinBackoff, healthA.CurrentBackoff(), "backoff doubles on failure")
	assert.Zero(t, client.Network().NodeFor(b).Health().BadStatusCount())

	assert.Equal(t, 1, fn.Node(a).CallCount())
	assert.Equal(t, 1, fn.Node(b).CallCount())
}

func TestClient_UnhealthyNodeSkipped(t *testing.T) {
	fn := testutil.NewFakeNetwork(t, 2)
	ids := fn.IDs()
	client := newTestClient(t, fn, withOperator(), ledgerclient.WithNodeBackoff(time.Hour, time.Hour))

	client.Network().RecordOutcome(ids[0], false)

	tx := ledgerclient.NewTransaction(testutil.NewTestBody([]byte("x")))
	require.NoError(t, tx.SetNodeAccountIDs(ids))
	resp, err := tx.Execute(testContext(t), client)
	require.NoError(t, err)

	assert.Equal(t, ids[1], resp.NodeID)
	assert.Zero(t, fn.Node(ids[0]).CallCount())
}

func TestClient_Ping(t *testing.T) {
	fn := testutil.NewFakeNetwork(t, 3)
	client := newTestClient(t, fn)

	id := fn.IDs()[1]
	require.NoError(t, client.Ping(testContext(t), id))

	calls := fn.Node(id).Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/proto.CryptoService/cryptoGetBalance", calls[0].Method)
}

func TestClient_PingUnknownNode(t *testing.T) {
	fn := testutil.NewFakeNetwork(t, 1)
	client := newTestClient(t, fn)

	err := client.Ping(testContext(t), ledgerclient.NewEntityID(0, 0, 99))
	assert.ErrorIs(t, err, ledgerclient.ErrUnknownNode)
}

func TestClient_PingUnavailable(t *testing.T) {
	fn := testutil.NewFakeNetwork(t, 1)
	id := fn.IDs()[0]
	fn.Node(id).SetDefault(testutil.Unavailable())
	client := newTestClient(t, fn, ledgerclient.WithMaxAttempts(2))

	err := client.Ping(testContext(t), id)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledgerclient.ErrTimeout)

	var te *ledgerclient.TransportError
	assert.ErrorAs(t, err, &te)
}

func TestClient_PingAll(t *testing.T) {
	fn := testutil.NewFakeNetwork(t, 4)
	client := newTestClient(t, fn)

	require.NoError(t, client.PingAll(testContext(t)))
	for _, id := range fn.IDs() {
		assert.Equal(t, 1, fn.Node(id).CallCount(), "node %s pinged once", id)
	}
}

func TestClient_PingAllReportsFailure(t *testing.T) {
	fn := testutil.NewFakeNetwork(t, 3)
	fn.Node(fn.IDs()[2]).SetDefault(testutil.WithStatus(ledgerclient.StatusInvalidNodeAccount))
	client := newTestClient(t, fn)

	err := client.PingAll(testContext(t))
	var pe *ledgerclient.PrecheckError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ledgerclient.StatusInvalidNodeAccount, pe.Status)
}

func TestClient_SetOperator(t *testing.T) {
	fn := testutil.NewFakeNetwork(t, 1)
	client := newTestClient(t, fn)
	assert.Nil(t, client.Operator())

	tx := ledgerclient.NewTransaction(testutil.NewTestBody(nil))
	assert.ErrorIs(t, tx.FreezeWith(client), ledgerclient.ErrNoPayer)

	require.Error(t, client.SetOperator(operatorID, nil))
	require.NoError(t, client.SetOperator(operatorID, testutil.DeterministicSigner("op")))
	require.NotNil(t, client.Operator())

	require.NoError(t, tx.FreezeWith(client))
	id, ok := tx.TransactionID()
	require.True(t, ok)
	assert.True(t, id.AccountID.Equal(operatorID))
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	fn := testutil.NewFakeNetwork(t, 2)
	client := newTestClient(t, fn, withOperator())

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
}

func TestClient_ExecuteAfterClose(t *testing.T) {
	fn := testutil.NewFakeNetwork(t, 2)
	client := newTestClient(t, fn, withOperator())
	require.NoError(t, client.Close())

	_, err := ledgerclient.NewTransaction(testutil.NewTestBody([]byte("late"))).Execute(testContext(t), client)
	assert.ErrorIs(t, err, ledgerclient.ErrClientClosed)

	_, err = ledgerclient.NewQuery(testutil.NewTestQuery()).Execute(testContext(t), client)
	assert.ErrorIs(t, err, ledgerclient.ErrClientClosed)

	f := ledgerclient.NewQuery(testutil.NewTestQuery()).ExecuteAsync(testContext(t), client)
	_, err = f.Get(testContext(t))
	assert.ErrorIs(t, err, ledgerclient.ErrClientClosed)

	assert.Zero(t, fn.TotalCalls())
}

func TestClient_CloseWaitsForInFlight(t *testing.T) {
	fn := testutil.NewFakeNetwork(t, 1)
	id := fn.IDs()[0]
	fn.Node(id).Enqueue(testutil.Response{Delay: 150 * time.Millisecond})
	client := newTestClient(t, fn, withOperator())

	var wg sync.WaitGroup
	var execErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, execErr = ledgerclient.NewTransaction(testutil.NewTestBody([]byte("slow"))).Execute(testContext(t), client)
	}()

	require.Eventually(t, func() bool { return fn.Node(id).CallCount() == 1 }, 2*time.Second, time.Millisecond)
	require.NoError(t, client.Close())
	wg.Wait()

	assert.NoError(t, execErr, "executions in flight finish within the close timeout")
	assert.Zero(t, client.RequestStats().PendingCount)
}

func TestClient_CloseCancelsStragglers(t *testing.T) {
	fn := testutil.NewFakeNetwork(t, 1)
	id := fn.IDs()[0]
	fn.Node(id).Enqueue(testutil.Response{Delay: 5 * time.Second})
	client := newTestClient(t, fn, withOperator(), ledgerclient.WithCloseTimeout(50*time.Millisecond))

	done := make(chan error, 1)
	go func() {
		_, err := ledgerclient.NewTransaction(testutil.NewTestBody([]byte("stuck"))).Execute(testContext(t), client)
		done <- err
	}()

	require.Eventually(t, func() bool { return fn.Node(id).CallCount() == 1 }, 2*time.Second, time.Millisecond)

	start := time.Now()
	_ = client.Close()
	assert.Less(t, time.Since(start), 2*time.Second, "close is bounded")

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("straggler was not cancelled")
	}
	assert.Equal(t, uint64(1), client.RequestStats().TotalCancelled)
}

func TestClient_AttemptHooks(t *testing.T) {
	fn := testutil.NewFakeNetwork(t, 2)
	ids := fn.IDs()
	fn.Node(ids[0]).Enqueue(testutil.WithStatus(ledgerclient.StatusBusy))

	rec := &testutil.RecordingHooks{}
	client := newTestClient(t, fn, withOperator(), ledgerclient.WithHooks(rec.Hooks()))

	tx := ledgerclient.NewTransaction(testutil.NewTestBody([]byte("h")))
	require.NoError(t, tx.SetNodeAccountIDs(ids))
	_, err := tx.Execute(testContext(t), client)
	require.NoError(t, err)

	attempts := rec.AttemptsSnapshot()
	require.Len(t, attempts, 2)
	assert.Equal(t, ids[0], attempts[0].NodeID)
	assert.Equal(t, ledgerclient.ExecutionStateRetry, attempts[0].State)
	assert.Equal(t, ledgerclient.StatusBusy, attempts[0].Status)
	assert.Equal(t, ids[1], attempts[1].NodeID)
	assert.Equal(t, ledgerclient.ExecutionStateFinished, attempts[1].State)
	assert.Equal(t, testutil.TestMethod, attempts[1].Request)
}

func TestClient_NodeThatNeverConnectsIsSkipped(t *testing.T) {
	fn := testutil.NewFakeNetwork(t, 2)
	ids := fn.IDs()
	a, b := ids[0], ids[1]
	fn.Node(a).SetUnreachable(true)

	rec := &testutil.RecordingHooks{}
	client := newTestClient(t, fn, withOperator(),
		ledgerclient.WithGRPCDeadline(200*time.Millisecond),
		ledgerclient.WithHooks(rec.Hooks()))

	tx := ledgerclient.NewTransaction(testutil.NewTestBody([]byte("hello")))
	require.NoError(t, tx.SetNodeAccountIDs([]ledgerclient.EntityID{a, b}))

	resp, err := tx.Execute(testContext(t), client)
	require.NoError(t, err)
	assert.Equal(t, b, resp.NodeID)

	assert.Zero(t, fn.Node(a).CallCount(), "no request is sent to a node that is not connected")
	assert.Equal(t, 1, fn.Node(b).CallCount())
	assert.Equal(t, uint64(1), client.Network().NodeFor(a).Health().BadStatusCount())

	attempts := rec.AttemptsSnapshot()
	require.Len(t, attempts, 2)
	assert.Equal(t, a, attempts[0].NodeID)
	assert.Equal(t, ledgerclient.ExecutionStateRetry, attempts[0].State)
	assert.Zero(t, attempts[0].Status)
	assert.ErrorContains(t, attempts[0].Error, "failed to connect within timeout")
}

func TestClient_PingNodeThatNeverConnects(t *testing.T) {
	fn := testutil.NewFakeNetwork(t, 1)
	id := fn.IDs()[0]
	fn.Node(id).SetUnreachable(true)
	client := newTestClient(t, fn,
		ledgerclient.WithMaxAttempts(1),
		ledgerclient.WithGRPCDeadline(100*time.Millisecond))

	err := client.Ping(testContext(t), id)
	assert.ErrorIs(t, err, ledgerclient.ErrTimeout)

	var te *ledgerclient.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, codes.Unavailable, te.Code)
	assert.Zero(t, fn.Node(id).CallCount())
}
