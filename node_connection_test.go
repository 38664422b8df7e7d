package ledgerclient_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/edgedlt/ledgerclient"
	"github.com/edgedlt/ledgerclient/internal/testutil"
	"github.com/edgedlt/ledgerclient/internal/wire"
)

func newFakeConnection(t *testing.T) (*ledgerclient.NodeConnection, *testutil.FakeNode) {
	t.Helper()

	fn := testutil.NewFakeNetwork(t, 1)
	id := fn.IDs()[0]
	addr := fn.Topology()[id][0]

	cfg := ledgerclient.DefaultConnectionConfig()
	cfg.InProcessDialer = fn.Dialer()
	cfg.ProbeInterval = 5 * time.Millisecond
	cfg.ProbeAttempts = 400
	conn := ledgerclient.NewNodeConnection(addr, nil, cfg, nil)
	t.Cleanup(func() { _ = conn.Close(time.Second) })
	return conn, fn.Node(id)
}

func queryPayload() []byte {
	header := wire.EncodeQueryHeader(nil, 0)
	return wire.EncodeQuery(7, wire.AppendMessage(nil, 1, header))
}

func TestNodeConnection_LazyChannel(t *testing.T) {
	conn, _ := newFakeConnection(t)

	assert.False(t, conn.IsOpen(), "no channel before first use")

	cc1, err := conn.Conn()
	require.NoError(t, err)
	cc2, err := conn.Conn()
	require.NoError(t, err)

	assert.Same(t, cc1, cc2, "channel is created once")
	assert.True(t, conn.IsOpen())
}

func TestNodeConnection_ConcurrentConnCreatesOneChannel(t *testing.T) {
	conn, _ := newFakeConnection(t)

	var wg sync.WaitGroup
	results := make(chan any, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cc, err := conn.Conn()
			if err == nil {
				results <- cc
			}
		}()
	}
	wg.Wait()
	close(results)

	var first any
	for cc := range results {
		if first == nil {
			first = cc
		}
		assert.Same(t, first, cc)
	}
	require.NotNil(t, first)
}

func TestNodeConnection_Invoke(t *testing.T) {
	conn, node := newFakeConnection(t)
	node.Enqueue(testutil.WithStatus(ledgerclient.StatusBusy))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := conn.Invoke(ctx, testutil.TestQueryMethod, queryPayload())
	require.NoError(t, err)

	code, err := wire.DecodeResponseHeader(reply)
	require.NoError(t, err)
	assert.Equal(t, int32(ledgerclient.StatusBusy), code)

	calls := node.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, testutil.TestQueryMethod, calls[0].Method)
	assert.Equal(t, queryPayload(), calls[0].Payload)
}

func TestNodeConnection_InvokeUnavailable(t *testing.T) {
	conn, node := newFakeConnection(t)
	node.Enqueue(testutil.Unavailable())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := conn.Invoke(ctx, testutil.TestQueryMethod, queryPayload())
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestNodeConnection_CloseAndReopen(t *testing.T) {
	conn, _ := newFakeConnection(t)

	cc1, err := conn.Conn()
	require.NoError(t, err)

	require.NoError(t, conn.Close(time.Second))
	assert.False(t, conn.IsOpen())
	require.NoError(t, conn.Close(time.Second), "close is idempotent")

	cc2, err := conn.Conn()
	require.NoError(t, err)
	assert.NotSame(t, cc1, cc2, "a closed connection opens a fresh channel")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = conn.Invoke(ctx, testutil.TestQueryMethod, queryPayload())
	assert.NoError(t, err)
}

func TestNodeConnection_CloseWaitsForInFlight(t *testing.T) {
	conn, node := newFakeConnection(t)
	node.Enqueue(testutil.Response{Delay: 100 * time.Millisecond})

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := conn.Invoke(ctx, testutil.TestQueryMethod, queryPayload())
		done <- err
	}()

	require.Eventually(t, func() bool { return node.CallCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, conn.Close(5*time.Second))

	select {
	case err := <-done:
		assert.NoError(t, err, "in-flight call completes before the channel closes")
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight call did not return")
	}
}

func TestNodeConnection_ProbeConnected(t *testing.T) {
	conn, _ := newFakeConnection(t)

	assert.True(t, conn.ProbeConnected(time.Now().Add(2*time.Second)))
}

func TestNodeConnection_ProbeConnectedAsync(t *testing.T) {
	conn, _ := newFakeConnection(t)

	result := make(chan bool, 1)
	conn.ProbeConnectedAsync(time.Now().Add(2*time.Second), func(ready bool) { result <- ready })

	select {
	case ready := <-result:
		assert.True(t, ready)
	case <-time.After(5 * time.Second):
		t.Fatal("probe never completed")
	}
}

func TestNodeConnection_ProbeExpiredDeadline(t *testing.T) {
	cfg := ledgerclient.DefaultConnectionConfig()
	conn := ledgerclient.NewNodeConnection(ledgerclient.MustParseNodeAddress("127.0.0.1:1"), nil, cfg, nil)
	defer conn.Close(time.Second)

	assert.False(t, conn.ProbeConnected(time.Now().Add(-time.Second)))
}

func TestNodeConnection_InProcessWithoutDialer(t *testing.T) {
	conn := ledgerclient.NewNodeConnection(
		ledgerclient.MustParseNodeAddress("in-process:nowhere"), nil, ledgerclient.DefaultConnectionConfig(), nil)

	_, err := conn.Conn()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in-process dialer")
	assert.False(t, conn.IsOpen())
}
