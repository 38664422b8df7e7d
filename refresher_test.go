package ledgerclient_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/edgedlt/ledgerclient"
	"github.com/edgedlt/ledgerclient/internal/testutil"
	"github.com/edgedlt/ledgerclient/timer"
)

type countingSource struct {
	fetches atomic.Int32
	book    *ledgerclient.AddressBook
	err     error
}

func (s *countingSource) FetchAddressBook(context.Context) (*ledgerclient.AddressBook, error) {
	s.fetches.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.book, nil
}

func newTestRefresher(t *testing.T, source ledgerclient.AddressBookSource) (*ledgerclient.AddressBookRefresher, *ledgerclient.Network, *timer.MockTimer, *testutil.RecordingHooks) {
	t.Helper()
	rec := &testutil.RecordingHooks{}
	n := newBareNetwork(t)
	require.NoError(t, n.SetNodes(map[ledgerclient.EntityID][]ledgerclient.NodeAddress{
		ledgerclient.NewEntityID(0, 0, 9): {ledgerclient.MustParseNodeAddress("10.9.9.9:50211")},
	}))

	mt := timer.NewMockTimer()
	r := ledgerclient.NewAddressBookRefresher(source, n, ledgerclient.RefresherConfig{
		InitialDelay: 5 * time.Second,
		Period:       time.Hour,
		Timer:        mt,
	}, rec.Hooks(), zaptest.NewLogger(t))
	t.Cleanup(r.Stop)
	return r, n, mt, rec
}

func TestRefresher_RefreshesOnSchedule(t *testing.T) {
	src := &countingSource{book: sampleAddressBook()}
	r, n, mt, rec := newTestRefresher(t, src)

	r.Start()
	assert.True(t, r.IsRunning())

	d, ok := mt.WaitStarted(time.Second)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, d, "first refresh waits for the initial delay")
	assert.Zero(t, src.fetches.Load())

	require.True(t, mt.Fire())
	d, ok = mt.WaitStarted(time.Second)
	require.True(t, ok)
	assert.Equal(t, time.Hour, d, "later refreshes wait a full period")

	assert.Equal(t, int32(1), src.fetches.Load())
	assert.Equal(t, []ledgerclient.EntityID{
		ledgerclient.NewEntityID(0, 0, 3),
		ledgerclient.NewEntityID(0, 0, 4),
	}, n.NodeIDs())
	assert.Equal(t, 1, rec.RefreshCount())

	require.True(t, mt.Fire())
	_, ok = mt.WaitStarted(time.Second)
	require.True(t, ok)
	assert.Equal(t, int32(2), src.fetches.Load())
}

func TestRefresher_FailureKeepsTopology(t *testing.T) {
	src := &countingSource{err: errors.New("mirror unreachable")}

	var events []ledgerclient.AddressBookRefreshedEvent
	rec := make(chan ledgerclient.AddressBookRefreshedEvent, 4)
	n := newBareNetwork(t)
	require.NoError(t, n.SetNodes(map[ledgerclient.EntityID][]ledgerclient.NodeAddress{
		ledgerclient.NewEntityID(0, 0, 9): {ledgerclient.MustParseNodeAddress("10.9.9.9:50211")},
	}))
	mt := timer.NewMockTimer()
	r := ledgerclient.NewAddressBookRefresher(src, n, ledgerclient.RefresherConfig{Period: time.Minute, Timer: mt},
		&ledgerclient.Hooks{OnAddressBookRefreshed: func(e ledgerclient.AddressBookRefreshedEvent) { rec <- e }},
		zaptest.NewLogger(t))
	defer r.Stop()

	r.Start()
	_, ok := mt.WaitStarted(time.Second)
	require.True(t, ok)
	require.True(t, mt.Fire())

	select {
	case e := <-rec:
		events = append(events, e)
	case <-time.After(time.Second):
		t.Fatal("refresh hook not called")
	}
	require.Len(t, events, 1)
	assert.False(t, events[0].Success)
	assert.ErrorContains(t, events[0].Error, "mirror unreachable")

	d, ok := mt.WaitStarted(time.Second)
	require.True(t, ok, "schedule continues after a failure")
	assert.Equal(t, time.Minute, d)
	assert.Equal(t, []ledgerclient.EntityID{ledgerclient.NewEntityID(0, 0, 9)}, n.NodeIDs())
}

func TestRefresher_NoRefreshAfterStop(t *testing.T) {
	src := &countingSource{book: sampleAddressBook()}
	r, _, mt, rec := newTestRefresher(t, src)

	r.Start()
	_, ok := mt.WaitStarted(time.Second)
	require.True(t, ok)

	r.Stop()
	assert.False(t, r.IsRunning())
	assert.False(t, mt.Fire(), "timer is disarmed by Stop")
	assert.GreaterOrEqual(t, mt.StopCount(), 1)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, src.fetches.Load())
	assert.Zero(t, rec.RefreshCount())

	r.Stop()
}

func TestRefresher_StartIsIdempotent(t *testing.T) {
	src := &countingSource{book: sampleAddressBook()}
	r, _, mt, _ := newTestRefresher(t, src)

	r.Start()
	r.Start()
	_, ok := mt.WaitStarted(time.Second)
	require.True(t, ok)
	_, ok = mt.WaitStarted(50 * time.Millisecond)
	assert.False(t, ok, "a second Start does not spawn another schedule")
}

func TestRefresher_ManualRefresh(t *testing.T) {
	src := &countingSource{book: &ledgerclient.AddressBook{}}
	r, n, _, rec := newTestRefresher(t, src)

	err := r.Refresh(context.Background())
	assert.ErrorIs(t, err, ledgerclient.ErrNoNodes)
	assert.Equal(t, 1, rec.RefreshCount())
	assert.Equal(t, []ledgerclient.EntityID{ledgerclient.NewEntityID(0, 0, 9)}, n.NodeIDs())
}

func TestClient_AddressBookRefresh(t *testing.T) {
	fn := testutil.NewFakeNetwork(t, 1)
	mt := timer.NewMockTimer()
	src := &countingSource{book: sampleAddressBook()}
	rec := &testutil.RecordingHooks{}

	client := newTestClient(t, fn,
		ledgerclient.WithAddressBookRefresh(src, time.Second, time.Hour),
		ledgerclient.WithRefreshTimer(mt),
		ledgerclient.WithHooks(rec.Hooks()))

	d, ok := mt.WaitStarted(time.Second)
	require.True(t, ok, "refresher starts with the client")
	assert.Equal(t, time.Second, d)

	require.NoError(t, client.RefreshAddressBook(testContext(t)))
	assert.Equal(t, []ledgerclient.EntityID{
		ledgerclient.NewEntityID(0, 0, 3),
		ledgerclient.NewEntityID(0, 0, 4),
	}, client.Network().NodeIDs())
	assert.Equal(t, 1, rec.RefreshCount())

	require.NoError(t, client.Close())
	assert.False(t, mt.Fire(), "refresher stops with the client")
	assert.ErrorIs(t, client.RefreshAddressBook(testContext(t)), ledgerclient.ErrClientClosed)
	assert.Equal(t, int32(1), src.fetches.Load())
}

func TestClient_RefreshAddressBookWithoutSource(t *testing.T) {
	fn := testutil.NewFakeNetwork(t, 1)
	client := newTestClient(t, fn)

	err := client.RefreshAddressBook(testContext(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no address book source")
}

func TestStaticAddressBookSource(t *testing.T) {
	src := ledgerclient.StaticAddressBookSource(sampleAddressBook().Marshal())
	book, err := src.FetchAddressBook(context.Background())
	require.NoError(t, err)
	assert.Len(t, book.Entries, 2)

	_, err = ledgerclient.StaticAddressBookSource([]byte{0xff}).FetchAddressBook(context.Background())
	assert.Error(t, err)
}
