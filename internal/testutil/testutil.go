// Package testutil provides test utilities for the ledgerclient library: in-process
// fake nodes, request kinds and signers.
package testutil

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/edgedlt/ledgerclient"
	"github.com/edgedlt/ledgerclient/internal/wire"
)

const bufSize = 1 << 20

// transactionField is the Transaction.signedTransactionBytes slot. A request made of
// this single field is answered as a transaction; anything else as a query.
const transactionField protowire.Number = 5

// Response scripts one reply of a FakeNode.
type Response struct {
	// Err is returned as the call's gRPC error when set.
	Err error

	// Status is the precheck code of the reply.
	Status ledgerclient.Status

	// Cost is returned in transaction replies.
	Cost uint64

	// Delay holds the reply back. The call's context still applies.
	Delay time.Duration
}

// Unavailable is a reply failing the call with codes.Unavailable.
func Unavailable() Response {
	return Response{Err: status.Error(codes.Unavailable, "node unavailable")}
}

// WithStatus is a reply carrying the given precheck status.
func WithStatus(st ledgerclient.Status) Response {
	return Response{Status: st}
}

// Call is one request received by a FakeNode.
type Call struct {
	Method  string
	Payload []byte
	At      time.Time
}

// FakeNode is a gRPC server on an in-memory listener that answers every method with
// scripted replies. Without a script it answers OK.
type FakeNode struct {
	Name string

	listener *bufconn.Listener
	server   *grpc.Server

	mu          sync.Mutex
	script      []Response
	fallback    Response
	calls       []Call
	unreachable bool

	// shared is consulted before the node's own script.
	shared *sharedScript
}

// sharedScript holds replies consumed by whichever node is called next.
type sharedScript struct {
	mu      sync.Mutex
	replies []Response
}

func (s *sharedScript) pop() (Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.replies) == 0 {
		return Response{}, false
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, true
}

// NewFakeNode starts a fake node. It is stopped when the test ends.
func NewFakeNode(t testing.TB, name string) *FakeNode {
	t.Helper()

	n := &FakeNode{
		Name:     name,
		listener: bufconn.Listen(bufSize),
	}
	n.server = grpc.NewServer(
		grpc.ForceServerCodec(wire.Codec{}),
		grpc.UnknownServiceHandler(n.handle),
	)
	go func() { _ = n.server.Serve(n.listener) }()

	t.Cleanup(n.Stop)
	return n
}

// Enqueue appends replies to the script. Each call consumes one.
func (n *FakeNode) Enqueue(rs ...Response) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.script = append(n.script, rs...)
}

// SetDefault sets the reply used once the script is empty.
func (n *FakeNode) SetDefault(r Response) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fallback = r
}

// Calls returns the requests received so far.
func (n *FakeNode) Calls() []Call {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Call(nil), n.calls...)
}

// CallCount returns the number of requests received so far.
func (n *FakeNode) CallCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

// SetUnreachable makes new connections to the node fail, so its channel never
// becomes ready. Calls already connected are unaffected.
func (n *FakeNode) SetUnreachable(unreachable bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unreachable = unreachable
}

// Dial opens a client connection to the node's listener.
func (n *FakeNode) Dial(ctx context.Context) (net.Conn, error) {
	n.mu.Lock()
	unreachable := n.unreachable
	n.mu.Unlock()
	if unreachable {
		return nil, fmt.Errorf("dial %s: connection refused", n.Name)
	}
	return n.listener.DialContext(ctx)
}

// Stop stops the server immediately.
func (n *FakeNode) Stop() {
	n.server.Stop()
}

func (n *FakeNode) next(method string, payload []byte) Response {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.calls = append(n.calls, Call{Method: method, Payload: payload, At: time.Now()})
	if n.shared != nil {
		if r, ok := n.shared.pop(); ok {
			return r
		}
	}
	if len(n.script) == 0 {
		return n.fallback
	}
	r := n.script[0]
	n.script = n.script[1:]
	return r
}

func (n *FakeNode) handle(_ any, stream grpc.ServerStream) error {
	method, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "no method on stream")
	}

	var payload []byte
	if err := stream.RecvMsg(&payload); err != nil {
		return err
	}

	r := n.next(method, payload)
	if r.Delay > 0 {
		t := time.NewTimer(r.Delay)
		select {
		case <-stream.Context().Done():
			t.Stop()
			return status.FromContextError(stream.Context().Err()).Err()
		case <-t.C:
		}
	}
	if r.Err != nil {
		return r.Err
	}

	reply, err := encodeReply(payload, r)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return stream.SendMsg(reply)
}

func encodeReply(payload []byte, r Response) ([]byte, error) {
	fields, err := wire.Fields(payload)
	if err != nil {
		return nil, err
	}
	if len(fields) != 1 || fields[0].Type != protowire.BytesType {
		return nil, fmt.Errorf("expected a single oneof field, got %d fields", len(fields))
	}
	if fields[0].Num == transactionField {
		return wire.EncodeTransactionResponse(int32(r.Status), r.Cost), nil
	}
	return wire.EncodeResponse(fields[0].Num, int32(r.Status), nil), nil
}

// FakeNetwork is a set of fake nodes reachable through one in-process dialer.
type FakeNetwork struct {
	mu     sync.Mutex
	nodes  map[string]*FakeNode
	ids    map[string]ledgerclient.EntityID
	shared sharedScript
}

// NewFakeNetwork starts count fake nodes with account IDs 0.0.3, 0.0.4, ...
func NewFakeNetwork(t testing.TB, count int) *FakeNetwork {
	t.Helper()

	fn := &FakeNetwork{
		nodes: make(map[string]*FakeNode, count),
		ids:   make(map[string]ledgerclient.EntityID, count),
	}
	for i := 0; i < count; i++ {
		fn.Add(t, ledgerclient.NewEntityID(0, 0, uint64(3+i)))
	}
	return fn
}

// Add starts a fake node for the account.
func (fn *FakeNetwork) Add(t testing.TB, id ledgerclient.EntityID) *FakeNode {
	t.Helper()

	name := "node-" + id.String()
	node := NewFakeNode(t, name)
	node.shared = &fn.shared

	fn.mu.Lock()
	defer fn.mu.Unlock()
	fn.nodes[name] = node
	fn.ids[name] = id
	return node
}

// EnqueueAny scripts replies for the next calls of the network, whichever nodes
// receive them. They take precedence over the nodes' own scripts.
func (fn *FakeNetwork) EnqueueAny(rs ...Response) {
	fn.shared.mu.Lock()
	defer fn.shared.mu.Unlock()
	fn.shared.replies = append(fn.shared.replies, rs...)
}

// Node returns the fake node of an account, or nil.
func (fn *FakeNetwork) Node(id ledgerclient.EntityID) *FakeNode {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	for name, nid := range fn.ids {
		if nid.Equal(id) {
			return fn.nodes[name]
		}
	}
	return nil
}

// IDs returns the account IDs in ascending order.
func (fn *FakeNetwork) IDs() []ledgerclient.EntityID {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	ids := make([]ledgerclient.EntityID, 0, len(fn.ids))
	for _, id := range fn.ids {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

// Topology returns the in-process addresses of every node.
func (fn *FakeNetwork) Topology() map[ledgerclient.EntityID][]ledgerclient.NodeAddress {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	out := make(map[ledgerclient.EntityID][]ledgerclient.NodeAddress, len(fn.ids))
	for name, id := range fn.ids {
		out[id] = []ledgerclient.NodeAddress{{Kind: ledgerclient.AddressInProcess, Name: name}}
	}
	return out
}

// Dialer resolves in-process names to the fake nodes.
func (fn *FakeNetwork) Dialer() ledgerclient.Dialer {
	return func(ctx context.Context, name string) (net.Conn, error) {
		fn.mu.Lock()
		node, ok := fn.nodes[name]
		fn.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("no fake node named %q", name)
		}
		return node.Dial(ctx)
	}
}

// TotalCalls returns the number of requests received by every node together.
func (fn *FakeNetwork) TotalCalls() int {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	total := 0
	for _, n := range fn.nodes {
		total += n.CallCount()
	}
	return total
}

// Options returns client options connecting to the fake network with short waits.
func (fn *FakeNetwork) Options() []ledgerclient.ClientOption {
	return []ledgerclient.ClientOption{
		ledgerclient.WithPreset(ledgerclient.LocalConfig()),
		ledgerclient.WithNodes(fn.Topology()),
		ledgerclient.WithInProcessDialer(fn.Dialer()),
	}
}

// TestBody is a transaction kind carrying an opaque payload, split into chunks of
// ChunkSize bytes when ChunkSize is positive.
type TestBody struct {
	Field     int32
	Payload   []byte
	ChunkSize int

	// Schedulable allows OnSchedule.
	Schedulable bool

	// EmbeddedIDs are checked by ValidateEmbeddedIDs.
	EmbeddedIDs []ledgerclient.EntityID

	mu     sync.Mutex
	frozen []ledgerclient.FreezeInfo
}

// TestMethod is the method test kinds are submitted to.
const TestMethod = "/proto.TestService/submit"

// TestQueryMethod is the method test query kinds are sent to.
const TestQueryMethod = "/proto.TestService/query"

// NewTestBody creates a single-chunk kind.
func NewTestBody(payload []byte) *TestBody {
	return &TestBody{Field: 14, Payload: payload}
}

// NewChunkedBody creates a kind split into chunks.
func NewChunkedBody(payload []byte, chunkSize int) *TestBody {
	return &TestBody{Field: 27, Payload: payload, ChunkSize: chunkSize}
}

func (b *TestBody) Method() string { return TestMethod }

func (b *TestBody) chunks() int {
	if b.ChunkSize <= 0 || len(b.Payload) == 0 {
		return 1
	}
	return (len(b.Payload) + b.ChunkSize - 1) / b.ChunkSize
}

func (b *TestBody) OnFreeze(info ledgerclient.FreezeInfo) (int, error) {
	b.mu.Lock()
	b.frozen = append(b.frozen, info)
	b.mu.Unlock()
	return b.chunks(), nil
}

// FreezeCalls returns the FreezeInfo of every OnFreeze call.
func (b *TestBody) FreezeCalls() []ledgerclient.FreezeInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ledgerclient.FreezeInfo(nil), b.frozen...)
}

func (b *TestBody) BuildBody(chunk ledgerclient.ChunkInfo) (ledgerclient.BodyData, error) {
	data := b.Payload
	if b.ChunkSize > 0 {
		start := chunk.Index * b.ChunkSize
		end := min(start+b.ChunkSize, len(b.Payload))
		if start > len(b.Payload) {
			return ledgerclient.BodyData{}, fmt.Errorf("chunk %d out of range", chunk.Index)
		}
		data = b.Payload[start:end]
	}

	var msg []byte
	msg = protowire.AppendTag(msg, 1, protowire.BytesType)
	msg = protowire.AppendBytes(msg, data)
	msg = protowire.AppendTag(msg, 2, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(chunk.Index+1))
	msg = protowire.AppendTag(msg, 3, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(chunk.Total))
	return ledgerclient.BodyData{Field: b.Field, Data: msg}, nil
}

func (b *TestBody) OnSchedule() (ledgerclient.BodyData, error) {
	if !b.Schedulable {
		return ledgerclient.BodyData{}, ledgerclient.ErrNotSchedulable
	}
	return b.BuildBody(ledgerclient.ChunkInfo{Index: 0, Total: 1})
}

func (b *TestBody) ValidateEmbeddedIDs(ledger ledgerclient.LedgerID) error {
	for _, id := range b.EmbeddedIDs {
		if err := id.ValidateChecksum(ledger); err != nil {
			return err
		}
	}
	return nil
}

// TestQuery is a query kind answered from its oneof slot.
type TestQuery struct {
	Field int32
}

// NewTestQuery creates a query kind.
func NewTestQuery() *TestQuery {
	return &TestQuery{Field: 7}
}

func (q *TestQuery) Method() string { return TestQueryMethod }

func (q *TestQuery) BuildQuery(header []byte) (ledgerclient.BodyData, error) {
	var msg []byte
	msg = protowire.AppendTag(msg, 1, protowire.BytesType)
	msg = protowire.AppendBytes(msg, header)
	return ledgerclient.BodyData{Field: q.Field, Data: msg}, nil
}

func (q *TestQuery) ValidateEmbeddedIDs(ledgerclient.LedgerID) error { return nil }

// ReceiptQuery is a receipt-style query kind that keeps polling while the receipt is
// not yet known.
type ReceiptQuery struct {
	TestQuery
}

// NewReceiptQuery creates a receipt-style query kind.
func NewReceiptQuery() *ReceiptQuery {
	return &ReceiptQuery{TestQuery: TestQuery{Field: 14}}
}

func (q *ReceiptQuery) Classify(st ledgerclient.Status) (ledgerclient.ExecutionState, bool) {
	switch st {
	case ledgerclient.StatusUnknown, ledgerclient.StatusReceiptNotFound:
		return ledgerclient.ExecutionStateRetry, true
	default:
		return 0, false
	}
}

// DeterministicSigner returns an Ed25519 signer derived from a label.
func DeterministicSigner(label string) *ledgerclient.Ed25519Signer {
	seed := sha256.Sum256([]byte(label))
	signer, err := ledgerclient.NewEd25519Signer(seed[:])
	if err != nil {
		panic(err)
	}
	return signer
}

// GenerateSigners creates n distinct Ed25519 signers.
func GenerateSigners(n int) []*ledgerclient.Ed25519Signer {
	signers := make([]*ledgerclient.Ed25519Signer, n)
	for i := range signers {
		signers[i] = DeterministicSigner(fmt.Sprintf("signer-%d", i))
	}
	return signers
}

// RecordingHooks collects hook events for assertions.
type RecordingHooks struct {
	mu        sync.Mutex
	Attempts  []ledgerclient.AttemptEvent
	Evictions []ledgerclient.NodeEvictedEvent
	Updates   []ledgerclient.TopologyUpdatedEvent
	Refreshes []ledgerclient.AddressBookRefreshedEvent
}

// Hooks returns hooks that record into r.
func (r *RecordingHooks) Hooks() *ledgerclient.Hooks {
	return &ledgerclient.Hooks{
		OnAttempt: func(e ledgerclient.AttemptEvent) {
			r.mu.Lock()
			r.Attempts = append(r.Attempts, e)
			r.mu.Unlock()
		},
		OnNodeEvicted: func(e ledgerclient.NodeEvictedEvent) {
			r.mu.Lock()
			r.Evictions = append(r.Evictions, e)
			r.mu.Unlock()
		},
		OnTopologyUpdated: func(e ledgerclient.TopologyUpdatedEvent) {
			r.mu.Lock()
			r.Updates = append(r.Updates, e)
			r.mu.Unlock()
		},
		OnAddressBookRefreshed: func(e ledgerclient.AddressBookRefreshedEvent) {
			r.mu.Lock()
			r.Refreshes = append(r.Refreshes, e)
			r.mu.Unlock()
		},
	}
}

// AttemptCount returns the number of recorded attempts.
func (r *RecordingHooks) AttemptCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Attempts)
}

// AttemptsSnapshot returns a copy of the recorded attempts.
func (r *RecordingHooks) AttemptsSnapshot() []ledgerclient.AttemptEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ledgerclient.AttemptEvent(nil), r.Attempts...)
}

// RefreshCount returns the number of recorded address book refreshes.
func (r *RecordingHooks) RefreshCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Refreshes)
}

// EvictionCount returns the number of recorded evictions.
func (r *RecordingHooks) EvictionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Evictions)
}
