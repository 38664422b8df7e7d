package ledgerclient

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/edgedlt/ledgerclient/internal/wire"
)

// Query response types of the QueryHeader.
const (
	responseTypeAnswerOnly int32 = 0
	responseTypeCostOnly   int32 = 2
)

// QueryResponse is the reply of the node that answered a query.
type QueryResponse struct {
	NodeID EntityID
	Status Status

	// Payload is the raw Response message.
	Payload []byte
}

// Query is a read-only request. Unless nodes are pinned it is sent to nodes selected
// from the network at execution time.
type Query struct {
	mu sync.Mutex

	body        QueryBody
	nodeIDs     []EntityID
	maxAttempts int
	costOnly    bool
}

// NewQuery creates a query for the given kind.
func NewQuery(body QueryBody) *Query {
	return &Query{body: body}
}

// Body returns the query kind.
func (q *Query) Body() QueryBody { return q.body }

// SetNodeAccountIDs pins the nodes the query may be sent to.
func (q *Query) SetNodeAccountIDs(ids []EntityID) *Query {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nodeIDs = append([]EntityID(nil), ids...)
	return q
}

// SetMaxAttempts overrides the client's attempt budget for this query.
func (q *Query) SetMaxAttempts(n int) *Query {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maxAttempts = n
	return q
}

// SetCostOnly asks nodes for the cost of the query instead of the answer.
func (q *Query) SetCostOnly(costOnly bool) *Query {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.costOnly = costOnly
	return q
}

// NodeAccountIDs returns the pinned nodes.
func (q *Query) NodeAccountIDs() []EntityID {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]EntityID(nil), q.nodeIDs...)
}

func (q *Query) classifyReply(node EntityID, reply []byte) (ExecutionState, Status, error) {
	code, err := wire.DecodeResponseHeader(reply)
	if err != nil {
		return ExecutionStateRequestError, StatusUnknown, fmt.Errorf("decode response from node %s: %w", node, err)
	}
	st := Status(code)
	rejection := &PrecheckError{Status: st, NodeID: node}

	if c, ok := q.body.(QueryClassifier); ok {
		if state, ok := c.Classify(st); ok {
			if state == ExecutionStateFinished {
				return state, st, nil
			}
			return state, st, rejection
		}
	}

	switch st {
	case StatusOK:
		return ExecutionStateFinished, st, nil
	case StatusBusy, StatusPlatformNotActive:
		return ExecutionStateRetry, st, rejection
	default:
		return ExecutionStateRequestError, st, rejection
	}
}

func (q *Query) prepare(ctx context.Context, client *Client) (context.Context, func(), *request[*QueryResponse], error) {
	if client == nil {
		return nil, nil, nil, fmt.Errorf("execute query: client is required")
	}

	q.mu.Lock()
	pinned := append([]EntityID(nil), q.nodeIDs...)
	maxAttempts := q.maxAttempts
	responseType := responseTypeAnswerOnly
	if q.costOnly {
		responseType = responseTypeCostOnly
	}
	q.mu.Unlock()

	if client.cfg.ValidateChecksums {
		ledger := client.network.LedgerID()
		for _, n := range pinned {
			if err := n.ValidateChecksum(ledger); err != nil {
				return nil, nil, nil, fmt.Errorf("node account ID: %w", err)
			}
		}
		if err := q.body.ValidateEmbeddedIDs(ledger); err != nil {
			return nil, nil, nil, err
		}
	}

	nodes := make([]EntityID, len(pinned))
	for i, n := range pinned {
		nodes[i] = n.key()
	}
	if len(nodes) == 0 {
		nodes = client.network.SelectNodesForRequest()
	}
	if len(nodes) == 0 {
		return nil, nil, nil, ErrNoNodes
	}

	data, err := q.body.BuildQuery(wire.EncodeQueryHeader(nil, responseType))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build query: %w", err)
	}
	payload := wire.EncodeQuery(protowire.Number(data.Field), data.Data)

	ctx, done, err := client.tracker.Track(ctx, RequestKindQuery, q.body.Method())
	if err != nil {
		return nil, nil, nil, err
	}

	req := &request[*QueryResponse]{
		kind:        RequestKindQuery,
		method:      q.body.Method(),
		nodes:       nodes,
		reselect:    len(pinned) == 0,
		maxAttempts: maxAttempts,
		build: func(int, EntityID) ([]byte, error) {
			return payload, nil
		},
		classify: q.classifyReply,
		result: func(_ int, node EntityID, reply []byte) (*QueryResponse, error) {
			code, _ := wire.DecodeResponseHeader(reply)
			return &QueryResponse{NodeID: node, Status: Status(code), Payload: reply}, nil
		},
	}
	return ctx, done, req, nil
}

// Execute sends the query, retrying on other nodes as needed.
func (q *Query) Execute(ctx context.Context, client *Client) (*QueryResponse, error) {
	ctx, done, req, err := q.prepare(ctx, client)
	if err != nil {
		return nil, err
	}
	defer done()
	return execute(ctx, client.engine, req)
}

// ExecuteAsync is the non-blocking form of Execute.
func (q *Query) ExecuteAsync(ctx context.Context, client *Client) *Future[*QueryResponse] {
	ctx, done, req, err := q.prepare(ctx, client)
	if err != nil {
		f := newFuture[*QueryResponse]()
		f.resolve(nil, err)
		return f
	}
	return executeAsync(ctx, client.engine, req, func(*QueryResponse, error) { done() })
}
