package ledgerclient

import (
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/edgedlt/ledgerclient/internal/wire"
)

const (
	defaultMaxChunks         = 20
	defaultValidDuration     = 120 * time.Second
	defaultMaxTransactionFee = 200_000_000
	maxMemoBytes             = 100
)

// TransactionResponse is returned for every chunk a node accepted in precheck.
type TransactionResponse struct {
	NodeID        EntityID
	TransactionID TransactionID
	Chunk         int

	// Hash is the SHA-384 of the submitted signed transaction.
	Hash []byte

	// Cost is the fee the node quoted in its response, if any.
	Cost uint64
}

type signerEntry struct {
	key  PublicKey
	sign SignFunc
}

func publicKeyID(k PublicKey) string {
	return k.Kind().String() + ":" + hex.EncodeToString(k.Bytes())
}

// attemptCell is one (chunk, node) entry of the attempt matrix.
type attemptCell struct {
	// body is the unsigned TransactionBody; stable until the identity is regenerated.
	body []byte

	pairs    []wire.SignaturePair
	keys     []PublicKey
	signedBy map[string]struct{}

	// signed and serialized are dropped whenever a signer is added.
	signed     []byte
	serialized []byte
}

// Transaction is a state-changing request. It is mutable until frozen; freezing fixes
// its identity, its node list and its chunks, after which only signing is allowed.
// Thread-safe.
type Transaction struct {
	mu sync.Mutex

	body Body

	id            *TransactionID
	nodeIDs       []EntityID
	memo          string
	fee           *uint64
	validDuration time.Duration
	regenerate    *bool
	maxChunks     int

	frozen       bool
	regenAllowed bool
	nodes        []EntityID
	chunkIDs     []TransactionID
	matrix       [][]*attemptCell
	signers      []signerEntry
	signerKeys   map[string]struct{}
}

// NewTransaction creates a mutable transaction for the given kind.
func NewTransaction(body Body) *Transaction {
	return &Transaction{
		body:          body,
		validDuration: defaultValidDuration,
		signerKeys:    make(map[string]struct{}),
	}
}

// Body returns the transaction kind.
func (t *Transaction) Body() Body { return t.body }

func (t *Transaction) mutate(f func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen {
		return ErrImmutable
	}
	return f()
}

// SetTransactionID fixes the identity. A caller-set identity is never regenerated.
func (t *Transaction) SetTransactionID(id TransactionID) error {
	return t.mutate(func() error {
		if id.ValidStart.IsZero() {
			return fmt.Errorf("transaction ID %s has no valid start", id)
		}
		id.AccountID = id.AccountID.key()
		t.id = &id
		return nil
	})
}

// SetNodeAccountIDs pins the nodes the transaction is prepared for.
func (t *Transaction) SetNodeAccountIDs(ids []EntityID) error {
	return t.mutate(func() error {
		if len(ids) == 0 {
			return ErrNoNodes
		}
		t.nodeIDs = append([]EntityID(nil), ids...)
		return nil
	})
}

// SetTransactionMemo sets the memo (at most 100 bytes).
func (t *Transaction) SetTransactionMemo(memo string) error {
	return t.mutate(func() error {
		if len(memo) > maxMemoBytes {
			return fmt.Errorf("memo is %d bytes, maximum is %d", len(memo), maxMemoBytes)
		}
		t.memo = memo
		return nil
	})
}

// SetTransactionFee sets the maximum fee the payer is willing to pay.
func (t *Transaction) SetTransactionFee(fee uint64) error {
	return t.mutate(func() error {
		t.fee = &fee
		return nil
	})
}

// SetTransactionValidDuration sets how long after the valid start a node accepts it.
func (t *Transaction) SetTransactionValidDuration(d time.Duration) error {
	return t.mutate(func() error {
		if d < time.Second {
			return fmt.Errorf("valid duration must be at least 1s, got %s", d)
		}
		t.validDuration = d
		return nil
	})
}

// SetRegenerateTransactionID overrides the client setting for expired identities.
func (t *Transaction) SetRegenerateTransactionID(regenerate bool) error {
	return t.mutate(func() error {
		t.regenerate = &regenerate
		return nil
	})
}

// SetMaxChunks overrides the client's chunk limit.
func (t *Transaction) SetMaxChunks(max int) error {
	return t.mutate(func() error {
		if max < 1 {
			return fmt.Errorf("max chunks must be at least 1, got %d", max)
		}
		t.maxChunks = max
		return nil
	})
}

// IsFrozen reports whether the transaction is frozen.
func (t *Transaction) IsFrozen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frozen
}

// TransactionID returns the identity of chunk 0, if one is known.
func (t *Transaction) TransactionID() (TransactionID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen {
		return t.chunkIDs[0], true
	}
	if t.id != nil {
		return *t.id, true
	}
	return TransactionID{}, false
}

// NodeAccountIDs returns the frozen node list, or the pinned one before freezing.
func (t *Transaction) NodeAccountIDs() []EntityID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen {
		return append([]EntityID(nil), t.nodes...)
	}
	return append([]EntityID(nil), t.nodeIDs...)
}

// ChunkCount returns the number of chunks. Zero before freezing.
func (t *Transaction) ChunkCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.chunkIDs)
}

// Freeze freezes without a client. The identity and the node list must be set.
func (t *Transaction) Freeze() error {
	return t.FreezeWith(nil)
}

// FreezeWith freezes the transaction, taking missing settings from the client: the
// identity is generated for the operator, and the nodes come from network selection.
// Freezing a frozen transaction is a no-op.
func (t *Transaction) FreezeWith(client *Client) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.frozen {
		return nil
	}

	var id TransactionID
	callerSetID := t.id != nil
	switch {
	case callerSetID:
		id = *t.id
	case client != nil && client.Operator() != nil:
		id = NewTransactionID(client.Operator().AccountID)
	default:
		return ErrNoPayer
	}

	nodes := t.nodeIDs
	if len(nodes) == 0 && client != nil {
		nodes = client.network.SelectNodesForRequest()
	}
	if len(nodes) == 0 {
		return ErrNoNodes
	}

	maxChunks := defaultMaxChunks
	regen := false
	fee := uint64(defaultMaxTransactionFee)
	if client != nil {
		maxChunks = client.cfg.MaxChunks
		regen = client.cfg.RegenerateTransactionIDs
		fee = client.cfg.DefaultMaxTransactionFee

		if client.cfg.ValidateChecksums {
			ledger := client.network.LedgerID()
			for _, n := range nodes {
				if err := n.ValidateChecksum(ledger); err != nil {
					return fmt.Errorf("node account ID: %w", err)
				}
			}
			if err := t.body.ValidateEmbeddedIDs(ledger); err != nil {
				return err
			}
		}
	}
	if t.maxChunks > 0 {
		maxChunks = t.maxChunks
	}
	if t.regenerate != nil {
		regen = *t.regenerate
	}
	if t.fee == nil {
		t.fee = &fee
	}

	frozenNodes := make([]EntityID, len(nodes))
	for i, n := range nodes {
		frozenNodes[i] = n.key()
	}

	chunks, err := t.body.OnFreeze(FreezeInfo{TransactionID: id, NodeIDs: frozenNodes, MaxChunks: maxChunks})
	if err != nil {
		return err
	}
	if chunks < 1 {
		chunks = 1
	}
	if chunks > maxChunks {
		return &ChunkLimitError{Required: chunks, Max: maxChunks}
	}

	t.nodes = frozenNodes
	t.chunkIDs = make([]TransactionID, chunks)
	for i := range t.chunkIDs {
		t.chunkIDs[i] = id.WithNanosOffset(i)
	}
	t.resetMatrixLocked(0)
	t.regenAllowed = regen && !callerSetID
	t.frozen = true
	return nil
}

// resetMatrixLocked drops every cell of chunks from chunk on.
func (t *Transaction) resetMatrixLocked(from int) {
	if t.matrix == nil {
		t.matrix = make([][]*attemptCell, len(t.chunkIDs))
	}
	for i := from; i < len(t.chunkIDs); i++ {
		t.matrix[i] = make([]*attemptCell, len(t.nodes))
	}
}

// Sign adds a signer. Signatures are produced lazily for every cell; signing with a
// key that already signed is a no-op. Signing after execution affects later attempts only.
func (t *Transaction) Sign(signer Signer) error {
	return t.SignWith(signer.PublicKey(), signer.Sign)
}

// SignWith adds an external signer.
func (t *Transaction) SignWith(key PublicKey, sign SignFunc) error {
	if _, err := signatureField(key.Kind()); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.frozen {
		return ErrNotFrozen
	}
	k := publicKeyID(key)
	if _, ok := t.signerKeys[k]; ok {
		return nil
	}
	t.signerKeys[k] = struct{}{}
	t.signers = append(t.signers, signerEntry{key: key, sign: sign})

	for _, row := range t.matrix {
		for _, c := range row {
			if c != nil {
				c.signed, c.serialized = nil, nil
			}
		}
	}
	return nil
}

// SignerCount returns the number of distinct signers.
func (t *Transaction) SignerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.signers)
}

// BuildAttempt returns the serialized Transaction for one (chunk, node) cell. Calling it
// again without adding a signer returns the same bytes. The returned slice is a copy.
func (t *Transaction) BuildAttempt(chunk, node int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, err := t.cellLocked(chunk, node)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(c.serialized), nil
}

// TransactionHash returns the SHA-384 of the signed transaction of one cell.
func (t *Transaction) TransactionHash(chunk, node int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, err := t.cellLocked(chunk, node)
	if err != nil {
		return nil, err
	}
	sum := sha512.Sum384(c.signed)
	return sum[:], nil
}

// Signatures returns, for every node of a chunk, the keys that signed its cell.
func (t *Transaction) Signatures(chunk int) (map[EntityID][]PublicKey, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.frozen {
		return nil, ErrNotFrozen
	}
	out := make(map[EntityID][]PublicKey, len(t.nodes))
	for i, id := range t.nodes {
		c, err := t.cellLocked(chunk, i)
		if err != nil {
			return nil, err
		}
		out[id] = append([]PublicKey(nil), c.keys...)
	}
	return out, nil
}

func (t *Transaction) cellLocked(chunk, node int) (*attemptCell, error) {
	if !t.frozen {
		return nil, ErrNotFrozen
	}
	if chunk < 0 || chunk >= len(t.chunkIDs) {
		return nil, fmt.Errorf("chunk %d out of range [0, %d)", chunk, len(t.chunkIDs))
	}
	if node < 0 || node >= len(t.nodes) {
		return nil, fmt.Errorf("node index %d out of range [0, %d)", node, len(t.nodes))
	}

	c := t.matrix[chunk][node]
	if c == nil {
		body, err := t.buildBodyLocked(chunk, node)
		if err != nil {
			return nil, err
		}
		c = &attemptCell{body: body, signedBy: make(map[string]struct{})}
		t.matrix[chunk][node] = c
	}

	for _, s := range t.signers {
		k := publicKeyID(s.key)
		if _, ok := c.signedBy[k]; ok {
			continue
		}
		sig, err := s.sign(c.body)
		if err != nil {
			return nil, fmt.Errorf("sign chunk %d for node %s: %w", chunk, t.nodes[node], err)
		}
		field, _ := signatureField(s.key.Kind())
		c.pairs = append(c.pairs, wire.SignaturePair{PubKeyPrefix: s.key.Bytes(), Kind: field, Signature: sig})
		c.keys = append(c.keys, s.key)
		c.signedBy[k] = struct{}{}
		c.signed, c.serialized = nil, nil
	}

	if c.serialized == nil {
		c.signed = wire.EncodeSignedTransaction(c.body, c.pairs)
		c.serialized = wire.EncodeTransaction(c.signed)
	}
	return c, nil
}

func (t *Transaction) buildBodyLocked(chunk, node int) ([]byte, error) {
	data, err := t.body.BuildBody(ChunkInfo{
		Index:                chunk,
		Total:                len(t.chunkIDs),
		TransactionID:        t.chunkIDs[chunk],
		InitialTransactionID: t.chunkIDs[0],
		NodeID:               t.nodes[node],
	})
	if err != nil {
		return nil, fmt.Errorf("build body for chunk %d: %w", chunk, err)
	}
	return wire.EncodeTransactionBody(wire.TransactionBody{
		ID:                   t.chunkIDs[chunk].toWire(),
		Node:                 t.nodes[node].toWire(),
		Fee:                  *t.fee,
		ValidDurationSeconds: int64(t.validDuration / time.Second),
		Memo:                 t.memo,
		DataField:            protowire.Number(data.Field),
		Data:                 data.Data,
	}), nil
}

// ScheduledBody encodes the transaction as a SchedulableTransactionBody for wrapping in
// a schedule.
func (t *Transaction) ScheduledBody() ([]byte, error) {
	data, err := t.body.OnSchedule()
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	fee := uint64(defaultMaxTransactionFee)
	if t.fee != nil {
		fee = *t.fee
	}
	return wire.EncodeSchedulableBody(fee, t.memo, protowire.Number(data.Field), data.Data), nil
}

// regenerateFrom replaces the identities of chunks from chunk on with a fresh identity
// for the same payer and rebuilds their cells.
func (t *Transaction) regenerateFrom(chunk int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	base := NewTransactionID(t.chunkIDs[chunk].AccountID)
	for i := chunk; i < len(t.chunkIDs); i++ {
		t.chunkIDs[i] = base.WithNanosOffset(i - chunk)
	}
	t.resetMatrixLocked(chunk)
	return nil
}

func (t *Transaction) chunkID(chunk int) TransactionID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chunkIDs[chunk]
}

// signWithOperator adds the operator's signature when the operator pays.
func (t *Transaction) signWithOperator(client *Client) error {
	op := client.Operator()
	if op == nil || op.Signer == nil {
		return nil
	}
	t.mu.Lock()
	payer := t.chunkIDs[0].AccountID
	t.mu.Unlock()
	if !payer.Equal(op.AccountID) {
		return nil
	}
	return t.Sign(op.Signer)
}

func classifyTransactionReply(t *Transaction, chunk int) func(EntityID, []byte) (ExecutionState, Status, error) {
	return func(node EntityID, reply []byte) (ExecutionState, Status, error) {
		code, _, err := wire.DecodeTransactionResponse(reply)
		if err != nil {
			return ExecutionStateRequestError, StatusUnknown, fmt.Errorf("decode response from node %s: %w", node, err)
		}
		st := Status(code)
		id := t.chunkID(chunk)
		rejection := &PrecheckError{Status: st, NodeID: node, TransactionID: &id}

		switch st {
		case StatusOK:
			return ExecutionStateFinished, st, nil
		case StatusBusy, StatusPlatformTransactionNotCreated, StatusPlatformNotActive:
			return ExecutionStateRetry, st, rejection
		case StatusTransactionExpired:
			return ExecutionStateExpired, st, rejection
		default:
			return ExecutionStateRequestError, st, rejection
		}
	}
}

func (t *Transaction) requestFor(client *Client, chunk int) *request[*TransactionResponse] {
	t.mu.Lock()
	nodes := append([]EntityID(nil), t.nodes...)
	regen := t.regenAllowed
	t.mu.Unlock()

	req := &request[*TransactionResponse]{
		kind:   RequestKindTransaction,
		method: t.body.Method(),
		chunk:  chunk,
		nodes:  nodes,
		build: func(i int, _ EntityID) ([]byte, error) {
			return t.BuildAttempt(chunk, i)
		},
		classify: classifyTransactionReply(t, chunk),
		result: func(i int, node EntityID, reply []byte) (*TransactionResponse, error) {
			_, cost, _ := wire.DecodeTransactionResponse(reply)
			hash, err := t.TransactionHash(chunk, i)
			if err != nil {
				return nil, err
			}
			return &TransactionResponse{
				NodeID:        node,
				TransactionID: t.chunkID(chunk),
				Chunk:         chunk,
				Hash:          hash,
				Cost:          cost,
			}, nil
		},
	}
	if regen {
		req.regenerate = func() error { return t.regenerateFrom(chunk) }
	}
	return req
}

func (t *Transaction) prepare(ctx context.Context, client *Client) (context.Context, func(), error) {
	if client == nil {
		return nil, nil, fmt.Errorf("execute transaction: client is required")
	}
	if err := t.FreezeWith(client); err != nil {
		return nil, nil, err
	}
	ctx, done, err := client.tracker.Track(ctx, RequestKindTransaction, t.body.Method())
	if err != nil {
		return nil, nil, err
	}
	if err := t.signWithOperator(client); err != nil {
		done()
		return nil, nil, err
	}
	return ctx, done, nil
}

// Execute freezes the transaction if needed, submits every chunk in order and returns
// the response of the first chunk. All chunks must be accepted.
func (t *Transaction) Execute(ctx context.Context, client *Client) (*TransactionResponse, error) {
	responses, err := t.ExecuteAll(ctx, client)
	if err != nil {
		return nil, err
	}
	return responses[0], nil
}

// ExecuteAll is Execute returning the response of every chunk. On failure it returns
// the responses of the chunks accepted so far.
func (t *Transaction) ExecuteAll(ctx context.Context, client *Client) ([]*TransactionResponse, error) {
	ctx, done, err := t.prepare(ctx, client)
	if err != nil {
		return nil, err
	}
	defer done()

	chunks := t.ChunkCount()
	responses := make([]*TransactionResponse, 0, chunks)
	for chunk := 0; chunk < chunks; chunk++ {
		resp, err := execute(ctx, client.engine, t.requestFor(client, chunk))
		if err != nil {
			if chunks > 1 {
				err = fmt.Errorf("chunk %d of %d: %w", chunk+1, chunks, err)
			}
			return responses, err
		}
		responses = append(responses, resp)
	}
	return responses, nil
}

// ExecuteAsync is the non-blocking form of ExecuteAll.
func (t *Transaction) ExecuteAsync(ctx context.Context, client *Client) *Future[[]*TransactionResponse] {
	f := newFuture[[]*TransactionResponse]()

	ctx, done, err := t.prepare(ctx, client)
	if err != nil {
		f.resolve(nil, err)
		return f
	}

	chunks := t.ChunkCount()
	responses := make([]*TransactionResponse, 0, chunks)

	var runChunk func(chunk int)
	runChunk = func(chunk int) {
		executeAsync(ctx, client.engine, t.requestFor(client, chunk), func(resp *TransactionResponse, err error) {
			if err != nil {
				if chunks > 1 {
					err = fmt.Errorf("chunk %d of %d: %w", chunk+1, chunks, err)
				}
				done()
				f.resolve(responses, err)
				return
			}
			responses = append(responses, resp)
			if chunk+1 < chunks {
				runChunk(chunk + 1)
				return
			}
			done()
			f.resolve(responses, nil)
		})
	}
	runChunk(0)
	return f
}
