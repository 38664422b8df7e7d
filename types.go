// Package ledgerclient implements the client-side execution core of a ledger network SDK.
// It submits signed transactions and read-only queries to a fleet of replicated nodes,
// tracking per-node health, selecting a bounded set of nodes per request, and retrying
// against other nodes when one is unavailable or busy.
package ledgerclient

// SignatureKind identifies the signature scheme of a public key.
type SignatureKind uint8

const (
	SignatureKindEd25519 SignatureKind = iota
	SignatureKindECDSASecp256k1
)

func (k SignatureKind) String() string {
	switch k {
	case SignatureKindEd25519:
		return "ed25519"
	case SignatureKindECDSASecp256k1:
		return "ecdsa_secp256k1"
	default:
		return "unknown"
	}
}

// PublicKey provides signature verification.
type PublicKey interface {
	// Bytes returns the key encoding used as the signature map prefix.
	Bytes() []byte
	Kind() SignatureKind
	Verify(message []byte, signature []byte) bool
}

// Signer provides cryptographic signing.
type Signer interface {
	Sign(message []byte) ([]byte, error)
	PublicKey() PublicKey
}

// SignFunc signs a message on behalf of an external key holder.
type SignFunc func(message []byte) ([]byte, error)

// Operator is the account that pays for transactions the client creates identities for.
type Operator struct {
	AccountID EntityID
	Signer    Signer
}

// BodyData is one encoded oneof slot: the field number in the enclosing message and the
// encoded kind-specific message.
type BodyData struct {
	Field int32
	Data  []byte
}

// ChunkInfo describes the chunk a body is built for.
type ChunkInfo struct {
	Index int
	Total int

	// TransactionID is the identity of this chunk.
	TransactionID TransactionID

	// InitialTransactionID is the identity of chunk 0.
	InitialTransactionID TransactionID

	NodeID EntityID
}

// FreezeInfo is passed to Body.OnFreeze once the identity and node list are fixed.
type FreezeInfo struct {
	TransactionID TransactionID
	NodeIDs       []EntityID
	MaxChunks     int
}

// Body is the contract a transaction kind implements.
type Body interface {
	// Method is the full gRPC method the kind is submitted to.
	Method() string

	// BuildBody encodes the kind-specific part of the body for one chunk.
	BuildBody(chunk ChunkInfo) (BodyData, error)

	// OnFreeze validates the kind and returns how many chunks it needs (at least 1).
	OnFreeze(info FreezeInfo) (chunks int, err error)

	// OnSchedule encodes the kind for a SchedulableTransactionBody, or returns
	// ErrNotSchedulable.
	OnSchedule() (BodyData, error)

	// ValidateEmbeddedIDs checks the checksums of every identifier the kind carries.
	ValidateEmbeddedIDs(ledger LedgerID) error
}

// QueryBody is the contract a query kind implements.
type QueryBody interface {
	Method() string

	// BuildQuery encodes the kind's query message around the given encoded QueryHeader.
	BuildQuery(header []byte) (BodyData, error)

	ValidateEmbeddedIDs(ledger LedgerID) error
}

// QueryClassifier is optionally implemented by query kinds that treat some statuses
// differently, typically receipt lookups that retry while the receipt is not yet known.
// Returning false falls back to the default classification.
type QueryClassifier interface {
	Classify(status Status) (ExecutionState, bool)
}
