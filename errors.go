package ledgerclient

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

var (
	// ErrImmutable is returned when a frozen request is mutated.
	ErrImmutable = errors.New("request is frozen and cannot be modified")

	// ErrNotFrozen is returned when an operation needs a frozen transaction.
	ErrNotFrozen = errors.New("transaction is not frozen")

	// ErrNoPayer is returned when freezing without a transaction ID or operator.
	ErrNoPayer = errors.New("no transaction ID set and no operator configured to pay for it")

	// ErrNoNodes is returned when no node list can be resolved for a request.
	ErrNoNodes = errors.New("no nodes available for request")

	// ErrUnknownNode is returned when a request addresses a node the network does not know.
	ErrUnknownNode = errors.New("node is not part of the network")

	// ErrClientClosed is returned by operations on a closed client.
	ErrClientClosed = errors.New("client is closed")

	// ErrTimeout is matched by every TimeoutError.
	ErrTimeout = errors.New("request timed out")

	// ErrInvalidChecksum is matched by every ChecksumError.
	ErrInvalidChecksum = errors.New("invalid entity ID checksum")

	// ErrNotSchedulable is returned by kinds that cannot be wrapped in a schedule.
	ErrNotSchedulable = errors.New("transaction kind cannot be scheduled")
)

// PrecheckError is a terminal application-level rejection from a node.
type PrecheckError struct {
	Status        Status
	NodeID        EntityID
	TransactionID *TransactionID
}

func (e *PrecheckError) Error() string {
	if e.TransactionID != nil {
		return fmt.Sprintf("transaction %s failed precheck on node %s with status %s", e.TransactionID, e.NodeID, e.Status)
	}
	return fmt.Sprintf("request failed precheck on node %s with status %s", e.NodeID, e.Status)
}

// TransportError is a gRPC failure that is not worth retrying.
type TransportError struct {
	NodeID EntityID
	Code   codes.Code
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error from node %s (%s): %v", e.NodeID, e.Code, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError reports that the attempt budget or the call deadline ran out while the
// request was still retryable. LastErr holds the last retryable failure.
type TimeoutError struct {
	Attempts int
	Reason   string
	LastErr  error
}

func (e *TimeoutError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("%s after %d attempts: %v", e.Reason, e.Attempts, e.LastErr)
	}
	return fmt.Sprintf("%s after %d attempts", e.Reason, e.Attempts)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

func (e *TimeoutError) Unwrap() error { return e.LastErr }

// ChunkLimitError is returned when a payload needs more chunks than allowed.
type ChunkLimitError struct {
	Required int
	Max      int
}

func (e *ChunkLimitError) Error() string {
	return fmt.Sprintf("payload requires %d chunks, maximum is %d", e.Required, e.Max)
}

// ChecksumError is returned when an entity ID carries a checksum for another ledger.
type ChecksumError struct {
	ID       string
	Expected string
	Got      string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("entity %s has checksum %q, expected %q", e.ID, e.Got, e.Expected)
}

func (e *ChecksumError) Is(target error) bool { return target == ErrInvalidChecksum }
