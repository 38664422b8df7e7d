package ledgerclient

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Node is one address of one logical node. Several Nodes may share an AccountID.
type Node struct {
	accountID EntityID
	address   NodeAddress
	certHash  []byte

	health *NodeHealth
	conn   *NodeConnection

	// consecutive failures since the last success; drives eviction
	failures atomic.Int64
}

func newNode(accountID EntityID, address NodeAddress, certHash []byte, health *NodeHealth, cfg ConnectionConfig, logger *zap.Logger) *Node {
	return &Node{
		accountID: accountID,
		address:   address,
		certHash:  certHash,
		health:    health,
		conn:      NewNodeConnection(address, certHash, cfg, logger.With(zap.String("node", accountID.String()))),
	}
}

// AccountID returns the node's logical identifier.
func (n *Node) AccountID() EntityID { return n.accountID }

// Address returns the endpoint of this entry.
func (n *Node) Address() NodeAddress { return n.address }

// CertHash returns the pinned certificate hash, if any.
func (n *Node) CertHash() []byte { return n.certHash }

// Health returns the node's backoff state.
func (n *Node) Health() *NodeHealth { return n.health }

// Connection returns the node's transport connection.
func (n *Node) Connection() *NodeConnection { return n.conn }

// IsHealthy is shorthand for Health().IsHealthy().
func (n *Node) IsHealthy() bool { return n.health.IsHealthy() }

// ConsecutiveFailures returns failures recorded since the last success.
func (n *Node) ConsecutiveFailures() int64 { return n.failures.Load() }

// Invoke sends one pre-encoded request to the node.
func (n *Node) Invoke(ctx context.Context, method string, request []byte) ([]byte, error) {
	return n.conn.Invoke(ctx, method, request)
}

// Close closes the node's connection.
func (n *Node) Close(timeout time.Duration) error {
	return n.conn.Close(timeout)
}

// addressKey identifies an (identifier, address) pair across topology updates.
type addressKey struct {
	id   EntityID
	addr NodeAddress
}

func (n *Node) key() addressKey {
	return addressKey{id: n.accountID, addr: n.address}
}
