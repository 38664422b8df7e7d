package ledgerclient

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// NetworkConfig configures a Network.
type NetworkConfig struct {
	// LedgerID is used for entity checksum validation.
	LedgerID LedgerID

	// MaxNodesPerRequest bounds how many nodes one request is prepared for.
	// Default: 0 (one third of the nodes, at least 1)
	MaxNodesPerRequest int

	// MaxNodeAttempts is the number of consecutive failures after which a node is
	// excluded from selection until the next topology update. Eviction happens
	// when the count reaches this value, not only once it exceeds it.
	// Default: 0 (never evict)
	MaxNodeAttempts int

	// NodeMinBackoff is the initial and minimum node backoff.
	// Default: 8s
	NodeMinBackoff time.Duration

	// NodeMaxBackoff caps the node backoff.
	// Default: 1h
	NodeMaxBackoff time.Duration

	// TransportSecurity prefers TLS entries when a node has several addresses.
	// Default: false
	TransportSecurity bool

	// CloseTimeout bounds how long connections of removed nodes drain.
	// Default: 30s
	CloseTimeout time.Duration

	// Connection configures node channels.
	Connection ConnectionConfig

	// Seed seeds the selection shuffle. Zero picks a random seed.
	Seed uint64

	// Now is the clock used for node health. Default: time.Now
	Now func() time.Time
}

// DefaultNetworkConfig returns sensible defaults.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		NodeMinBackoff: 8 * time.Second,
		NodeMaxBackoff: time.Hour,
		CloseTimeout:   30 * time.Second,
		Connection:     DefaultConnectionConfig(),
	}
}

// NodeEntry is one (identifier, address) pair of a topology update.
type NodeEntry struct {
	AccountID EntityID
	Address   NodeAddress
	CertHash  []byte
}

// Network is the client's view of all nodes.
//
// SetNodes is the only writer and swaps the node map atomically; selection, lookup and
// outcome recording only read it. Thread-safe.
type Network struct {
	mu sync.RWMutex

	nodes   map[EntityID][]*Node
	evicted map[EntityID]struct{}
	closed  bool

	cfg NetworkConfig

	rngMu sync.Mutex
	rng   *rand.Rand

	// connections of nodes dropped by SetNodes, closing in the background
	closing sync.WaitGroup

	hooks  *Hooks
	logger *zap.Logger
}

// NewNetwork creates an empty Network. Populate it with SetNodes.
func NewNetwork(cfg NetworkConfig, hooks *Hooks, logger *zap.Logger) *Network {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 30 * time.Second
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Network{
		nodes:   make(map[EntityID][]*Node),
		evicted: make(map[EntityID]struct{}),
		cfg:     cfg,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		hooks:   hooks,
		logger:  logger.With(zap.String("component", "network")),
	}
}

// LedgerID returns the ledger used for checksum validation.
func (n *Network) LedgerID() LedgerID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.cfg.LedgerID
}

// SetLedgerID replaces the ledger used for checksum validation.
func (n *Network) SetLedgerID(ledger LedgerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cfg.LedgerID = ledger
}

// SetTransportSecurity switches the preferred address kind.
func (n *Network) SetTransportSecurity(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cfg.TransportSecurity = enabled
}

// SetMaxNodesPerRequest changes the selection bound. Zero restores the default.
func (n *Network) SetMaxNodesPerRequest(max int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cfg.MaxNodesPerRequest = max
}

// SetMaxNodeAttempts changes the eviction threshold. Zero disables eviction.
func (n *Network) SetMaxNodeAttempts(max int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cfg.MaxNodeAttempts = max
}

// SetNodes replaces the node set with the given identifier -> addresses map.
func (n *Network) SetNodes(nodes map[EntityID][]NodeAddress) error {
	entries := make([]NodeEntry, 0, len(nodes))
	for id, addrs := range nodes {
		for _, addr := range addrs {
			entries = append(entries, NodeEntry{AccountID: id, Address: addr})
		}
	}
	return n.SetNodeEntries(entries)
}

// SetNodeEntries replaces the node set.
//
// Entries matching an existing (identifier, address) pair keep their Node. A known
// identifier at a new address gets a new Node that inherits the identifier's health.
// New identifiers start at minimum backoff. Nodes not carried over are closed in the
// background. Every identifier in the new set is reinstated if it had been evicted.
func (n *Network) SetNodeEntries(entries []NodeEntry) error {
	if len(entries) == 0 {
		return ErrNoNodes
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClientClosed
	}

	existing := make(map[addressKey]*Node)
	inherited := make(map[EntityID]*NodeHealth)
	for id, nodes := range n.nodes {
		for _, node := range nodes {
			existing[node.key()] = node
		}
		inherited[id] = nodes[0].health
	}

	next := make(map[EntityID][]*Node, len(entries))
	kept := make(map[*Node]struct{})
	seen := make(map[addressKey]struct{})
	added := 0

	for _, e := range entries {
		id := e.AccountID.key()
		k := addressKey{id: id, addr: e.Address}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}

		if node, ok := existing[k]; ok && bytes.Equal(node.certHash, e.CertHash) {
			if _, wasEvicted := n.evicted[id]; wasEvicted {
				node.failures.Store(0)
			}
			kept[node] = struct{}{}
			next[id] = append(next[id], node)
			continue
		}

		health, ok := inherited[id]
		if !ok {
			health = NewNodeHealth(n.cfg.NodeMinBackoff, n.cfg.NodeMaxBackoff, n.cfg.Now)
			inherited[id] = health
			added++
		}
		next[id] = append(next[id], newNode(id, e.Address, e.CertHash, health, n.cfg.Connection, n.logger))
	}

	var dropped []*Node
	removed := 0
	for id, nodes := range n.nodes {
		if _, ok := next[id]; !ok {
			removed++
		}
		for _, node := range nodes {
			if _, ok := kept[node]; !ok {
				dropped = append(dropped, node)
			}
		}
	}

	n.nodes = next
	n.evicted = make(map[EntityID]struct{})
	total := len(next)
	timeout := n.cfg.CloseTimeout
	n.mu.Unlock()

	for _, node := range dropped {
		n.closing.Add(1)
		go func(node *Node) {
			defer n.closing.Done()
			if err := node.Close(timeout); err != nil {
				n.logger.Warn("failed to close removed node", zap.String("node", node.accountID.String()), zap.Error(err))
			}
		}(node)
	}

	n.logger.Info("topology updated",
		zap.Int("nodes", total),
		zap.Int("added", added),
		zap.Int("removed", removed),
		zap.Int("closed_connections", len(dropped)))

	if n.hooks != nil && n.hooks.OnTopologyUpdated != nil {
		n.hooks.OnTopologyUpdated(TopologyUpdatedEvent{
			NodeCount: total,
			Added:     added,
			Removed:   removed,
			UpdatedAt: time.Now(),
		})
	}
	return nil
}

// maxNodesLocked returns the selection bound for total identifiers.
func (n *Network) maxNodesLocked(total int) int {
	limit := n.cfg.MaxNodesPerRequest
	if limit <= 0 {
		limit = (total + 2) / 3
	}
	if limit > total {
		limit = total
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// MaxNodesPerRequest returns the effective selection bound.
func (n *Network) MaxNodesPerRequest() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.maxNodesLocked(len(n.nodes) - len(n.evicted))
}

type selectionCandidate struct {
	id        EntityID
	readmitAt time.Time
}

// SelectNodesForRequest returns up to MaxNodesPerRequest distinct identifiers.
// Healthy identifiers come first in shuffled order; if there are not enough, the
// remainder is filled with unhealthy ones, soonest readmit first. Evicted identifiers
// are never returned. The result is empty only if no identifier is selectable.
func (n *Network) SelectNodesForRequest() []EntityID {
	n.mu.RLock()
	defer n.mu.RUnlock()

	var healthy []EntityID
	var unhealthy []selectionCandidate
	for id, nodes := range n.nodes {
		if _, ok := n.evicted[id]; ok {
			continue
		}
		best := n.bestEntryLocked(nodes)
		if best.IsHealthy() {
			healthy = append(healthy, id)
		} else {
			unhealthy = append(unhealthy, selectionCandidate{id: id, readmitAt: best.health.ReadmitAt()})
		}
	}

	total := len(healthy) + len(unhealthy)
	if total == 0 {
		return nil
	}
	limit := n.maxNodesLocked(total)

	sort.Slice(healthy, func(i, j int) bool { return healthy[i].Less(healthy[j]) })
	n.rngMu.Lock()
	n.rng.Shuffle(len(healthy), func(i, j int) { healthy[i], healthy[j] = healthy[j], healthy[i] })
	n.rngMu.Unlock()

	if len(healthy) >= limit {
		return healthy[:limit]
	}

	sort.Slice(unhealthy, func(i, j int) bool {
		if !unhealthy[i].readmitAt.Equal(unhealthy[j].readmitAt) {
			return unhealthy[i].readmitAt.Before(unhealthy[j].readmitAt)
		}
		return unhealthy[i].id.Less(unhealthy[j].id)
	})

	selected := healthy
	for _, c := range unhealthy[:limit-len(healthy)] {
		selected = append(selected, c.id)
	}
	return selected
}

// bestEntryLocked picks the entry to use for an identifier: healthy before unhealthy,
// then the kind matching the transport-security setting, then soonest readmit.
func (n *Network) bestEntryLocked(nodes []*Node) *Node {
	score := func(node *Node) int {
		s := 0
		if node.IsHealthy() {
			s += 2
		}
		if (node.address.Kind == AddressTLS) == n.cfg.TransportSecurity || node.address.Kind == AddressInProcess {
			s++
		}
		return s
	}

	best := nodes[0]
	bestScore := score(best)
	for _, node := range nodes[1:] {
		s := score(node)
		if s > bestScore || (s == bestScore && node.health.ReadmitAt().Before(best.health.ReadmitAt())) {
			best, bestScore = node, s
		}
	}
	return best
}

// NodeFor returns the entry to use for an identifier, including evicted identifiers,
// or nil if the identifier is unknown.
func (n *Network) NodeFor(id EntityID) *Node {
	n.mu.RLock()
	defer n.mu.RUnlock()

	nodes := n.nodes[id.key()]
	if len(nodes) == 0 {
		return nil
	}
	return n.bestEntryLocked(nodes)
}

// Entries returns every entry of an identifier.
func (n *Network) Entries(id EntityID) []*Node {
	n.mu.RLock()
	defer n.mu.RUnlock()

	nodes := n.nodes[id.key()]
	out := make([]*Node, len(nodes))
	copy(out, nodes)
	return out
}

// NodeIDs returns all known identifiers, sorted, including evicted ones.
func (n *Network) NodeIDs() []EntityID {
	n.mu.RLock()
	defer n.mu.RUnlock()

	ids := make([]EntityID, 0, len(n.nodes))
	for id := range n.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

// IsEvicted reports whether an identifier is currently excluded from selection.
func (n *Network) IsEvicted(id EntityID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.evicted[id.key()]
	return ok
}

// RecordOutcome records the outcome of a request against an identifier.
func (n *Network) RecordOutcome(id EntityID, success bool) {
	node := n.NodeFor(id)
	if node == nil {
		return
	}
	n.recordNodeOutcome(node, success)
}

func (n *Network) recordNodeOutcome(node *Node, success bool) {
	if success {
		node.health.OnSuccess()
		node.failures.Store(0)
		return
	}

	node.health.OnFailure()
	failures := node.failures.Add(1)

	n.mu.RLock()
	max := n.cfg.MaxNodeAttempts
	n.mu.RUnlock()
	if max > 0 && failures >= int64(max) {
		n.evict(node.accountID, failures)
	}
}

func (n *Network) evict(id EntityID, failures int64) {
	n.mu.Lock()
	if _, ok := n.evicted[id]; ok {
		n.mu.Unlock()
		return
	}
	if _, ok := n.nodes[id]; !ok {
		n.mu.Unlock()
		return
	}
	if len(n.nodes)-len(n.evicted) <= 1 {
		n.mu.Unlock()
		n.logger.Warn("not evicting last selectable node", zap.String("node", id.String()))
		return
	}
	n.evicted[id] = struct{}{}
	n.mu.Unlock()

	n.logger.Warn("node evicted after consecutive failures",
		zap.String("node", id.String()),
		zap.Int64("failures", failures))

	if n.hooks != nil && n.hooks.OnNodeEvicted != nil {
		n.hooks.OnNodeEvicted(NodeEvictedEvent{
			NodeID:    id,
			Failures:  failures,
			EvictedAt: time.Now(),
		})
	}
}

// NetworkStats contains statistics for monitoring.
type NetworkStats struct {
	NodeCount     int
	EntryCount    int
	HealthyCount  int
	EvictedCount  int
	OpenChannels  int
	MaxPerRequest int
}

// Stats returns current statistics.
func (n *Network) Stats() NetworkStats {
	n.mu.RLock()
	defer n.mu.RUnlock()

	stats := NetworkStats{
		NodeCount:     len(n.nodes),
		EvictedCount:  len(n.evicted),
		MaxPerRequest: n.maxNodesLocked(len(n.nodes) - len(n.evicted)),
	}
	for _, nodes := range n.nodes {
		stats.EntryCount += len(nodes)
		if n.bestEntryLocked(nodes).IsHealthy() {
			stats.HealthyCount++
		}
		for _, node := range nodes {
			if node.conn.IsOpen() {
				stats.OpenChannels++
			}
		}
	}
	return stats
}

// Close closes every node connection, waiting up to timeout for each to drain.
// Later topology updates fail with ErrClientClosed.
func (n *Network) Close(timeout time.Duration) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	var all []*Node
	for _, nodes := range n.nodes {
		all = append(all, nodes...)
	}
	n.mu.Unlock()

	var wg sync.WaitGroup
	errs := make(chan error, len(all))
	for _, node := range all {
		wg.Add(1)
		go func(node *Node) {
			defer wg.Done()
			if err := node.Close(timeout); err != nil {
				errs <- err
			}
		}(node)
	}
	wg.Wait()
	n.closing.Wait()
	close(errs)

	if err, ok := <-errs; ok {
		return fmt.Errorf("close network: %w", err)
	}
	return nil
}
