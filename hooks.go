package ledgerclient

import "time"

// Hooks provides optional callbacks for observability events.
// All hooks are invoked synchronously - keep implementations fast.
type Hooks struct {
	// Execution events

	// OnAttempt is called after every attempt of a transaction or query, with the
	// decision the engine made for it.
	OnAttempt func(AttemptEvent)

	// Topology events

	// OnNodeEvicted is called when a node is excluded from selection after too many
	// consecutive failures.
	OnNodeEvicted func(NodeEvictedEvent)

	// OnTopologyUpdated is called after every successful SetNodes.
	OnTopologyUpdated func(TopologyUpdatedEvent)

	// OnAddressBookRefreshed is called after every address book refresh attempt
	// (success or failure).
	OnAddressBookRefreshed func(AddressBookRefreshedEvent)
}

// Clone returns a shallow copy of the hooks.
func (h *Hooks) Clone() *Hooks {
	if h == nil {
		return nil
	}
	clone := *h
	return &clone
}

func (h *Hooks) attempt(e AttemptEvent) {
	if h != nil && h.OnAttempt != nil {
		h.OnAttempt(e)
	}
}

func (h *Hooks) addressBookRefreshed(e AddressBookRefreshedEvent) {
	if h != nil && h.OnAddressBookRefreshed != nil {
		h.OnAddressBookRefreshed(e)
	}
}

// AttemptEvent describes one attempt against one node.
type AttemptEvent struct {
	Request  string // method name
	NodeID   EntityID
	Attempt  int
	Chunk    int
	State    ExecutionState
	Status   Status // zero when the node was unreachable
	Error    error
	Latency  time.Duration
	Finished time.Time
}

// NodeEvictedEvent contains information about an evicted node.
type NodeEvictedEvent struct {
	NodeID    EntityID
	Failures  int64
	EvictedAt time.Time
}

// TopologyUpdatedEvent contains information about a node set replacement.
type TopologyUpdatedEvent struct {
	NodeCount int
	Added     int // identifiers not present before
	Removed   int // identifiers no longer present
	UpdatedAt time.Time
}

// AddressBookRefreshedEvent contains information about an address book refresh.
type AddressBookRefreshedEvent struct {
	Entries     int
	Success     bool
	Error       error
	Latency     time.Duration
	CompletedAt time.Time
}
