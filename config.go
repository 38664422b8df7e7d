package ledgerclient

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/edgedlt/ledgerclient/timer"
)

// Config holds the configuration for a Client.
// Use NewConfig with functional options to create a properly configured instance.
type Config struct {
	// Network

	// Nodes is the initial topology: node account ID to its addresses.
	// Required.
	Nodes map[EntityID][]NodeAddress

	// LedgerID identifies the network for checksum validation.
	// Default: nil (checksums can only be validated once set)
	LedgerID LedgerID

	// ValidateChecksums makes freezing and query execution reject entity IDs whose
	// checksum belongs to another ledger.
	// Default: false
	ValidateChecksums bool

	// TransportSecurity prefers TLS endpoints when a node has several.
	// Default: false
	TransportSecurity bool

	// VerifyCertificates pins TLS channels to the address book certificate hash.
	// Default: true
	VerifyCertificates bool

	// InProcessDialer connects "in-process:" node addresses.
	// Default: nil
	InProcessDialer Dialer

	// Operator

	// Operator pays for and signs transactions the client creates identities for.
	// Default: nil
	Operator *Operator

	// Node selection and health

	// MaxNodesPerRequest bounds how many nodes a request is prepared for.
	// Default: 0 (one third of the nodes, at least 1)
	MaxNodesPerRequest int

	// MaxNodeAttempts is the number of consecutive failures after which a node is
	// excluded from selection until the next topology update. Eviction happens
	// when the count reaches this value, not only once it exceeds it.
	// Default: 0 (never evict)
	MaxNodeAttempts int

	// NodeMinBackoff is the initial exclusion of a failing node.
	// Default: 8s
	NodeMinBackoff time.Duration

	// NodeMaxBackoff caps the exclusion of a failing node.
	// Default: 1h
	NodeMaxBackoff time.Duration

	// SelectionSeed seeds node shuffling. Zero picks a random seed.
	// Default: 0
	SelectionSeed uint64

	// Retries

	// MaxAttempts is the attempt budget of one execution.
	// Default: 10
	MaxAttempts int

	// MinBackoff is the wait after the first failed attempt. It doubles per attempt.
	// Default: 250ms
	MinBackoff time.Duration

	// MaxBackoff caps the wait between attempts.
	// Default: 8s
	MaxBackoff time.Duration

	// RequestTimeout bounds one execution across all of its attempts.
	// Default: 2m
	RequestTimeout time.Duration

	// GRPCDeadline bounds one attempt.
	// Default: 10s
	GRPCDeadline time.Duration

	// Transactions

	// RegenerateTransactionIDs replaces expired client-generated identities.
	// Default: true
	RegenerateTransactionIDs bool

	// MaxChunks bounds how many chunks one transaction may be split into.
	// Default: 20
	MaxChunks int

	// DefaultMaxTransactionFee is used when a transaction sets no fee.
	// Default: 200000000
	DefaultMaxTransactionFee uint64

	// Address book

	// AddressBookSource enables periodic topology refresh when set.
	// Default: nil
	AddressBookSource AddressBookSource

	// AddressBookInitialDelay is the wait before the first refresh.
	// Default: 10s
	AddressBookInitialDelay time.Duration

	// AddressBookPeriod is the wait between refreshes.
	// Default: 24h
	AddressBookPeriod time.Duration

	// RefreshTimer drives the refresh schedule.
	// Default: timer.NewRealTimer()
	RefreshTimer timer.Timer

	// Lifecycle

	// CloseTimeout bounds how long Close waits for executions and connections.
	// Default: 30s
	CloseTimeout time.Duration

	// Hooks provides callbacks for observability events.
	// All hooks are optional - nil hooks are ignored.
	Hooks *Hooks

	// Logger for structured logging.
	// Defaults to a no-op logger if not provided.
	Logger *zap.Logger

	// Clock is the time source of node health.
	// Default: time.Now
	Clock func() time.Time
}

// ClientOption is a functional option for configuring a Client.
// Options are applied in order, so later options override earlier ones.
type ClientOption func(*Config) error

// NewConfig creates a new Config with the given options.
// Required options: WithNodes (or WithNode).
//
// Returns an error if any option fails or if required options are missing.
func NewConfig(opts ...ClientOption) (*Config, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// validate checks that all required fields are set and values are valid.
func (c *Config) validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("at least one node is required")
	}
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}

	for id, addrs := range c.Nodes {
		if len(addrs) == 0 {
			return fmt.Errorf("node %s has no addresses", id)
		}
		for _, a := range addrs {
			if a.Kind == AddressInProcess && c.InProcessDialer == nil {
				return fmt.Errorf("node %s uses in-process address %s but no in-process dialer is configured", id, a)
			}
		}
		if c.ValidateChecksums {
			if err := id.ValidateChecksum(c.LedgerID); err != nil {
				return fmt.Errorf("node %s: %w", id, err)
			}
		}
	}
	if c.Operator != nil {
		if c.Operator.Signer == nil {
			return fmt.Errorf("operator %s has no signer", c.Operator.AccountID)
		}
		if c.ValidateChecksums {
			if err := c.Operator.AccountID.ValidateChecksum(c.LedgerID); err != nil {
				return fmt.Errorf("operator: %w", err)
			}
		}
	}

	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.MinBackoff <= 0 {
		return fmt.Errorf("min backoff must be positive, got %v", c.MinBackoff)
	}
	if c.MaxBackoff < c.MinBackoff {
		return fmt.Errorf("max backoff (%v) must be at least min backoff (%v)", c.MaxBackoff, c.MinBackoff)
	}
	if c.NodeMinBackoff < 0 {
		return fmt.Errorf("node min backoff must not be negative, got %v", c.NodeMinBackoff)
	}
	if c.NodeMaxBackoff < c.NodeMinBackoff {
		return fmt.Errorf("node max backoff (%v) must be at least node min backoff (%v)", c.NodeMaxBackoff, c.NodeMinBackoff)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %v", c.RequestTimeout)
	}
	if c.GRPCDeadline <= 0 {
		return fmt.Errorf("grpc deadline must be positive, got %v", c.GRPCDeadline)
	}
	if c.MaxNodesPerRequest < 0 {
		return fmt.Errorf("max nodes per request must not be negative, got %d", c.MaxNodesPerRequest)
	}
	if c.MaxNodeAttempts < 0 {
		return fmt.Errorf("max node attempts must not be negative, got %d", c.MaxNodeAttempts)
	}
	if c.MaxChunks < 1 {
		return fmt.Errorf("max chunks must be at least 1, got %d", c.MaxChunks)
	}
	if c.CloseTimeout <= 0 {
		return fmt.Errorf("close timeout must be positive, got %v", c.CloseTimeout)
	}
	if c.AddressBookSource != nil {
		if c.AddressBookPeriod <= 0 {
			return fmt.Errorf("address book period must be positive, got %v", c.AddressBookPeriod)
		}
		if c.AddressBookInitialDelay < 0 {
			return fmt.Errorf("address book initial delay must not be negative, got %v", c.AddressBookInitialDelay)
		}
	}

	return nil
}

// ConfigWarning represents a warning about potentially suboptimal configuration.
type ConfigWarning struct {
	// Field is the name of the config field that triggered the warning.
	Field string
	// Message describes the potential issue.
	Message string
	// Suggestion provides a recommended action or value.
	Suggestion string
}

// String returns a human-readable warning message.
func (w ConfigWarning) String() string {
	return fmt.Sprintf("%s: %s (suggestion: %s)", w.Field, w.Message, w.Suggestion)
}

// Warnings returns warnings for suboptimal configuration choices.
func (c *Config) Warnings() []ConfigWarning {
	var warnings []ConfigWarning

	if c.GRPCDeadline > c.RequestTimeout {
		warnings = append(warnings, ConfigWarning{
			Field:      "GRPCDeadline",
			Message:    fmt.Sprintf("per-attempt deadline %v exceeds request timeout %v", c.GRPCDeadline, c.RequestTimeout),
			Suggestion: "keep GRPCDeadline well below RequestTimeout so retries fit in the budget",
		})
	}

	if c.MaxBackoff > c.RequestTimeout {
		warnings = append(warnings, ConfigWarning{
			Field:      "MaxBackoff",
			Message:    fmt.Sprintf("max backoff %v exceeds request timeout %v", c.MaxBackoff, c.RequestTimeout),
			Suggestion: "late attempts will never run; lower MaxBackoff",
		})
	}

	if c.MaxNodesPerRequest > len(c.Nodes) {
		warnings = append(warnings, ConfigWarning{
			Field:      "MaxNodesPerRequest",
			Message:    fmt.Sprintf("max nodes per request %d exceeds node count %d", c.MaxNodesPerRequest, len(c.Nodes)),
			Suggestion: "the bound is clamped to the node count",
		})
	}

	if len(c.Nodes) == 1 {
		warnings = append(warnings, ConfigWarning{
			Field:      "Nodes",
			Message:    "only one node configured, requests cannot fail over",
			Suggestion: "configure at least 3 nodes",
		})
	}

	if c.MaxNodeAttempts == 1 {
		warnings = append(warnings, ConfigWarning{
			Field:      "MaxNodeAttempts",
			Message:    "nodes are evicted after a single failure",
			Suggestion: "use at least 3 to ride out transient errors",
		})
	}

	if c.NodeMinBackoff == 0 {
		warnings = append(warnings, ConfigWarning{
			Field:      "NodeMinBackoff",
			Message:    "failing nodes are never excluded from selection",
			Suggestion: "use a positive backoff such as 8s",
		})
	}

	if c.TransportSecurity {
		hasTLS := false
		for _, addrs := range c.Nodes {
			for _, a := range addrs {
				if a.Kind == AddressTLS {
					hasTLS = true
				}
			}
		}
		if !hasTLS {
			warnings = append(warnings, ConfigWarning{
				Field:      "TransportSecurity",
				Message:    "transport security is enabled but no node has a TLS address",
				Suggestion: "add tls:// addresses or disable TransportSecurity",
			})
		}
	}

	if !c.RegenerateTransactionIDs {
		warnings = append(warnings, ConfigWarning{
			Field:      "RegenerateTransactionIDs",
			Message:    "expired transactions fail instead of being retried with a new identity",
			Suggestion: "enable unless transaction identities must be stable",
		})
	}

	if c.ValidateChecksums && len(c.LedgerID) == 0 {
		warnings = append(warnings, ConfigWarning{
			Field:      "LedgerID",
			Message:    "checksum validation is enabled without a ledger ID",
			Suggestion: "set LedgerID to compute checksums for the right network",
		})
	}

	if c.Operator == nil {
		warnings = append(warnings, ConfigWarning{
			Field:      "Operator",
			Message:    "no operator configured, every transaction needs an explicit transaction ID",
			Suggestion: "set an operator with WithOperator",
		})
	}

	return warnings
}

// LogWarnings logs all configuration warnings.
func (c *Config) LogWarnings() {
	for _, w := range c.Warnings() {
		c.Logger.Warn("suboptimal configuration",
			zap.String("field", w.Field),
			zap.String("message", w.Message),
			zap.String("suggestion", w.Suggestion),
		)
	}
}

// networkConfig derives the topology settings.
func (c *Config) networkConfig() NetworkConfig {
	conn := DefaultConnectionConfig()
	conn.InProcessDialer = c.InProcessDialer
	conn.VerifyCertificates = c.VerifyCertificates

	return NetworkConfig{
		LedgerID:           c.LedgerID,
		MaxNodesPerRequest: c.MaxNodesPerRequest,
		MaxNodeAttempts:    c.MaxNodeAttempts,
		NodeMinBackoff:     c.NodeMinBackoff,
		NodeMaxBackoff:     c.NodeMaxBackoff,
		TransportSecurity:  c.TransportSecurity,
		CloseTimeout:       c.CloseTimeout,
		Connection:         conn,
		Seed:               c.SelectionSeed,
		Now:                c.Clock,
	}
}

// WithNodes sets the initial topology.
// This is a required option (unless WithNode is used).
func WithNodes(nodes map[EntityID][]NodeAddress) ClientOption {
	return func(c *Config) error {
		if len(nodes) == 0 {
			return fmt.Errorf("nodes cannot be empty")
		}
		c.Nodes = make(map[EntityID][]NodeAddress, len(nodes))
		for id, addrs := range nodes {
			c.Nodes[id] = append([]NodeAddress(nil), addrs...)
		}
		return nil
	}
}

// WithNode adds one node given as an account ID and address strings.
func WithNode(accountID string, addresses ...string) ClientOption {
	return func(c *Config) error {
		id, err := ParseEntityID(accountID)
		if err != nil {
			return err
		}
		if len(addresses) == 0 {
			return fmt.Errorf("node %s: at least one address is required", id)
		}
		if c.Nodes == nil {
			c.Nodes = make(map[EntityID][]NodeAddress)
		}
		for _, s := range addresses {
			addr, err := ParseNodeAddress(s)
			if err != nil {
				return fmt.Errorf("node %s: %w", id, err)
			}
			c.Nodes[id] = append(c.Nodes[id], addr)
		}
		return nil
	}
}

// WithLedgerID sets the ledger used for checksums.
func WithLedgerID(ledger LedgerID) ClientOption {
	return func(c *Config) error {
		c.LedgerID = append(LedgerID(nil), ledger...)
		return nil
	}
}

// WithChecksumValidation enables or disables entity checksum validation.
func WithChecksumValidation(enabled bool) ClientOption {
	return func(c *Config) error {
		c.ValidateChecksums = enabled
		return nil
	}
}

// WithTransportSecurity prefers TLS endpoints.
func WithTransportSecurity(enabled bool) ClientOption {
	return func(c *Config) error {
		c.TransportSecurity = enabled
		return nil
	}
}

// WithCertificateVerification enables or disables certificate hash pinning.
func WithCertificateVerification(enabled bool) ClientOption {
	return func(c *Config) error {
		c.VerifyCertificates = enabled
		return nil
	}
}

// WithInProcessDialer sets the dialer for "in-process:" addresses.
func WithInProcessDialer(dialer Dialer) ClientOption {
	return func(c *Config) error {
		if dialer == nil {
			return fmt.Errorf("dialer cannot be nil")
		}
		c.InProcessDialer = dialer
		return nil
	}
}

// WithOperator sets the paying account and its signer.
func WithOperator(accountID EntityID, signer Signer) ClientOption {
	return func(c *Config) error {
		if signer == nil {
			return fmt.Errorf("operator signer cannot be nil")
		}
		c.Operator = &Operator{AccountID: accountID.key(), Signer: signer}
		return nil
	}
}

// WithMaxNodesPerRequest sets the selection bound. Zero restores the default.
func WithMaxNodesPerRequest(max int) ClientOption {
	return func(c *Config) error {
		if max < 0 {
			return fmt.Errorf("max nodes per request must not be negative, got %d", max)
		}
		c.MaxNodesPerRequest = max
		return nil
	}
}

// WithMaxNodeAttempts sets the eviction threshold. Zero disables eviction.
func WithMaxNodeAttempts(max int) ClientOption {
	return func(c *Config) error {
		if max < 0 {
			return fmt.Errorf("max node attempts must not be negative, got %d", max)
		}
		c.MaxNodeAttempts = max
		return nil
	}
}

// WithNodeBackoff sets the exclusion bounds of failing nodes.
func WithNodeBackoff(min, max time.Duration) ClientOption {
	return func(c *Config) error {
		c.NodeMinBackoff = min
		c.NodeMaxBackoff = max
		return nil
	}
}

// WithSelectionSeed makes node shuffling deterministic.
func WithSelectionSeed(seed uint64) ClientOption {
	return func(c *Config) error {
		c.SelectionSeed = seed
		return nil
	}
}

// WithMaxAttempts sets the attempt budget of one execution.
func WithMaxAttempts(n int) ClientOption {
	return func(c *Config) error {
		if n < 1 {
			return fmt.Errorf("max attempts must be at least 1, got %d", n)
		}
		c.MaxAttempts = n
		return nil
	}
}

// WithBackoff sets the wait bounds between attempts.
func WithBackoff(min, max time.Duration) ClientOption {
	return func(c *Config) error {
		c.MinBackoff = min
		c.MaxBackoff = max
		return nil
	}
}

// WithRequestTimeout bounds one execution.
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Config) error {
		if timeout <= 0 {
			return fmt.Errorf("request timeout must be positive, got %v", timeout)
		}
		c.RequestTimeout = timeout
		return nil
	}
}

// WithGRPCDeadline bounds one attempt.
func WithGRPCDeadline(deadline time.Duration) ClientOption {
	return func(c *Config) error {
		if deadline <= 0 {
			return fmt.Errorf("grpc deadline must be positive, got %v", deadline)
		}
		c.GRPCDeadline = deadline
		return nil
	}
}

// WithTransactionIDRegeneration enables or disables replacing expired identities.
func WithTransactionIDRegeneration(enabled bool) ClientOption {
	return func(c *Config) error {
		c.RegenerateTransactionIDs = enabled
		return nil
	}
}

// WithMaxChunks bounds how many chunks a transaction may be split into.
func WithMaxChunks(max int) ClientOption {
	return func(c *Config) error {
		if max < 1 {
			return fmt.Errorf("max chunks must be at least 1, got %d", max)
		}
		c.MaxChunks = max
		return nil
	}
}

// WithDefaultMaxTransactionFee sets the fee of transactions that set none.
func WithDefaultMaxTransactionFee(fee uint64) ClientOption {
	return func(c *Config) error {
		c.DefaultMaxTransactionFee = fee
		return nil
	}
}

// WithAddressBookRefresh enables the periodic address book refresh.
func WithAddressBookRefresh(source AddressBookSource, initialDelay, period time.Duration) ClientOption {
	return func(c *Config) error {
		if source == nil {
			return fmt.Errorf("address book source cannot be nil")
		}
		c.AddressBookSource = source
		c.AddressBookInitialDelay = initialDelay
		c.AddressBookPeriod = period
		return nil
	}
}

// WithRefreshTimer replaces the timer driving the address book refresh.
func WithRefreshTimer(t timer.Timer) ClientOption {
	return func(c *Config) error {
		if t == nil {
			return fmt.Errorf("timer cannot be nil")
		}
		c.RefreshTimer = t
		return nil
	}
}

// WithCloseTimeout bounds Close.
func WithCloseTimeout(timeout time.Duration) ClientOption {
	return func(c *Config) error {
		if timeout <= 0 {
			return fmt.Errorf("close timeout must be positive, got %v", timeout)
		}
		c.CloseTimeout = timeout
		return nil
	}
}

// WithHooks sets the observability hooks.
func WithHooks(hooks *Hooks) ClientOption {
	return func(c *Config) error {
		c.Hooks = hooks.Clone()
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Config) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		c.Logger = logger
		return nil
	}
}

// WithClock sets the time source of node health.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Config) error {
		if now == nil {
			return fmt.Errorf("clock cannot be nil")
		}
		c.Clock = now
		return nil
	}
}

// Preset configurations for common use cases

// DefaultConfig returns a configuration suitable for public networks.
// Nodes still need to be added.
//
// Settings:
//   - MaxAttempts: 10
//   - MinBackoff: 250ms, MaxBackoff: 8s
//   - NodeMinBackoff: 8s, NodeMaxBackoff: 1h
//   - RequestTimeout: 2m, GRPCDeadline: 10s
//   - AddressBookInitialDelay: 10s, AddressBookPeriod: 24h
func DefaultConfig() Config {
	return Config{
		VerifyCertificates:       true,
		MaxAttempts:              10,
		MinBackoff:               250 * time.Millisecond,
		MaxBackoff:               8 * time.Second,
		NodeMinBackoff:           8 * time.Second,
		NodeMaxBackoff:           time.Hour,
		RequestTimeout:           2 * time.Minute,
		GRPCDeadline:             10 * time.Second,
		RegenerateTransactionIDs: true,
		MaxChunks:                defaultMaxChunks,
		DefaultMaxTransactionFee: defaultMaxTransactionFee,
		AddressBookInitialDelay:  10 * time.Second,
		AddressBookPeriod:        24 * time.Hour,
		CloseTimeout:             30 * time.Second,
		Logger:                   zap.NewNop(),
		Clock:                    time.Now,
	}
}

// LocalConfig returns a configuration for local networks and tests: short waits so
// failures surface quickly.
//
// Settings:
//   - MaxAttempts: 5
//   - MinBackoff: 10ms, MaxBackoff: 100ms
//   - NodeMinBackoff: 100ms, NodeMaxBackoff: 5s
//   - RequestTimeout: 10s, GRPCDeadline: 2s
func LocalConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 5
	cfg.MinBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 100 * time.Millisecond
	cfg.NodeMinBackoff = 100 * time.Millisecond
	cfg.NodeMaxBackoff = 5 * time.Second
	cfg.RequestTimeout = 10 * time.Second
	cfg.GRPCDeadline = 2 * time.Second
	cfg.CloseTimeout = 5 * time.Second
	return cfg
}

// WithPreset replaces every setting with a preset, keeping nodes, operator, hooks and
// logger already configured. Apply it first.
func WithPreset(preset Config) ClientOption {
	return func(c *Config) error {
		nodes, op, hooks, logger := c.Nodes, c.Operator, c.Hooks, c.Logger
		*c = preset
		if nodes != nil {
			c.Nodes = nodes
		}
		if op != nil {
			c.Operator = op
		}
		if hooks != nil {
			c.Hooks = hooks
		}
		if logger != nil {
			c.Logger = logger
		}
		return nil
	}
}
