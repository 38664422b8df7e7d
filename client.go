package ledgerclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/edgedlt/ledgerclient/internal/wire"
)

// Ping is a balance query for the node's own account.
const (
	pingMethod                    = "/proto.CryptoService/cryptoGetBalance"
	pingQueryField          int32 = 7
	pingQueryAccountIDField       = 2
)

// Client is the context object every execution runs against. It owns the network,
// the in-flight tracker and the optional address book refresher.
type Client struct {
	cfg *Config

	network   *Network
	engine    *engine
	tracker   *RequestTracker
	refresher *AddressBookRefresher

	opMu     sync.RWMutex
	operator *Operator

	closeOnce sync.Once
	closeErr  error

	logger *zap.Logger
}

// NewClient creates a client from options. The network is built from the configured
// nodes and the address book refresher is started when a source is configured.
func NewClient(opts ...ClientOption) (*Client, error) {
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}
	return newClient(cfg)
}

// NewClientFromConfig creates a client from a Config built elsewhere.
func NewClientFromConfig(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return newClient(&cfg)
}

func newClient(cfg *Config) (*Client, error) {
	logger := cfg.Logger.With(zap.String("component", "client"))
	cfg.LogWarnings()

	network := NewNetwork(cfg.networkConfig(), cfg.Hooks, cfg.Logger)
	if err := network.SetNodes(cfg.Nodes); err != nil {
		return nil, fmt.Errorf("initial topology: %w", err)
	}

	c := &Client{
		cfg:      cfg,
		network:  network,
		tracker:  NewRequestTracker(cfg.Logger),
		operator: cfg.Operator,
		engine: &engine{
			network:        network,
			maxAttempts:    cfg.MaxAttempts,
			minBackoff:     cfg.MinBackoff,
			maxBackoff:     cfg.MaxBackoff,
			requestTimeout: cfg.RequestTimeout,
			grpcDeadline:   cfg.GRPCDeadline,
			hooks:          cfg.Hooks,
			logger:         cfg.Logger.With(zap.String("component", "execution")),
		},
		logger: logger,
	}

	if cfg.AddressBookSource != nil {
		c.refresher = NewAddressBookRefresher(cfg.AddressBookSource, network, RefresherConfig{
			InitialDelay: cfg.AddressBookInitialDelay,
			Period:       cfg.AddressBookPeriod,
			Timer:        cfg.RefreshTimer,
		}, cfg.Hooks, cfg.Logger)
		c.refresher.Start()
	}

	logger.Info("client started",
		zap.Int("nodes", len(cfg.Nodes)),
		zap.Bool("address_book_refresh", c.refresher != nil))
	return c, nil
}

// Network returns the client's topology.
func (c *Client) Network() *Network { return c.network }

// Config returns a copy of the configuration the client was created with.
func (c *Client) Config() Config { return *c.cfg }

// Operator returns the current operator, or nil.
func (c *Client) Operator() *Operator {
	c.opMu.RLock()
	defer c.opMu.RUnlock()
	return c.operator
}

// SetOperator replaces the paying account. Transactions already frozen keep the
// identity they were frozen with.
func (c *Client) SetOperator(accountID EntityID, signer Signer) error {
	if signer == nil {
		return errors.New("operator signer cannot be nil")
	}
	if c.cfg.ValidateChecksums {
		if err := accountID.ValidateChecksum(c.network.LedgerID()); err != nil {
			return fmt.Errorf("operator: %w", err)
		}
	}
	c.opMu.Lock()
	c.operator = &Operator{AccountID: accountID.key(), Signer: signer}
	c.opMu.Unlock()
	return nil
}

// RequestStats returns the in-flight tracker statistics.
func (c *Client) RequestStats() RequestTrackerStats { return c.tracker.Stats() }

// pingQuery asks a node for the balance of its own account.
type pingQuery struct {
	node EntityID
}

func (p pingQuery) Method() string { return pingMethod }

func (p pingQuery) BuildQuery(header []byte) (BodyData, error) {
	data := wire.AppendMessage(nil, 1, header)
	data = wire.AppendMessage(data, pingQueryAccountIDField, wire.EncodeAccountID(p.node.toWire()))
	return BodyData{Field: pingQueryField, Data: data}, nil
}

func (p pingQuery) ValidateEmbeddedIDs(LedgerID) error { return nil }

// Ping sends a balance query to one node and reports whether it answered.
func (c *Client) Ping(ctx context.Context, id EntityID) error {
	id = id.key()
	if c.network.NodeFor(id) == nil {
		return fmt.Errorf("ping %s: %w", id, ErrUnknownNode)
	}
	_, err := NewQuery(pingQuery{node: id}).
		SetNodeAccountIDs([]EntityID{id}).
		Execute(ctx, c)
	if err != nil {
		return fmt.Errorf("ping %s: %w", id, err)
	}
	return nil
}

// PingAll pings every node identifier in parallel and returns the first failure.
func (c *Client) PingAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range c.network.NodeIDs() {
		g.Go(func() error {
			return c.Ping(ctx, id)
		})
	}
	return g.Wait()
}

// RefreshAddressBook fetches the address book from the configured source and applies
// it immediately.
func (c *Client) RefreshAddressBook(ctx context.Context) error {
	if c.refresher == nil {
		return errors.New("no address book source configured")
	}
	if c.tracker.Stats().Closing {
		return ErrClientClosed
	}
	return c.refresher.Refresh(ctx)
}

// Close stops the refresher, waits up to CloseTimeout for executions in flight,
// cancels the rest and closes every connection. It is idempotent; executions started
// after Close fail with ErrClientClosed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		start := time.Now()
		if c.refresher != nil {
			c.refresher.Stop()
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CloseTimeout)
		cancelled := c.tracker.Shutdown(ctx)
		cancel()

		remaining := c.cfg.CloseTimeout - time.Since(start)
		if remaining <= 0 {
			remaining = time.Millisecond
		}
		c.closeErr = c.network.Close(remaining)

		c.logger.Info("client closed",
			zap.Int("cancelled_requests", cancelled),
			zap.Duration("duration", time.Since(start)),
			zap.Error(c.closeErr))
	})
	return c.closeErr
}
