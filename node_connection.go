package ledgerclient

import (
	"context"
	"crypto/sha512"
	"crypto/tls"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/edgedlt/ledgerclient/internal/wire"
)

// Dialer opens in-process connections for AddressInProcess endpoints.
type Dialer func(ctx context.Context, name string) (net.Conn, error)

// ConnectionConfig configures how NodeConnections are established.
type ConnectionConfig struct {
	// InProcessDialer is required for in-process addresses.
	InProcessDialer Dialer

	// Authority overrides the :authority header on TLS channels.
	// Default: "127.0.0.1"
	Authority string

	// VerifyCertificates pins TLS channels to the address book certificate hash when known.
	// Default: true
	VerifyCertificates bool

	// KeepAlive is applied to TLS channels.
	KeepAlive keepalive.ClientParameters

	// ProbeInterval is the polling interval of ProbeConnected.
	// Default: 50ms
	ProbeInterval time.Duration

	// ProbeAttempts bounds the number of polls of ProbeConnected.
	// Default: 20
	ProbeAttempts int
}

// DefaultConnectionConfig returns sensible defaults.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		Authority:          "127.0.0.1",
		VerifyCertificates: true,
		KeepAlive: keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		},
		ProbeInterval: 50 * time.Millisecond,
		ProbeAttempts: 20,
	}
}

// channel is one generation of a gRPC client connection. active counts calls in flight.
type channel struct {
	cc     *grpc.ClientConn
	active sync.WaitGroup
}

// NodeConnection owns the transport channel to one node address.
// The channel is created on first use; at most one exists at a time. Thread-safe.
type NodeConnection struct {
	mu sync.Mutex

	address  NodeAddress
	certHash []byte
	cfg      ConnectionConfig
	ch       *channel

	logger *zap.Logger
}

// NewNodeConnection creates an unconnected NodeConnection.
func NewNodeConnection(address NodeAddress, certHash []byte, cfg ConnectionConfig, logger *zap.Logger) *NodeConnection {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 50 * time.Millisecond
	}
	if cfg.ProbeAttempts <= 0 {
		cfg.ProbeAttempts = 20
	}
	return &NodeConnection{
		address:  address,
		certHash: certHash,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "node_connection"), zap.String("address", address.String())),
	}
}

// Address returns the endpoint this connection dials.
func (c *NodeConnection) Address() NodeAddress { return c.address }

// Conn returns the channel, creating it on first use.
func (c *NodeConnection) Conn() (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.channelLocked()
	if err != nil {
		return nil, err
	}
	return ch.cc, nil
}

// IsOpen reports whether a channel currently exists.
func (c *NodeConnection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch != nil
}

func (c *NodeConnection) channelLocked() (*channel, error) {
	if c.ch != nil {
		return c.ch, nil
	}

	opts, err := c.dialOptions()
	if err != nil {
		return nil, err
	}
	cc, err := grpc.NewClient(c.address.Target(), opts...)
	if err != nil {
		return nil, fmt.Errorf("create channel to %s: %w", c.address, err)
	}

	c.logger.Debug("channel created", zap.String("kind", c.address.Kind.String()))
	c.ch = &channel{cc: cc}
	return c.ch, nil
}

func (c *NodeConnection) dialOptions() ([]grpc.DialOption, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.ForceCodec(wire.Codec{})),
	}

	switch c.address.Kind {
	case AddressPlaintext:
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))

	case AddressTLS:
		tlsCfg := &tls.Config{
			MinVersion: tls.VersionTLS12,
			// Node certificates are self-signed; identity comes from the address book hash.
			InsecureSkipVerify: true,
		}
		if c.cfg.VerifyCertificates && len(c.certHash) > 0 {
			tlsCfg.VerifyConnection = verifyCertHash(c.certHash)
		}
		opts = append(opts,
			grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)),
			grpc.WithKeepaliveParams(c.cfg.KeepAlive),
		)
		if c.cfg.Authority != "" {
			opts = append(opts, grpc.WithAuthority(c.cfg.Authority))
		}

	case AddressInProcess:
		if c.cfg.InProcessDialer == nil {
			return nil, fmt.Errorf("no in-process dialer configured for %s", c.address)
		}
		dial := c.cfg.InProcessDialer
		name := c.address.Name
		opts = append(opts,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return dial(ctx, name)
			}),
		)

	default:
		return nil, fmt.Errorf("unsupported address kind %s", c.address.Kind)
	}

	return opts, nil
}

// verifyCertHash compares the hex SHA-384 of the PEM-encoded leaf certificate with the
// expected hash. The expected hash may be the raw 48 bytes or their hex text.
func verifyCertHash(expected []byte) func(tls.ConnectionState) error {
	want := strings.ToLower(string(expected))
	if len(expected) == sha512.Size384 {
		want = hex.EncodeToString(expected)
	}
	return func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return errors.New("node presented no certificate")
		}
		pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cs.PeerCertificates[0].Raw})
		sum := sha512.Sum384(pemBytes)
		if got := hex.EncodeToString(sum[:]); got != want {
			return fmt.Errorf("node certificate hash mismatch: got %s, want %s", got, want)
		}
		return nil
	}
}

// Invoke performs one unary call with a pre-encoded request and returns the raw reply.
func (c *NodeConnection) Invoke(ctx context.Context, method string, request []byte) ([]byte, error) {
	c.mu.Lock()
	ch, err := c.channelLocked()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	ch.active.Add(1)
	c.mu.Unlock()
	defer ch.active.Done()

	var reply []byte
	if err := ch.cc.Invoke(ctx, method, request, &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// probeStep reports whether polling is finished (done) and whether the channel is ready.
func probeStep(state connectivity.State, attempt, maxAttempts int, deadline time.Time) (done, ready bool) {
	if state == connectivity.Ready {
		return true, true
	}
	if attempt >= maxAttempts || !time.Now().Before(deadline) {
		return true, false
	}
	return false, false
}

// ProbeConnected blocks until the channel is ready, the deadline passes or the poll
// budget is spent, and reports whether it became ready. A poll ends early when the
// channel changes state.
func (c *NodeConnection) ProbeConnected(deadline time.Time) bool {
	cc, err := c.Conn()
	if err != nil {
		return false
	}
	cc.Connect()

	for attempt := 1; ; attempt++ {
		state := cc.GetState()
		if done, ready := probeStep(state, attempt, c.cfg.ProbeAttempts, deadline); done {
			return ready
		}
		wait := c.cfg.ProbeInterval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		cc.WaitForStateChange(ctx, state)
		cancel()
	}
}

// ProbeConnectedAsync is the non-blocking form of ProbeConnected. It returns
// immediately and calls done exactly once, from another goroutine, with the same
// result ProbeConnected would have produced.
func (c *NodeConnection) ProbeConnectedAsync(deadline time.Time, done func(ready bool)) {
	cc, err := c.Conn()
	if err != nil {
		go done(false)
		return
	}
	cc.Connect()

	var poll func(attempt int)
	poll = func(attempt int) {
		if finished, ready := probeStep(cc.GetState(), attempt, c.cfg.ProbeAttempts, deadline); finished {
			done(ready)
			return
		}
		time.AfterFunc(c.cfg.ProbeInterval, func() { poll(attempt + 1) })
	}
	go poll(1)
}

// Close drains in-flight calls for up to timeout, then closes the channel.
// It is idempotent; a later Conn or Invoke creates a fresh channel.
func (c *NodeConnection) Close(timeout time.Duration) error {
	c.mu.Lock()
	ch := c.ch
	c.ch = nil
	c.mu.Unlock()

	if ch == nil {
		return nil
	}

	drained := make(chan struct{})
	go func() {
		ch.active.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(timeout):
		c.logger.Warn("closing channel with calls still in flight", zap.Duration("timeout", timeout))
	}

	if err := ch.cc.Close(); err != nil {
		return fmt.Errorf("close channel to %s: %w", c.address, err)
	}
	c.logger.Debug("channel closed")
	return nil
}
