package ledgerclient

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// AddressKind selects the transport used to reach a node.
type AddressKind uint8

const (
	// AddressPlaintext is an unencrypted gRPC endpoint.
	AddressPlaintext AddressKind = iota

	// AddressTLS is a TLS gRPC endpoint, optionally pinned to a certificate hash.
	AddressTLS

	// AddressInProcess is reached through the configured in-process dialer.
	AddressInProcess
)

// Well-known node ports.
const (
	PortPlaintext = 50211
	PortTLS       = 50212
)

const (
	tlsScheme       = "tls://"
	inProcessScheme = "in-process:"
)

// String returns a human-readable name for the kind.
func (k AddressKind) String() string {
	switch k {
	case AddressPlaintext:
		return "plaintext"
	case AddressTLS:
		return "tls"
	case AddressInProcess:
		return "in-process"
	default:
		return "unknown"
	}
}

// NodeAddress is one network endpoint of a node.
type NodeAddress struct {
	Kind AddressKind
	Host string
	Port int

	// Name identifies an in-process endpoint.
	Name string
}

// ParseNodeAddress parses "host:port", "tls://host:port" or "in-process:name".
// Bare host:port addresses on port 50212 or 443 are treated as TLS.
func ParseNodeAddress(s string) (NodeAddress, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, inProcessScheme):
		name := strings.TrimPrefix(s, inProcessScheme)
		if name == "" {
			return NodeAddress{}, fmt.Errorf("invalid in-process address %q: empty name", s)
		}
		return NodeAddress{Kind: AddressInProcess, Name: name}, nil

	case strings.HasPrefix(s, tlsScheme):
		addr, err := parseHostPort(strings.TrimPrefix(s, tlsScheme))
		if err != nil {
			return NodeAddress{}, err
		}
		addr.Kind = AddressTLS
		return addr, nil

	default:
		addr, err := parseHostPort(s)
		if err != nil {
			return NodeAddress{}, err
		}
		if addr.Port == PortTLS || addr.Port == 443 {
			addr.Kind = AddressTLS
		}
		return addr, nil
	}
}

// MustParseNodeAddress is ParseNodeAddress that panics on error.
func MustParseNodeAddress(s string) NodeAddress {
	addr, err := ParseNodeAddress(s)
	if err != nil {
		panic(err)
	}
	return addr
}

func parseHostPort(s string) (NodeAddress, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return NodeAddress{}, fmt.Errorf("invalid node address %q: %w", s, err)
	}
	if host == "" {
		return NodeAddress{}, fmt.Errorf("invalid node address %q: empty host", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return NodeAddress{}, fmt.Errorf("invalid node address %q: bad port", s)
	}
	return NodeAddress{Kind: AddressPlaintext, Host: host, Port: port}, nil
}

// Target returns the gRPC dial target.
func (a NodeAddress) Target() string {
	if a.Kind == AddressInProcess {
		return "passthrough:///" + a.Name
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// String returns the address in the form ParseNodeAddress accepts.
func (a NodeAddress) String() string {
	switch a.Kind {
	case AddressInProcess:
		return inProcessScheme + a.Name
	case AddressTLS:
		return tlsScheme + net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
	default:
		return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
	}
}
