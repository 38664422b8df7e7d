package ledgerclient

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/edgedlt/ledgerclient/internal/wire"
)

// NodeAddressBook field numbers.
const (
	bookNodeAddress = 1

	nodeAddressNodeID          = 5
	nodeAddressAccountID       = 6
	nodeAddressCertHash        = 7
	nodeAddressServiceEndpoint = 8
	nodeAddressDescription     = 9

	endpointIPv4   = 1
	endpointPort   = 2
	endpointDomain = 3
)

// Endpoint is one service endpoint of an address book entry.
type Endpoint struct {
	Host string
	Port int
}

// AddressBookEntry describes one node in an address book.
type AddressBookEntry struct {
	NodeID      int64
	AccountID   EntityID
	Endpoints   []Endpoint
	CertHash    []byte
	Description string
}

// AddressBook is the authoritative node list published by the network.
type AddressBook struct {
	Entries []AddressBookEntry
}

// AddressBookSource reads the current address book.
type AddressBookSource interface {
	FetchAddressBook(ctx context.Context) (*AddressBook, error)
}

// AddressBookSourceFunc adapts a function to AddressBookSource.
type AddressBookSourceFunc func(ctx context.Context) (*AddressBook, error)

func (f AddressBookSourceFunc) FetchAddressBook(ctx context.Context) (*AddressBook, error) {
	return f(ctx)
}

// StaticAddressBookSource returns the same encoded address book on every fetch.
func StaticAddressBookSource(encoded []byte) AddressBookSource {
	return AddressBookSourceFunc(func(context.Context) (*AddressBook, error) {
		return ParseAddressBook(encoded)
	})
}

// ParseAddressBook decodes a NodeAddressBook message.
func ParseAddressBook(b []byte) (*AddressBook, error) {
	fields, err := wire.Fields(b)
	if err != nil {
		return nil, fmt.Errorf("parse address book: %w", err)
	}

	book := &AddressBook{}
	for _, f := range fields {
		if f.Num != bookNodeAddress || f.Type != protowire.BytesType {
			continue
		}
		entry, err := parseAddressBookEntry(f.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse address book entry %d: %w", len(book.Entries), err)
		}
		book.Entries = append(book.Entries, entry)
	}
	return book, nil
}

func parseAddressBookEntry(b []byte) (AddressBookEntry, error) {
	fields, err := wire.Fields(b)
	if err != nil {
		return AddressBookEntry{}, err
	}

	var e AddressBookEntry
	for _, f := range fields {
		switch f.Num {
		case nodeAddressNodeID:
			e.NodeID = int64(f.Varint)
		case nodeAddressAccountID:
			id, err := wire.DecodeAccountID(f.Bytes)
			if err != nil {
				return AddressBookEntry{}, err
			}
			e.AccountID = entityIDFromWire(id)
		case nodeAddressCertHash:
			e.CertHash = append([]byte(nil), f.Bytes...)
		case nodeAddressServiceEndpoint:
			ep, err := parseEndpoint(f.Bytes)
			if err != nil {
				return AddressBookEntry{}, err
			}
			e.Endpoints = append(e.Endpoints, ep)
		case nodeAddressDescription:
			e.Description = string(f.Bytes)
		}
	}
	return e, nil
}

func parseEndpoint(b []byte) (Endpoint, error) {
	fields, err := wire.Fields(b)
	if err != nil {
		return Endpoint{}, err
	}

	var ep Endpoint
	for _, f := range fields {
		switch f.Num {
		case endpointIPv4:
			if len(f.Bytes) != net.IPv4len {
				return Endpoint{}, fmt.Errorf("%w: ipv4 address of %d bytes", wire.ErrMalformed, len(f.Bytes))
			}
			if ep.Host == "" {
				ep.Host = net.IP(f.Bytes).String()
			}
		case endpointPort:
			ep.Port = int(int32(f.Varint))
		case endpointDomain:
			if len(f.Bytes) > 0 {
				ep.Host = string(f.Bytes)
			}
		}
	}
	return ep, nil
}

// Marshal encodes the book as a NodeAddressBook message.
func (b *AddressBook) Marshal() []byte {
	var out []byte
	for _, e := range b.Entries {
		var entry []byte
		if e.NodeID != 0 {
			entry = protowire.AppendTag(entry, nodeAddressNodeID, protowire.VarintType)
			entry = protowire.AppendVarint(entry, uint64(e.NodeID))
		}
		entry = wire.AppendMessage(entry, nodeAddressAccountID, wire.EncodeAccountID(e.AccountID.toWire()))
		if len(e.CertHash) > 0 {
			entry = wire.AppendMessage(entry, nodeAddressCertHash, e.CertHash)
		}
		for _, ep := range e.Endpoints {
			var msg []byte
			if ip := net.ParseIP(ep.Host).To4(); ip != nil {
				msg = wire.AppendMessage(msg, endpointIPv4, ip)
			} else {
				msg = wire.AppendMessage(msg, endpointDomain, []byte(ep.Host))
			}
			msg = protowire.AppendTag(msg, endpointPort, protowire.VarintType)
			msg = protowire.AppendVarint(msg, uint64(ep.Port))
			entry = wire.AppendMessage(entry, nodeAddressServiceEndpoint, msg)
		}
		if e.Description != "" {
			entry = wire.AppendMessage(entry, nodeAddressDescription, []byte(e.Description))
		}
		out = wire.AppendMessage(out, bookNodeAddress, entry)
	}
	return out
}

// NodeEntries maps the book to topology entries. TLS endpoints carry the entry's
// certificate hash. Endpoints without a host or port are skipped.
func (b *AddressBook) NodeEntries() []NodeEntry {
	var entries []NodeEntry
	for _, e := range b.Entries {
		if e.AccountID == (EntityID{}) {
			continue
		}
		for _, ep := range e.Endpoints {
			if ep.Host == "" || ep.Port <= 0 || ep.Port > 65535 {
				continue
			}
			addr, err := ParseNodeAddress(net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port)))
			if err != nil {
				continue
			}
			entry := NodeEntry{AccountID: e.AccountID, Address: addr}
			if addr.Kind == AddressTLS {
				entry.CertHash = e.CertHash
			}
			entries = append(entries, entry)
		}
	}
	return entries
}

// RefreshFromAddressBook replaces the node set with the nodes of the book.
// A book without a single usable endpoint is rejected and the topology is kept.
func (n *Network) RefreshFromAddressBook(book *AddressBook) error {
	if book == nil {
		return fmt.Errorf("refresh from address book: %w", ErrNoNodes)
	}
	entries := book.NodeEntries()
	if len(entries) == 0 {
		return fmt.Errorf("address book with %d entries has no usable endpoints: %w", len(book.Entries), ErrNoNodes)
	}
	return n.SetNodeEntries(entries)
}
