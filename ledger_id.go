package ledgerclient

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// LedgerID identifies the network a client talks to. It feeds the entity checksum.
type LedgerID []byte

// Well-known ledgers.
var (
	LedgerMainnet    = LedgerID{0x00}
	LedgerTestnet    = LedgerID{0x01}
	LedgerPreviewnet = LedgerID{0x02}
)

// LedgerIDFromString accepts "mainnet", "testnet", "previewnet" or a hex string.
func LedgerIDFromString(s string) (LedgerID, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mainnet":
		return LedgerMainnet, nil
	case "testnet":
		return LedgerTestnet, nil
	case "previewnet":
		return LedgerPreviewnet, nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid ledger ID %q: %w", s, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("invalid ledger ID %q: empty", s)
	}
	return LedgerID(raw), nil
}

// String returns the well-known name or the hex encoding.
func (l LedgerID) String() string {
	switch {
	case l.Equal(LedgerMainnet):
		return "mainnet"
	case l.Equal(LedgerTestnet):
		return "testnet"
	case l.Equal(LedgerPreviewnet):
		return "previewnet"
	default:
		return hex.EncodeToString(l)
	}
}

// Equal reports whether both ledgers have the same bytes.
func (l LedgerID) Equal(other LedgerID) bool { return bytes.Equal(l, other) }
