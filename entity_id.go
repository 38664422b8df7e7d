package ledgerclient

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/edgedlt/ledgerclient/internal/wire"
)

// EVMAddress is a 20-byte EVM-style alias for an entity.
type EVMAddress [20]byte

// IsZero reports whether the address is unset.
func (a EVMAddress) IsZero() bool { return a == EVMAddress{} }

// String returns the hex encoding without a 0x prefix.
func (a EVMAddress) String() string { return hex.EncodeToString(a[:]) }

// EntityID identifies any ledger entity (account, contract, token, topic, file, node).
// It is a comparable value type and can be used as a map key.
type EntityID struct {
	Shard uint64
	Realm uint64
	Num   uint64

	// Alias is set when the entity is addressed by its EVM address instead of Num.
	Alias EVMAddress

	// checksum is the checksum parsed from a "s.r.n-abcde" string, if any.
	checksum string
}

// ChecksumValidator is implemented by identifiers that can verify an embedded checksum.
// Payload kinds call it from ValidateEmbeddedIDs.
type ChecksumValidator interface {
	ValidateChecksum(ledger LedgerID) error
}

// NewEntityID returns the identifier shard.realm.num.
func NewEntityID(shard, realm, num uint64) EntityID {
	return EntityID{Shard: shard, Realm: realm, Num: num}
}

// ParseEntityID parses "s.r.n", "s.r.n-abcde", "0x<40 hex>" or "s.r.<40 hex>".
func ParseEntityID(s string) (EntityID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return EntityID{}, fmt.Errorf("empty entity ID")
	}

	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		alias, err := parseEVMAddress(s[2:])
		if err != nil {
			return EntityID{}, err
		}
		return EntityID{Alias: alias}, nil
	}

	var checksum string
	if i := strings.IndexByte(s, '-'); i >= 0 {
		checksum = s[i+1:]
		s = s[:i]
		if len(checksum) != 5 || strings.Trim(checksum, "abcdefghijklmnopqrstuvwxyz") != "" {
			return EntityID{}, fmt.Errorf("invalid checksum %q", checksum)
		}
	}

	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return EntityID{}, fmt.Errorf("invalid entity ID %q: expected shard.realm.num", s)
	}

	shard, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return EntityID{}, fmt.Errorf("invalid shard in %q: %w", s, err)
	}
	realm, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return EntityID{}, fmt.Errorf("invalid realm in %q: %w", s, err)
	}

	id := EntityID{Shard: shard, Realm: realm, checksum: checksum}
	if len(parts[2]) == 40 {
		if checksum != "" {
			return EntityID{}, fmt.Errorf("checksum not allowed on alias %q", s)
		}
		if id.Alias, err = parseEVMAddress(parts[2]); err != nil {
			return EntityID{}, err
		}
		return id, nil
	}

	if id.Num, err = strconv.ParseUint(parts[2], 10, 64); err != nil {
		return EntityID{}, fmt.Errorf("invalid num in %q: %w", s, err)
	}
	return id, nil
}

// MustParseEntityID is ParseEntityID that panics on error. Intended for constants and tests.
func MustParseEntityID(s string) EntityID {
	id, err := ParseEntityID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func parseEVMAddress(s string) (EVMAddress, error) {
	var a EVMAddress
	raw, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("invalid EVM address %q: %w", s, err)
	}
	if len(raw) != len(a) {
		return a, fmt.Errorf("invalid EVM address %q: expected 20 bytes, got %d", s, len(raw))
	}
	copy(a[:], raw)
	return a, nil
}

// String returns "s.r.n" (or "s.r.<hex alias>"), without checksum.
func (id EntityID) String() string {
	if !id.Alias.IsZero() {
		return fmt.Sprintf("%d.%d.%s", id.Shard, id.Realm, id.Alias)
	}
	return fmt.Sprintf("%d.%d.%d", id.Shard, id.Realm, id.Num)
}

// StringWithChecksum returns "s.r.n-abcde" for the given ledger.
func (id EntityID) StringWithChecksum(ledger LedgerID) string {
	if !id.Alias.IsZero() {
		return id.String()
	}
	return id.String() + "-" + Checksum(ledger, id.String())
}

// Checksum returns the checksum parsed together with the identifier, if any.
func (id EntityID) Checksum() string { return id.checksum }

// ValidateChecksum verifies a parsed checksum against the ledger. Identifiers without
// a checksum are always valid.
func (id EntityID) ValidateChecksum(ledger LedgerID) error {
	if id.checksum == "" || !id.Alias.IsZero() {
		return nil
	}
	expected := Checksum(ledger, id.String())
	if expected != id.checksum {
		return &ChecksumError{ID: id.String(), Expected: expected, Got: id.checksum}
	}
	return nil
}

// Equal compares identifiers ignoring any parsed checksum.
func (id EntityID) Equal(other EntityID) bool {
	return id.Shard == other.Shard && id.Realm == other.Realm && id.Num == other.Num && id.Alias == other.Alias
}

// key strips the checksum so identifiers parsed with and without one map to the same entry.
func (id EntityID) key() EntityID {
	id.checksum = ""
	return id
}

// Less orders identifiers by shard, realm, num, then alias.
func (id EntityID) Less(other EntityID) bool {
	if id.Shard != other.Shard {
		return id.Shard < other.Shard
	}
	if id.Realm != other.Realm {
		return id.Realm < other.Realm
	}
	if id.Num != other.Num {
		return id.Num < other.Num
	}
	return string(id.Alias[:]) < string(other.Alias[:])
}

// ToEVMAddress returns the alias if set, otherwise the long-zero form
// (4-byte shard, 8-byte realm, 8-byte num).
func (id EntityID) ToEVMAddress() EVMAddress {
	if !id.Alias.IsZero() {
		return id.Alias
	}
	var a EVMAddress
	binary.BigEndian.PutUint32(a[0:4], uint32(id.Shard))
	binary.BigEndian.PutUint64(a[4:12], id.Realm)
	binary.BigEndian.PutUint64(a[12:20], id.Num)
	return a
}

func (id EntityID) toWire() wire.AccountID {
	w := wire.AccountID{Shard: int64(id.Shard), Realm: int64(id.Realm), Num: int64(id.Num)}
	if !id.Alias.IsZero() {
		w.Alias = append([]byte(nil), id.Alias[:]...)
	}
	return w
}

func entityIDFromWire(w wire.AccountID) EntityID {
	id := EntityID{Shard: uint64(w.Shard), Realm: uint64(w.Realm), Num: uint64(w.Num)}
	if len(w.Alias) == len(id.Alias) {
		copy(id.Alias[:], w.Alias)
	}
	return id
}
