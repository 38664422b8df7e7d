package ledgerclient

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/edgedlt/ledgerclient/internal/wire"
)

// Generated valid starts are moved back by up to this much so that a client clock
// slightly ahead of the node still lands inside the node's acceptance window.
const validStartSkew = 8 * time.Second

// TransactionID is the unique identity of a transaction: the payer and the valid start.
type TransactionID struct {
	AccountID  EntityID
	ValidStart time.Time
	Scheduled  bool
	Nonce      int32
}

// NewTransactionID generates an identity for the payer starting slightly in the past.
func NewTransactionID(payer EntityID) TransactionID {
	return newTransactionIDAt(payer, time.Now())
}

func newTransactionIDAt(payer EntityID, now time.Time) TransactionID {
	skew := validStartSkew - time.Duration(rand.Int64N(int64(time.Second)))
	return TransactionID{AccountID: payer.key(), ValidStart: now.Add(-skew)}
}

// NewTransactionIDWithValidStart returns an identity with an explicit valid start.
func NewTransactionIDWithValidStart(payer EntityID, validStart time.Time) TransactionID {
	return TransactionID{AccountID: payer.key(), ValidStart: validStart}
}

// WithNanosOffset returns the identity with the valid start moved forward by n nanoseconds.
// Chunk i of a chunked transaction uses offset i.
func (id TransactionID) WithNanosOffset(n int) TransactionID {
	id.ValidStart = id.ValidStart.Add(time.Duration(n))
	return id
}

// IsZero reports whether the identity is unset.
func (id TransactionID) IsZero() bool {
	return id.ValidStart.IsZero() && id.AccountID == EntityID{}
}

// String returns "s.r.n@seconds.nanos" with "?scheduled" and "/nonce" suffixes when set.
func (id TransactionID) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s@%d.%09d", id.AccountID, id.ValidStart.Unix(), id.ValidStart.Nanosecond())
	if id.Scheduled {
		b.WriteString("?scheduled")
	}
	if id.Nonce != 0 {
		fmt.Fprintf(&b, "/%d", id.Nonce)
	}
	return b.String()
}

// ParseTransactionID parses the String form.
func ParseTransactionID(s string) (TransactionID, error) {
	var id TransactionID

	at := strings.IndexByte(s, '@')
	if at < 0 {
		return id, fmt.Errorf("invalid transaction ID %q: missing '@'", s)
	}
	account, err := ParseEntityID(s[:at])
	if err != nil {
		return id, fmt.Errorf("invalid transaction ID %q: %w", s, err)
	}
	id.AccountID = account.key()

	rest := s[at+1:]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		nonce, err := strconv.ParseInt(rest[i+1:], 10, 32)
		if err != nil {
			return id, fmt.Errorf("invalid transaction ID %q: bad nonce", s)
		}
		id.Nonce = int32(nonce)
		rest = rest[:i]
	}
	if strings.HasSuffix(rest, "?scheduled") {
		id.Scheduled = true
		rest = strings.TrimSuffix(rest, "?scheduled")
	}

	secStr, nanoStr, ok := strings.Cut(rest, ".")
	if !ok {
		return id, fmt.Errorf("invalid transaction ID %q: valid start must be seconds.nanos", s)
	}
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return id, fmt.Errorf("invalid transaction ID %q: bad seconds", s)
	}
	nanos, err := strconv.ParseInt(nanoStr, 10, 64)
	if err != nil || nanos < 0 || nanos >= int64(time.Second) {
		return id, fmt.Errorf("invalid transaction ID %q: bad nanos", s)
	}
	id.ValidStart = time.Unix(sec, nanos).UTC()
	return id, nil
}

func (id TransactionID) toWire() wire.TransactionID {
	return wire.TransactionID{
		Seconds:   id.ValidStart.Unix(),
		Nanos:     int32(id.ValidStart.Nanosecond()),
		Account:   id.AccountID.toWire(),
		Scheduled: id.Scheduled,
		Nonce:     id.Nonce,
	}
}

func transactionIDFromWire(w wire.TransactionID) TransactionID {
	return TransactionID{
		AccountID:  entityIDFromWire(w.Account),
		ValidStart: time.Unix(w.Seconds, int64(w.Nanos)).UTC(),
		Scheduled:  w.Scheduled,
		Nonce:      w.Nonce,
	}
}
