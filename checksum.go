package ledgerclient

// Checksum computes the five-letter address checksum of a "s.r.n" string for a ledger.
//
// The digits (with '.' mapped to 10) are folded into a weighted sum and two
// alternating mod-11 sums, the ledger bytes padded with six zero bytes are folded into
// a second weighted sum, and the combination is rendered in base 26.
func Checksum(ledger LedgerID, address string) string {
	const (
		p3 = 26 * 26 * 26
		p5 = 26 * 26 * 26 * 26 * 26
		m  = 1_000_003
		w  = 31
	)

	digits := make([]int, 0, len(address))
	for _, r := range address {
		if r == '.' {
			digits = append(digits, 10)
		} else {
			digits = append(digits, int(r-'0'))
		}
	}

	var s, s0, s1 int
	for i, d := range digits {
		s = (w*s + d) % p3
		if i%2 == 0 {
			s0 = (s0 + d) % 11
		} else {
			s1 = (s1 + d) % 11
		}
	}

	h := make([]byte, 0, len(ledger)+6)
	h = append(h, ledger...)
	h = append(h, 0, 0, 0, 0, 0, 0)
	var sh int
	for _, b := range h {
		sh = (w*sh + int(b)) % p5
	}

	c := ((((len(address)%5)*11+s0)*11+s1)*p3 + s + sh) % p5
	c = (c * m) % p5

	out := make([]byte, 5)
	for i := 4; i >= 0; i-- {
		out[i] = byte('a' + c%26)
		c /= 26
	}
	return string(out)
}
