package prefixtree

import (
	"errors"
	"fmt"
	"iter"
	"net/netip"
	"strconv"
	"strings"

	"go4.org/netipx"
)

var (
	ErrInvalidPrefix   = errors.New("invalid prefix")
	ErrLengthBelowBase = errors.New("length below base prefix length")
	ErrLengthAboveMax  = errors.New("length above address family maximum")
	ErrASNRange        = errors.New("invalid ASN range")
)

// Expansion is a base prefix with the RFC2622 range of more-specific
// lengths it configures.
//
//	10.0.0.0/8        lengths 8..8
//	10.0.0.0/8^-      lengths 9..32
//	10.0.0.0/8^+      lengths 8..32
//	10.0.0.0/8^24     lengths 24..24
//	10.0.0.0/8^24-26  lengths 24..26
type Expansion struct {
	Base     netip.Prefix
	Min, Max int
}

// ParseExpansion parses a configured prefix with an optional range operator.
func ParseExpansion(s string) (Expansion, error) {
	raw, op, hasOp := strings.Cut(strings.TrimSpace(s), "^")
	base, err := netip.ParsePrefix(raw)
	if err != nil {
		return Expansion{}, fmt.Errorf("%w: %q", ErrInvalidPrefix, s)
	}
	base = netip.PrefixFrom(base.Addr().Unmap(), base.Bits()).Masked()
	if !base.IsValid() {
		return Expansion{}, fmt.Errorf("%w: %q", ErrInvalidPrefix, s)
	}
	maxLen := base.Addr().BitLen()
	e := Expansion{Base: base, Min: base.Bits(), Max: base.Bits()}
	if !hasOp {
		return e, nil
	}

	switch {
	case op == "-":
		e.Min, e.Max = base.Bits()+1, maxLen
	case op == "+":
		e.Min, e.Max = base.Bits(), maxLen
	default:
		lo, hi, isRange := strings.Cut(op, "-")
		n, err := strconv.Atoi(lo)
		if err != nil {
			return Expansion{}, fmt.Errorf("%w: operator %q", ErrInvalidPrefix, s)
		}
		m := n
		if isRange {
			if m, err = strconv.Atoi(hi); err != nil {
				return Expansion{}, fmt.Errorf("%w: operator %q", ErrInvalidPrefix, s)
			}
		}
		e.Min, e.Max = n, m
	}

	if e.Min < base.Bits() {
		return Expansion{}, fmt.Errorf("%w: %q", ErrLengthBelowBase, s)
	}
	if e.Max > maxLen || e.Min > maxLen {
		return Expansion{}, fmt.Errorf("%w: %q", ErrLengthAboveMax, s)
	}
	if e.Min > e.Max {
		return Expansion{}, fmt.Errorf("%w: empty length range %q", ErrInvalidPrefix, s)
	}
	return e, nil
}

func (e Expansion) String() string {
	switch {
	case e.Min == e.Base.Bits() && e.Max == e.Base.Bits():
		return e.Base.String()
	case e.Min == e.Max:
		return fmt.Sprintf("%s^%d", e.Base, e.Min)
	default:
		return fmt.Sprintf("%s^%d-%d", e.Base, e.Min, e.Max)
	}
}

// expansionSample is how many prefixes of an expansion the index logs.
const expansionSample = 4

// Head returns the first n prefixes of the expansion, in the order of
// Prefixes.
func (e Expansion) Head(n int) []string {
	out := make([]string, 0, n)
	if n <= 0 {
		return out
	}
	for p := range e.Prefixes() {
		out = append(out, p.String())
		if len(out) == n {
			break
		}
	}
	return out
}

// Count returns the number of prefixes in the expansion, saturating at
// math.MaxUint64.
func (e Expansion) Count() uint64 {
	var total uint64
	for l := e.Min; l <= e.Max; l++ {
		total = satAdd(total, pow2(l-e.Base.Bits()))
	}
	return total
}

// Prefixes enumerates the expansion by increasing length, then address.
// Wide IPv6 ranges are effectively infinite; stop early.
func (e Expansion) Prefixes() iter.Seq[netip.Prefix] {
	return func(yield func(netip.Prefix) bool) {
		for l := e.Min; l <= e.Max; l++ {
			p := netip.PrefixFrom(e.Base.Addr(), l)
			for {
				if !yield(p) {
					return
				}
				next := netipx.PrefixLastIP(p).Next()
				if !next.IsValid() || !e.Base.Contains(next) {
					break
				}
				p = netip.PrefixFrom(next, l)
			}
		}
	}
}
