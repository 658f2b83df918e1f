// Package prefixtree provides the longest-prefix-match index over configured
// address space. Rules may configure whole ranges of more-specific lengths
// below a base prefix, so the trie stores ranges instead of the prefixes they
// expand to.
package prefixtree

import (
	"math"
	"net/netip"
	"sort"
)

const noLength = math.MaxInt

type entry[T any] struct {
	lo, hi  int
	seq     uint64
	payload T
}

type node[T any] struct {
	child   [2]*node[T]
	entries []entry[T]
}

// Tree is a binary trie over one address family. An entry stored at the
// node of base prefix B with lengths [lo, hi] configures every prefix under
// B whose length is in that range.
type Tree[T any] struct {
	bits int
	root *node[T]
	seq  uint64
	size int
}

// NewTree returns an empty trie for addresses of the given bit length.
func NewTree[T any](bits int) *Tree[T] {
	return &Tree[T]{bits: bits, root: &node[T]{}}
}

// Len returns the number of stored entries.
func (t *Tree[T]) Len() int { return t.size }

// Insert stores payload for every prefix under base with a length in
// [lo, hi]. base must be masked and lo >= base.Bits().
func (t *Tree[T]) Insert(base netip.Prefix, lo, hi int, payload T) {
	n := t.root
	addr := base.Addr()
	for i := 0; i < base.Bits(); i++ {
		b := bitAt(addr, i)
		if n.child[b] == nil {
			n.child[b] = &node[T]{}
		}
		n = n.child[b]
	}
	t.seq++
	n.entries = append(n.entries, entry[T]{lo: lo, hi: hi, seq: t.seq, payload: payload})
	t.size++
}

// path returns the entries stored on the way from the root to p.
func (t *Tree[T]) path(p netip.Prefix) []*entry[T] {
	var out []*entry[T]
	addr := p.Addr()
	n := t.root
	for depth := 0; n != nil; depth++ {
		for i := range n.entries {
			out = append(out, &n.entries[i])
		}
		if depth == p.Bits() {
			break
		}
		n = n.child[bitAt(addr, depth)]
	}
	return out
}

// Lookup returns the most specific configured prefix equal to or covering
// p, with the payloads of every entry configuring it in insertion order.
func (t *Tree[T]) Lookup(p netip.Prefix) (netip.Prefix, []T, bool) {
	onPath := t.path(p)
	best := -1
	for _, e := range onPath {
		l := min(e.hi, p.Bits())
		if l >= e.lo && l > best {
			best = l
		}
	}
	if best < 0 {
		return netip.Prefix{}, nil, false
	}

	var hits []*entry[T]
	for _, e := range onPath {
		if e.lo <= best && best <= e.hi {
			hits = append(hits, e)
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].seq < hits[j].seq })
	payloads := make([]T, 0, len(hits))
	for _, e := range hits {
		payloads = append(payloads, e.payload)
	}
	return netip.PrefixFrom(p.Addr(), best).Masked(), payloads, true
}

// WorstCaseAncestor returns the top-most configured prefix equal to or
// covering p.
func (t *Tree[T]) WorstCaseAncestor(p netip.Prefix) (netip.Prefix, bool) {
	top := noLength
	for _, e := range t.path(p) {
		if e.lo <= p.Bits() && e.lo < top {
			top = e.lo
		}
	}
	if top == noLength {
		return netip.Prefix{}, false
	}
	return netip.PrefixFrom(p.Addr(), top).Masked(), true
}

// Configured returns the number of distinct configured prefixes. The count
// saturates at math.MaxUint64.
func (t *Tree[T]) Configured() uint64 {
	return configured(t.root, 0, lengthSet{})
}

func configured[T any](n *node[T], depth int, above lengthSet) uint64 {
	if n == nil {
		return 0
	}
	here := above
	var total uint64
	for _, e := range n.entries {
		for l := e.lo; l <= e.hi; l++ {
			if here.has(l) {
				continue
			}
			here.add(l)
			total = satAdd(total, pow2(l-depth))
		}
	}
	total = satAdd(total, configured(n.child[0], depth+1, here))
	return satAdd(total, configured(n.child[1], depth+1, here))
}

// Monitored returns the number of configured prefixes that have no
// configured ancestor, i.e. the distinct results of WorstCaseAncestor.
func (t *Tree[T]) Monitored() uint64 {
	return monitored(t.root, 0, noLength)
}

// monitored counts the roots below n. above is the smallest configured
// length found on the way down.
func monitored[T any](n *node[T], depth, above int) uint64 {
	m := above
	for _, e := range n.entries {
		if e.lo < m {
			m = e.lo
		}
	}
	if m <= depth {
		return 1
	}
	var total uint64
	for _, c := range n.child {
		if c == nil {
			if m != noLength {
				total = satAdd(total, pow2(m-depth-1))
			}
			continue
		}
		total = satAdd(total, monitored(c, depth+1, m))
	}
	return total
}

func bitAt(a netip.Addr, i int) int {
	b := a.As16()
	if a.Is4() {
		i += 96
	}
	return int(b[i/8]>>(7-uint(i%8))) & 1
}

// lengthSet is a set of prefix lengths 0..128.
type lengthSet [3]uint64

func (s *lengthSet) add(l int)     { s[l/64] |= 1 << uint(l%64) }
func (s lengthSet) has(l int) bool { return s[l/64]&(1<<uint(l%64)) != 0 }

func pow2(n int) uint64 {
	if n >= 64 {
		return math.MaxUint64
	}
	return 1 << uint(n)
}

func satAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}
