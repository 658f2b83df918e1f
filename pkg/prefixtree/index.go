package prefixtree

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"

	"github.com/hervehildenbrand/bgp-guard/pkg/models"
)

// Conf is the detection data a rule attaches to each prefix it configures.
type Conf struct {
	OriginASNs []int64 `json:"origin_asns"`
	Neighbors  []int64 `json:"neighbors"`
}

// DetectionConf expands the ASN items of a rule.
func DetectionConf(r models.Rule) (Conf, error) {
	origins, err := ExpandASNs(r.OriginASNs)
	if err != nil {
		return Conf{}, fmt.Errorf("origin_asns: %w", err)
	}
	neighbors, err := ExpandASNs(r.Neighbors)
	if err != nil {
		return Conf{}, fmt.Errorf("neighbors: %w", err)
	}
	return Conf{OriginASNs: origins, Neighbors: neighbors}, nil
}

// MitigationActions returns the mitigation action list of a rule.
func MitigationActions(r models.Rule) ([]string, error) {
	return r.Mitigation, nil
}

// Match is the result of a successful lookup.
type Match[T any] struct {
	Prefix   netip.Prefix
	Payloads []T
}

// Last returns the payload of the most recently inserted entry.
func (m Match[T]) Last() T {
	return m.Payloads[len(m.Payloads)-1]
}

// Stats summarizes an index.
type Stats struct {
	Entries    int
	Configured uint64
	Monitored  uint64
	// Expanded counts the prefixes of every inserted expansion, overlaps
	// included.
	Expanded uint64
}

// Index holds one trie per address family.
type Index[T any] struct {
	v4       *Tree[T]
	v6       *Tree[T]
	expanded uint64
}

// NewIndex returns an empty index.
func NewIndex[T any]() *Index[T] {
	return &Index[T]{v4: NewTree[T](32), v6: NewTree[T](128)}
}

func (x *Index[T]) tree(p netip.Prefix) *Tree[T] {
	if p.Addr().Is4() {
		return x.v4
	}
	return x.v6
}

// Insert attaches payload to every prefix of the expansion.
func (x *Index[T]) Insert(e Expansion, payload T) {
	x.tree(e.Base).Insert(e.Base, e.Min, e.Max, payload)
	x.expanded = satAdd(x.expanded, e.Count())
}

func parse(prefix string) (netip.Prefix, bool) {
	p, err := netip.ParsePrefix(prefix)
	if err != nil {
		return netip.Prefix{}, false
	}
	p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()).Masked()
	return p, p.IsValid()
}

// Lookup returns the most specific configured prefix equal to or covering
// prefix. Unparseable input matches nothing.
func (x *Index[T]) Lookup(prefix string) (Match[T], bool) {
	p, ok := parse(prefix)
	if !ok {
		return Match[T]{}, false
	}
	matched, payloads, ok := x.tree(p).Lookup(p)
	if !ok {
		return Match[T]{}, false
	}
	return Match[T]{Prefix: matched, Payloads: payloads}, true
}

// WorstCaseAncestor returns the top-most configured prefix covering prefix.
func (x *Index[T]) WorstCaseAncestor(prefix string) (netip.Prefix, bool) {
	p, ok := parse(prefix)
	if !ok {
		return netip.Prefix{}, false
	}
	return x.tree(p).WorstCaseAncestor(p)
}

// Stats returns entry, configured and monitored counts over both families.
func (x *Index[T]) Stats() Stats {
	return Stats{
		Entries:    x.v4.Len() + x.v6.Len(),
		Configured: satAdd(x.v4.Configured(), x.v6.Configured()),
		Monitored:  satAdd(x.v4.Monitored(), x.v6.Monitored()),
		Expanded:   x.expanded,
	}
}

// Build expands rules into a fresh index. A rule whose prefixes or payload
// fail to expand is logged and skipped; the remaining rules still load.
func Build[T any](rules []models.Rule, payload func(models.Rule) (T, error), log *slog.Logger) *Index[T] {
	x := NewIndex[T]()
	for i, rule := range rules {
		data, err := payload(rule)
		if err != nil {
			log.Error("prefixtree: skipping rule", "rule", i, "error", err)
			continue
		}
		expansions := make([]Expansion, 0, len(rule.Prefixes))
		for _, raw := range rule.Prefixes {
			e, err := ParseExpansion(raw)
			if err != nil {
				expansions = nil
				log.Error("prefixtree: skipping rule", "rule", i, "prefix", raw, "error", err)
				break
			}
			expansions = append(expansions, e)
		}
		for _, e := range expansions {
			x.Insert(e, data)
			log.Debug("prefixtree: prefix expanded", "rule", i, "prefix", e.String(), "prefixes", e.Count(), "first", e.Head(expansionSample))
		}
	}
	log.Info("prefixtree: index built", "rules", len(rules), "entries", x.v4.Len()+x.v6.Len(), "expanded_prefixes", x.expanded)
	return x
}

// Current publishes the index in use. Readers never observe a partially
// built index: a new one is built aside and swapped in whole.
type Current[T any] struct {
	p atomic.Pointer[Index[T]]
}

// Load returns the current index, or nil before the first Store.
func (c *Current[T]) Load() *Index[T] { return c.p.Load() }

// Store replaces the current index.
func (c *Current[T]) Store(x *Index[T]) { c.p.Store(x) }
