package prefixtree

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hervehildenbrand/bgp-guard/pkg/models"
)

// maxASNRange bounds a single "start-end" item.
const maxASNRange = 1 << 20

// ExpandASN expands a single ASN or an inclusive "start-end" range.
func ExpandASN(item models.ASNItem) ([]int64, error) {
	s := strings.TrimSpace(string(item))
	lo, hi, isRange := strings.Cut(s, "-")
	start, err := strconv.ParseInt(strings.TrimSpace(lo), 10, 64)
	if err != nil || start < 0 {
		return nil, fmt.Errorf("%w: %q", ErrASNRange, s)
	}
	if !isRange {
		return []int64{start}, nil
	}
	end, err := strconv.ParseInt(strings.TrimSpace(hi), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrASNRange, s)
	}
	if start > end {
		return nil, fmt.Errorf("%w: end before start in %q", ErrASNRange, s)
	}
	if end-start >= maxASNRange {
		return nil, fmt.Errorf("%w: %q spans more than %d ASNs", ErrASNRange, s, maxASNRange)
	}
	out := make([]int64, 0, end-start+1)
	for asn := start; asn <= end; asn++ {
		out = append(out, asn)
	}
	return out, nil
}

// ExpandASNs expands every item and returns the sorted union.
func ExpandASNs(items []models.ASNItem) ([]int64, error) {
	var out []int64
	for _, item := range items {
		asns, err := ExpandASN(item)
		if err != nil {
			return nil, err
		}
		out = models.UnionASNs(out, asns)
	}
	if out == nil {
		out = []int64{}
	}
	return out, nil
}
