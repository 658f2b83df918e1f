package prefixtree

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hervehildenbrand/bgp-guard/pkg/models"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func buildConfs(t *testing.T, prefixes ...string) *Index[Conf] {
	t.Helper()
	rules := []models.Rule{{
		Prefixes:   prefixes,
		OriginASNs: []models.ASNItem{"65001"},
		Neighbors:  []models.ASNItem{"174-176"},
	}}
	return Build(rules, DetectionConf, discard())
}

func TestLookup(t *testing.T) {
	x := buildConfs(t, "10.0.0.0/8", "10.1.0.0/16", "2001:db8::/32")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"configured v4", "10.0.0.0/8", "10.0.0.0/8"},
		{"nested configured", "10.1.0.0/16", "10.1.0.0/16"},
		{"sub-prefix of nested", "10.1.2.0/24", "10.1.0.0/16"},
		{"sub-prefix of outer", "10.2.0.0/16", "10.0.0.0/8"},
		{"configured v6", "2001:db8::/32", "2001:db8::/32"},
		{"sub-prefix v6", "2001:db8:1::/48", "2001:db8::/32"},
		{"disjoint v4", "192.0.2.0/24", ""},
		{"less specific", "10.0.0.0/7", ""},
		{"disjoint v6", "2001:db9::/32", ""},
		{"garbage", "not-a-prefix", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := x.Lookup(tt.input)
			if tt.expected == "" {
				require.False(t, ok)
				return
			}
			require.True(t, ok)
			require.Equal(t, tt.expected, m.Prefix.String())
			require.Equal(t, []int64{65001}, m.Last().OriginASNs)
			require.Equal(t, []int64{174, 175, 176}, m.Last().Neighbors)
		})
	}
}

func TestLookup_RangeEntries(t *testing.T) {
	x := buildConfs(t, "10.0.0.0/8^24-26")

	m, ok := x.Lookup("10.1.2.128/25")
	require.True(t, ok)
	require.Equal(t, "10.1.2.128/25", m.Prefix.String())

	m, ok = x.Lookup("10.1.2.128/28")
	require.True(t, ok)
	require.Equal(t, "10.1.2.128/26", m.Prefix.String())

	_, ok = x.Lookup("10.1.0.0/16")
	require.False(t, ok)

	top, ok := x.WorstCaseAncestor("10.1.2.128/26")
	require.True(t, ok)
	require.Equal(t, "10.1.2.0/24", top.String())
}

func TestLookup_PayloadsInRuleOrder(t *testing.T) {
	rules := []models.Rule{
		{Prefixes: []string{"10.0.0.0/8^+"}, Mitigation: []string{"manual"}},
		{Prefixes: []string{"10.1.0.0/16"}, Mitigation: []string{"/opt/first.sh"}},
		{Prefixes: []string{"10.1.0.0/16"}, Mitigation: []string{"/opt/second.sh"}},
	}
	x := Build(rules, MitigationActions, discard())

	m, ok := x.Lookup("10.1.0.0/16")
	require.True(t, ok)
	require.Len(t, m.Payloads, 3)
	require.Equal(t, []string{"/opt/second.sh"}, m.Last())

	m, ok = x.Lookup("10.2.0.0/16")
	require.True(t, ok)
	require.Equal(t, "10.2.0.0/16", m.Prefix.String())
	require.Equal(t, []string{"manual"}, m.Last())
}

func TestWorstCaseAncestor(t *testing.T) {
	x := buildConfs(t, "10.0.0.0/8", "10.1.0.0/16", "10.1.2.0/24")

	top, ok := x.WorstCaseAncestor("10.1.2.0/24")
	require.True(t, ok)
	require.Equal(t, "10.0.0.0/8", top.String())

	_, ok = x.WorstCaseAncestor("192.0.2.0/24")
	require.False(t, ok)
}

func TestBuild_SkipsMalformedRules(t *testing.T) {
	rules := []models.Rule{
		{Prefixes: []string{"10.0.0.0/8^4"}},
		{Prefixes: []string{"192.0.2.0/24"}, OriginASNs: []models.ASNItem{"200-100"}},
		{Prefixes: []string{"nope", "198.51.100.0/24"}},
		{Prefixes: []string{"203.0.113.0/24"}},
	}
	x := Build(rules, DetectionConf, discard())

	_, ok := x.Lookup("10.0.0.0/8")
	require.False(t, ok)
	_, ok = x.Lookup("192.0.2.0/24")
	require.False(t, ok)
	_, ok = x.Lookup("198.51.100.0/24")
	require.False(t, ok)
	_, ok = x.Lookup("203.0.113.0/24")
	require.True(t, ok)
}

func TestStats(t *testing.T) {
	x := buildConfs(t, "10.0.0.0/8", "10.1.0.0/16", "192.0.2.0/24^25", "198.51.100.0/24^+")
	s := x.Stats()
	require.Equal(t, 4, s.Entries)
	// 1 + 1 + 2 + (1+2+4+8+16+32+64+128+256)
	require.Equal(t, uint64(1+1+2+511), s.Configured)
	// 10.0.0.0/8, both /25s under 192.0.2.0/24, 198.51.100.0/24
	require.Equal(t, uint64(4), s.Monitored)
	require.Equal(t, s.Configured, s.Expanded)

	dup := buildConfs(t, "10.0.0.0/8", "10.0.0.0/8", "10.0.0.0/8^8-9")
	require.Equal(t, uint64(3), dup.Stats().Configured)
	require.Equal(t, uint64(1), dup.Stats().Monitored)
	// Overlapping entries count once when configured, every time when expanded.
	require.Equal(t, uint64(1+1+1+2), dup.Stats().Expanded)

	wide := buildConfs(t, "2001:db8::/32^-")
	require.Equal(t, uint64(1<<64-1), wide.Stats().Configured)
	require.Equal(t, uint64(2), wide.Stats().Monitored)
	require.Equal(t, uint64(1<<64-1), wide.Stats().Expanded)
}

func TestBuild_LogsExpansions(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	rules := []models.Rule{{Prefixes: []string{"10.0.0.0/22^24"}, Mitigation: []string{"manual"}}}
	x := Build(rules, MitigationActions, log)
	require.Equal(t, uint64(4), x.Stats().Expanded)

	var expanded, built map[string]any
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var rec map[string]any
		require.NoError(t, dec.Decode(&rec))
		switch rec["msg"] {
		case "prefixtree: prefix expanded":
			expanded = rec
		case "prefixtree: index built":
			built = rec
		}
	}
	require.NotNil(t, expanded)
	require.Equal(t, "10.0.0.0/22^24", expanded["prefix"])
	require.Equal(t, float64(4), expanded["prefixes"])
	require.Equal(t, []any{"10.0.0.0/24", "10.0.1.0/24", "10.0.2.0/24", "10.0.3.0/24"}, expanded["first"])
	require.NotNil(t, built)
	require.Equal(t, float64(4), built["expanded_prefixes"])
}

func TestExpansionHead(t *testing.T) {
	e := mustExpansion(t, "10.0.0.0/8^-")
	require.Equal(t, []string{"10.0.0.0/9", "10.128.0.0/9"}, e.Head(2))
	require.Empty(t, e.Head(0))
	require.Equal(t, []string{"192.0.2.0/24"}, mustExpansion(t, "192.0.2.0/24").Head(4))
}

func TestParseExpansion(t *testing.T) {
	tests := []struct {
		input    string
		min, max int
		count    uint64
		err      error
	}{
		{"10.0.0.0/8", 8, 8, 1, nil},
		{"10.0.0.0/8^-", 9, 32, 1<<25 - 2, nil},
		{"10.0.0.0/8^+", 8, 32, 1<<25 - 1, nil},
		{"10.0.0.0/8^24", 24, 24, 1 << 16, nil},
		{"10.0.0.0/8^24-26", 24, 26, 1<<16 + 1<<17 + 1<<18, nil},
		{"10.0.0.0/8^7", 0, 0, 0, ErrLengthBelowBase},
		{"10.0.0.0/8^7-24", 0, 0, 0, ErrLengthBelowBase},
		{"10.0.0.0/8^33", 0, 0, 0, ErrLengthAboveMax},
		{"10.0.0.0/8^24-33", 0, 0, 0, ErrLengthAboveMax},
		{"10.0.0.0/8^26-24", 0, 0, 0, ErrInvalidPrefix},
		{"10.0.0.0/8^x", 0, 0, 0, ErrInvalidPrefix},
		{"10.0.0.0/33", 0, 0, 0, ErrInvalidPrefix},
		{"2001:db8::/32^48", 48, 48, 1 << 16, nil},
		{"2001:db8::/32^129", 0, 0, 0, ErrLengthAboveMax},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			e, err := ParseExpansion(tt.input)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.min, e.Min)
			require.Equal(t, tt.max, e.Max)
			require.Equal(t, tt.count, e.Count())
		})
	}
}

func TestExpansionPrefixes(t *testing.T) {
	collect := func(s string, limit int) []netip.Prefix {
		e, err := ParseExpansion(s)
		require.NoError(t, err)
		var out []netip.Prefix
		for p := range e.Prefixes() {
			out = append(out, p)
			if len(out) == limit {
				break
			}
		}
		return out
	}

	t.Run("strict more-specifics exclude the base", func(t *testing.T) {
		got := collect("10.0.0.0/8^-", 4)
		require.Equal(t, "10.0.0.0/9", got[0].String())
		require.Equal(t, "10.128.0.0/9", got[1].String())
		require.Equal(t, "10.0.0.0/10", got[2].String())
		require.Equal(t, uint64(1<<25-2), mustExpansion(t, "10.0.0.0/8^-").Count())
	})

	t.Run("inclusive more-specifics start at the base", func(t *testing.T) {
		got := collect("10.0.0.0/8^+", 3)
		require.Equal(t, []string{"10.0.0.0/8", "10.0.0.0/9", "10.128.0.0/9"}, strs(got))
	})

	t.Run("exact length", func(t *testing.T) {
		got := collect("10.0.0.0/22^24", 0)
		require.Equal(t, []string{"10.0.0.0/24", "10.0.1.0/24", "10.0.2.0/24", "10.0.3.0/24"}, strs(got))
	})

	t.Run("length range", func(t *testing.T) {
		got := collect("10.0.0.0/24^24-26", 0)
		require.Len(t, got, 1+2+4)
		lengths := map[int]int{}
		for _, p := range got {
			lengths[p.Bits()]++
		}
		require.Equal(t, map[int]int{24: 1, 25: 2, 26: 4}, lengths)
	})

	t.Run("host routes at the end of the space", func(t *testing.T) {
		got := collect("255.255.255.252/30^32", 0)
		require.Len(t, got, 4)
		require.Equal(t, "255.255.255.255/32", got[3].String())
	})
}

func mustExpansion(t *testing.T, s string) Expansion {
	t.Helper()
	e, err := ParseExpansion(s)
	require.NoError(t, err)
	return e
}

func strs(ps []netip.Prefix) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.String())
	}
	return out
}

func TestExpandASN(t *testing.T) {
	asns, err := ExpandASN("65001 - 65003")
	require.NoError(t, err)
	require.Equal(t, []int64{65001, 65002, 65003}, asns)

	asns, err = ExpandASN("13335")
	require.NoError(t, err)
	require.Equal(t, []int64{13335}, asns)

	_, err = ExpandASN("200-100")
	require.ErrorIs(t, err, ErrASNRange)
	_, err = ExpandASN("AS-FOO")
	require.ErrorIs(t, err, ErrASNRange)
	_, err = ExpandASN("1-4294967295")
	require.ErrorIs(t, err, ErrASNRange)

	union, err := ExpandASNs([]models.ASNItem{"3-4", "1", "4"})
	require.NoError(t, err)
	require.Equal(t, []int64{1, 3, 4}, union)
}

func TestCurrent(t *testing.T) {
	var c Current[Conf]
	require.Nil(t, c.Load())
	x := buildConfs(t, "10.0.0.0/8")
	c.Store(x)
	require.Same(t, x, c.Load())
}
