package models

import (
	"sort"
	"time"
)

// HijackNotification is the detector's view of one persistent hijack.
type HijackNotification struct {
	Key                 string   `json:"key"`
	Prefix              string   `json:"prefix"`
	HijackAS            int64    `json:"hijack_as"`
	Type                string   `json:"type"`
	TimeStarted         float64  `json:"time_started"`
	TimeLast            float64  `json:"time_last"`
	PeersSeen           []int64  `json:"peers_seen"`
	ASNsInf             []int64  `json:"asns_inf"`
	MonitorKeys         []string `json:"monitor_keys"`
	TimeDetected        float64  `json:"time_detected"`
	ConfiguredPrefix    string   `json:"configured_prefix"`
	TimestampOfConfig   float64  `json:"timestamp_of_config"`
	CommunityAnnotation string   `json:"community_annotation"`
}

// HijackFlags holds the lifecycle flags of a hijack.
type HijackFlags struct {
	Active          bool
	Resolved        bool
	Ignored         bool
	Withdrawn       bool
	Dormant         bool
	Outdated        bool
	UnderMitigation bool
	Seen            bool
}

// Terminal reports whether the hijack reached an end state.
func (f HijackFlags) Terminal() bool {
	return f.Resolved || f.Ignored || f.Withdrawn || f.Outdated
}

// HijackRecord is a hijack as stored in the hijacks table.
type HijackRecord struct {
	Key                 string
	Prefix              string
	HijackAS            int64
	Type                string
	TimeStarted         time.Time
	TimeLast            time.Time
	TimeDetected        time.Time
	TimeEnded           *time.Time
	MitigationStarted   *time.Time
	PeersSeen           []int64
	PeersWithdrawn      []int64
	ASNsInf             []int64
	MonitorKeys         []string
	ConfiguredPrefix    string
	TimestampOfConfig   time.Time
	CommunityAnnotation string
	Comment             string
	HijackFlags
}

// NumPeersSeen is the persisted num_peers_seen counter.
func (h HijackRecord) NumPeersSeen() int { return len(h.PeersSeen) }

// NumASNsInf is the persisted num_asns_inf counter.
func (h HijackRecord) NumASNsInf() int { return len(h.ASNsInf) }

// NewHijackRecord stores a first sighting verbatim as an active hijack.
func NewHijackRecord(n HijackNotification) HijackRecord {
	return HijackRecord{
		Key:                 n.Key,
		Prefix:              n.Prefix,
		HijackAS:            n.HijackAS,
		Type:                n.Type,
		TimeStarted:         EpochTime(n.TimeStarted),
		TimeLast:            EpochTime(n.TimeLast),
		TimeDetected:        EpochTime(n.TimeDetected),
		PeersSeen:           UnionASNs(nil, n.PeersSeen),
		PeersWithdrawn:      []int64{},
		ASNsInf:             UnionASNs(nil, n.ASNsInf),
		MonitorKeys:         UnionKeys(nil, n.MonitorKeys),
		ConfiguredPrefix:    n.ConfiguredPrefix,
		TimestampOfConfig:   EpochTime(n.TimestampOfConfig),
		CommunityAnnotation: n.CommunityAnnotation,
		HijackFlags:         HijackFlags{Active: true},
	}
}

// Absorb folds a repeat notification for the same key into a pending record.
// The result does not depend on the order notifications arrive in.
func (h *HijackRecord) Absorb(n HijackNotification) {
	if t := EpochTime(n.TimeStarted); t.Before(h.TimeStarted) {
		h.TimeStarted = t
	}
	if t := EpochTime(n.TimeLast); t.After(h.TimeLast) {
		h.TimeLast = t
	}
	h.PeersSeen = UnionASNs(h.PeersSeen, n.PeersSeen)
	h.ASNsInf = UnionASNs(h.ASNsInf, n.ASNsInf)
	h.MonitorKeys = UnionKeys(h.MonitorKeys, n.MonitorKeys)
	if n.CommunityAnnotation != "" {
		h.CommunityAnnotation = n.CommunityAnnotation
	}
}

// MergeHijack resolves an upsert conflict on (key, time_detected): time bounds
// widen, peer and ASN sets are refreshed from the incoming record and the
// hijack is no longer dormant. Lifecycle flags of the stored record survive.
func MergeHijack(stored, incoming HijackRecord) HijackRecord {
	merged := stored
	if incoming.TimeStarted.Before(merged.TimeStarted) {
		merged.TimeStarted = incoming.TimeStarted
	}
	if incoming.TimeLast.After(merged.TimeLast) {
		merged.TimeLast = incoming.TimeLast
	}
	merged.PeersSeen = UnionASNs(nil, incoming.PeersSeen)
	merged.ASNsInf = UnionASNs(nil, incoming.ASNsInf)
	merged.PeersWithdrawn = IntersectASNs(stored.PeersWithdrawn, merged.PeersSeen)
	merged.MonitorKeys = UnionKeys(stored.MonitorKeys, incoming.MonitorKeys)
	merged.Dormant = false
	merged.TimestampOfConfig = incoming.TimestampOfConfig
	merged.ConfiguredPrefix = incoming.ConfiguredPrefix
	merged.CommunityAnnotation = incoming.CommunityAnnotation
	return merged
}

// UnionASNs returns the sorted set union of a and b.
func UnionASNs(a, b []int64) []int64 {
	seen := make(map[int64]struct{}, len(a)+len(b))
	out := make([]int64, 0, len(a)+len(b))
	for _, s := range [][]int64{a, b} {
		for _, asn := range s {
			if _, ok := seen[asn]; ok {
				continue
			}
			seen[asn] = struct{}{}
			out = append(out, asn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IntersectASNs returns the sorted elements of a that are also in b.
func IntersectASNs(a, b []int64) []int64 {
	in := make(map[int64]struct{}, len(b))
	for _, asn := range b {
		in[asn] = struct{}{}
	}
	out := []int64{}
	for _, asn := range UnionASNs(nil, a) {
		if _, ok := in[asn]; ok {
			out = append(out, asn)
		}
	}
	return out
}

// ContainsASN reports whether asn is in set.
func ContainsASN(set []int64, asn int64) bool {
	for _, v := range set {
		if v == asn {
			return true
		}
	}
	return false
}

// UnionKeys returns the sorted set union of a and b.
func UnionKeys(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range [][]string{a, b} {
		for _, k := range s {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
