package models

import "time"

// Rule is one entry of the operator configuration. Prefixes may carry
// RFC2622 range operators; ASN items may be "start-end" ranges.
type Rule struct {
	Prefixes   []string  `json:"prefixes"`
	OriginASNs []ASNItem `json:"origin_asns"`
	Neighbors  []ASNItem `json:"neighbors"`
	Mitigation []string  `json:"mitigation"`
}

// ConfigMessage carries a versioned rule set.
type ConfigMessage struct {
	Timestamp float64 `json:"timestamp"`
	Rules     []Rule  `json:"rules"`
	RawConfig string  `json:"raw_config"`
	Comment   string  `json:"comment"`
}

// StoredConfig is a row of the configs table.
type StoredConfig struct {
	Key          string
	RawConfig    string
	Comment      string
	TimeModified time.Time
}

// OutdateMessage marks a hijack as outdated by a configuration change.
type OutdateMessage struct {
	PersistentHijackKey string `json:"persistent_hijack_key"`
}

// HijackRef identifies a hijack both by persistent key and by the
// (prefix, hijack_as, type) triple the cache indexes it under.
type HijackRef struct {
	Key      string `json:"key"`
	Prefix   string `json:"prefix"`
	HijackAS int64  `json:"hijack_as"`
	Type     string `json:"type"`
}

// SeenMessage toggles the acknowledged flag of a hijack.
type SeenMessage struct {
	Key   string `json:"key"`
	State bool   `json:"state"`
}

// CommentMessage sets the operator comment of a hijack.
type CommentMessage struct {
	Key     string `json:"key"`
	Comment string `json:"comment"`
}

// MultipleActionMessage applies one action to many hijacks.
type MultipleActionMessage struct {
	Keys   []string `json:"keys"`
	Action string   `json:"action"`
}

// MitigationStartMessage acknowledges that mitigation began.
type MitigationStartMessage struct {
	Key  string  `json:"key"`
	Time float64 `json:"time"`
}

// SchedulerInstruction is the payload of a clock tick.
type SchedulerInstruction struct {
	Op string `json:"op"`
}

// OpBulkOperation asks the database worker to flush its buffers.
const OpBulkOperation = "bulk_operation"

// StatusReply answers operator RPCs.
type StatusReply struct {
	Status string `json:"status"`
}

const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

// OngoingUpdate is one element of the ongoing-hijacks snapshot.
type OngoingUpdate struct {
	Key           string      `json:"key"`
	Prefix        string      `json:"prefix"`
	OriginAS      int64       `json:"origin_as"`
	Path          []int64     `json:"path"`
	Type          UpdateType  `json:"type"`
	PeerASN       int64       `json:"peer_asn"`
	Communities   []Community `json:"communities"`
	Timestamp     float64     `json:"timestamp"`
	Service       string      `json:"service"`
	MatchedPrefix string      `json:"matched_prefix"`
	HijackKey     string      `json:"hij_key"`
	HijackAS      int64       `json:"hijack_as"`
	HijackType    string      `json:"hij_type"`
}

// MitigationRequest is the hijack event handed to the mitigation dispatcher.
type MitigationRequest struct {
	Key      string `json:"key"`
	Prefix   string `json:"prefix"`
	HijackAS int64  `json:"hijack_as"`
	Type     string `json:"type"`
}

// Payload is an opaque JSON object.
type Payload map[string]any
