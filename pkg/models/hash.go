package models

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
	"gopkg.in/yaml.v3"
)

// Hash returns a 32 hex digit SHAKE-128 digest of the YAML encoding of obj.
// It is the content identity used for update keys, config keys and the
// cache keys of hijacks.
func Hash(obj any) string {
	b, err := yaml.Marshal(obj)
	if err != nil {
		b = []byte(fmt.Sprintf("%v", obj))
	}
	sum := make([]byte, 16)
	sha3.ShakeSum128(sum, b)
	return hex.EncodeToString(sum)
}

// UpdateKey derives the dedup and storage identity of a route event. The
// timestamp is rounded to microseconds.
func UpdateKey(prefix string, path []int64, typ UpdateType, timestamp float64, peerASN int64) string {
	return Hash([]any{
		prefix,
		path,
		string(typ),
		fmt.Sprintf("%.6f", timestamp),
		peerASN,
	})
}

// FillKey derives the key of an update published without one.
func (m *UpdateMessage) FillKey() {
	if m.Key == "" {
		m.Key = UpdateKey(m.Prefix, m.Path, m.Type, m.Timestamp, m.PeerASN)
	}
}

// FillKey derives the key of a withdrawal published without one. It equals
// the key of the matching withdrawal route event, whose path is empty.
func (w *WithdrawalMessage) FillKey() {
	if w.Key == "" {
		w.Key = UpdateKey(w.Prefix, nil, Withdrawal, w.Timestamp, w.PeerASN)
	}
}

// HijackCacheKey is the cache identity of a hijack: hash(prefix, hijack_as, type).
func HijackCacheKey(prefix string, hijackAS int64, typ string) string {
	return Hash([]any{prefix, hijackAS, typ})
}

// ConfigKey is the content hash of a raw configuration blob.
func ConfigKey(raw string) string {
	return Hash(raw)
}
