// Package models defines the wire messages, rules and persisted records
// shared by the database and mitigation workers.
package models

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// UpdateType distinguishes announcements from withdrawals.
type UpdateType string

const (
	Announcement UpdateType = "A"
	Withdrawal   UpdateType = "W"
)

// Community is a standard BGP community in "asn:value" form.
type Community struct {
	ASN   uint32 `json:"asn"`
	Value uint32 `json:"value"`
}

func (c Community) String() string {
	return fmt.Sprintf("%d:%d", c.ASN, c.Value)
}

// UpdateMessage is a normalized route event as published by the taps.
type UpdateMessage struct {
	Key         string          `json:"key"`
	Prefix      string          `json:"prefix"`
	Path        []int64         `json:"path"`
	PeerASN     int64           `json:"peer_asn"`
	Type        UpdateType      `json:"type"`
	Communities []Community     `json:"communities"`
	Timestamp   float64         `json:"timestamp"`
	Service     string          `json:"service"`
	OrigPath    json.RawMessage `json:"orig_path,omitempty"`
	// OriginAS is only set on updates republished for re-detection.
	OriginAS int64 `json:"origin_as,omitempty"`
}

// BGPUpdate is a route event as stored in the bgp_updates table.
type BGPUpdate struct {
	Key           string
	Prefix        string
	OriginAS      int64 // -1 when the path is empty
	PeerASN       int64
	ASPath        []int64
	Service       string
	Type          UpdateType
	Communities   []Community
	Timestamp     time.Time
	HijackKeys    []string
	Handled       bool
	MatchedPrefix string
	OrigPath      json.RawMessage
}

// OriginOf returns the last hop of an AS path, or -1 for an empty path.
func OriginOf(path []int64) int64 {
	if len(path) == 0 {
		return -1
	}
	return path[len(path)-1]
}

// NewBGPUpdate converts an inbound message into a pending row.
func NewBGPUpdate(msg UpdateMessage, matchedPrefix string) BGPUpdate {
	return BGPUpdate{
		Key:           msg.Key,
		Prefix:        msg.Prefix,
		OriginAS:      OriginOf(msg.Path),
		PeerASN:       msg.PeerASN,
		ASPath:        msg.Path,
		Service:       msg.Service,
		Type:          msg.Type,
		Communities:   msg.Communities,
		Timestamp:     EpochTime(msg.Timestamp),
		HijackKeys:    []string{},
		MatchedPrefix: matchedPrefix,
		OrigPath:      msg.OrigPath,
	}
}

// Message converts a stored row back into its wire form, as used when
// updates are republished for re-detection.
func (u BGPUpdate) Message() UpdateMessage {
	return UpdateMessage{
		Key:         u.Key,
		Prefix:      u.Prefix,
		Path:        u.ASPath,
		PeerASN:     u.PeerASN,
		Type:        u.Type,
		Communities: u.Communities,
		Timestamp:   Epoch(u.Timestamp),
		Service:     u.Service,
		OriginAS:    u.OriginAS,
	}
}

// WithdrawalMessage reports a withdrawal for correlation with open hijacks.
type WithdrawalMessage struct {
	Prefix    string  `json:"prefix"`
	PeerASN   int64   `json:"peer_asn"`
	Timestamp float64 `json:"timestamp"`
	Key       string  `json:"key"`
}

// BGPWithdrawal is a buffered withdrawal observation.
type BGPWithdrawal struct {
	Prefix    string
	PeerASN   int64
	Timestamp time.Time
	Key       string
}

// EpochTime converts fractional unix seconds to a UTC time.
func EpochTime(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// Epoch converts a time to fractional unix seconds.
func Epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
