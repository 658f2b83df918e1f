// Package cache is the state shared between worker processes and the
// detector: dedup windows of route events, the persistent hijack keys, the
// ongoing-request gate and the per-hijack ephemeral indexes.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hervehildenbrand/bgp-guard/pkg/models"
)

// Key names shared with the detector.
const (
	keyPeerASNs             = "peer-asns"
	keyPersistentKeys       = "persistent-keys"
	keyLastHandledTimestamp = "last_handled_timestamp"
)

func tokenActiveKey(cacheKey string) string    { return cacheKey + "token_active" }
func tokenKey(cacheKey string) string          { return cacheKey + "token" }
func originNeighborKey(cacheKey string) string { return "hij_orig_neighb_" + cacheKey }
func prefixesPeersKey(cacheKey string) string  { return "hijack_" + cacheKey + "_prefixes_peers" }

func prefixPeerHijacksKey(prefix string, peer int64) string {
	return fmt.Sprintf("prefix_%s_peer_%d_hijacks", prefix, peer)
}

// splitPrefixPeer parses a "<prefix>_<peer>" member of prefixesPeersKey.
func splitPrefixPeer(member string) (string, int64, bool) {
	i := strings.LastIndex(member, "_")
	if i < 0 {
		return "", 0, false
	}
	peer, err := strconv.ParseInt(member[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return member[:i], peer, true
}

// UpdateStamp is a stored route event whose dedup window is restored on
// bootstrap.
type UpdateStamp struct {
	Key       string
	Timestamp time.Time
}

// HijackLink ties an announcement to the active hijack it belongs to.
type HijackLink struct {
	CacheKey string
	Prefix   string
	PeerASN  int64
	ASPath   []int64
}

// OriginNeighbor is the "origin_neighbor" member stored for a link. A
// missing hop is rendered as None, as the detector expects.
func (l HijackLink) OriginNeighbor() string {
	origin, neighbor := "None", "None"
	if n := len(l.ASPath); n > 0 {
		origin = fmt.Sprint(l.ASPath[n-1])
		if n > 1 {
			neighbor = fmt.Sprint(l.ASPath[n-2])
		}
	}
	return origin + "_" + neighbor
}

// Cache is implemented by Redis and Memory.
type Cache interface {
	// SeenUpdate marks key as seen for window and reports whether it was
	// already marked. The window restarts on every call.
	SeenUpdate(ctx context.Context, key string, window time.Duration) (bool, error)
	// ForgetUpdates drops dedup marks so the events can be processed again.
	ForgetUpdates(ctx context.Context, keys []string) error
	// AddPeer records a monitor peer and returns the number of distinct peers.
	AddPeer(ctx context.Context, asn int64) (int64, error)
	IsPersistentKey(ctx context.Context, key string) (bool, error)
	// HijackSnapshot returns the cached view of an ongoing hijack.
	HijackSnapshot(ctx context.Context, cacheKey string) (models.HijackNotification, bool, error)
	// PurgeHijack removes every ephemeral entry of a hijack and its
	// persistent key, forcing the detector to rekey it.
	PurgeHijack(ctx context.Context, cacheKey, persistentKey string) error
	// AdvanceHandledTimestamp atomically moves the ongoing-request gate to
	// ts if it is absent or lower, and reports whether it moved.
	AdvanceHandledTimestamp(ctx context.Context, ts float64) (bool, error)

	LoadHijacks(ctx context.Context, hijacks []models.HijackRecord) error
	LoadUpdateKeys(ctx context.Context, updates []UpdateStamp, window time.Duration) error
	LoadHijackLinks(ctx context.Context, links []HijackLink) error
	LoadPeers(ctx context.Context, asns []int64) (int64, error)
}

// Snapshot converts a stored hijack into its cached form.
func Snapshot(h models.HijackRecord) models.HijackNotification {
	return models.HijackNotification{
		Key:                 h.Key,
		Prefix:              h.Prefix,
		HijackAS:            h.HijackAS,
		Type:                h.Type,
		TimeStarted:         models.Epoch(h.TimeStarted),
		TimeLast:            models.Epoch(h.TimeLast),
		PeersSeen:           h.PeersSeen,
		ASNsInf:             h.ASNsInf,
		TimeDetected:        models.Epoch(h.TimeDetected),
		ConfiguredPrefix:    h.ConfiguredPrefix,
		TimestampOfConfig:   models.Epoch(h.TimestampOfConfig),
		CommunityAnnotation: h.CommunityAnnotation,
	}
}

// restoredTTL is the dedup window left for an update stored at ts, at
// least a minute.
func restoredTTL(ts, now time.Time, window time.Duration) time.Duration {
	ttl := ts.Add(window).Sub(now).Truncate(time.Second)
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}
