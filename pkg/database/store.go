// Package database persists route events, hijacks, configurations and
// statistics.
package database

import (
	"context"
	"time"

	"github.com/hervehildenbrand/bgp-guard/pkg/models"
)

// Association links a stored route event to a hijack.
type Association struct {
	HijackKey string
	UpdateKey string
}

// WithdrawalCandidate is an active hijack with a handled announcement of the
// withdrawn prefix from the withdrawing peer.
type WithdrawalCandidate struct {
	HijackKey      string
	HijackAS       int64
	Type           string
	PeersSeen      []int64
	PeersWithdrawn []int64
	AnnouncedAt    time.Time
	TimeLast       time.Time
}

// HijackAnnouncement is a handled announcement of an active hijack.
type HijackAnnouncement struct {
	Prefix       string
	PeerASN      int64
	ASPath       []int64
	HijackPrefix string
	HijackAS     int64
	HijackType   string
}

// UpdateStore holds route events.
type UpdateStore interface {
	InsertUpdates(ctx context.Context, updates []models.BGPUpdate) (int64, error)
	// AssociateBatch applies links whose update keys are all distinct in one
	// statement, marking the updates handled.
	AssociateBatch(ctx context.Context, links []Association) (int64, error)
	// Associate applies one link.
	Associate(ctx context.Context, link Association) (int64, error)
	MarkHandled(ctx context.Context, updateKeys []string) (int64, error)
	UnhandledUpdates(ctx context.Context, updateKeys []string) ([]models.BGPUpdate, error)
	RecentUpdates(ctx context.Context, since time.Time) ([]models.BGPUpdate, error)
	DistinctPeers(ctx context.Context) ([]int64, error)
}

// HijackStore holds hijack records.
type HijackStore interface {
	// UpsertHijacks inserts new hijacks and merges the others into the stored
	// row with the same (key, time_detected) following models.MergeHijack.
	UpsertHijacks(ctx context.Context, hijacks []models.HijackRecord) (int64, error)
	// ReinstatePeers drops a peer from peers_withdrawn when it announced the
	// hijacked prefix again after its last withdrawal.
	ReinstatePeers(ctx context.Context, links []Association, since time.Time) (int64, error)
	WithdrawalCandidates(ctx context.Context, prefix string, peer int64, since time.Time) ([]WithdrawalCandidate, error)
	// WithdrawPeer records a partial withdrawal.
	WithdrawPeer(ctx context.Context, key string, peersWithdrawn []int64, timeLast time.Time) error
	// MarkWithdrawn ends a hijack all of whose peers withdrew.
	MarkWithdrawn(ctx context.Context, key string, peersWithdrawn []int64, timeLast, ended time.Time) error
	OutdateHijacks(ctx context.Context, keys []string) (int64, error)

	Hijack(ctx context.Context, key string) (models.HijackRecord, bool, error)
	ActiveHijacks(ctx context.Context) ([]models.HijackRecord, error)
	ActiveAnnouncements(ctx context.Context) ([]HijackAnnouncement, error)
	OngoingUpdates(ctx context.Context) ([]models.OngoingUpdate, error)

	// ResolveHijack and IgnoreHijack only touch hijacks that are neither
	// resolved nor ignored yet.
	ResolveHijack(ctx context.Context, key string, at time.Time) (int64, error)
	IgnoreHijack(ctx context.Context, key string) (int64, error)
	SetSeen(ctx context.Context, key string, seen bool) (int64, error)
	SetComment(ctx context.Context, key, comment string) (int64, error)
	StartMitigation(ctx context.Context, key string, at time.Time) (int64, error)
	// DeleteHijack removes the hijack, the route events associated with it
	// alone, and its key from every other route event.
	DeleteHijack(ctx context.Context, key string) error
}

// ConfigStore keeps the history of applied configurations.
type ConfigStore interface {
	LatestConfigKey(ctx context.Context) (string, bool, error)
	SaveConfig(ctx context.Context, cfg models.StoredConfig) error
}

// StatsStore keeps the single row of monitoring statistics.
type StatsStore interface {
	SetMonitorPeers(ctx context.Context, n int64) error
	SetPrefixStats(ctx context.Context, configured, monitored uint64) error
}

// Store is implemented by Postgres and MemStore.
type Store interface {
	UpdateStore
	HijackStore
	ConfigStore
	StatsStore
	Close() error
}
