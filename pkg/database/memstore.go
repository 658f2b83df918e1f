package database

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/hervehildenbrand/bgp-guard/pkg/models"
)

// MemStore is an in-process Store. It keeps one hijack row per key and
// backs the "memory" backend and the tests.
type MemStore struct {
	mu      sync.Mutex
	updates map[string]*models.BGPUpdate
	hijacks map[string]*models.HijackRecord
	configs []models.StoredConfig

	MonitorPeers       int64
	ConfiguredPrefixes uint64
	MonitoredPrefixes  uint64
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		updates: make(map[string]*models.BGPUpdate),
		hijacks: make(map[string]*models.HijackRecord),
	}
}

func (m *MemStore) Close() error { return nil }

func cloneUpdate(u models.BGPUpdate) models.BGPUpdate {
	u.ASPath = slices.Clone(u.ASPath)
	u.Communities = slices.Clone(u.Communities)
	u.HijackKeys = slices.Clone(u.HijackKeys)
	return u
}

func cloneHijack(h models.HijackRecord) models.HijackRecord {
	h.PeersSeen = slices.Clone(h.PeersSeen)
	h.PeersWithdrawn = slices.Clone(h.PeersWithdrawn)
	h.ASNsInf = slices.Clone(h.ASNsInf)
	h.MonitorKeys = slices.Clone(h.MonitorKeys)
	return h
}

// Update returns a stored route event.
func (m *MemStore) Update(key string) (models.BGPUpdate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.updates[key]
	if !ok {
		return models.BGPUpdate{}, false
	}
	return cloneUpdate(*u), true
}

// Configs returns the stored configurations, oldest first.
func (m *MemStore) Configs() []models.StoredConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.configs)
}

func (m *MemStore) InsertUpdates(_ context.Context, updates []models.BGPUpdate) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, u := range updates {
		if _, ok := m.updates[u.Key]; ok {
			continue
		}
		c := cloneUpdate(u)
		if c.HijackKeys == nil {
			c.HijackKeys = []string{}
		}
		m.updates[u.Key] = &c
		n++
	}
	return n, nil
}

func (m *MemStore) associate(l Association) int64 {
	u, ok := m.updates[l.UpdateKey]
	if !ok {
		return 0
	}
	u.Handled = true
	u.HijackKeys = models.UnionKeys(u.HijackKeys, []string{l.HijackKey})
	return 1
}

func (m *MemStore) AssociateBatch(_ context.Context, links []Association) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, l := range links {
		n += m.associate(l)
	}
	return n, nil
}

func (m *MemStore) Associate(_ context.Context, link Association) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.associate(link), nil
}

func (m *MemStore) MarkHandled(_ context.Context, updateKeys []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, k := range updateKeys {
		if u, ok := m.updates[k]; ok {
			u.Handled = true
			n++
		}
	}
	return n, nil
}

func (m *MemStore) UnhandledUpdates(_ context.Context, updateKeys []string) ([]models.BGPUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.BGPUpdate
	for _, k := range updateKeys {
		if u, ok := m.updates[k]; ok && !u.Handled {
			out = append(out, cloneUpdate(*u))
		}
	}
	return out, nil
}

func (m *MemStore) RecentUpdates(_ context.Context, since time.Time) ([]models.BGPUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.BGPUpdate
	for _, u := range m.updates {
		if u.Timestamp.After(since) {
			out = append(out, cloneUpdate(*u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemStore) DistinctPeers(_ context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var peers []int64
	for _, u := range m.updates {
		peers = append(peers, u.PeerASN)
	}
	return models.UnionASNs(nil, peers), nil
}

func (m *MemStore) UpsertHijacks(_ context.Context, hijacks []models.HijackRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, h := range hijacks {
		stored, ok := m.hijacks[h.Key]
		switch {
		case !ok:
			c := cloneHijack(h)
			m.hijacks[h.Key] = &c
		case stored.TimeDetected.Equal(h.TimeDetected):
			merged := models.MergeHijack(*stored, cloneHijack(h))
			m.hijacks[h.Key] = &merged
		default:
			// A new detection of the same key replaces the row.
			c := cloneHijack(h)
			m.hijacks[h.Key] = &c
		}
		n++
	}
	return n, nil
}

// withdrawnAfter reports whether a withdrawal of prefix by peer associated
// with hijackKey happened at or after ts.
func (m *MemStore) withdrawnAfter(hijackKey, prefix string, peer int64, ts time.Time) bool {
	for _, u := range m.updates {
		if u.Type == models.Withdrawal && u.Prefix == prefix && u.PeerASN == peer &&
			!u.Timestamp.Before(ts) && slices.Contains(u.HijackKeys, hijackKey) {
			return true
		}
	}
	return false
}

func (m *MemStore) ReinstatePeers(_ context.Context, links []Association, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, l := range links {
		h, ok := m.hijacks[l.HijackKey]
		if !ok {
			continue
		}
		ann, ok := m.updates[l.UpdateKey]
		if !ok || ann.Type != models.Announcement || ann.Timestamp.Before(since) {
			continue
		}
		if !models.ContainsASN(h.PeersWithdrawn, ann.PeerASN) {
			continue
		}
		if m.withdrawnAfter(h.Key, ann.Prefix, ann.PeerASN, ann.Timestamp) {
			continue
		}
		h.PeersWithdrawn = slices.DeleteFunc(h.PeersWithdrawn, func(a int64) bool { return a == ann.PeerASN })
		n++
	}
	return n, nil
}

func (m *MemStore) WithdrawalCandidates(_ context.Context, prefix string, peer int64, since time.Time) ([]WithdrawalCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := make(map[string]time.Time)
	for _, u := range m.updates {
		if u.Type != models.Announcement || !u.Handled || u.Prefix != prefix || u.PeerASN != peer || u.Timestamp.Before(since) {
			continue
		}
		for _, k := range u.HijackKeys {
			if h, ok := m.hijacks[k]; !ok || !h.Active {
				continue
			}
			if t, ok := latest[k]; !ok || u.Timestamp.After(t) {
				latest[k] = u.Timestamp
			}
		}
	}
	out := make([]WithdrawalCandidate, 0, len(latest))
	for k, at := range latest {
		h := m.hijacks[k]
		out = append(out, WithdrawalCandidate{
			HijackKey:      h.Key,
			HijackAS:       h.HijackAS,
			Type:           h.Type,
			PeersSeen:      slices.Clone(h.PeersSeen),
			PeersWithdrawn: slices.Clone(h.PeersWithdrawn),
			AnnouncedAt:    at,
			TimeLast:       h.TimeLast,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HijackKey < out[j].HijackKey })
	return out, nil
}

func (m *MemStore) WithdrawPeer(_ context.Context, key string, peersWithdrawn []int64, timeLast time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hijacks[key]; ok {
		h.PeersWithdrawn = slices.Clone(peersWithdrawn)
		h.TimeLast = timeLast
		h.Dormant = false
	}
	return nil
}

func (m *MemStore) MarkWithdrawn(_ context.Context, key string, peersWithdrawn []int64, timeLast, ended time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hijacks[key]; ok {
		h.Active, h.Dormant, h.UnderMitigation, h.Resolved = false, false, false, false
		h.Withdrawn = true
		h.TimeEnded = &ended
		h.PeersWithdrawn = slices.Clone(peersWithdrawn)
		h.TimeLast = timeLast
	}
	return nil
}

func (m *MemStore) OutdateHijacks(_ context.Context, keys []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, k := range keys {
		h, ok := m.hijacks[k]
		if !ok || h.Resolved || h.Ignored || h.Withdrawn {
			continue
		}
		h.Active, h.Dormant, h.UnderMitigation = false, false, false
		h.Outdated = true
		n++
	}
	return n, nil
}

func (m *MemStore) Hijack(_ context.Context, key string) (models.HijackRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hijacks[key]
	if !ok {
		return models.HijackRecord{}, false, nil
	}
	return cloneHijack(*h), true, nil
}

func (m *MemStore) ActiveHijacks(_ context.Context) ([]models.HijackRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.HijackRecord
	for _, h := range m.hijacks {
		if h.Active {
			out = append(out, cloneHijack(*h))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// activeLinks calls fn for each handled update associated with an active
// hijack, in update key order.
func (m *MemStore) activeLinks(fn func(u *models.BGPUpdate, h *models.HijackRecord)) {
	keys := make([]string, 0, len(m.updates))
	for k := range m.updates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		u := m.updates[k]
		if !u.Handled {
			continue
		}
		for _, hk := range u.HijackKeys {
			if h, ok := m.hijacks[hk]; ok && h.Active {
				fn(u, h)
			}
		}
	}
}

func (m *MemStore) ActiveAnnouncements(_ context.Context) ([]HijackAnnouncement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []HijackAnnouncement
	m.activeLinks(func(u *models.BGPUpdate, h *models.HijackRecord) {
		if u.Type != models.Announcement {
			return
		}
		out = append(out, HijackAnnouncement{
			Prefix:       u.Prefix,
			PeerASN:      u.PeerASN,
			ASPath:       slices.Clone(u.ASPath),
			HijackPrefix: h.Prefix,
			HijackAS:     h.HijackAS,
			HijackType:   h.Type,
		})
	})
	return out, nil
}

func (m *MemStore) OngoingUpdates(_ context.Context) ([]models.OngoingUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.OngoingUpdate
	m.activeLinks(func(u *models.BGPUpdate, h *models.HijackRecord) {
		out = append(out, models.OngoingUpdate{
			Key:           u.Key,
			Prefix:        u.Prefix,
			OriginAS:      u.OriginAS,
			Path:          slices.Clone(u.ASPath),
			Type:          u.Type,
			PeerASN:       u.PeerASN,
			Communities:   slices.Clone(u.Communities),
			Timestamp:     models.Epoch(u.Timestamp),
			Service:       u.Service,
			MatchedPrefix: u.MatchedPrefix,
			HijackKey:     h.Key,
			HijackAS:      h.HijackAS,
			HijackType:    h.Type,
		})
	})
	return out, nil
}

func (m *MemStore) ResolveHijack(_ context.Context, key string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hijacks[key]
	if !ok || h.Resolved || h.Ignored {
		return 0, nil
	}
	h.Resolved, h.Seen = true, true
	h.Active, h.Dormant, h.UnderMitigation = false, false, false
	h.TimeEnded = &at
	return 1, nil
}

func (m *MemStore) IgnoreHijack(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hijacks[key]
	if !ok || h.Resolved || h.Ignored {
		return 0, nil
	}
	h.Ignored = true
	h.Active, h.Dormant, h.UnderMitigation, h.Seen = false, false, false, false
	return 1, nil
}

func (m *MemStore) SetSeen(_ context.Context, key string, seen bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hijacks[key]
	if !ok {
		return 0, nil
	}
	h.Seen = seen
	return 1, nil
}

func (m *MemStore) SetComment(_ context.Context, key, comment string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hijacks[key]
	if !ok {
		return 0, nil
	}
	h.Comment = comment
	return 1, nil
}

func (m *MemStore) StartMitigation(_ context.Context, key string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hijacks[key]
	if !ok {
		return 0, nil
	}
	h.MitigationStarted = &at
	h.Seen, h.UnderMitigation = true, true
	return 1, nil
}

func (m *MemStore) DeleteHijack(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hijacks, key)
	for k, u := range m.updates {
		if !slices.Contains(u.HijackKeys, key) {
			continue
		}
		if len(u.HijackKeys) == 1 {
			delete(m.updates, k)
			continue
		}
		u.HijackKeys = slices.DeleteFunc(u.HijackKeys, func(s string) bool { return s == key })
	}
	return nil
}

func (m *MemStore) LatestConfigKey(_ context.Context) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.configs) == 0 {
		return "", false, nil
	}
	latest := m.configs[0]
	for _, c := range m.configs[1:] {
		if !c.TimeModified.Before(latest.TimeModified) {
			latest = c
		}
	}
	return latest.Key, true, nil
}

func (m *MemStore) SaveConfig(_ context.Context, cfg models.StoredConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs = append(m.configs, cfg)
	return nil
}

func (m *MemStore) SetMonitorPeers(_ context.Context, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MonitorPeers = n
	return nil
}

func (m *MemStore) SetPrefixStats(_ context.Context, configured, monitored uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConfiguredPrefixes, m.MonitoredPrefixes = configured, monitored
	return nil
}

// Stats returns the persisted statistics.
func (m *MemStore) Stats() (monitorPeers int64, configured, monitored uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.MonitorPeers, m.ConfiguredPrefixes, m.MonitoredPrefixes
}
