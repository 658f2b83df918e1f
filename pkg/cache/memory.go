package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hervehildenbrand/bgp-guard/pkg/models"
)

type memValue struct {
	value   string
	expires time.Time // zero means no expiry
}

// Memory is an in-process Cache with the same key layout as Redis. Expiry
// follows the injected clock.
type Memory struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	values map[string]memValue
	sets   map[string]map[string]struct{}
}

// NewMemory returns an empty cache.
func NewMemory(clock clockwork.Clock) *Memory {
	return &Memory{
		clock:  clock,
		values: make(map[string]memValue),
		sets:   make(map[string]map[string]struct{}),
	}
}

func (m *Memory) get(key string) (string, bool) {
	v, ok := m.values[key]
	if !ok {
		return "", false
	}
	if !v.expires.IsZero() && !m.clock.Now().Before(v.expires) {
		delete(m.values, key)
		return "", false
	}
	return v.value, true
}

func (m *Memory) set(key, value string, ttl time.Duration) {
	v := memValue{value: value}
	if ttl > 0 {
		v.expires = m.clock.Now().Add(ttl)
	}
	m.values[key] = v
}

func (m *Memory) sadd(key, member string) {
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	s[member] = struct{}{}
}

func (m *Memory) srem(key, member string) {
	s, ok := m.sets[key]
	if !ok {
		return
	}
	delete(s, member)
	if len(s) == 0 {
		delete(m.sets, key)
	}
}

func (m *Memory) sismember(key, member string) bool {
	_, ok := m.sets[key][member]
	return ok
}

// Has reports whether key holds an unexpired value or a non-empty set.
func (m *Memory) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.get(key); ok {
		return true
	}
	return len(m.sets[key]) > 0
}

// Members returns the members of the set at key.
func (m *Memory) Members(key string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		out = append(out, member)
	}
	return out
}

// TTL returns the time left on key, or 0 if it has none.
func (m *Memory) TTL(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok || v.expires.IsZero() {
		return 0
	}
	return v.expires.Sub(m.clock.Now())
}

// Put stores a plain value, as other processes sharing the cache do.
func (m *Memory) Put(key, value string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(key, value, ttl)
}

// AddPersistentKey registers key as an ongoing hijack, as the detector does.
func (m *Memory) AddPersistentKey(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sadd(keyPersistentKeys, key)
}

func (m *Memory) SeenUpdate(_ context.Context, key string, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, seen := m.get(key)
	m.set(key, "1", window)
	return seen, nil
}

func (m *Memory) ForgetUpdates(_ context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

func (m *Memory) AddPeer(_ context.Context, asn int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sadd(keyPeerASNs, fmt.Sprint(asn))
	return int64(len(m.sets[keyPeerASNs])), nil
}

func (m *Memory) IsPersistentKey(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sismember(keyPersistentKeys, key), nil
}

func (m *Memory) HijackSnapshot(_ context.Context, cacheKey string) (models.HijackNotification, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.get(cacheKey)
	if !ok {
		return models.HijackNotification{}, false, nil
	}
	var n models.HijackNotification
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return models.HijackNotification{}, false, fmt.Errorf("decode hijack %s: %w", cacheKey, err)
	}
	return n, true, nil
}

func (m *Memory) PurgeHijack(_ context.Context, cacheKey, persistentKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range []string{tokenActiveKey(cacheKey), tokenKey(cacheKey), cacheKey} {
		delete(m.values, k)
	}
	delete(m.sets, originNeighborKey(cacheKey))
	m.srem(keyPersistentKeys, persistentKey)
	for member := range m.sets[prefixesPeersKey(cacheKey)] {
		if prefix, peer, ok := splitPrefixPeer(member); ok {
			m.srem(prefixPeerHijacksKey(prefix, peer), cacheKey)
		}
	}
	delete(m.sets, prefixesPeersKey(cacheKey))
	return nil
}

func (m *Memory) AdvanceHandledTimestamp(_ context.Context, ts float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.get(keyLastHandledTimestamp); ok {
		var last float64
		if _, err := fmt.Sscan(cur, &last); err == nil && ts <= last {
			return false, nil
		}
	}
	m.set(keyLastHandledTimestamp, fmt.Sprint(ts), 0)
	return true, nil
}

func (m *Memory) LoadHijacks(_ context.Context, hijacks []models.HijackRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range hijacks {
		raw, err := json.Marshal(Snapshot(h))
		if err != nil {
			return err
		}
		m.set(models.HijackCacheKey(h.Prefix, h.HijackAS, h.Type), string(raw), 0)
		m.sadd(keyPersistentKeys, h.Key)
	}
	return nil
}

func (m *Memory) LoadUpdateKeys(_ context.Context, updates []UpdateStamp, window time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	for _, u := range updates {
		m.set(u.Key, "1", restoredTTL(u.Timestamp, now, window))
	}
	return nil
}

func (m *Memory) LoadHijackLinks(_ context.Context, links []HijackLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range links {
		m.sadd(originNeighborKey(l.CacheKey), l.OriginNeighbor())
		m.sadd(prefixPeerHijacksKey(l.Prefix, l.PeerASN), l.CacheKey)
		m.sadd(prefixesPeersKey(l.CacheKey), fmt.Sprintf("%s_%d", l.Prefix, l.PeerASN))
	}
	return nil
}

func (m *Memory) LoadPeers(_ context.Context, asns []int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, asn := range asns {
		m.sadd(keyPeerASNs, fmt.Sprint(asn))
	}
	return int64(len(m.sets[keyPeerASNs])), nil
}
