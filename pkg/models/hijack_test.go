package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func notification(started, last float64, peers, asns []int64, monitors ...string) HijackNotification {
	return HijackNotification{
		Key:          "hij1",
		Prefix:       "10.0.0.0/24",
		HijackAS:     666,
		Type:         "S|0|-|-",
		TimeStarted:  started,
		TimeLast:     last,
		PeersSeen:    peers,
		ASNsInf:      asns,
		MonitorKeys:  monitors,
		TimeDetected: 1000,
	}
}

func TestAbsorb_OrderIndependent(t *testing.T) {
	ns := []HijackNotification{
		notification(100, 150, []int64{1}, []int64{10}, "u1"),
		notification(90, 120, []int64{2}, []int64{11}, "u2"),
		notification(110, 200, []int64{1, 3}, []int64{10, 12}, "u3"),
	}
	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 2, 0}, {1, 0, 2}}

	var first *HijackRecord
	for _, order := range orders {
		rec := NewHijackRecord(ns[order[0]])
		for _, i := range order[1:] {
			rec.Absorb(ns[i])
		}
		if first == nil {
			first = &rec
			continue
		}
		require.Equal(t, first.TimeStarted, rec.TimeStarted)
		require.Equal(t, first.TimeLast, rec.TimeLast)
		require.Equal(t, first.PeersSeen, rec.PeersSeen)
		require.Equal(t, first.ASNsInf, rec.ASNsInf)
		require.Equal(t, first.MonitorKeys, rec.MonitorKeys)
	}
	require.Equal(t, EpochTime(90), first.TimeStarted)
	require.Equal(t, EpochTime(200), first.TimeLast)
	require.Equal(t, []int64{1, 2, 3}, first.PeersSeen)
	require.Equal(t, []int64{10, 11, 12}, first.ASNsInf)
	require.Equal(t, []string{"u1", "u2", "u3"}, first.MonitorKeys)
}

func TestMergeHijack(t *testing.T) {
	stored := NewHijackRecord(notification(100, 150, []int64{1, 2}, []int64{10}, "u1"))
	stored.PeersWithdrawn = []int64{1, 2}
	stored.Dormant = true
	stored.Seen = true

	incoming := NewHijackRecord(notification(120, 300, []int64{2, 3}, []int64{11}, "u2"))
	incoming.CommunityAnnotation = "critical"

	merged := MergeHijack(stored, incoming)
	require.Equal(t, EpochTime(100), merged.TimeStarted)
	require.Equal(t, EpochTime(300), merged.TimeLast)
	require.Equal(t, []int64{2, 3}, merged.PeersSeen)
	require.Equal(t, []int64{11}, merged.ASNsInf)
	require.Equal(t, []int64{2}, merged.PeersWithdrawn)
	require.Equal(t, []string{"u1", "u2"}, merged.MonitorKeys)
	require.False(t, merged.Dormant)
	require.True(t, merged.Seen)
	require.Equal(t, "critical", merged.CommunityAnnotation)
	require.Equal(t, 2, merged.NumPeersSeen())
}

func TestHash_Deterministic(t *testing.T) {
	k1 := UpdateKey("10.0.0.0/24", []int64{1, 2, 3}, Announcement, 1700000000.1234567, 1)
	k2 := UpdateKey("10.0.0.0/24", []int64{1, 2, 3}, Announcement, 1700000000.1234571, 1)
	require.Equal(t, k1, k2, "timestamps equal at microsecond precision")
	require.Len(t, k1, 32)

	k3 := UpdateKey("10.0.0.0/24", []int64{1, 2, 3}, Withdrawal, 1700000000.1234567, 1)
	require.NotEqual(t, k1, k3)

	require.Equal(t, HijackCacheKey("10.0.0.0/24", 666, "S|0|-|-"), HijackCacheKey("10.0.0.0/24", 666, "S|0|-|-"))
	require.NotEqual(t, HijackCacheKey("10.0.0.0/24", 666, "S|0|-|-"), HijackCacheKey("10.0.0.0/24", 667, "S|0|-|-"))
}

func TestFillKey(t *testing.T) {
	u := UpdateMessage{Key: "k", Prefix: "10.0.0.0/24", Path: []int64{1, 2}, PeerASN: 1, Type: Announcement, Timestamp: 1700000000}
	u.FillKey()
	require.Equal(t, "k", u.Key, "published keys are kept")

	u.Key = ""
	u.FillKey()
	require.Equal(t, UpdateKey("10.0.0.0/24", []int64{1, 2}, Announcement, 1700000000, 1), u.Key)

	w := WithdrawalMessage{Prefix: "10.0.0.0/24", PeerASN: 1, Timestamp: 1700000100}
	w.FillKey()
	event := UpdateMessage{Prefix: "10.0.0.0/24", PeerASN: 1, Type: Withdrawal, Timestamp: 1700000100}
	event.FillKey()
	require.Equal(t, event.Key, w.Key)
	require.NotEqual(t, u.Key, w.Key)
}

func TestOriginOf(t *testing.T) {
	require.Equal(t, int64(-1), OriginOf(nil))
	require.Equal(t, int64(13335), OriginOf([]int64{6939, 13335}))
}
