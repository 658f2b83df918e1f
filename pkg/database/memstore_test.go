package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hervehildenbrand/bgp-guard/pkg/models"
)

var t0 = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

func announcement(key, prefix string, peer int64, at time.Time) models.BGPUpdate {
	return models.BGPUpdate{
		Key: key, Prefix: prefix, PeerASN: peer, OriginAS: 666,
		ASPath: []int64{peer, 666}, Type: models.Announcement, Timestamp: at,
	}
}

func activeHijack(key string, peers ...int64) models.HijackRecord {
	return models.HijackRecord{
		Key: key, Prefix: "10.0.0.0/24", HijackAS: 666, Type: "S|0|-|-",
		TimeStarted: t0, TimeLast: t0, TimeDetected: t0,
		PeersSeen: peers, PeersWithdrawn: []int64{},
		HijackFlags: models.HijackFlags{Active: true},
	}
}

func TestMemStore_DeleteHijack(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	_, _ = s.UpsertHijacks(ctx, []models.HijackRecord{activeHijack("h1", 1), activeHijack("h2", 1)})
	_, _ = s.InsertUpdates(ctx, []models.BGPUpdate{
		announcement("only", "10.0.0.0/24", 1, t0),
		announcement("shared", "10.0.0.0/24", 2, t0),
	})
	_, _ = s.Associate(ctx, Association{HijackKey: "h1", UpdateKey: "only"})
	_, _ = s.Associate(ctx, Association{HijackKey: "h1", UpdateKey: "shared"})
	_, _ = s.Associate(ctx, Association{HijackKey: "h2", UpdateKey: "shared"})

	require.NoError(t, s.DeleteHijack(ctx, "h1"))

	_, ok, _ := s.Hijack(ctx, "h1")
	require.False(t, ok)
	_, ok = s.Update("only")
	require.False(t, ok)
	shared, ok := s.Update("shared")
	require.True(t, ok)
	require.Equal(t, []string{"h2"}, shared.HijackKeys)
}
