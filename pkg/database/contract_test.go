package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hervehildenbrand/bgp-guard/pkg/models"
)

// Behaviour every Store shares. Postgres runs the same cases under the
// integration build tag.

func requireTime(t *testing.T, want, got time.Time) {
	t.Helper()
	require.True(t, want.Equal(got), "want %s, got %s", want, got)
}

func scoped(u models.BGPUpdate) models.BGPUpdate {
	u.MatchedPrefix = "10.0.0.0/24"
	return u
}

func configured(h models.HijackRecord) models.HijackRecord {
	h.ConfiguredPrefix = "10.0.0.0/24"
	return h
}

func testStoreContract(t *testing.T, open func(t *testing.T) Store) {
	tests := []struct {
		name string
		run  func(t *testing.T, s Store)
	}{
		{name: "insert ignores duplicates", run: contractInsert},
		{name: "associate and mark handled", run: contractAssociate},
		{name: "upsert merges", run: contractUpsert},
		{name: "withdrawal candidates", run: contractCandidates},
		{name: "reinstate peers", run: contractReinstate},
		{name: "withdraw peers", run: contractWithdraw},
		{name: "terminal guards", run: contractTerminal},
		{name: "latest config", run: contractConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.run(t, open(t))
		})
	}
}

func TestMemStore_Contract(t *testing.T) {
	testStoreContract(t, func(*testing.T) Store { return NewMemStore() })
}

func contractInsert(t *testing.T, s Store) {
	ctx := context.Background()
	n, err := s.InsertUpdates(ctx, []models.BGPUpdate{scoped(announcement("u1", "10.0.0.0/24", 1, t0))})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = s.InsertUpdates(ctx, []models.BGPUpdate{
		scoped(announcement("u1", "10.0.0.0/24", 1, t0)),
		scoped(announcement("u2", "10.0.0.0/24", 2, t0)),
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	peers, err := s.DistinctPeers(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{1, 2}, peers)
}

func contractAssociate(t *testing.T, s Store) {
	ctx := context.Background()
	_, err := s.InsertUpdates(ctx, []models.BGPUpdate{
		scoped(announcement("a", "10.0.0.0/24", 1, t0)),
		scoped(announcement("b", "10.0.0.0/24", 2, t0.Add(time.Second))),
		scoped(announcement("c", "10.0.0.0/24", 3, t0.Add(2*time.Second))),
	})
	require.NoError(t, err)

	unhandled, err := s.UnhandledUpdates(ctx, []string{"a", "b", "c", "missing"})
	require.NoError(t, err)
	require.Len(t, unhandled, 3)

	n, err := s.AssociateBatch(ctx, []Association{{HijackKey: "h1", UpdateKey: "a"}, {HijackKey: "h1", UpdateKey: "b"}})
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	n, err = s.Associate(ctx, Association{HijackKey: "h2", UpdateKey: "a"})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	n, err = s.Associate(ctx, Association{HijackKey: "h2", UpdateKey: "a"})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	n, err = s.MarkHandled(ctx, []string{"c"})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	unhandled, err = s.UnhandledUpdates(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Empty(t, unhandled)

	recent, err := s.RecentUpdates(ctx, t0.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, recent, 3)
	require.Equal(t, []string{"a", "b", "c"}, []string{recent[0].Key, recent[1].Key, recent[2].Key})
	require.ElementsMatch(t, []string{"h1", "h2"}, recent[0].HijackKeys)
	require.Equal(t, []string{"h1"}, recent[1].HijackKeys)
	require.Empty(t, recent[2].HijackKeys)
	for _, u := range recent {
		require.True(t, u.Handled, u.Key)
		require.Equal(t, "10.0.0.0/24", u.MatchedPrefix)
	}
	requireTime(t, t0, recent[0].Timestamp)
}

func contractUpsert(t *testing.T, s Store) {
	ctx := context.Background()
	h := configured(activeHijack("h1", 1, 2))
	h.PeersWithdrawn = []int64{1, 2}
	_, err := s.UpsertHijacks(ctx, []models.HijackRecord{h})
	require.NoError(t, err)

	again := configured(activeHijack("h1", 1, 3))
	again.TimeStarted = t0.Add(-time.Hour)
	again.TimeLast = t0.Add(time.Hour)
	again.CommunityAnnotation = "critical"
	_, err = s.UpsertHijacks(ctx, []models.HijackRecord{again})
	require.NoError(t, err)

	got, ok, err := s.Hijack(ctx, "h1")
	require.NoError(t, err)
	require.True(t, ok)
	requireTime(t, t0.Add(-time.Hour), got.TimeStarted)
	requireTime(t, t0.Add(time.Hour), got.TimeLast)
	require.Equal(t, []int64{1, 3}, got.PeersSeen)
	require.Equal(t, []int64{1}, got.PeersWithdrawn, "withdrawn peers no longer seen are dropped")
	require.Equal(t, "critical", got.CommunityAnnotation)
	require.True(t, got.Active)

	_, ok, err = s.Hijack(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func contractCandidates(t *testing.T, s Store) {
	ctx := context.Background()
	_, err := s.UpsertHijacks(ctx, []models.HijackRecord{
		configured(activeHijack("h1", 1, 2)),
		configured(activeHijack("h2", 1)),
	})
	require.NoError(t, err)
	_, err = s.InsertUpdates(ctx, []models.BGPUpdate{
		scoped(announcement("old", "10.0.0.0/24", 1, t0.Add(-time.Hour))),
		scoped(announcement("new", "10.0.0.0/24", 1, t0)),
		scoped(announcement("other-peer", "10.0.0.0/24", 2, t0)),
		scoped(announcement("unhandled", "10.0.0.0/24", 1, t0.Add(time.Hour))),
	})
	require.NoError(t, err)
	_, err = s.AssociateBatch(ctx, []Association{
		{HijackKey: "h1", UpdateKey: "old"},
		{HijackKey: "h1", UpdateKey: "new"},
		{HijackKey: "h1", UpdateKey: "other-peer"},
	})
	require.NoError(t, err)
	_, err = s.Associate(ctx, Association{HijackKey: "h2", UpdateKey: "old"})
	require.NoError(t, err)

	got, err := s.WithdrawalCandidates(ctx, "10.0.0.0/24", 1, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "h1", got[0].HijackKey)
	requireTime(t, t0, got[0].AnnouncedAt)
	require.Equal(t, []int64{1, 2}, got[0].PeersSeen)
	require.Equal(t, "h2", got[1].HijackKey)
	requireTime(t, t0.Add(-time.Hour), got[1].AnnouncedAt)

	// Announcements older than the staleness threshold do not match.
	got, err = s.WithdrawalCandidates(ctx, "10.0.0.0/24", 1, t0.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "h1", got[0].HijackKey)

	got, err = s.WithdrawalCandidates(ctx, "10.0.1.0/24", 1, time.Time{})
	require.NoError(t, err)
	require.Empty(t, got)

	n, err := s.OutdateHijacks(ctx, []string{"h1", "h2"})
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	got, err = s.WithdrawalCandidates(ctx, "10.0.0.0/24", 1, time.Time{})
	require.NoError(t, err)
	require.Empty(t, got)
}

func contractReinstate(t *testing.T, s Store) {
	ctx := context.Background()
	h := configured(activeHijack("h1", 1, 2))
	h.PeersWithdrawn = []int64{1, 2}
	_, err := s.UpsertHijacks(ctx, []models.HijackRecord{h})
	require.NoError(t, err)

	wd := scoped(models.BGPUpdate{Key: "w2", Prefix: "10.0.0.0/24", PeerASN: 2, OriginAS: -1, Type: models.Withdrawal, Timestamp: t0.Add(2 * time.Minute)})
	_, err = s.InsertUpdates(ctx, []models.BGPUpdate{
		scoped(announcement("a1", "10.0.0.0/24", 1, t0.Add(time.Minute))),
		scoped(announcement("a2", "10.0.0.0/24", 2, t0.Add(time.Minute))),
		wd,
	})
	require.NoError(t, err)
	_, err = s.Associate(ctx, Association{HijackKey: "h1", UpdateKey: "w2"})
	require.NoError(t, err)

	// Peer 2 withdrew after its announcement and stays withdrawn.
	n, err := s.ReinstatePeers(ctx, []Association{
		{HijackKey: "h1", UpdateKey: "a1"},
		{HijackKey: "h1", UpdateKey: "a2"},
	}, time.Time{})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, _, err := s.Hijack(ctx, "h1")
	require.NoError(t, err)
	require.Equal(t, []int64{2}, got.PeersWithdrawn)
}

func contractWithdraw(t *testing.T, s Store) {
	ctx := context.Background()
	_, err := s.UpsertHijacks(ctx, []models.HijackRecord{configured(activeHijack("h1", 1, 2))})
	require.NoError(t, err)
	_, err = s.InsertUpdates(ctx, []models.BGPUpdate{scoped(announcement("a1", "10.0.0.0/24", 1, t0))})
	require.NoError(t, err)
	_, err = s.Associate(ctx, Association{HijackKey: "h1", UpdateKey: "a1"})
	require.NoError(t, err)

	require.NoError(t, s.WithdrawPeer(ctx, "h1", []int64{1}, t0.Add(time.Minute)))
	got, _, err := s.Hijack(ctx, "h1")
	require.NoError(t, err)
	require.True(t, got.Active)
	require.Equal(t, []int64{1}, got.PeersWithdrawn)
	requireTime(t, t0.Add(time.Minute), got.TimeLast)

	require.NoError(t, s.MarkWithdrawn(ctx, "h1", []int64{1, 2}, t0.Add(2*time.Minute), t0.Add(3*time.Minute)))
	got, _, err = s.Hijack(ctx, "h1")
	require.NoError(t, err)
	require.True(t, got.Withdrawn)
	require.False(t, got.Active)
	require.False(t, got.Dormant)
	require.Equal(t, []int64{1, 2}, got.PeersWithdrawn)
	requireTime(t, t0.Add(2*time.Minute), got.TimeLast)
	require.NotNil(t, got.TimeEnded)
	requireTime(t, t0.Add(3*time.Minute), *got.TimeEnded)

	candidates, err := s.WithdrawalCandidates(ctx, "10.0.0.0/24", 1, time.Time{})
	require.NoError(t, err)
	require.Empty(t, candidates)
}

func contractTerminal(t *testing.T, s Store) {
	ctx := context.Background()
	_, err := s.UpsertHijacks(ctx, []models.HijackRecord{configured(activeHijack("h1", 1))})
	require.NoError(t, err)

	n, err := s.ResolveHijack(ctx, "h1", t0)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = s.IgnoreHijack(ctx, "h1")
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
	n, err = s.OutdateHijacks(ctx, []string{"h1"})
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	got, _, err := s.Hijack(ctx, "h1")
	require.NoError(t, err)
	require.True(t, got.Resolved)
	require.False(t, got.Active)
	require.False(t, got.Outdated)
	require.NotNil(t, got.TimeEnded)
	requireTime(t, t0, *got.TimeEnded)
}

func contractConfig(t *testing.T, s Store) {
	ctx := context.Background()
	_, ok, err := s.LatestConfigKey(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SaveConfig(ctx, models.StoredConfig{Key: "a", TimeModified: t0}))
	require.NoError(t, s.SaveConfig(ctx, models.StoredConfig{Key: "b", TimeModified: t0.Add(time.Second)}))

	key, ok, err := s.LatestConfigKey(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b", key)
}
