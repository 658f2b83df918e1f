package dbworker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hervehildenbrand/bgp-guard/pkg/bus"
	"github.com/hervehildenbrand/bgp-guard/pkg/models"
)

func TestAggregate_OrderIndependent(t *testing.T) {
	notifications := []models.HijackNotification{
		notification([]int64{100}, base+10, base+20, "u1"),
		notification([]int64{200, 300}, base, base+15, "u2"),
		notification([]int64{100, 400}, base+5, base+40, "u3"),
	}
	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 2, 0}}

	var results []models.HijackRecord
	for _, order := range orders {
		e := newEnv(t)
		e.cache.AddPersistentKey(hijackKey)
		for _, u := range []string{"u1", "u2", "u3"} {
			e.send(t, bus.TopicUpdate, announcement(u, 100, base))
		}
		for _, i := range order {
			require.NoError(t, e.w.Aggregate(context.Background(), notifications[i]))
		}
		e.flush(t)

		h, ok, err := e.store.Hijack(context.Background(), hijackKey)
		require.NoError(t, err)
		require.True(t, ok)
		results = append(results, h)
	}

	want := results[0]
	require.Equal(t, models.EpochTime(base), want.TimeStarted)
	require.Equal(t, models.EpochTime(base+40), want.TimeLast)
	require.Equal(t, []int64{100, 200, 300, 400}, want.PeersSeen)
	require.Equal(t, []string{"u1", "u2", "u3"}, want.MonitorKeys)
	require.True(t, want.Active)
	for _, got := range results[1:] {
		require.Equal(t, want, got)
	}
}

func TestAggregate_AssociatesMonitoredUpdates(t *testing.T) {
	e := newEnv(t)
	e.cache.AddPersistentKey(hijackKey)

	e.send(t, bus.TopicUpdate, announcement("u1", 100, base))
	e.send(t, bus.TopicUpdate, announcement("u2", 200, base))
	e.send(t, bus.TopicUpdate, announcement("u3", 300, base))
	e.send(t, bus.TopicHijackUpdate, notification([]int64{100}, base, base, "u1"))
	e.send(t, bus.TopicHandledUpdate, "u2")
	// Also monitored by the hijack: associated rather than only handled.
	e.send(t, bus.TopicHandledUpdate, "u1")

	r := e.flush(t)
	s, _ := r.Stage(StageAssociateUpdates)
	require.Equal(t, int64(2), s.Rows)

	u1, _ := e.store.Update("u1")
	require.True(t, u1.Handled)
	require.Equal(t, []string{hijackKey}, u1.HijackKeys)

	u2, _ := e.store.Update("u2")
	require.True(t, u2.Handled)
	require.Empty(t, u2.HijackKeys)

	u3, _ := e.store.Update("u3")
	require.False(t, u3.Handled)
}

func TestAggregate_RepeatDetectionKeepsFlags(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.cache.AddPersistentKey(hijackKey)

	require.NoError(t, e.w.Aggregate(ctx, notification([]int64{100}, base, base)))
	e.flush(t)
	_, err := e.store.SetSeen(ctx, hijackKey, true)
	require.NoError(t, err)

	require.NoError(t, e.w.Aggregate(ctx, notification([]int64{200}, base-5, base+5)))
	e.flush(t)

	h, _, err := e.store.Hijack(ctx, hijackKey)
	require.NoError(t, err)
	require.True(t, h.Seen)
	require.Equal(t, []int64{200}, h.PeersSeen)
	require.Equal(t, models.EpochTime(base-5), h.TimeStarted)
	require.Equal(t, models.EpochTime(base+5), h.TimeLast)
}

func TestAggregate_RekeysStaleHijack(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.send(t, bus.TopicUpdate, announcement("u1", 100, base))
	e.send(t, bus.TopicUpdate, announcement("u2", 200, base+1))
	e.send(t, bus.TopicHandledUpdate, "u2")
	e.flush(t)
	require.True(t, e.cache.Has("u1"))

	require.NoError(t, e.w.Aggregate(ctx, notification([]int64{100, 200}, base, base, "u1", "u2")))

	msgs := e.broker.Messages(bus.TopicHijackRekey)
	require.Len(t, msgs, 1)
	var republished []models.UpdateMessage
	require.NoError(t, msgs[0].Decode(&republished))
	require.Len(t, republished, 1)
	require.Equal(t, "u1", republished[0].Key)
	require.Equal(t, int64(hijackAS), republished[0].OriginAS)
	require.Equal(t, bus.PriorityLow, msgs[0].Priority)

	require.False(t, e.cache.Has("u1"))
	require.False(t, e.cache.Has("u2"))

	e.flush(t)
	_, ok, err := e.store.Hijack(ctx, hijackKey)
	require.NoError(t, err)
	require.False(t, ok)

	// Dedup marks are gone, so the event is accepted again.
	buffered, err := e.w.Ingest(ctx, announcement("u1", 100, base))
	require.NoError(t, err)
	require.True(t, buffered)
}

func TestAggregate_RekeyWithoutUnhandledUpdates(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.w.Aggregate(context.Background(), notification([]int64{100}, base, base, "missing")))
	require.Empty(t, e.broker.Messages(bus.TopicHijackRekey))
}
