package dbworker

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/hervehildenbrand/bgp-guard/pkg/bus"
	"github.com/hervehildenbrand/bgp-guard/pkg/cache"
	"github.com/hervehildenbrand/bgp-guard/pkg/database"
	"github.com/hervehildenbrand/bgp-guard/pkg/metrics"
	"github.com/hervehildenbrand/bgp-guard/pkg/models"
)

// seedOngoing stores an active hijack monitoring n handled announcements.
func seedOngoing(t *testing.T, e *env, n int) {
	t.Helper()
	e.cache.AddPersistentKey(hijackKey)
	keys := make([]string, 0, n)
	for i := range n {
		key := fmt.Sprintf("u%02d", i)
		keys = append(keys, key)
		e.send(t, bus.TopicUpdate, announcement(key, int64(100+i), base+float64(i)))
	}
	e.send(t, bus.TopicHijackUpdate, notification([]int64{100}, base, base, keys...))
	e.flush(t)
}

func TestOngoingRequest_PublishesBuckets(t *testing.T) {
	e := newEnv(t)
	seedOngoing(t, e, 23)

	e.w.Handle(context.Background(), bus.Message{Topic: bus.TopicHijackOngoingRequest, Body: []byte(`1700000500.5`)})

	msgs := e.broker.Messages(bus.TopicHijackOngoing)
	require.Len(t, msgs, 3)
	var total int
	for i, msg := range msgs {
		var bucket []models.OngoingUpdate
		require.NoError(t, msg.Decode(&bucket))
		require.LessOrEqual(t, len(bucket), ongoingBucketSize)
		require.Equal(t, bus.PriorityLow, msg.Priority)
		if i == 0 {
			require.Equal(t, "u00", bucket[0].Key)
			require.Equal(t, hijackKey, bucket[0].HijackKey)
			require.Equal(t, int64(hijackAS), bucket[0].HijackAS)
			require.Equal(t, "10.0.0.0/8", bucket[0].MatchedPrefix)
		}
		total += len(bucket)
	}
	require.Equal(t, 23, total)
}

func TestOngoingRequest_AnsweredOncePerTimestamp(t *testing.T) {
	e := newEnv(t)
	seedOngoing(t, e, 3)

	// A second worker process sharing cache and store.
	other := New(Options{
		Bus:     e.broker.Bus("database", "b"),
		Cache:   e.cache,
		Store:   e.store,
		Clock:   e.clock,
		Metrics: metrics.NewUnregistered(),
		Log:     discard(),
	})

	ctx := context.Background()
	req := bus.Message{Topic: bus.TopicHijackOngoingRequest, Body: []byte(`{"timestamp": 1700000600}`)}
	e.w.Handle(ctx, req)
	other.Handle(ctx, req)
	require.Len(t, e.broker.Messages(bus.TopicHijackOngoing), 1)

	// An older request is ignored, a newer one answered.
	e.w.Handle(ctx, bus.Message{Topic: bus.TopicHijackOngoingRequest, Body: []byte(`1700000100`)})
	require.Len(t, e.broker.Messages(bus.TopicHijackOngoing), 1)
	other.Handle(ctx, bus.Message{Topic: bus.TopicHijackOngoingRequest, Body: []byte(`1700000700`)})
	require.Len(t, e.broker.Messages(bus.TopicHijackOngoing), 2)
}

func TestRequestTimestamp(t *testing.T) {
	tests := []struct {
		body string
		want float64
		ok   bool
	}{
		{body: `12.5`, want: 12.5, ok: true},
		{body: `{"timestamp":7}`, want: 7, ok: true},
		{body: `{"ts":7}`},
		{body: `"now"`},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			got, err := requestTimestamp(json.RawMessage(tt.body))
			if !tt.ok {
				require.ErrorIs(t, err, models.ErrInvalidMessage)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestBootstrap_RestoresCache(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	seedOngoing(t, e, 2)

	// A fresh cache, as after a restart of the shared cache.
	clock := clockwork.NewFakeClockAt(e.clock.Now())
	fresh := cache.NewMemory(clock)
	w := New(Options{
		Bus:     e.broker.Bus("database", "c"),
		Cache:   fresh,
		Store:   e.store,
		Clock:   clock,
		Metrics: metrics.NewUnregistered(),
		Log:     discard(),
	})
	require.NoError(t, w.Bootstrap(ctx))

	persistent, err := fresh.IsPersistentKey(ctx, hijackKey)
	require.NoError(t, err)
	require.True(t, persistent)

	cacheKey := models.HijackCacheKey(hijackPrefix, hijackAS, hijackType)
	snapshot, ok, err := fresh.HijackSnapshot(ctx, cacheKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, hijackKey, snapshot.Key)

	// Both events are within the dedup window of the restarted worker.
	require.True(t, fresh.Has("u00"))
	require.True(t, fresh.Has("u01"))
	require.ElementsMatch(t, []string{"666_3356"}, fresh.Members("hij_orig_neighb_"+cacheKey))

	require.Equal(t, int64(2), w.monitorPeers)
	require.Equal(t, int64(2), e.store.MonitorPeers)
}

func TestBootstrap_ContinuesAfterFailures(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := database.NewMemStore()
	require.NoError(t, store.SetMonitorPeers(context.Background(), 9))
	w := New(Options{
		Bus:     bus.NewMemoryBroker().Bus("database", "a"),
		Cache:   cache.NewMemory(clock),
		Store:   brokenHijacks{store},
		Clock:   clock,
		Metrics: metrics.NewUnregistered(),
		Log:     discard(),
	})
	err := w.Bootstrap(context.Background())
	require.ErrorIs(t, err, errConnReset)
	require.ErrorContains(t, err, "hijacks")
	// The peer step still ran.
	require.Equal(t, int64(0), store.MonitorPeers)
}

type brokenHijacks struct {
	*database.MemStore
}

func (brokenHijacks) ActiveHijacks(context.Context) ([]models.HijackRecord, error) {
	return nil, errConnReset
}
