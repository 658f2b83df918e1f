package bus

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// fakeStreams records consumer group commands. Commands it does not
// implement panic through the nil embedded client.
type fakeStreams struct {
	redis.UniversalClient

	mu         sync.Mutex
	created    []string
	destroyed  []string
	destroyErr error
}

func (f *fakeStreams) XGroupCreateMkStream(_ context.Context, stream, group, start string) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, stream+" "+group+" "+start)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeStreams) XGroupDestroy(_ context.Context, stream, group string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyErr != nil {
		return redis.NewIntResult(0, f.destroyErr)
	}
	f.destroyed = append(f.destroyed, stream+" "+group)
	return redis.NewIntResult(1, nil)
}

func (f *fakeStreams) XReadGroup(ctx context.Context, _ *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	<-ctx.Done()
	return redis.NewXStreamSliceCmdResult(nil, ctx.Err())
}

func newTestRedis(f *fakeStreams) *Redis {
	return NewRedis(f, RedisOptions{
		Service:  "database",
		Instance: "i1",
		Prefix:   "s:",
		Log:      slog.New(slog.DiscardHandler),
	})
}

func consumeCancelled(t *testing.T, r *Redis, subs []Subscription) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Consume(ctx, subs, func(context.Context, Message) {})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRedis_GroupNames(t *testing.T) {
	r := newTestRedis(&fakeStreams{})
	tests := []struct {
		name string
		sub  Subscription
		want string
	}{
		{name: "shared", sub: Subscription{Topic: TopicUpdate}, want: "database"},
		{name: "broadcast", sub: Subscription{Topic: TopicDBClock, Broadcast: true}, want: "database.i1"},
		{name: "reply", sub: Subscription{Topic: r.ReplyTopic(), Broadcast: true}, want: "database.i1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, r.group(tt.sub))
		})
	}
}

func TestRedis_CloseDestroysBroadcastGroups(t *testing.T) {
	f := &fakeStreams{}
	r := newTestRedis(f)
	consumeCancelled(t, r, []Subscription{
		{Topic: TopicUpdate},
		{Topic: TopicDBClock, Broadcast: true},
		{Topic: r.ReplyTopic(), Broadcast: true},
	})
	// A second Consume on the same broadcast topic reuses the group.
	consumeCancelled(t, r, []Subscription{{Topic: TopicDBClock, Broadcast: true}})

	require.Equal(t, []string{
		"s:" + TopicUpdate + " database 0",
		"s:" + TopicDBClock + " database.i1 $",
		"s:" + r.ReplyTopic() + " database.i1 0",
		"s:" + TopicDBClock + " database.i1 $",
	}, f.created)
	require.Empty(t, f.destroyed, "groups outlive Consume")

	require.NoError(t, r.Close(context.Background()))
	sort.Strings(f.destroyed)
	want := []string{
		"s:" + TopicDBClock + " database.i1",
		"s:" + r.ReplyTopic() + " database.i1",
	}
	sort.Strings(want)
	require.Equal(t, want, f.destroyed)

	require.NoError(t, r.Close(context.Background()))
	require.Len(t, f.destroyed, 2)
}

func TestRedis_CloseReportsFailures(t *testing.T) {
	f := &fakeStreams{destroyErr: errors.New("NOGROUP")}
	r := newTestRedis(f)
	consumeCancelled(t, r, []Subscription{{Topic: TopicDBClock, Broadcast: true}})

	err := r.Close(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "NOGROUP")
}
