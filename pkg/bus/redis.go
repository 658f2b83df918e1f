package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultStreamPrefix = "bgp-guard:stream:"
	defaultMaxLen       = 100000
	readCount           = 64
	readBlock           = 2 * time.Second
	readErrorDelay      = time.Second
	cleanupTimeout      = 5 * time.Second
)

// RedisOptions configures a Redis Streams bus.
type RedisOptions struct {
	Service  string
	Instance string
	// Prefix is prepended to every topic to form the stream key.
	Prefix string
	// MaxLen caps each stream, approximately.
	MaxLen int64
	Log    *slog.Logger
}

// Redis is a Bus on Redis Streams. Every topic is a stream; shared
// subscriptions read through the service's consumer group and broadcast
// subscriptions through a group of their own per process, destroyed by
// Close.
type Redis struct {
	client redis.UniversalClient
	opts   RedisOptions

	mu    sync.Mutex
	owned map[streamGroup]struct{}
}

// NewRedis returns a bus on client.
func NewRedis(client redis.UniversalClient, opts RedisOptions) *Redis {
	if opts.Prefix == "" {
		opts.Prefix = defaultStreamPrefix
	}
	if opts.MaxLen == 0 {
		opts.MaxLen = defaultMaxLen
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Redis{client: client, opts: opts, owned: make(map[streamGroup]struct{})}
}

func (r *Redis) stream(topic string) string {
	return r.opts.Prefix + topic
}

func (r *Redis) ReplyTopic() string {
	return replyTopic(r.opts.Service, r.opts.Instance)
}

func (r *Redis) Publish(ctx context.Context, msg Message) error {
	values := map[string]any{
		"body":     string(msg.Body),
		"priority": msg.Priority,
	}
	if msg.ReplyTo != "" {
		values["reply_to"] = msg.ReplyTo
	}
	if msg.CorrelationID != "" {
		values["correlation_id"] = msg.CorrelationID
	}
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream(msg.Topic),
		MaxLen: r.opts.MaxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", msg.Topic, err)
	}
	return nil
}

type streamGroup struct {
	stream string
	group  string
}

type delivery struct {
	stream string
	group  string
	msg    Message
}

func (r *Redis) Consume(ctx context.Context, subs []Subscription, h Handler) error {
	groups := make(map[string][]string)
	topics := make(map[string]string)
	for _, sub := range subs {
		group := r.group(sub)
		start := "0"
		if startsAtNewest(sub, r.ReplyTopic()) {
			start = "$"
		}
		stream := r.stream(sub.Topic)
		err := r.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group %s on %s: %w", group, stream, err)
		}
		if sub.Broadcast {
			r.mu.Lock()
			r.owned[streamGroup{stream: stream, group: group}] = struct{}{}
			r.mu.Unlock()
		}
		groups[group] = append(groups[group], stream)
		topics[stream] = sub.Topic
	}

	readCtx, cancel := context.WithCancel(ctx)
	deliveries := make(chan delivery)
	var wg sync.WaitGroup
	for group, streams := range groups {
		wg.Add(1)
		go func(group string, streams []string) {
			defer wg.Done()
			r.read(readCtx, group, streams, topics, deliveries)
		}(group, streams)
	}
	defer func() {
		cancel()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-deliveries:
			h(ctx, d.msg)
			if err := r.client.XAck(context.WithoutCancel(ctx), d.stream, d.group, d.msg.ID).Err(); err != nil {
				r.opts.Log.Warn("bus: ack failed", "stream", d.stream, "id", d.msg.ID, "error", err)
			}
		}
	}
}

// group is the consumer group sub reads through.
func (r *Redis) group(sub Subscription) string {
	if sub.Broadcast {
		return r.opts.Service + "." + r.opts.Instance
	}
	return r.opts.Service
}

// Close destroys the per-process groups so that restarts, which come with a
// new instance id, do not leave idle groups behind on the streams. The
// client is left open.
func (r *Redis) Close(ctx context.Context) error {
	r.mu.Lock()
	owned := make([]streamGroup, 0, len(r.owned))
	for g := range r.owned {
		owned = append(owned, g)
	}
	r.owned = make(map[streamGroup]struct{})
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()
	var errs []error
	for _, g := range owned {
		if err := r.client.XGroupDestroy(ctx, g.stream, g.group).Err(); err != nil {
			errs = append(errs, fmt.Errorf("destroy group %s on %s: %w", g.group, g.stream, err))
			continue
		}
		r.opts.Log.Debug("bus: group destroyed", "stream", g.stream, "group", g.group)
	}
	return errors.Join(errs...)
}

func (r *Redis) read(ctx context.Context, group string, streams []string, topics map[string]string, out chan<- delivery) {
	args := make([]string, 0, 2*len(streams))
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}

	for ctx.Err() == nil {
		res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: r.opts.Instance,
			Streams:  args,
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.opts.Log.Error("bus: read failed", "group", group, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(readErrorDelay):
			}
			continue
		}

		var batch []delivery
		for _, xs := range res {
			for _, xm := range xs.Messages {
				batch = append(batch, delivery{
					stream: xs.Stream,
					group:  group,
					msg:    fromXMessage(topics[xs.Stream], xm),
				})
			}
		}
		sort.SliceStable(batch, func(i, j int) bool {
			return batch[i].msg.Priority > batch[j].msg.Priority
		})
		for _, d := range batch {
			select {
			case <-ctx.Done():
				return
			case out <- d:
			}
		}
	}
}

func fromXMessage(topic string, xm redis.XMessage) Message {
	msg := Message{ID: xm.ID, Topic: topic}
	if v, ok := xm.Values["body"].(string); ok {
		msg.Body = []byte(v)
	}
	if v, ok := xm.Values["reply_to"].(string); ok {
		msg.ReplyTo = v
	}
	if v, ok := xm.Values["correlation_id"].(string); ok {
		msg.CorrelationID = v
	}
	if v, ok := xm.Values["priority"].(string); ok {
		msg.Priority, _ = strconv.Atoi(v)
	}
	return msg
}
