package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/hervehildenbrand/bgp-guard/pkg/backoff"
	"github.com/hervehildenbrand/bgp-guard/pkg/models"
)

// advanceScript moves a numeric key forward only.
var advanceScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if (not cur) or tonumber(ARGV[1]) > tonumber(cur) then
	redis.call('SET', KEYS[1], ARGV[1])
	return 1
end
return 0
`)

// Dial connects to the Redis server at url, retrying with backoff until it
// answers or ctx is done.
func Dial(ctx context.Context, url string, clock clockwork.Clock, log *slog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	err = backoff.Retry(ctx, clock, log, "redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		client.Close()
		return nil, err
	}
	log.Info("cache: connected to redis", "addr", opts.Addr)
	return client, nil
}

// Redis is the Cache on a Redis server.
type Redis struct {
	client redis.UniversalClient
	clock  clockwork.Clock
}

// NewRedis returns a cache on client.
func NewRedis(client redis.UniversalClient, clock clockwork.Clock) *Redis {
	return &Redis{client: client, clock: clock}
}

func (r *Redis) SeenUpdate(ctx context.Context, key string, window time.Duration) (bool, error) {
	err := r.client.SetArgs(ctx, key, "1", redis.SetArgs{Get: true, TTL: window}).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark update %s: %w", key, err)
	}
	return true, nil
}

func (r *Redis) ForgetUpdates(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("forget %d updates: %w", len(keys), err)
	}
	return nil
}

func (r *Redis) AddPeer(ctx context.Context, asn int64) (int64, error) {
	var card *redis.IntCmd
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, keyPeerASNs, asn)
		card = pipe.SCard(ctx, keyPeerASNs)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("add peer %d: %w", asn, err)
	}
	return card.Val(), nil
}

func (r *Redis) IsPersistentKey(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, keyPersistentKeys, key).Result()
	if err != nil {
		return false, fmt.Errorf("check persistent key %s: %w", key, err)
	}
	return ok, nil
}

func (r *Redis) HijackSnapshot(ctx context.Context, cacheKey string) (models.HijackNotification, bool, error) {
	raw, err := r.client.Get(ctx, cacheKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.HijackNotification{}, false, nil
	}
	if err != nil {
		return models.HijackNotification{}, false, fmt.Errorf("get hijack %s: %w", cacheKey, err)
	}
	var n models.HijackNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return models.HijackNotification{}, false, fmt.Errorf("decode hijack %s: %w", cacheKey, err)
	}
	return n, true, nil
}

func (r *Redis) PurgeHijack(ctx context.Context, cacheKey, persistentKey string) error {
	members, err := r.client.SMembers(ctx, prefixesPeersKey(cacheKey)).Result()
	if err != nil {
		return fmt.Errorf("list links of hijack %s: %w", cacheKey, err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, tokenActiveKey(cacheKey), tokenKey(cacheKey), cacheKey, originNeighborKey(cacheKey))
		pipe.SRem(ctx, keyPersistentKeys, persistentKey)
		for _, m := range members {
			// Redis drops a set when its last member goes.
			if prefix, peer, ok := splitPrefixPeer(m); ok {
				pipe.SRem(ctx, prefixPeerHijacksKey(prefix, peer), cacheKey)
			}
		}
		pipe.Del(ctx, prefixesPeersKey(cacheKey))
		return nil
	})
	if err != nil {
		return fmt.Errorf("purge hijack %s: %w", cacheKey, err)
	}
	return nil
}

func (r *Redis) AdvanceHandledTimestamp(ctx context.Context, ts float64) (bool, error) {
	moved, err := advanceScript.Run(ctx, r.client, []string{keyLastHandledTimestamp},
		strconv.FormatFloat(ts, 'f', -1, 64)).Int()
	if err != nil {
		return false, fmt.Errorf("advance handled timestamp: %w", err)
	}
	return moved == 1, nil
}

func (r *Redis) LoadHijacks(ctx context.Context, hijacks []models.HijackRecord) error {
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, h := range hijacks {
			raw, err := json.Marshal(Snapshot(h))
			if err != nil {
				return err
			}
			pipe.Set(ctx, models.HijackCacheKey(h.Prefix, h.HijackAS, h.Type), raw, 0)
			pipe.SAdd(ctx, keyPersistentKeys, h.Key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load %d hijacks: %w", len(hijacks), err)
	}
	return nil
}

func (r *Redis) LoadUpdateKeys(ctx context.Context, updates []UpdateStamp, window time.Duration) error {
	now := r.clock.Now()
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, u := range updates {
			pipe.Set(ctx, u.Key, "1", restoredTTL(u.Timestamp, now, window))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load %d update keys: %w", len(updates), err)
	}
	return nil
}

func (r *Redis) LoadHijackLinks(ctx context.Context, links []HijackLink) error {
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, l := range links {
			pipe.SAdd(ctx, originNeighborKey(l.CacheKey), l.OriginNeighbor())
			pipe.SAdd(ctx, prefixPeerHijacksKey(l.Prefix, l.PeerASN), l.CacheKey)
			pipe.SAdd(ctx, prefixesPeersKey(l.CacheKey), fmt.Sprintf("%s_%d", l.Prefix, l.PeerASN))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load %d hijack links: %w", len(links), err)
	}
	return nil
}

func (r *Redis) LoadPeers(ctx context.Context, asns []int64) (int64, error) {
	var card *redis.IntCmd
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, asn := range asns {
			pipe.SAdd(ctx, keyPeerASNs, asn)
		}
		card = pipe.SCard(ctx, keyPeerASNs)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("load %d peers: %w", len(asns), err)
	}
	return card.Val(), nil
}
