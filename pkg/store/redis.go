package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	"github.com/redis/go-redis/v9"

	"github.com/droverlabs/drover/pkg/metrics"
)

// RedisStore implements Store over a Redis-compatible server.
type RedisStore struct {
	client *redis.Client
}

// NewRedis connects to the store at the given URL (redis://host:port/db).
// The connection is lazy; call Ping to verify reachability.
func NewRedis(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

// NewRedisWithClient wraps an existing client. Tests use this to point the
// adapter at an in-process server.
func NewRedisWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func observe(op string) func() {
	timer := metrics.NewTimer()
	return func() { timer.ObserveDurationVec(metrics.StoreOpDuration, op) }
}

func toAny(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func mapNil(err error) error {
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return err
}

// readRetry runs an idempotent read with bounded backoff. Absence and
// context cancellation surface immediately; only transport failures are
// retried. Mutations never pass through here.
func readRetry(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(50*time.Millisecond),
		retry.MaxDelay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, redis.Nil) &&
				!errors.Is(err, context.Canceled) &&
				!errors.Is(err, context.DeadlineExceeded)
		}),
	)
}

// ---- Lists ----

func (s *RedisStore) ListPushFront(ctx context.Context, key string, values ...string) error {
	defer observe("list_push_front")()
	return s.client.LPush(ctx, key, toAny(values)...).Err()
}

func (s *RedisStore) ListPushBack(ctx context.Context, key string, values ...string) error {
	defer observe("list_push_back")()
	return s.client.RPush(ctx, key, toAny(values)...).Err()
}

func (s *RedisStore) ListPopBack(ctx context.Context, key string) (string, error) {
	defer observe("list_pop_back")()
	v, err := s.client.RPop(ctx, key).Result()
	return v, mapNil(err)
}

func (s *RedisStore) BlockingPopBack(ctx context.Context, keys []string, timeout time.Duration) (string, string, error) {
	defer observe("blocking_pop_back")()
	res, err := s.client.BRPop(ctx, timeout, keys...).Result()
	if err != nil {
		return "", "", mapNil(err)
	}
	if len(res) != 2 {
		return "", "", fmt.Errorf("unexpected BRPOP reply of %d elements", len(res))
	}
	return res[0], res[1], nil
}

func (s *RedisStore) ListMoveTailToHead(ctx context.Context, src, dst string) (string, error) {
	defer observe("list_move")()
	v, err := s.client.LMove(ctx, src, dst, "RIGHT", "LEFT").Result()
	return v, mapNil(err)
}

func (s *RedisStore) ListLength(ctx context.Context, key string) (int64, error) {
	defer observe("list_length")()
	var n int64
	err := readRetry(ctx, func() (err error) {
		n, err = s.client.LLen(ctx, key).Result()
		return err
	})
	return n, err
}

func (s *RedisStore) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	defer observe("list_range")()
	var vals []string
	err := readRetry(ctx, func() (err error) {
		vals, err = s.client.LRange(ctx, key, start, stop).Result()
		return err
	})
	return vals, err
}

func (s *RedisStore) ListRemove(ctx context.Context, key string, count int64, value string) (int64, error) {
	defer observe("list_remove")()
	return s.client.LRem(ctx, key, count, value).Result()
}

// ---- Strings ----

func (s *RedisStore) StringGet(ctx context.Context, key string) (string, error) {
	defer observe("string_get")()
	var v string
	err := readRetry(ctx, func() (err error) {
		v, err = s.client.Get(ctx, key).Result()
		return err
	})
	return v, mapNil(err)
}

func (s *RedisStore) StringSet(ctx context.Context, key, value string) error {
	defer observe("string_set")()
	return s.client.Set(ctx, key, value, 0).Err()
}

func (s *RedisStore) StringSetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	defer observe("string_set_ttl")()
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) StringIncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	defer observe("string_incr")()
	return s.client.IncrBy(ctx, key, delta).Result()
}

// ---- Hashes ----

func (s *RedisStore) HashSet(ctx context.Context, key string, fields map[string]string) error {
	defer observe("hash_set")()
	return s.client.HSet(ctx, key, fields).Err()
}

func (s *RedisStore) HashGet(ctx context.Context, key, field string) (string, error) {
	defer observe("hash_get")()
	var v string
	err := readRetry(ctx, func() (err error) {
		v, err = s.client.HGet(ctx, key, field).Result()
		return err
	})
	return v, mapNil(err)
}

// HashGetAll returns an empty map for an absent key, mirroring the store's
// view that a missing hash and an empty hash are the same thing.
func (s *RedisStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	defer observe("hash_get_all")()
	var fields map[string]string
	err := readRetry(ctx, func() (err error) {
		fields, err = s.client.HGetAll(ctx, key).Result()
		return err
	})
	return fields, err
}

func (s *RedisStore) HashIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	defer observe("hash_incr")()
	return s.client.HIncrBy(ctx, key, field, delta).Result()
}

func (s *RedisStore) HashDelete(ctx context.Context, key string, fields ...string) error {
	defer observe("hash_delete")()
	return s.client.HDel(ctx, key, fields...).Err()
}

// ---- Sets ----

func (s *RedisStore) SetAdd(ctx context.Context, key string, members ...string) error {
	defer observe("set_add")()
	return s.client.SAdd(ctx, key, toAny(members)...).Err()
}

func (s *RedisStore) SetRemove(ctx context.Context, key string, members ...string) error {
	defer observe("set_remove")()
	return s.client.SRem(ctx, key, toAny(members)...).Err()
}

func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	defer observe("set_members")()
	var members []string
	err := readRetry(ctx, func() (err error) {
		members, err = s.client.SMembers(ctx, key).Result()
		return err
	})
	return members, err
}

func (s *RedisStore) SetContains(ctx context.Context, key, member string) (bool, error) {
	defer observe("set_contains")()
	var ok bool
	err := readRetry(ctx, func() (err error) {
		ok, err = s.client.SIsMember(ctx, key, member).Result()
		return err
	})
	return ok, err
}

// ---- Sorted sets ----

func (s *RedisStore) SortedSetAdd(ctx context.Context, key string, score float64, member string) error {
	defer observe("zset_add")()
	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) SortedSetRemove(ctx context.Context, key string, members ...string) error {
	defer observe("zset_remove")()
	return s.client.ZRem(ctx, key, toAny(members)...).Err()
}

func (s *RedisStore) SortedSetRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	defer observe("zset_range_by_score")()
	var members []string
	err := readRetry(ctx, func() (err error) {
		members, err = s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: formatScore(min),
			Max: formatScore(max),
		}).Result()
		return err
	})
	return members, err
}

func (s *RedisStore) SortedSetScoresDesc(ctx context.Context, key string) ([]ScoredMember, error) {
	defer observe("zset_scores")()
	var zs []redis.Z
	err := readRetry(ctx, func() (err error) {
		zs, err = s.client.ZRevRangeWithScores(ctx, key, 0, -1).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]ScoredMember, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			return nil, fmt.Errorf("non-string member in sorted set %s", key)
		}
		out = append(out, ScoredMember{Member: member, Score: z.Score})
	}
	return out, nil
}

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// ---- Keys ----

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	defer observe("delete")()
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	defer observe("exists")()
	var n int64
	err := readRetry(ctx, func() (err error) {
		n, err = s.client.Exists(ctx, key).Result()
		return err
	})
	return n > 0, err
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	defer observe("expire")()
	return s.client.Expire(ctx, key, ttl).Err()
}

// TTL returns the remaining lifetime of a key. A key with no expiry reports
// zero; an absent key reports ErrNotFound.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	defer observe("ttl")()
	var d time.Duration
	err := readRetry(ctx, func() (err error) {
		d, err = s.client.TTL(ctx, key).Result()
		return err
	})
	if err != nil {
		return 0, err
	}
	switch d {
	case -2: // key does not exist
		return 0, ErrNotFound
	case -1: // no expiry
		return 0, nil
	}
	return d, nil
}

func (s *RedisStore) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	defer observe("scan")()
	var (
		keys   []string
		cursor uint64
	)
	for {
		var (
			batch []string
			next  uint64
		)
		err := readRetry(ctx, func() (err error) {
			batch, next, err = s.client.Scan(ctx, cursor, pattern, 100).Result()
			return err
		})
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// ---- Atomicity ----

type redisBatch struct {
	ctx  context.Context
	pipe redis.Pipeliner
}

func (b *redisBatch) ListPushFront(key string, values ...string) {
	b.pipe.LPush(b.ctx, key, toAny(values)...)
}

func (b *redisBatch) ListPushBack(key string, values ...string) {
	b.pipe.RPush(b.ctx, key, toAny(values)...)
}

func (b *redisBatch) ListRemove(key string, count int64, value string) {
	b.pipe.LRem(b.ctx, key, count, value)
}

func (b *redisBatch) StringSet(key, value string) {
	b.pipe.Set(b.ctx, key, value, 0)
}

func (b *redisBatch) StringSetWithTTL(key, value string, ttl time.Duration) {
	b.pipe.Set(b.ctx, key, value, ttl)
}

func (b *redisBatch) StringIncrBy(key string, delta int64) {
	b.pipe.IncrBy(b.ctx, key, delta)
}

func (b *redisBatch) HashSet(key string, fields map[string]string) {
	b.pipe.HSet(b.ctx, key, fields)
}

func (b *redisBatch) HashIncrBy(key, field string, delta int64) {
	b.pipe.HIncrBy(b.ctx, key, field, delta)
}

func (b *redisBatch) HashDelete(key string, fields ...string) {
	b.pipe.HDel(b.ctx, key, fields...)
}

func (b *redisBatch) SetAdd(key string, members ...string) {
	b.pipe.SAdd(b.ctx, key, toAny(members)...)
}

func (b *redisBatch) SetRemove(key string, members ...string) {
	b.pipe.SRem(b.ctx, key, toAny(members)...)
}

func (b *redisBatch) SortedSetAdd(key string, score float64, member string) {
	b.pipe.ZAdd(b.ctx, key, redis.Z{Score: score, Member: member})
}

func (b *redisBatch) SortedSetRemove(key string, members ...string) {
	b.pipe.ZRem(b.ctx, key, toAny(members)...)
}

func (b *redisBatch) Delete(keys ...string) {
	b.pipe.Del(b.ctx, keys...)
}

func (b *redisBatch) Expire(key string, ttl time.Duration) {
	b.pipe.Expire(b.ctx, key, ttl)
}

func (b *redisBatch) Publish(channel, payload string) {
	b.pipe.Publish(b.ctx, channel, payload)
}

func (s *RedisStore) Multi(ctx context.Context, fn func(Batch)) error {
	defer observe("multi")()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fn(&redisBatch{ctx: ctx, pipe: pipe})
		return nil
	})
	return err
}

type redisTx struct {
	ctx context.Context
	tx  *redis.Tx
}

func (t *redisTx) StringGet(key string) (string, error) {
	v, err := t.tx.Get(t.ctx, key).Result()
	return v, mapNil(err)
}

func (t *redisTx) HashGet(key, field string) (string, error) {
	v, err := t.tx.HGet(t.ctx, key, field).Result()
	return v, mapNil(err)
}

func (t *redisTx) HashGetAll(key string) (map[string]string, error) {
	return t.tx.HGetAll(t.ctx, key).Result()
}

func (t *redisTx) ListLength(key string) (int64, error) {
	return t.tx.LLen(t.ctx, key).Result()
}

func (t *redisTx) ListRange(key string, start, stop int64) ([]string, error) {
	return t.tx.LRange(t.ctx, key, start, stop).Result()
}

func (t *redisTx) SetContains(key, member string) (bool, error) {
	return t.tx.SIsMember(t.ctx, key, member).Result()
}

func (t *redisTx) SetMembers(key string) ([]string, error) {
	return t.tx.SMembers(t.ctx, key).Result()
}

func (t *redisTx) Exists(key string) (bool, error) {
	n, err := t.tx.Exists(t.ctx, key).Result()
	return n > 0, err
}

func (t *redisTx) TTL(key string) (time.Duration, error) {
	d, err := t.tx.TTL(t.ctx, key).Result()
	if err != nil {
		return 0, err
	}
	switch d {
	case -2:
		return 0, ErrNotFound
	case -1:
		return 0, nil
	}
	return d, nil
}

func (t *redisTx) Commit(fn func(Batch)) error {
	_, err := t.tx.TxPipelined(t.ctx, func(pipe redis.Pipeliner) error {
		fn(&redisBatch{ctx: t.ctx, pipe: pipe})
		return nil
	})
	return err
}

func (s *RedisStore) Transact(ctx context.Context, fn func(Tx) error, watchKeys ...string) error {
	defer observe("transact")()
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		return fn(&redisTx{ctx: ctx, tx: tx})
	}, watchKeys...)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrTxConflict
	}
	return err
}

// ---- Pub/sub ----

func (s *RedisStore) Publish(ctx context.Context, channel, payload string) error {
	defer observe("publish")()
	return s.client.Publish(ctx, channel, payload).Err()
}

type redisSubscription struct {
	pubsub  *redis.PubSub
	out     chan Message
	closing chan struct{}
	done    chan struct{}
}

func (r *redisSubscription) Messages() <-chan Message { return r.out }

func (r *redisSubscription) Close() error {
	close(r.closing)
	err := r.pubsub.Close()
	<-r.done
	return err
}

func (s *RedisStore) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, channels...)
	// Force the subscription onto the wire before returning so a publish
	// immediately after Subscribe is not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %v: %w", channels, err)
	}

	sub := &redisSubscription{
		pubsub:  pubsub,
		out:     make(chan Message, 64),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(sub.done)
		defer close(sub.out)
		for msg := range pubsub.Channel() {
			select {
			case sub.out <- Message{Channel: msg.Channel, Payload: msg.Payload}:
			case <-sub.closing:
				return
			}
		}
	}()
	return sub, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
