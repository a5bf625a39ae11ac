package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key, field, or list element is absent.
	// Empty-list pops and missing hash fields report this rather than a
	// zero value so callers can distinguish "empty" from "".
	ErrNotFound = errors.New("store: not found")

	// ErrTxConflict is returned by Transact when a watched key changed
	// between the read and the commit. The transaction had no effect;
	// callers decide whether to retry.
	ErrTxConflict = errors.New("store: transaction conflict")
)

// ScoredMember is one sorted-set entry.
type ScoredMember struct {
	Member string
	Score  float64
}

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live pub/sub stream. Close releases the underlying
// connection; Messages is closed afterwards.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Batch queues mutations for atomic execution. Operations are not applied
// until the enclosing Multi or Commit runs; errors surface there.
type Batch interface {
	ListPushFront(key string, values ...string)
	ListPushBack(key string, values ...string)
	ListRemove(key string, count int64, value string)
	StringSet(key, value string)
	StringSetWithTTL(key, value string, ttl time.Duration)
	StringIncrBy(key string, delta int64)
	HashSet(key string, fields map[string]string)
	HashIncrBy(key, field string, delta int64)
	HashDelete(key string, fields ...string)
	SetAdd(key string, members ...string)
	SetRemove(key string, members ...string)
	SortedSetAdd(key string, score float64, member string)
	SortedSetRemove(key string, members ...string)
	Delete(keys ...string)
	Expire(key string, ttl time.Duration)
	Publish(channel, payload string)
}

// Tx is an optimistic transaction: reads observe a consistent snapshot of
// the watched keys, and Commit applies queued writes atomically only if no
// watched key changed since the reads. A changed key fails the whole
// transaction with ErrTxConflict.
type Tx interface {
	StringGet(key string) (string, error)
	HashGet(key, field string) (string, error)
	HashGetAll(key string) (map[string]string, error)
	ListLength(key string) (int64, error)
	ListRange(key string, start, stop int64) ([]string, error)
	SetContains(key, member string) (bool, error)
	SetMembers(key string) ([]string, error)
	Exists(key string) (bool, error)
	TTL(key string) (time.Duration, error)
	Commit(fn func(Batch)) error
}

// Store is the sole I/O seam to the shared coordination store. Everything
// above it is deterministic given the store's responses.
//
// Idempotent reads absorb transient transport failures with a short bounded
// backoff. Mutations never retry internally: their errors surface and the
// caller decides, since a blind replay could double a side effect.
type Store interface {
	// Lists. Entries are pushed at the front; the back is next to serve.
	ListPushFront(ctx context.Context, key string, values ...string) error
	ListPushBack(ctx context.Context, key string, values ...string) error
	ListPopBack(ctx context.Context, key string) (string, error)
	// BlockingPopBack pops from the first non-empty key, waiting up to
	// timeout. ErrNotFound means the wait expired with nothing to serve.
	// The wire granularity is whole seconds; shorter timeouts wait one.
	BlockingPopBack(ctx context.Context, keys []string, timeout time.Duration) (key, value string, err error)
	// ListMoveTailToHead atomically pops src's tail and pushes it onto
	// dst's head, returning the moved value. The value is never outside
	// both lists.
	ListMoveTailToHead(ctx context.Context, src, dst string) (string, error)
	ListLength(ctx context.Context, key string) (int64, error)
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ListRemove(ctx context.Context, key string, count int64, value string) (int64, error)

	// Strings
	StringGet(ctx context.Context, key string) (string, error)
	StringSet(ctx context.Context, key, value string) error
	StringSetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	StringIncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// Hashes
	HashSet(ctx context.Context, key string, fields map[string]string) error
	HashGet(ctx context.Context, key, field string) (string, error)
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
	HashIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	HashDelete(ctx context.Context, key string, fields ...string) error

	// Sets
	SetAdd(ctx context.Context, key string, members ...string) error
	SetRemove(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	SetContains(ctx context.Context, key, member string) (bool, error)

	// Sorted sets
	SortedSetAdd(ctx context.Context, key string, score float64, member string) error
	SortedSetRemove(ctx context.Context, key string, members ...string) error
	SortedSetRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	// SortedSetScoresDesc returns all members ordered by score, highest
	// first.
	SortedSetScoresDesc(ctx context.Context, key string) ([]ScoredMember, error)

	// Keys
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	ScanKeys(ctx context.Context, pattern string) ([]string, error)

	// Multi applies the queued batch atomically and unconditionally.
	Multi(ctx context.Context, fn func(Batch)) error
	// Transact runs fn against a consistent view of watchKeys; the commit
	// aborts with ErrTxConflict if any watched key changed concurrently.
	Transact(ctx context.Context, fn func(Tx) error, watchKeys ...string) error

	// Pub/sub
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}
