/*
Package store is the adapter between Drover and the shared coordination
store (Redis). It is the sole I/O seam: queue, lock, registry, and consensus
logic are deterministic given this package's responses.

# Vocabulary

Store exposes a minimal typed vocabulary over the store's primitives rather
than domain operations: lists (tiers, processing sets), hashes (records,
scheduler state), sets (indexes), sorted sets (weights, expiry schedules),
strings with TTL (dedup markers, heartbeat hot keys), and pub/sub.

Two composition primitives carry all multi-key invariants:

  - Multi applies a queued batch of writes atomically and unconditionally.
  - Transact is an optimistic transaction: reads observe watched keys, and
    the committed batch applies only if none of them changed in between.
    A lost race returns ErrTxConflict and has no effect; callers own the
    retry decision.

List orientation is fixed store-wide: entries are pushed at the front and
served from the back, and ListMoveTailToHead is the atomic checkout that
moves a tier's tail onto a processing list's head so a task is never outside
both lists.

Idempotent reads retry transient transport failures a bounded number of
times before surfacing; mutations never retry internally. Absence is
ErrNotFound, not a zero value.

# Pub/sub

Subscribe opens a dedicated connection and delivers messages on a buffered
channel. Router multiplexes one subscription across per-channel handlers so
an agent process holds a single pub/sub connection:

	router := store.NewRouter(st)
	router.Handle("file-locks", onLockEvent)
	router.Handle("agent:a1:inbox", onInboxNotice)
	if err := router.Start(ctx); err != nil { ... }
	defer router.Stop()

Handlers run on the dispatch goroutine; they must hand off anything slow.
*/
package store
