// Package queue is the caller wait-queue engine (C7): callers wait on a
// per-provider sorted set until a representative becomes available,
// with position/ETA lookups for the hold loop. Generalizes the teacher's
// QueueHandler stub (internal/flow/nodes/queue.go), which only logged a
// warning and fell through a "timeout" edge, into a real FIFO backed by
// internal/statestore's sorted-set primitives.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/callengine/callengine/internal/statestore"
)

// Entry is one caller waiting in a provider's queue.
type Entry struct {
	CallSid    string
	ProviderID string
	EnqueuedAt time.Time
}

// Engine manages per-provider wait queues atop a shared StateStore. The
// sorted-set score is the enqueue unix-nano timestamp, so ZRank gives a
// stable FIFO position.
type Engine struct {
	store        *statestore.Store
	avgCallTime  time.Duration
	entryTTL     time.Duration
}

// New creates a queue Engine. avgCallTime feeds the ETA estimate
// (position * avgCallTime); entryTTL bounds how long a queue entry's
// KV record survives so abandoned entries eventually age out.
func New(store *statestore.Store, avgCallTime, entryTTL time.Duration) *Engine {
	return &Engine{store: store, avgCallTime: avgCallTime, entryTTL: entryTTL}
}

func zsetKey(providerID string) string { return "queue:" + providerID }
func entryKey(callSid string) string   { return "queue:entry:" + callSid }

// Enqueue places callSid at the back of providerID's wait queue. It is
// idempotent: re-enqueuing a callSid already waiting moves it to the
// current time rather than duplicating it.
func (e *Engine) Enqueue(ctx context.Context, callSid, providerID string, now time.Time) error {
	entry := Entry{CallSid: callSid, ProviderID: providerID, EnqueuedAt: now}
	if err := e.store.ZAdd(ctx, zsetKey(providerID), callSid, float64(now.UnixNano())); err != nil {
		return fmt.Errorf("queue: enqueue zadd: %w", err)
	}
	if err := e.store.Set(ctx, entryKey(callSid), encodeEntry(entry), e.entryTTL); err != nil {
		return fmt.Errorf("queue: enqueue set: %w", err)
	}
	return nil
}

// Dequeue removes and returns the caller at the front of providerID's
// queue, or ok=false if the queue is empty. Called when a representative
// becomes available.
func (e *Engine) Dequeue(ctx context.Context, providerID string) (Entry, bool, error) {
	members, err := e.store.ZRange(ctx, zsetKey(providerID), 0, 0)
	if err != nil {
		return Entry{}, false, fmt.Errorf("queue: dequeue zrange: %w", err)
	}
	if len(members) == 0 {
		return Entry{}, false, nil
	}
	callSid := members[0]

	raw, err := e.store.Get(ctx, entryKey(callSid))
	if err != nil {
		// Entry KV expired but the zset member lingers; drop it and report empty.
		e.store.ZRem(ctx, zsetKey(providerID), callSid)
		return Entry{}, false, nil
	}
	entry, err := parseEntry(string(raw))
	if err != nil {
		return Entry{}, false, fmt.Errorf("queue: decode entry: %w", err)
	}

	if err := e.store.ZRem(ctx, zsetKey(providerID), callSid); err != nil {
		return Entry{}, false, fmt.Errorf("queue: dequeue zrem: %w", err)
	}
	e.store.Del(ctx, entryKey(callSid))

	return entry, true, nil
}

// Position returns callSid's 0-indexed position in providerID's queue, or
// ok=false if it isn't waiting.
func (e *Engine) Position(ctx context.Context, providerID, callSid string) (int, bool, error) {
	rank, ok, err := e.store.ZRank(ctx, zsetKey(providerID), callSid)
	if err != nil {
		return 0, false, fmt.Errorf("queue: position: %w", err)
	}
	return rank, ok, nil
}

// EstimatedWait returns the hold-music ETA for position (0-indexed): the
// number of callers ahead, scaled by the average call handling time.
func (e *Engine) EstimatedWait(position int) time.Duration {
	return time.Duration(position) * e.avgCallTime
}

// Depth returns the number of callers currently waiting in providerID's
// queue, for the queue-depth gauge.
func (e *Engine) Depth(ctx context.Context, providerID string) (int, error) {
	members, err := e.store.ZRange(ctx, zsetKey(providerID), 0, -1)
	if err != nil {
		return 0, fmt.Errorf("queue: depth zrange: %w", err)
	}
	return len(members), nil
}

// Remove takes a caller out of providerID's queue without returning it,
// used when the caller hangs up while waiting.
func (e *Engine) Remove(ctx context.Context, providerID, callSid string) error {
	if err := e.store.ZRem(ctx, zsetKey(providerID), callSid); err != nil {
		return fmt.Errorf("queue: remove zrem: %w", err)
	}
	return e.store.Del(ctx, entryKey(callSid))
}

func encodeEntry(e Entry) []byte {
	return []byte(strings.Join([]string{e.CallSid, e.ProviderID, strconv.FormatInt(e.EnqueuedAt.UnixNano(), 10)}, "|"))
}

func parseEntry(raw string) (Entry, error) {
	parts := strings.SplitN(raw, "|", 3)
	if len(parts) != 3 {
		return Entry{}, fmt.Errorf("queue: malformed entry %q", raw)
	}
	nanos, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("queue: malformed timestamp in %q: %w", raw, err)
	}
	return Entry{CallSid: parts[0], ProviderID: parts[1], EnqueuedAt: time.Unix(0, nanos)}, nil
}
