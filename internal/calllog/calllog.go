// Package calllog is the Call-Log Writer (C11): bounded-retry writes of
// call metadata and the terminal recording URL against RecordStore,
// grounded on the teacher's cdr writer shape (internal/sip call detail
// record persistence) but retried with internal/retry's Backoff instead
// of a single best-effort write.
package calllog

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/callengine/callengine/internal/records"
	"github.com/callengine/callengine/internal/retry"
)

const maxWriteAttempts = 3

// Writer persists CallLog rows with bounded retry so a transient sqlite
// contention error doesn't silently drop call metadata.
type Writer struct {
	store    *records.Store
	logger   *slog.Logger
	failures int64
}

func New(store *records.Store, logger *slog.Logger) *Writer {
	return &Writer{store: store, logger: logger.With("subsystem", "calllog")}
}

// Start writes the initial in-progress row for a newly answered call.
func (w *Writer) Start(ctx context.Context, cl records.CallLog) {
	w.writeWithRetry(ctx, "start", func(ctx context.Context) error {
		return w.store.AppendCallLog(ctx, cl)
	})
}

// Finish updates outcome/endedAt once the call has ended.
func (w *Writer) Finish(ctx context.Context, callLogID, outcome string, endedAt time.Time) {
	w.writeWithRetry(ctx, "finish", func(ctx context.Context) error {
		return w.store.UpdateCallLog(ctx, callLogID, outcome, endedAt)
	})
}

// SetDetectedIntent records the classified caller intent (e.g. "absence")
// on a call log row once the dialog has recognized it.
func (w *Writer) SetDetectedIntent(ctx context.Context, callLogID, intent string) {
	w.writeWithRetry(ctx, "detected-intent", func(ctx context.Context) error {
		return w.store.SetCallLogDetectedIntent(ctx, callLogID, intent)
	})
}

// AttachCallSid records the carrier-assigned CallSid on a log row created
// before origination (the wave scheduler logs a call before dialing it).
func (w *Writer) AttachCallSid(ctx context.Context, callLogID, callSid string) {
	w.writeWithRetry(ctx, "attach-sid", func(ctx context.Context) error {
		return w.store.SetCallLogSid(ctx, callLogID, callSid)
	})
}

// writeWithRetry makes up to maxWriteAttempts attempts at a write (the
// first try included) with exponential backoff between them, logging and giving up rather than blocking the
// call-control path on a persistent record-store outage.
func (w *Writer) writeWithRetry(ctx context.Context, op string, write func(context.Context) error) {
	b := retry.New(200*time.Millisecond, 5*time.Second)
	var err error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		if err = write(ctx); err == nil {
			return
		}
		w.logger.Warn("call log write failed, retrying", "op", op, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			w.logger.Error("call log write abandoned", "op", op, "error", ctx.Err())
			return
		case <-time.After(b.Next()):
		}
	}
	w.logger.Error("call log write exhausted retries", "op", op, "error", err)
	atomic.AddInt64(&w.failures, 1)
}

// FailureCount returns the number of writes abandoned after exhausting
// retries, for the call-log write-failure counter.
func (w *Writer) FailureCount() int64 {
	return atomic.LoadInt64(&w.failures)
}
