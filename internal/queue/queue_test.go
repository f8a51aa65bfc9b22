package queue

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/callengine/callengine/internal/statestore"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := statestore.Open(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("statestore.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, 180*time.Second, time.Hour)
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	if err := e.Enqueue(ctx, "CA1", "prov-1", now); err != nil {
		t.Fatalf("Enqueue(CA1) error = %v", err)
	}
	if err := e.Enqueue(ctx, "CA2", "prov-1", now.Add(time.Second)); err != nil {
		t.Fatalf("Enqueue(CA2) error = %v", err)
	}

	entry, ok, err := e.Dequeue(ctx, "prov-1")
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if !ok || entry.CallSid != "CA1" {
		t.Fatalf("Dequeue() = (%+v, %v), want CA1 first", entry, ok)
	}

	entry, ok, err = e.Dequeue(ctx, "prov-1")
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if !ok || entry.CallSid != "CA2" {
		t.Fatalf("Dequeue() = (%+v, %v), want CA2 second", entry, ok)
	}

	if _, ok, _ := e.Dequeue(ctx, "prov-1"); ok {
		t.Error("Dequeue() on empty queue: want ok=false")
	}
}

func TestPositionAndEstimatedWait(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	e.Enqueue(ctx, "CA1", "prov-1", now)
	e.Enqueue(ctx, "CA2", "prov-1", now.Add(time.Second))
	e.Enqueue(ctx, "CA3", "prov-1", now.Add(2*time.Second))

	pos, ok, err := e.Position(ctx, "prov-1", "CA2")
	if err != nil {
		t.Fatalf("Position() error = %v", err)
	}
	if !ok || pos != 1 {
		t.Fatalf("Position(CA2) = (%d, %v), want (1, true)", pos, ok)
	}

	if eta := e.EstimatedWait(pos); eta != 180*time.Second {
		t.Errorf("EstimatedWait(1) = %v, want 180s", eta)
	}
}

func TestPositionUnknownCaller(t *testing.T) {
	e := newTestEngine(t)
	if _, ok, err := e.Position(context.Background(), "prov-1", "CA-nope"); err != nil || ok {
		t.Errorf("Position(unknown) = (_, %v, %v), want (_, false, nil)", ok, err)
	}
}

func TestRemove(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	e.Enqueue(ctx, "CA1", "prov-1", now)
	if err := e.Remove(ctx, "prov-1", "CA1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, ok, _ := e.Position(ctx, "prov-1", "CA1"); ok {
		t.Error("Position() after Remove: want ok=false")
	}
}

func TestQueuesAreIsolatedPerProvider(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	e.Enqueue(ctx, "CA1", "prov-1", now)
	e.Enqueue(ctx, "CA2", "prov-2", now)

	if _, ok, _ := e.Dequeue(ctx, "prov-2"); !ok {
		t.Fatal("Dequeue(prov-2) should find CA2")
	}
	if _, ok, _ := e.Position(ctx, "prov-1", "CA1"); !ok {
		t.Error("prov-1's CA1 should be unaffected by prov-2 dequeue")
	}
}
