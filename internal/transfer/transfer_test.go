package transfer

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/callengine/callengine/internal/fsm"
	"github.com/callengine/callengine/internal/queue"
	"github.com/callengine/callengine/internal/statestore"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := statestore.Open(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("statestore.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	q := queue.New(store, 180*time.Second, time.Hour)
	return New(q, 30*time.Second)
}

func TestRenderDialIncludesNumberAndTimeout(t *testing.T) {
	o := newTestOrchestrator(t)
	pt := fsm.PendingTransfer{ToNumber: "+61490550941", Reason: "caller requested office"}

	xmlBytes, err := o.RenderDial(pt, "https://example.test/transfer/status")
	if err != nil {
		t.Fatalf("RenderDial() error = %v", err)
	}
	body := string(xmlBytes)
	if !strings.Contains(body, "+61490550941") {
		t.Errorf("RenderDial() body missing number: %s", body)
	}
	if !strings.Contains(body, "transfer/status") {
		t.Errorf("RenderDial() body missing callback: %s", body)
	}
}

func TestResolveSuccessDoesNotEnqueue(t *testing.T) {
	o := newTestOrchestrator(t)
	pt := fsm.PendingTransfer{ToNumber: "+61490550941", FallbackToQueue: true}

	queued, err := o.Resolve(context.Background(), "CA1", "prov-1", pt, DialCompleted, time.Now())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if queued {
		t.Error("Resolve() on success: want queued=false")
	}
}

func TestResolveFailureFallsBackToQueue(t *testing.T) {
	o := newTestOrchestrator(t)
	pt := fsm.PendingTransfer{ToNumber: "+61490550941", FallbackToQueue: true}

	queued, err := o.Resolve(context.Background(), "CA1", "prov-1", pt, DialNoAnswer, time.Now())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !queued {
		t.Error("Resolve() on failure with fallback: want queued=true")
	}

	pos, ok, err := o.queue.Position(context.Background(), "prov-1", "CA1")
	if err != nil || !ok || pos != 0 {
		t.Errorf("Position() after fallback = (%d, %v, %v), want (0, true, nil)", pos, ok, err)
	}
}

func TestResolveFailureWithoutFallbackDoesNotEnqueue(t *testing.T) {
	o := newTestOrchestrator(t)
	pt := fsm.PendingTransfer{ToNumber: "+61490550941", FallbackToQueue: false}

	queued, err := o.Resolve(context.Background(), "CA1", "prov-1", pt, DialFailed, time.Now())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if queued {
		t.Error("Resolve() without fallback: want queued=false")
	}
}

func TestParseDialOutcome(t *testing.T) {
	if _, err := ParseDialOutcome("completed"); err != nil {
		t.Errorf("ParseDialOutcome(completed) error = %v", err)
	}
	if _, err := ParseDialOutcome("bogus"); err == nil {
		t.Error("ParseDialOutcome(bogus): want error")
	}
}
