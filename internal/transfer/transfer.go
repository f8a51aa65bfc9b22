// Package transfer is the Transfer Orchestrator (C8): it turns a pending
// transfer requested by the FSM into a carrier Dial instruction and
// resolves the Dial outcome, falling back to the wait queue when asked.
// Generalizes the teacher's TransferHandler (internal/flow/nodes/transfer.go),
// which performed a single blind SIP transfer and treated it as terminal,
// into a Dial/fallback state machine addressable across two webhook
// round-trips (the initial transfer and the later /transfer/status callback).
package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/callengine/callengine/internal/fsm"
	"github.com/callengine/callengine/internal/queue"
	"github.com/callengine/callengine/internal/twiml"
)

// DialOutcome is what the carrier reported for a completed Dial attempt.
type DialOutcome string

const (
	DialCompleted DialOutcome = "completed"
	DialBusy      DialOutcome = "busy"
	DialNoAnswer  DialOutcome = "no-answer"
	DialFailed    DialOutcome = "failed"
	DialCanceled  DialOutcome = "canceled"
)

// Succeeded reports whether the carrier connected the call.
func (o DialOutcome) Succeeded() bool { return o == DialCompleted }

// Orchestrator renders Dial instructions for a pending transfer and
// resolves the eventual outcome, enqueuing the caller when told to fall
// back to the wait queue.
type Orchestrator struct {
	queue        *queue.Engine
	dialTimeout  time.Duration
}

// New creates a transfer Orchestrator backed by the shared wait queue.
func New(q *queue.Engine, dialTimeout time.Duration) *Orchestrator {
	return &Orchestrator{queue: q, dialTimeout: dialTimeout}
}

// RenderDial builds the <Dial> TwiML for a pending transfer, pointed back
// at the status callback so the carrier reports the outcome.
func (o *Orchestrator) RenderDial(pt fsm.PendingTransfer, statusCallbackURL string) ([]byte, error) {
	b := twiml.NewBuilder().DialNumber(pt.ToNumber, statusCallbackURL, int(o.dialTimeout.Seconds()), true)
	return b.Bytes()
}

// Resolve handles a /transfer/status callback: on success it reports
// completion; on failure, if the pending transfer allows it, the caller
// is placed at the back of providerID's wait queue.
func (o *Orchestrator) Resolve(ctx context.Context, callSid, providerID string, pt fsm.PendingTransfer, outcome DialOutcome, now time.Time) (queued bool, err error) {
	if outcome.Succeeded() {
		return false, nil
	}
	if !pt.FallbackToQueue {
		return false, nil
	}
	if err := o.queue.Enqueue(ctx, callSid, providerID, now); err != nil {
		return false, fmt.Errorf("transfer: fallback enqueue: %w", err)
	}
	return true, nil
}

// ParseDialOutcome maps the carrier's DialCallStatus form value to a
// DialOutcome, returning an error for unrecognized values.
func ParseDialOutcome(raw string) (DialOutcome, error) {
	switch DialOutcome(raw) {
	case DialCompleted, DialBusy, DialNoAnswer, DialFailed, DialCanceled:
		return DialOutcome(raw), nil
	default:
		return "", fmt.Errorf("transfer: unrecognized dial status %q", raw)
	}
}
