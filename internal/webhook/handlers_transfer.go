package webhook

import (
	"errors"
	"net/http"
	"time"

	"github.com/callengine/callengine/internal/fsm"
	"github.com/callengine/callengine/internal/transfer"
)

// handleTransferAfterConnect renders the Dial for a pending transfer.
// Reached after the MediaStream Server's connection for this call ends,
// per the carrier's after-connect callback.
func (d *Dispatcher) handleTransferAfterConnect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		d.writeFallback(w, err)
		return
	}
	sid := callSidFrom(r)

	mu := d.lockFor(sid)
	mu.Lock()
	defer mu.Unlock()
	ctx := r.Context()

	state, found, err := d.loadState(ctx, sid)
	if err != nil || !found || state.PendingTransfer == nil {
		d.writeFallback(w, errors.New("webhook: no pending transfer for after-connect callback"))
		return
	}

	doc, err := d.transfer.RenderDial(*state.PendingTransfer, d.actionURL("/transfer/status", sid))
	if err != nil {
		d.writeFallback(w, err)
		return
	}

	state.PendingTransfer = nil
	if err := d.saveState(ctx, state); err != nil {
		d.logger.Error("persisting call state failed", "callSid", sid, "error", err)
	}
	writeXML(w, doc)
}

// handleTransferStatus resolves a completed Dial attempt: success ends
// the call; failure falls the caller back to the wait queue when the
// stored pending transfer allows it, and always when no pending transfer
// is stored (handleTransferAfterConnect clears it once the Dial is
// rendered).
func (d *Dispatcher) handleTransferStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		d.writeFallback(w, err)
		return
	}
	sid := callSidFrom(r)

	mu := d.lockFor(sid)
	mu.Lock()
	defer mu.Unlock()
	ctx := r.Context()

	state, found, err := d.loadState(ctx, sid)
	if err != nil || !found {
		d.writeFallback(w, errors.New("webhook: no call state for transfer status callback"))
		return
	}

	outcome, err := transfer.ParseDialOutcome(r.FormValue("DialCallStatus"))
	if err != nil {
		outcome = transfer.DialFailed
	}

	pt := fsm.PendingTransfer{FallbackToQueue: true}
	if state.PendingTransfer != nil {
		pt = *state.PendingTransfer
	}
	if _, err := d.transfer.Resolve(ctx, sid, state.ProviderID, pt, outcome, time.Now()); err != nil {
		d.logger.Error("resolving transfer outcome failed", "callSid", sid, "error", err)
	}

	next, out := fsm.Step(state, fsm.Input{Kind: fsm.InTransferResult, TransferOK: outcome.Succeeded()}, d.cfg.Limits, time.Now())
	if err := d.saveState(ctx, next); err != nil {
		d.logger.Error("persisting call state failed", "callSid", sid, "error", err)
	}
	if next.Terminal() {
		if err := d.state.Del(ctx, stateKey(sid)); err != nil {
			d.logger.Warn("deleting terminal call state failed", "callSid", sid, "error", err)
		}
		d.callLocks.Delete(sid)
	}

	doc, rerr := d.render(ctx, sid, next, out)
	if rerr != nil {
		d.writeFallback(w, rerr)
		return
	}
	writeXML(w, doc)
}
