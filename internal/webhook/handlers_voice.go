package webhook

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/callengine/callengine/internal/fsm"
	"github.com/callengine/callengine/internal/records"
)

// handleInbound answers a freshly ringing call: it creates CallState at
// PhaseGreeting (or reloads it, on a carrier retry of this same
// webhook) and drives the FSM to its first carrier-facing prompt.
func (d *Dispatcher) handleInbound(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		d.writeFallback(w, err)
		return
	}
	sid := r.FormValue("CallSid")
	if sid == "" {
		d.writeFallback(w, errors.New("webhook: inbound call missing CallSid"))
		return
	}

	d.process(w, r, sid, func(ctx context.Context) (fsm.CallState, error) {
		existing, found, err := d.loadState(ctx, sid)
		if err != nil {
			return fsm.CallState{}, err
		}
		if found {
			return existing, nil
		}
		fresh := fsm.StartInbound(sid, strings.TrimSpace(r.FormValue("From")), time.Now())
		d.calllog.Start(ctx, records.CallLog{ID: sid, CallSid: sid, Outcome: "in-progress", StartedAt: fresh.CreatedAt})
		return fresh, nil
	}, fsm.Input{Kind: fsm.InStart})
}

// handleGather answers a Gather callback: it normalizes the carrier's
// reported digits/speech into an Input and drives the FSM forward.
func (d *Dispatcher) handleGather(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		d.writeFallback(w, err)
		return
	}
	sid := callSidFrom(r)
	if sid == "" {
		d.writeFallback(w, errors.New("webhook: gather callback missing CallSid"))
		return
	}

	input := inputFromGather(r)

	d.process(w, r, sid, func(ctx context.Context) (fsm.CallState, error) {
		state, found, err := d.loadState(ctx, sid)
		if err != nil {
			return fsm.CallState{}, err
		}
		if !found {
			return fsm.CallState{}, errors.New("webhook: no call state for gather callback")
		}
		return state, nil
	}, input)
}

// handleVoiceStatus records the carrier's terminal call-status callback:
// it closes out the call log and, if the carrier leg dropped while the
// caller was queued, removes the stale queue entry.
func (d *Dispatcher) handleVoiceStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	sid := callSidFrom(r)
	status := r.FormValue("CallStatus")
	ctx := r.Context()

	switch status {
	case "completed", "failed", "busy", "no-answer", "canceled":
		d.calllog.Finish(ctx, sid, status, time.Now())
		if state, found, err := d.loadState(ctx, sid); err == nil && found && state.Phase == fsm.PhaseQueued {
			if err := d.queue.Remove(ctx, state.ProviderID, sid); err != nil {
				d.logger.Warn("removing abandoned queue entry failed", "callSid", sid, "error", err)
			}
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// inputFromGather normalizes the carrier's Gather result form fields
// into an Input, preferring SpeechResult when present.
func inputFromGather(r *http.Request) fsm.Input {
	if speech := strings.TrimSpace(r.FormValue("SpeechResult")); speech != "" {
		return fsm.Input{Kind: fsm.InSpeech, Speech: speech}
	}
	digits := normalizeDigits(r.FormValue("Digits"))
	if digits == "" {
		return fsm.Input{Kind: fsm.InNoInput}
	}
	return fsm.Input{Kind: fsm.InDTMF, Digits: digits}
}
