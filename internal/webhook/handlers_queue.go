package webhook

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/callengine/callengine/internal/fsm"
	"github.com/callengine/callengine/internal/twiml"
)

// handleQueueWait is the hold-loop instruction: it announces position
// and (past the first position) an ETA, plays hold music, and redirects
// back to itself. If the entry has left the queue (picked up by a
// representative through a channel this dispatcher does not own), it
// renders a safe terminal instruction instead of looping forever.
func (d *Dispatcher) handleQueueWait(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	sid := callSidFrom(r)
	ctx := r.Context()

	state, found, err := d.loadState(ctx, sid)
	if err != nil || !found {
		d.writeFallback(w, errors.New("webhook: no call state for queue wait"))
		return
	}

	pos, ok, err := d.queue.Position(ctx, state.ProviderID, sid)
	if err != nil || !ok {
		doc, _ := twiml.NewBuilder().Say("Please hold while we connect you.").Hangup().Bytes()
		writeXML(w, doc)
		return
	}

	b := twiml.NewBuilder()
	b.Say(fmt.Sprintf("You are number %d in the queue.", pos+1))
	if pos > 0 {
		eta := d.queue.EstimatedWait(pos)
		b.Say(fmt.Sprintf("Your estimated wait time is %d minutes.", int(eta.Minutes())+1))
	}
	if d.cfg.HoldMusicURL != "" {
		b.Play(d.cfg.HoldMusicURL)
	}
	b.Redirect(d.actionURL("/queue/wait", sid))
	doc, err := b.Bytes()
	if err != nil {
		d.writeFallback(w, err)
		return
	}
	writeXML(w, doc)
}

// handleQueueEnqueue is the fallback-transfer redirect target: it places
// the caller at the back of their provider's queue and hands off to the
// wait loop.
func (d *Dispatcher) handleQueueEnqueue(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	sid := callSidFrom(r)

	mu := d.lockFor(sid)
	mu.Lock()
	defer mu.Unlock()
	ctx := r.Context()

	state, found, err := d.loadState(ctx, sid)
	if err != nil || !found {
		d.writeFallback(w, errors.New("webhook: no call state for enqueue callback"))
		return
	}

	if err := d.queue.Enqueue(ctx, sid, state.ProviderID, time.Now()); err != nil {
		d.writeFallback(w, err)
		return
	}
	state.Phase = fsm.PhaseQueued
	if err := d.saveState(ctx, state); err != nil {
		d.logger.Error("persisting queued call state failed", "callSid", sid, "error", err)
	}

	doc, err := twiml.NewBuilder().Redirect(d.actionURL("/queue/wait", sid)).Bytes()
	if err != nil {
		d.writeFallback(w, err)
		return
	}
	writeXML(w, doc)
}
