// Package webhook is the Webhook Dispatcher (C5): the HTTP entry points a
// carrier drives the call through. It loads CallState, runs the FSM to
// its next carrier-facing Output (executing every record/queue/transfer
// effect request along the way), persists the result, and renders the
// carrier instruction document. It is the only place CallState is
// mutated on the inbound path, grounded on the teacher's chi-routed
// Server (internal/api/server.go) generalized from JSON CRUD handlers to
// form-bodied webhook handlers returning XML.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/callengine/callengine/internal/calllog"
	"github.com/callengine/callengine/internal/fsm"
	"github.com/callengine/callengine/internal/queue"
	"github.com/callengine/callengine/internal/records"
	"github.com/callengine/callengine/internal/statestore"
	"github.com/callengine/callengine/internal/transfer"
	"github.com/callengine/callengine/internal/twiml"
	"github.com/callengine/callengine/internal/wave"
)

// EventPublisher fans a call-lifecycle event out to the operator
// dashboards (C10). Accepted as a narrow interface so the dispatcher
// does not depend on the event bus's storage details; nil disables
// publishing.
type EventPublisher interface {
	Publish(ctx context.Context, providerID, eventType, callSid string, data map[string]string) error
}

// Config bundles the dispatcher's externally configured knobs.
type Config struct {
	PublicBaseURL string
	Limits        fsm.Limits
	GatherTimeout time.Duration
	DialTimeout   time.Duration
	CallStateTTL  time.Duration
	HoldMusicURL  string
	MediaStreamURL string // wss:// URL the carrier connects back to for speech-gathering phases (C6); empty falls back to carrier-side speech gather
}

// Dispatcher implements C5.
type Dispatcher struct {
	state    *statestore.Store
	records  *records.Store
	queue    *queue.Engine
	transfer *transfer.Orchestrator
	calllog  *calllog.Writer
	events   EventPublisher
	wave     *wave.Scheduler // optional: nil if the wave scheduler isn't wired (e.g. in dispatcher-only tests)
	logger   *slog.Logger
	cfg      Config

	// callLocks serializes webhook requests for the same callSid, per the
	// ordering invariant: the dispatcher must not race two concurrent
	// mutations of the same CallState.
	callLocks sync.Map // callSid -> *sync.Mutex
}

func New(state *statestore.Store, recordStore *records.Store, q *queue.Engine, t *transfer.Orchestrator, cl *calllog.Writer, events EventPublisher, w *wave.Scheduler, logger *slog.Logger, cfg Config) *Dispatcher {
	return &Dispatcher{
		state:    state,
		records:  recordStore,
		queue:    q,
		transfer: t,
		calllog:  cl,
		events:   events,
		wave:     w,
		logger:   logger.With("subsystem", "webhook"),
		cfg:      cfg,
	}
}

// Routes mounts the carrier-facing endpoints onto r.
func (d *Dispatcher) Routes(r chi.Router) {
	r.Post("/voice/inbound", d.handleInbound)
	r.Post("/voice/gather", d.handleGather)
	r.Post("/voice/status", d.handleVoiceStatus)
	r.Post("/transfer/after-connect", d.handleTransferAfterConnect)
	r.Post("/transfer/status", d.handleTransferStatus)
	r.HandleFunc("/queue/wait", d.handleQueueWait)
	r.HandleFunc("/queue/enqueue", d.handleQueueEnqueue)
	r.Post("/outbound/twiml", d.handleOutboundTwiML)
	r.Post("/outbound/status", d.handleOutboundStatus)
}

func (d *Dispatcher) lockFor(sid string) *sync.Mutex {
	m, _ := d.callLocks.LoadOrStore(sid, &sync.Mutex{})
	return m.(*sync.Mutex)
}

func stateKey(sid string) string { return "call:" + sid }

func (d *Dispatcher) loadState(ctx context.Context, sid string) (fsm.CallState, bool, error) {
	raw, err := d.state.Get(ctx, stateKey(sid))
	if errors.Is(err, statestore.ErrNotFound) {
		return fsm.CallState{}, false, nil
	}
	if err != nil {
		return fsm.CallState{}, false, err
	}
	var cs fsm.CallState
	if err := json.Unmarshal(raw, &cs); err != nil {
		return fsm.CallState{}, false, err
	}
	return cs, true, nil
}

func (d *Dispatcher) saveState(ctx context.Context, cs fsm.CallState) error {
	raw, err := json.Marshal(cs)
	if err != nil {
		return err
	}
	return d.state.Set(ctx, stateKey(cs.CallSid), raw, d.cfg.CallStateTTL)
}

// process is the shared drive-the-FSM-and-render path used by every
// handler that advances a call: lock, load-or-create, run every effect
// the FSM requests, persist, render, unlock.
func (d *Dispatcher) process(w http.ResponseWriter, r *http.Request, sid string, loadOrCreate func(ctx context.Context) (fsm.CallState, error), input fsm.Input) {
	mu := d.lockFor(sid)
	mu.Lock()
	defer mu.Unlock()

	ctx := r.Context()
	state, err := loadOrCreate(ctx)
	if err != nil {
		d.writeFallback(w, err)
		return
	}

	next, out := d.runEffects(ctx, state, input)

	if err := d.saveState(ctx, next); err != nil {
		d.logger.Error("persisting call state failed", "callSid", sid, "error", err)
	}
	if next.Terminal() {
		if err := d.state.Del(ctx, stateKey(sid)); err != nil {
			d.logger.Warn("deleting terminal call state failed", "callSid", sid, "error", err)
		}
		d.callLocks.Delete(sid)
	}

	doc, err := d.render(ctx, sid, next, out)
	if err != nil {
		d.writeFallback(w, err)
		return
	}
	writeXML(w, doc)
}

// Advance drives a call forward from an input that did not arrive over
// an HTTP carrier callback — currently only the MediaStream Server's
// transcribed speech results. It reuses the same lock/load/runEffects/
// save path process uses so CallState is never mutated by the webhook
// and media-stream paths without the per-call lock serializing them.
func (d *Dispatcher) Advance(ctx context.Context, sid string, input fsm.Input) (fsm.CallState, fsm.Output, error) {
	mu := d.lockFor(sid)
	mu.Lock()
	defer mu.Unlock()

	state, ok, err := d.loadState(ctx, sid)
	if err != nil {
		return fsm.CallState{}, fsm.Output{}, err
	}
	if !ok {
		return fsm.CallState{}, fsm.Output{}, fmt.Errorf("webhook: no call state for %s", sid)
	}

	next, out := d.runEffects(ctx, state, input)

	if err := d.saveState(ctx, next); err != nil {
		d.logger.Error("persisting call state failed", "callSid", sid, "error", err)
	}
	if next.Terminal() {
		if err := d.state.Del(ctx, stateKey(sid)); err != nil {
			d.logger.Warn("deleting terminal call state failed", "callSid", sid, "error", err)
		}
		d.callLocks.Delete(sid)
	}
	return next, out, nil
}

// RenderOutput renders a previously computed Output into a carrier
// instruction document without an HTTP request/response of its own. The
// MediaStream Server uses this to hand a speech-driven call off to a
// carrier verb render already knows how to build (DTMF gather, transfer,
// enqueue, hangup) by pushing the result to the carrier's call-update API
// rather than waiting for the carrier to hit a webhook URL.
func (d *Dispatcher) RenderOutput(ctx context.Context, sid string, state fsm.CallState, out fsm.Output) ([]byte, error) {
	return d.render(ctx, sid, state, out)
}

func writeXML(w http.ResponseWriter, doc []byte) {
	w.Header().Set("Content-Type", "application/xml")
	w.Write(doc)
}

// writeFallback renders a safe single-turn instruction without touching
// persistence: on StateStore unavailability the dispatcher must never
// crash the carrier leg.
func (d *Dispatcher) writeFallback(w http.ResponseWriter, reason error) {
	d.logger.Error("falling back to safe instruction", "error", reason)
	doc, _ := twiml.NewBuilder().Say("Sorry, we're experiencing a technical issue. Please call back shortly.").Hangup().Bytes()
	writeXML(w, doc)
}

func (d *Dispatcher) publishEvent(ctx context.Context, providerID, callSid, eventType string, data map[string]string) {
	if d.events == nil {
		return
	}
	if err := d.events.Publish(ctx, providerID, eventType, callSid, data); err != nil {
		d.logger.Warn("publishing event failed", "eventType", eventType, "callSid", callSid, "error", err)
	}
}

// actionURL builds a carrier callback URL with CallSid and any extra
// query parameters threaded through, per the builder's guarantee that
// action URLs always carry callSid.
func (d *Dispatcher) actionURL(path, sid string, extra ...[2]string) string {
	v := url.Values{}
	v.Set("CallSid", sid)
	for _, kv := range extra {
		v.Set(kv[0], kv[1])
	}
	return d.cfg.PublicBaseURL + path + "?" + v.Encode()
}

func callSidFrom(r *http.Request) string {
	if sid := r.URL.Query().Get("CallSid"); sid != "" {
		return sid
	}
	return r.FormValue("CallSid")
}

func normalizeDigits(raw string) string {
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c >= '0' && c <= '9', c >= 'A' && c <= 'Z':
			out = append(out, c)
		case c >= 'a' && c <= 'z':
			out = append(out, c-'a'+'A')
		}
	}
	return string(out)
}
