// Package eventbus is the Event Bus (C10): an append-only per-provider
// event stream with SSE fan-out to operator dashboards. Publishers (the
// Webhook Dispatcher and the Outbound Wave Scheduler) call Publish; each
// HTTP subscriber polls the same stream
// and re-renders new entries as SSE frames.
//
// Grounded on the event-stream/SSE handler shape in the retrieved
// LumenPrima-tr-engine reference (internal/api/events.go): an
// http.Flusher-backed loop selecting on the request context, a data
// channel, and a keepalive ticker, adapted here from a push-channel
// subscription to a poll loop against internal/statestore's stream
// primitive, per the dispatcher's polling contract.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/callengine/callengine/internal/statestore"
)

const (
	pollInterval     = 2 * time.Second
	keepaliveInterval = 15 * time.Second
)

// Event is one entry in a provider's event stream.
type Event struct {
	ID        int64             `json:"id"`
	EventType string            `json:"eventType"`
	CallSid   string            `json:"callSid"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]string `json:"data,omitempty"`
}

// Pusher fans a publish out to an operator's registered mobile devices.
// Satisfied by *internal/push.Dispatcher. Optional: a Bus with no Pusher
// set only serves SSE.
type Pusher interface {
	NotifyProvider(ctx context.Context, providerID, eventType, callSid string)
}

// Bus publishes events and serves per-provider SSE subscriptions.
type Bus struct {
	store       *statestore.Store
	logger      *slog.Logger
	pusher      Pusher
	subscribers int64
}

func New(store *statestore.Store, logger *slog.Logger) *Bus {
	return &Bus{store: store, logger: logger.With("subsystem", "eventbus")}
}

// SetPusher attaches a mobile-push fan-out target. Called once during
// startup after both the Bus and the push dispatcher exist.
func (b *Bus) SetPusher(p Pusher) {
	b.pusher = p
}

func streamKey(providerID string, day time.Time) string {
	return fmt.Sprintf("events:provider:%s:%s", providerID, day.UTC().Format("2006-01-02"))
}

// Publish appends an event to providerID's stream for the current UTC
// day. Callers treat a publish failure as non-blocking: an event that
// never reaches a dashboard never holds up the call it describes.
func (b *Bus) Publish(ctx context.Context, providerID, eventType, callSid string, data map[string]string) error {
	now := time.Now()
	ev := Event{EventType: eventType, CallSid: callSid, Timestamp: now, Data: data}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventbus: marshal event: %w", err)
	}
	if _, err := b.store.StreamAppend(ctx, streamKey(providerID, now), raw); err != nil {
		return fmt.Errorf("eventbus: publish: %w", err)
	}
	if b.pusher != nil {
		go b.pusher.NotifyProvider(context.WithoutCancel(ctx), providerID, eventType, callSid)
	}
	return nil
}

// ServeSSE streams providerID's event stream to w as Server-Sent
// Events: an initial "connected" frame, then each new stream entry
// polled every 2s, with a keepalive comment every 15s. Returns once the
// client disconnects.
func (b *Bus) ServeSSE(w http.ResponseWriter, r *http.Request, providerID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	atomic.AddInt64(&b.subscribers, 1)
	defer atomic.AddInt64(&b.subscribers, -1)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	key := streamKey(providerID, time.Now())
	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", key)
	flusher.Flush()

	ctx := r.Context()
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	var afterID int64
	for {
		select {
		case <-ctx.Done():
			return

		case <-poll.C:
			key = streamKey(providerID, time.Now())
			entries, err := b.store.StreamRange(ctx, key, afterID, 100)
			if err != nil {
				b.logger.Warn("polling event stream failed", "providerId", providerID, "error", err)
				continue
			}
			for _, e := range entries {
				fmt.Fprintf(w, "id: %d\nevent: call-event\ndata: %s\n\n", e.ID, e.Value)
				afterID = e.ID
			}
			if len(entries) > 0 {
				flusher.Flush()
			}

		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// SubscriberCount returns the number of currently connected SSE clients,
// for the SSE-subscriber gauge.
func (b *Bus) SubscriberCount() int {
	return int(atomic.LoadInt64(&b.subscribers))
}

// Routes mounts the subscriber endpoint. providerIDFromRequest extracts
// the authenticated caller's providerId (e.g. from a session or API key
// middleware upstream of this route).
func (b *Bus) Routes(mux *http.ServeMux, providerIDFromRequest func(*http.Request) (string, bool)) {
	mux.HandleFunc("/events/stream", func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := providerIDFromRequest(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		b.ServeSSE(w, r, providerID)
	})
}
