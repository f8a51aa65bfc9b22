package push

import (
	"context"
	"log/slog"

	"github.com/callengine/callengine/internal/records"
)

// TokenLister looks up an operator's registered push tokens. Satisfied by
// *records.Store.
type TokenLister interface {
	PushTokensForProvider(ctx context.Context, providerID string) ([]records.PushToken, error)
}

// Dispatcher fans an Event Bus publish out to every device a provider has
// registered a push token for. It is the glue between the event stream and
// the push gateway client: the Event Bus knows nothing about tokens or
// platforms, it just calls NotifyProvider.
type Dispatcher struct {
	client *Client
	tokens TokenLister
	logger *slog.Logger
}

// NewDispatcher builds a Dispatcher. client may be unconfigured (see
// Client.Configured); NotifyProvider becomes a no-op in that case.
func NewDispatcher(client *Client, tokens TokenLister, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{client: client, tokens: tokens, logger: logger.With("subsystem", "push")}
}

// NotifyProvider pushes eventType/callSid to every device providerID has
// registered. Best-effort and fire-and-forget from the caller's
// perspective: a single device failing to receive a push never holds up
// the event that triggered it, and a missing push gateway configuration is
// silently skipped rather than logged on every publish.
func (d *Dispatcher) NotifyProvider(ctx context.Context, providerID, eventType, callSid string) {
	if d.client == nil || !d.client.Configured() {
		return
	}
	toks, err := d.tokens.PushTokensForProvider(ctx, providerID)
	if err != nil {
		d.logger.Warn("push token lookup failed", "providerId", providerID, "error", err)
		return
	}
	for _, tok := range toks {
		if _, err := d.client.SendPush(ctx, tok.Token, tok.Platform, providerID, eventType, callSid); err != nil {
			d.logger.Warn("push delivery failed", "providerId", providerID, "deviceId", tok.DeviceID, "error", err)
		}
	}
}
