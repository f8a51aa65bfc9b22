package webhook

import (
	"context"

	"github.com/callengine/callengine/internal/fsm"
	"github.com/callengine/callengine/internal/twiml"
)

// render turns a carrier-facing Output into the TwiML-style document
// returned from the current request.
func (d *Dispatcher) render(ctx context.Context, sid string, state fsm.CallState, out fsm.Output) ([]byte, error) {
	b := twiml.NewBuilder()

	switch out.Kind {
	case fsm.OutSay:
		return b.Say(out.Prompt).Hangup().Bytes()

	case fsm.OutGatherDigits:
		return b.GatherDigits(out.Prompt, d.actionURL("/voice/gather", sid), out.MaxDigits, int(d.cfg.GatherTimeout.Seconds())).Bytes()

	case fsm.OutGatherSpeech:
		if d.cfg.MediaStreamURL == "" {
			return b.GatherSpeech(out.Prompt, d.actionURL("/voice/gather", sid), int(d.cfg.GatherTimeout.Seconds())).Bytes()
		}
		return b.ConnectStream(d.cfg.MediaStreamURL, map[string]string{
			"callSid": sid,
			"prompt":  out.Prompt,
		}).Bytes()

	case fsm.OutTransfer:
		pt := fsm.PendingTransfer{ToNumber: out.TransferTo, FallbackToQueue: out.FallbackToQueue}
		if state.PendingTransfer != nil {
			pt = *state.PendingTransfer
		}
		return d.transfer.RenderDial(pt, d.actionURL("/transfer/status", sid))

	case fsm.OutEnqueue:
		if err := d.queue.Enqueue(ctx, sid, state.ProviderID, state.UpdatedAt); err != nil {
			d.logger.Error("enqueue failed", "callSid", sid, "error", err)
		}
		return b.Redirect(d.actionURL("/queue/wait", sid)).Bytes()

	case fsm.OutHangup:
		if out.Prompt != "" {
			b.Say(out.Prompt)
		}
		return b.Hangup().Bytes()

	default:
		return b.Say("Sorry, an internal error occurred. Goodbye.").Hangup().Bytes()
	}
}
