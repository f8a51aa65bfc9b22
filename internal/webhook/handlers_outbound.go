package webhook

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/callengine/callengine/internal/records"
	"github.com/callengine/callengine/internal/twiml"
	"github.com/callengine/callengine/internal/wave"
)

// handleOutboundTwiML answers a carrier-initiated outbound call placed
// by the wave scheduler for a single occurrence. It presents the
// occurrence directly rather than running the inbound PIN/job-code
// dialog, since the wave already knows the employee and occurrence. The
// call log row for this dial was already created by the scheduler before
// it originated the call; this handler does not create a second one.
func (d *Dispatcher) handleOutboundTwiML(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		d.writeFallback(w, err)
		return
	}
	occurrenceID := r.URL.Query().Get("occurrenceId")
	employeeID := r.URL.Query().Get("employeeId")
	round, _ := strconv.Atoi(r.URL.Query().Get("round"))
	patientName := r.URL.Query().Get("patientName")
	if patientName == "" {
		patientName = "a patient"
	}

	prompt := fmt.Sprintf("Hello. This is an automated call about an open shift for %s. Press 1 to accept, or 2 to decline.", patientName)
	action := d.actionURL("/outbound/status", r.FormValue("CallSid"),
		[2]string{"occurrenceId", occurrenceID},
		[2]string{"employeeId", employeeID},
		[2]string{"round", strconv.Itoa(round)},
	)
	doc, err := twiml.NewBuilder().GatherDigits(prompt, action, 1, int(d.cfg.GatherTimeout.Seconds())).Bytes()
	if err != nil {
		d.writeFallback(w, err)
		return
	}
	writeXML(w, doc)
}

// handleOutboundStatus records the employee's accept/decline digit for
// an outbound wave call, feeds the outcome back into the wave scheduler,
// and closes out its call log.
func (d *Dispatcher) handleOutboundStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	occurrenceID := r.URL.Query().Get("occurrenceId")
	employeeID := r.URL.Query().Get("employeeId")
	round, _ := strconv.Atoi(r.URL.Query().Get("round"))
	digits := normalizeDigits(r.FormValue("Digits"))
	callLogID := wave.CallLogID(occurrenceID, round, employeeID)
	ctx := r.Context()

	b := twiml.NewBuilder()
	var outcome wave.AttemptOutcome
	switch digits {
	case "1":
		if occ, err := d.records.OccurrenceByID(ctx, occurrenceID); err == nil &&
			occ.Status != records.OccurrenceUnfilled && occ.AssignedEmployeeID != employeeID {
			outcome = wave.AttemptDeclined
			b.Say("Sorry, that shift is no longer available. Goodbye.")
			break
		}
		if err := d.records.UpdateOccurrence(ctx, occurrenceID, records.OccurrenceCompleted, employeeID); err != nil {
			d.logger.Error("accepting outbound shift failed", "occurrenceId", occurrenceID, "error", err)
		}
		outcome = wave.AttemptAccepted
		b.Say("Thank you, you're confirmed for that shift. Goodbye.")
	case "2":
		outcome = wave.AttemptDeclined
		b.Say("Understood, thanks for letting us know. Goodbye.")
	default:
		outcome = wave.AttemptNoAnswer
		b.Say("Sorry, I didn't catch that. Goodbye.")
	}

	if d.wave != nil {
		if err := d.wave.RecordOutcome(ctx, occurrenceID, employeeID, outcome); err != nil {
			d.logger.Warn("recording wave outcome failed", "occurrenceId", occurrenceID, "employeeId", employeeID, "error", err)
		}
	}

	doc, err := b.Hangup().Bytes()
	if err != nil {
		d.writeFallback(w, err)
		return
	}
	d.calllog.Finish(ctx, callLogID, string(outcome), time.Now())
	writeXML(w, doc)
}
