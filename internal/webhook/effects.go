package webhook

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/callengine/callengine/internal/fsm"
	"github.com/callengine/callengine/internal/records"
)

// runEffects drives step forward, executing every effect-request Output
// against RecordStore and feeding the result back as the next Input,
// until a carrier-facing Output is reached. This is the loop that keeps
// the FSM itself free of I/O while letting a single webhook round-trip
// span several record lookups.
func (d *Dispatcher) runEffects(ctx context.Context, state fsm.CallState, input fsm.Input) (fsm.CallState, fsm.Output) {
	for {
		next, out := fsm.Step(state, input, d.cfg.Limits, time.Now())
		state = next

		switch out.Kind {
		case fsm.OutLookupEmployeeByPhone:
			emp, err := d.records.EmployeeByPhone(ctx, out.CallerPhone)
			input = fsm.Input{Kind: fsm.InEmployeeByPhoneResult, EmployeeFound: err == nil, EmployeeID: emp.ID}
			continue

		case fsm.OutLookupEmployeeByPIN:
			emp, err := d.records.EmployeeByPIN(ctx, out.PIN)
			input = fsm.Input{Kind: fsm.InEmployeeLookupResult, EmployeeFound: err == nil, EmployeeID: emp.ID}
			continue

		case fsm.OutLookupProvidersForEmployee:
			ids, err := d.records.ProvidersForEmployee(ctx, state.EmployeeID)
			if err != nil {
				d.logger.Warn("providers lookup failed", "employeeId", state.EmployeeID, "error", err)
				ids = nil
			}
			input = fsm.Input{Kind: fsm.InProvidersLookupResult, Providers: ids}
			continue

		case fsm.OutLookupJobTemplateByCode:
			jt, err := d.records.JobTemplateByCode(ctx, state.ProviderID, out.JobCode)
			input = fsm.Input{Kind: fsm.InJobTemplateLookupResult, JobTemplateFound: err == nil, JobTemplateID: jt.ID}
			continue

		case fsm.OutLookupOccurrences:
			occs, err := d.records.OccurrencesForTemplate(ctx, state.JobTemplateID)
			if err != nil {
				d.logger.Warn("occurrences lookup failed", "templateId", state.JobTemplateID, "error", err)
			}
			input = fsm.Input{Kind: fsm.InOccurrencesLookupResult, Occurrences: toFSMOccurrences(occs)}
			continue

		case fsm.OutUpdateOccurrence:
			err := d.applyOccurrenceUpdate(ctx, state, out)
			if err != nil {
				d.logger.Error("occurrence update failed", "occurrenceId", out.OccurrenceID, "error", err)
			}
			input = fsm.Input{Kind: fsm.InOccurrenceUpdateResult, OccurrenceUpdateOK: err == nil}
			continue

		case fsm.OutLookupProviderTransferNumber:
			number := d.cfg.Limits.FallbackTransferNumber
			if p, err := d.records.ProviderByID(ctx, state.ProviderID); err == nil && p.TransferNumber != "" {
				number = p.TransferNumber
			}
			input = fsm.Input{Kind: fsm.InProviderTransferNumberResult, TransferNumber: number}
			continue

		case fsm.OutLogCallEvent:
			if out.DetectedIntent != "" {
				d.calllog.SetDetectedIntent(ctx, state.CallSid, out.DetectedIntent)
			}
			d.publishEvent(ctx, state.ProviderID, state.CallSid, out.LogEvent, map[string]string{
				"occurrenceId": currentOccurrenceID(state),
				"employeeId":   state.EmployeeID,
			})
			input = fsm.Input{Kind: fsm.InLogEventAck}
			continue

		default:
			return state, out
		}
	}
}

// currentOccurrenceID returns the id of the occurrence state is currently
// presenting a disposition for, or "" if out of range.
func currentOccurrenceID(state fsm.CallState) string {
	if state.OccurrenceIdx < 0 || state.OccurrenceIdx >= len(state.Occurrences) {
		return ""
	}
	return state.Occurrences[state.OccurrenceIdx].ID
}

func toFSMOccurrences(in []records.Occurrence) []fsm.Occurrence {
	out := make([]fsm.Occurrence, len(in))
	for i, o := range in {
		out[i] = fsm.Occurrence{ID: o.ID, PatientName: o.PatientName, ScheduledAt: o.ScheduledAt}
	}
	return out
}

func (d *Dispatcher) applyOccurrenceUpdate(ctx context.Context, state fsm.CallState, out fsm.Output) error {
	if out.NewDisposition == fsm.DispositionReschedule {
		newTime, err := parseProposedDateTime(out.ProposedDateTime, time.Now())
		if err != nil {
			return err
		}
		return d.records.RescheduleOccurrence(ctx, out.OccurrenceID, uuid.NewString(), newTime)
	}

	status, ok := occurrenceStatusFor(out.NewDisposition)
	if !ok {
		return fmt.Errorf("webhook: unsupported disposition %v for occurrence update", out.NewDisposition)
	}
	assigned := ""
	if out.NewDisposition == fsm.DispositionAccept {
		assigned = state.EmployeeID
	}
	return d.records.UpdateOccurrence(ctx, out.OccurrenceID, status, assigned)
}

func occurrenceStatusFor(d fsm.Disposition) (records.OccurrenceStatus, bool) {
	switch d {
	case fsm.DispositionAccept:
		return records.OccurrenceCompleted, true
	case fsm.DispositionAbsence:
		return records.OccurrenceAbsence, true
	case fsm.DispositionLeaveOpen:
		return records.OccurrenceLeftOpen, true
	default:
		return "", false
	}
}

// parseProposedDateTime turns the FSM's readback-formatted "DD/MM HH:MM"
// string into a concrete time, rolling forward to next year if the
// day/month has already passed this year.
func parseProposedDateTime(s string, now time.Time) (time.Time, error) {
	parts := strings.SplitN(s, " ", 2)
	if len(parts) != 2 {
		return time.Time{}, fmt.Errorf("webhook: malformed proposed date/time %q", s)
	}
	dm := strings.SplitN(parts[0], "/", 2)
	if len(dm) != 2 {
		return time.Time{}, fmt.Errorf("webhook: malformed proposed date %q", parts[0])
	}
	hm := strings.SplitN(parts[1], ":", 2)
	if len(hm) != 2 {
		return time.Time{}, fmt.Errorf("webhook: malformed proposed time %q", parts[1])
	}

	day, err := strconv.Atoi(dm[0])
	if err != nil {
		return time.Time{}, fmt.Errorf("webhook: invalid day %q: %w", dm[0], err)
	}
	month, err := strconv.Atoi(dm[1])
	if err != nil {
		return time.Time{}, fmt.Errorf("webhook: invalid month %q: %w", dm[1], err)
	}
	hour, err := strconv.Atoi(hm[0])
	if err != nil {
		return time.Time{}, fmt.Errorf("webhook: invalid hour %q: %w", hm[0], err)
	}
	minute, err := strconv.Atoi(hm[1])
	if err != nil {
		return time.Time{}, fmt.Errorf("webhook: invalid minute %q: %w", hm[1], err)
	}

	year := now.Year()
	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, now.Location())
	if t.Before(now) {
		t = time.Date(year+1, time.Month(month), day, hour, minute, 0, 0, now.Location())
	}
	return t, nil
}
