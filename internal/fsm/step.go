package fsm

import (
	"fmt"
	"strings"
	"time"
)

// Limits bundles the pure, config-derived values Step needs but which
// never come from a record lookup: the attempt cap and the number to
// fall back to once a collecting phase exhausts its attempts. Keeping
// these as plain parameters (rather than letting Step reach into a config
// singleton) is what keeps Step pure and deterministic.
type Limits struct {
	MaxAttempts            int
	FallbackTransferNumber string
}

// Step computes the next CallState and the Output the dispatcher must act
// on. Step never performs I/O: record lookups and carrier actions are
// requested via Output and their results are fed back as the next Input.
// now is passed in rather than read from the clock so Step stays pure.
func Step(state CallState, input Input, limits Limits, now time.Time) (CallState, Output) {
	next := state.Clone()
	next.UpdatedAt = now

	if next.Attempts == nil {
		next.Attempts = make(map[Phase]int)
	}

	switch state.Phase {
	case PhaseGreeting:
		return stepGreeting(next, input, limits)

	case PhaseCollectPIN:
		return stepCollectPIN(next, input, limits)

	case PhaseSelectProvider:
		return stepSelectProvider(next, input, limits)

	case PhaseCollectJobCode:
		return stepCollectJobCode(next, input, limits)

	case PhaseConfirmJobCode:
		return stepConfirmJobCode(next, input, limits)

	case PhaseCollectDisposition:
		return stepCollectDisposition(next, input, limits)

	case PhaseCollectReason:
		return stepCollectReason(next, input, limits)

	case PhaseConfirmLeaveOpen:
		return stepConfirmLeaveOpen(next, input, limits)

	case PhaseCollectDay:
		return stepCollectDay(next, input, limits)

	case PhaseCollectMonth:
		return stepCollectMonth(next, input, limits)

	case PhaseCollectTime:
		return stepCollectTime(next, input, limits)

	case PhaseConfirmDateTime:
		return stepConfirmDateTime(next, input, limits)

	case PhaseTransferring:
		return stepTransferring(next, input)

	case PhaseQueued:
		return stepQueued(next, input)

	case PhaseDone, PhaseError:
		return next, Output{Kind: OutHangup}
	}

	next.Phase = PhaseError
	return next, Output{Kind: OutHangup, Prompt: "An internal error occurred. Goodbye."}
}

// stepGreeting is the call's entry phase. A known caller phone triggers a
// silent phone-authentication lookup; a unique match skips PIN entry
// entirely and goes straight to provider resolution (ProviderGreeting in
// the dialog spec). No phone, or no match, falls back to PIN entry.
func stepGreeting(next CallState, input Input, limits Limits) (CallState, Output) {
	switch input.Kind {
	case InStart:
		if next.CallerPhone != "" {
			return next, Output{Kind: OutLookupEmployeeByPhone, CallerPhone: next.CallerPhone}
		}
		return promptForPIN(next)

	case InEmployeeByPhoneResult:
		if !input.EmployeeFound {
			return promptForPIN(next)
		}
		next.EmployeeID = input.EmployeeID
		return next, Output{Kind: OutLookupProvidersForEmployee}

	case InProvidersLookupResult:
		return resolveProviders(next, input.Providers)
	}

	return next, Output{Kind: OutHangup}
}

func promptForPIN(next CallState) (CallState, Output) {
	next.Phase = PhaseCollectPIN
	return next, Output{
		Kind:      OutGatherDigits,
		Prompt:    "Welcome. Please enter your 4 digit PIN, followed by the pound key.",
		MaxDigits: 4,
	}
}

// resolveProviders is the branch shared by PIN and phone authentication
// once the employee's provider pool is known: zero providers is a
// configuration error, one auto-selects, more than one asks the caller
// to choose.
func resolveProviders(next CallState, providers []string) (CallState, Output) {
	if len(providers) == 0 {
		next.Phase = PhaseError
		return next, Output{Kind: OutHangup, Prompt: "No provider is associated with this account. Goodbye."}
	}
	if len(providers) == 1 {
		next.ProviderID = providers[0]
		next.Phase = PhaseCollectJobCode
		return next, Output{
			Kind:      OutGatherDigits,
			Prompt:    "Please enter the 4 character job code, followed by the pound key.",
			MaxDigits: 4,
		}
	}
	next.ProviderIDs = providers
	next.Phase = PhaseSelectProvider
	return next, Output{
		Kind:      OutGatherDigits,
		Prompt:    "You support more than one provider. Press the number for the provider you are calling about.",
		MaxDigits: 1,
	}
}

func stepCollectPIN(next CallState, input Input, limits Limits) (CallState, Output) {
	switch input.Kind {
	case InDTMF, InSpeech:
		digits := digitsFor(input)
		if digits == "" {
			return giveUpOrReprompt(next, PhaseCollectPIN, limits,
				"Sorry, I didn't catch that. Please enter your 4 digit PIN, followed by the pound key.", 4)
		}
		return next, Output{Kind: OutLookupEmployeeByPIN, PIN: digits}

	case InNoInput:
		return giveUpOrReprompt(next, PhaseCollectPIN, limits,
			"Sorry, I didn't catch that. Please enter your 4 digit PIN, followed by the pound key.", 4)

	case InEmployeeLookupResult:
		if !input.EmployeeFound {
			return giveUpOrReprompt(next, PhaseCollectPIN, limits,
				"That PIN was not recognized. Please try again.", 4)
		}
		next.EmployeeID = input.EmployeeID
		next.Attempts[PhaseCollectPIN] = 0
		return next, Output{Kind: OutLookupProvidersForEmployee}

	case InProvidersLookupResult:
		return resolveProviders(next, input.Providers)
	}

	return next, Output{Kind: OutHangup}
}

func stepSelectProvider(next CallState, input Input, limits Limits) (CallState, Output) {
	switch input.Kind {
	case InDTMF, InSpeech:
		digits := digitsFor(input)
		idx, ok := digitIndex(digits, len(next.ProviderIDs))
		if !ok {
			return giveUpOrReprompt(next, PhaseSelectProvider, limits,
				"That was not a valid selection. Press the number for the provider you are calling about.", 1)
		}
		next.ProviderID = next.ProviderIDs[idx]
		next.Phase = PhaseCollectJobCode
		return next, Output{
			Kind:      OutGatherDigits,
			Prompt:    "Please enter the 4 character job code, followed by the pound key.",
			MaxDigits: 4,
		}

	case InNoInput:
		return giveUpOrReprompt(next, PhaseSelectProvider, limits,
			"That was not a valid selection. Press the number for the provider you are calling about.", 1)
	}

	return next, Output{Kind: OutHangup}
}

func stepCollectJobCode(next CallState, input Input, limits Limits) (CallState, Output) {
	switch input.Kind {
	case InDTMF, InSpeech:
		raw := input.Digits
		if input.Kind == InSpeech {
			raw = input.Speech
		}
		if strings.TrimSpace(raw) == "" {
			return giveUpOrReprompt(next, PhaseCollectJobCode, limits,
				"Sorry, I didn't catch that. Please enter the 4 character job code, followed by the pound key.", 4)
		}
		next.JobCode = normalizeJobCode(raw)
		next.Phase = PhaseConfirmJobCode
		return next, Output{
			Kind:      OutGatherDigits,
			Prompt:    fmt.Sprintf("You entered job code %s. Press 1 to confirm, or 2 to re-enter.", spellOut(next.JobCode)),
			MaxDigits: 1,
		}

	case InNoInput:
		return giveUpOrReprompt(next, PhaseCollectJobCode, limits,
			"Sorry, I didn't catch that. Please enter the 4 character job code, followed by the pound key.", 4)
	}

	return next, Output{Kind: OutHangup}
}

func stepConfirmJobCode(next CallState, input Input, limits Limits) (CallState, Output) {
	switch input.Kind {
	case InDTMF, InSpeech:
		switch digitsFor(input) {
		case "1":
			return next, Output{Kind: OutLookupJobTemplateByCode, JobCode: next.JobCode}
		case "2":
			next.Phase = PhaseCollectJobCode
			return next, Output{
				Kind:      OutGatherDigits,
				Prompt:    "Please enter the 4 character job code, followed by the pound key.",
				MaxDigits: 4,
			}
		}
		return giveUpOrReprompt(next, PhaseConfirmJobCode, limits,
			"That was not a valid option. Press 1 to confirm, or 2 to re-enter.", 1)

	case InNoInput:
		return giveUpOrReprompt(next, PhaseConfirmJobCode, limits,
			"That was not a valid option. Press 1 to confirm, or 2 to re-enter.", 1)

	case InJobTemplateLookupResult:
		if !input.JobTemplateFound {
			next.Phase = PhaseCollectJobCode
			return giveUpOrReprompt(next, PhaseCollectJobCode, limits,
				"That job code was not recognized. Please try again.", 4)
		}
		next.Attempts[PhaseConfirmJobCode] = 0
		next.JobTemplateID = input.JobTemplateID
		return next, Output{Kind: OutLookupOccurrences}

	case InOccurrencesLookupResult:
		next.Occurrences = input.Occurrences
		next.OccurrenceIdx = 0
		if len(next.Occurrences) == 0 {
			next.Phase = PhaseDone
			return next, Output{Kind: OutHangup, Prompt: "No open shifts were found for that job code. Goodbye."}
		}
		next.Phase = PhaseCollectDisposition
		return next, Output{
			Kind:      OutGatherDigits,
			Prompt:    presentOccurrencePrompt(next.Occurrences[0]),
			MaxDigits: 1,
		}
	}

	return next, Output{Kind: OutHangup}
}

func stepCollectDisposition(next CallState, input Input, limits Limits) (CallState, Output) {
	current := next.Occurrences[next.OccurrenceIdx]

	switch input.Kind {
	case InDTMF, InSpeech:
		disp, ok := dispositionFor(input)
		if !ok {
			return giveUpOrReprompt(next, PhaseCollectDisposition, limits,
				"That was not a valid option. "+presentOccurrencePrompt(current), 1)
		}
		next.LastDisposition = disp

		switch disp {
		case DispositionTransfer:
			next.Phase = PhaseTransferring
			return next, Output{Kind: OutLookupProviderTransferNumber}

		case DispositionReschedule:
			next.Phase = PhaseCollectDay
			return next, Output{
				Kind:      OutGatherDigits,
				Prompt:    "What day of the month would you like to reschedule to? Please enter two digits.",
				MaxDigits: 2,
			}

		case DispositionAbsence:
			next.Phase = PhaseCollectReason
			return next, Output{
				Kind:   OutGatherSpeech,
				Prompt: "I'm sorry to hear that. Briefly, what is the reason for the absence?",
			}

		case DispositionLeaveOpen:
			next.Phase = PhaseConfirmLeaveOpen
			return next, Output{
				Kind:      OutGatherDigits,
				Prompt:    "Press 1 to confirm leaving this shift open, or 2 to go back.",
				MaxDigits: 1,
			}
		}

		return next, Output{Kind: OutUpdateOccurrence, OccurrenceID: current.ID, NewDisposition: disp}

	case InNoInput:
		return giveUpOrReprompt(next, PhaseCollectDisposition, limits,
			"That was not a valid option. "+presentOccurrencePrompt(current), 1)

	case InOccurrenceUpdateResult:
		if !input.OccurrenceUpdateOK {
			next.Phase = PhaseError
			return next, Output{Kind: OutHangup, Prompt: "Something went wrong recording your response. Please call back. Goodbye."}
		}
		return advanceAfterDisposition(next)
	}

	return next, Output{Kind: OutHangup}
}

// stepCollectReason collects the caller's spoken reason for a reported
// absence, persists the occurrence update, and publishes the
// absence_reported call event before moving to the next occurrence.
func stepCollectReason(next CallState, input Input, limits Limits) (CallState, Output) {
	current := next.Occurrences[next.OccurrenceIdx]

	switch input.Kind {
	case InSpeech:
		reason := strings.TrimSpace(input.Speech)
		if reason == "" {
			return giveUpOrRepromptSpeech(next, PhaseCollectReason, limits,
				"Sorry, I didn't catch that. Briefly, what is the reason for the absence?")
		}
		next.DispositionReason = reason
		return next, Output{Kind: OutUpdateOccurrence, OccurrenceID: current.ID, NewDisposition: DispositionAbsence}

	case InNoInput:
		return giveUpOrRepromptSpeech(next, PhaseCollectReason, limits,
			"Sorry, I didn't catch that. Briefly, what is the reason for the absence?")

	case InOccurrenceUpdateResult:
		if !input.OccurrenceUpdateOK {
			next.Phase = PhaseError
			return next, Output{Kind: OutHangup, Prompt: "Something went wrong recording your response. Please call back. Goodbye."}
		}
		next.Attempts[PhaseCollectReason] = 0
		return next, Output{Kind: OutLogCallEvent, LogEvent: "absence_reported", DetectedIntent: "absence"}

	case InLogEventAck:
		return advanceAfterDisposition(next)
	}

	return next, Output{Kind: OutHangup}
}

// stepConfirmLeaveOpen asks the caller to confirm before logging
// DispositionLeaveOpen, rather than acting on the menu digit directly.
func stepConfirmLeaveOpen(next CallState, input Input, limits Limits) (CallState, Output) {
	current := next.Occurrences[next.OccurrenceIdx]

	switch input.Kind {
	case InDTMF, InSpeech:
		switch digitsFor(input) {
		case "1":
			return next, Output{Kind: OutUpdateOccurrence, OccurrenceID: current.ID, NewDisposition: DispositionLeaveOpen}
		case "2":
			next.Phase = PhaseCollectDisposition
			return next, Output{
				Kind:      OutGatherDigits,
				Prompt:    presentOccurrencePrompt(current),
				MaxDigits: 1,
			}
		}
		return giveUpOrReprompt(next, PhaseConfirmLeaveOpen, limits,
			"That was not a valid option. Press 1 to confirm leaving this shift open, or 2 to go back.", 1)

	case InNoInput:
		return giveUpOrReprompt(next, PhaseConfirmLeaveOpen, limits,
			"That was not a valid option. Press 1 to confirm leaving this shift open, or 2 to go back.", 1)

	case InOccurrenceUpdateResult:
		if !input.OccurrenceUpdateOK {
			next.Phase = PhaseError
			return next, Output{Kind: OutHangup, Prompt: "Something went wrong recording your response. Please call back. Goodbye."}
		}
		return advanceAfterDisposition(next)
	}

	return next, Output{Kind: OutHangup}
}

// advanceAfterDisposition moves to the next occurrence once the current
// one's disposition has been durably recorded, or ends the call if that
// was the last one.
func advanceAfterDisposition(next CallState) (CallState, Output) {
	next.Attempts[PhaseCollectDisposition] = 0
	next.OccurrenceIdx++
	next.Phase = PhaseCollectDisposition
	if next.OccurrenceIdx >= len(next.Occurrences) {
		next.Phase = PhaseDone
		return next, Output{Kind: OutHangup, Prompt: "Thank you. That was your last open shift. Goodbye."}
	}
	return next, Output{
		Kind:      OutGatherDigits,
		Prompt:    presentOccurrencePrompt(next.Occurrences[next.OccurrenceIdx]),
		MaxDigits: 1,
	}
}

func stepCollectDay(next CallState, input Input, limits Limits) (CallState, Output) {
	switch input.Kind {
	case InDTMF, InSpeech:
		digits := digitsFor(input)
		if !validTwoDigit(digits, 1, 31) {
			return giveUpOrReprompt(next, PhaseCollectDay, limits,
				"That was not a valid day. Please enter two digits, 01 through 31.", 2)
		}
		next.ProposedDay = digits
		next.Phase = PhaseCollectMonth
		return next, Output{
			Kind:      OutGatherDigits,
			Prompt:    "Now enter the two digit month.",
			MaxDigits: 2,
		}

	case InNoInput:
		return giveUpOrReprompt(next, PhaseCollectDay, limits,
			"That was not a valid day. Please enter two digits, 01 through 31.", 2)
	}

	return next, Output{Kind: OutHangup}
}

func stepCollectMonth(next CallState, input Input, limits Limits) (CallState, Output) {
	switch input.Kind {
	case InDTMF, InSpeech:
		digits := digitsFor(input)
		if !validTwoDigit(digits, 1, 12) {
			return giveUpOrReprompt(next, PhaseCollectMonth, limits,
				"That was not a valid month. Please enter two digits, 01 through 12.", 2)
		}
		next.ProposedMonth = digits
		next.Phase = PhaseCollectTime
		return next, Output{
			Kind:      OutGatherDigits,
			Prompt:    "Now enter the time as four digits, 24 hour clock.",
			MaxDigits: 4,
		}

	case InNoInput:
		return giveUpOrReprompt(next, PhaseCollectMonth, limits,
			"That was not a valid month. Please enter two digits, 01 through 12.", 2)
	}

	return next, Output{Kind: OutHangup}
}

func stepCollectTime(next CallState, input Input, limits Limits) (CallState, Output) {
	switch input.Kind {
	case InDTMF, InSpeech:
		digits := digitsFor(input)
		if !validFourDigitTime(digits) {
			return giveUpOrReprompt(next, PhaseCollectTime, limits,
				"That was not a valid time. Please enter four digits, 24 hour clock.", 4)
		}
		next.ProposedTime = digits
		next.Phase = PhaseConfirmDateTime
		return next, Output{
			Kind:      OutGatherDigits,
			Prompt:    fmt.Sprintf("Reschedule to %s/%s at %s. Press 1 to confirm, or 2 to start over.", next.ProposedDay, next.ProposedMonth, formatTime(next.ProposedTime)),
			MaxDigits: 1,
		}

	case InNoInput:
		return giveUpOrReprompt(next, PhaseCollectTime, limits,
			"That was not a valid time. Please enter four digits, 24 hour clock.", 4)
	}

	return next, Output{Kind: OutHangup}
}

func stepConfirmDateTime(next CallState, input Input, limits Limits) (CallState, Output) {
	current := next.Occurrences[next.OccurrenceIdx]

	switch input.Kind {
	case InDTMF, InSpeech:
		switch digitsFor(input) {
		case "1":
			proposed := fmt.Sprintf("%s/%s %s", next.ProposedDay, next.ProposedMonth, formatTime(next.ProposedTime))
			return next, Output{
				Kind:             OutUpdateOccurrence,
				OccurrenceID:     current.ID,
				NewDisposition:   DispositionReschedule,
				ProposedDateTime: proposed,
			}
		case "2":
			next.Phase = PhaseCollectDay
			return next, Output{
				Kind:      OutGatherDigits,
				Prompt:    "What day of the month would you like to reschedule to? Please enter two digits.",
				MaxDigits: 2,
			}
		}
		return giveUpOrReprompt(next, PhaseConfirmDateTime, limits,
			"That was not a valid option. Press 1 to confirm, or 2 to start over.", 1)

	case InNoInput:
		return giveUpOrReprompt(next, PhaseConfirmDateTime, limits,
			"That was not a valid option. Press 1 to confirm, or 2 to start over.", 1)

	case InOccurrenceUpdateResult:
		if !input.OccurrenceUpdateOK {
			next.Phase = PhaseError
			return next, Output{Kind: OutHangup, Prompt: "Something went wrong recording your response. Please call back. Goodbye."}
		}
		next.Attempts[PhaseConfirmDateTime] = 0
		next.OccurrenceIdx++
		next.Phase = PhaseCollectDisposition
		if next.OccurrenceIdx >= len(next.Occurrences) {
			next.Phase = PhaseDone
			return next, Output{Kind: OutHangup, Prompt: "Thank you. That was your last open shift. Goodbye."}
		}
		return next, Output{
			Kind:      OutGatherDigits,
			Prompt:    presentOccurrencePrompt(next.Occurrences[next.OccurrenceIdx]),
			MaxDigits: 1,
		}
	}

	return next, Output{Kind: OutHangup}
}

func stepTransferring(next CallState, input Input) (CallState, Output) {
	switch input.Kind {
	case InProviderTransferNumberResult:
		next.PendingTransfer = &PendingTransfer{
			ToNumber:        input.TransferNumber,
			Reason:          "caller requested transfer",
			FallbackToQueue: true,
		}
		return next, Output{Kind: OutTransfer, TransferTo: input.TransferNumber, FallbackToQueue: true}

	case InTransferResult:
		if input.TransferOK {
			next.Phase = PhaseDone
			return next, Output{Kind: OutHangup}
		}
		if next.PendingTransfer != nil && next.PendingTransfer.FallbackToQueue {
			next.Phase = PhaseQueued
			return next, Output{Kind: OutEnqueue}
		}
		next.Phase = PhaseError
		return next, Output{Kind: OutHangup, Prompt: "Unable to complete the transfer. Goodbye."}
	}
	return next, Output{Kind: OutHangup}
}

func stepQueued(next CallState, input Input) (CallState, Output) {
	if input.Kind == InCallStatus && input.Status == StatusCompleted {
		next.Phase = PhaseDone
	}
	return next, Output{Kind: OutHangup}
}

// giveUpOrReprompt increments the attempt counter for phase; once it
// reaches limits.MaxAttempts the call is routed to the fallback transfer
// number (with queue fallback) instead of repeating forever, satisfying
// the attempt-bound-termination invariant every collecting phase must
// uphold.
func giveUpOrReprompt(next CallState, phase Phase, limits Limits, prompt string, maxDigits int) (CallState, Output) {
	next.Attempts[phase]++
	if next.Attempts[phase] >= limits.MaxAttempts {
		return escalateToFallback(next, phase, limits)
	}
	return next, Output{Kind: OutGatherDigits, Prompt: prompt, MaxDigits: maxDigits}
}

// giveUpOrRepromptSpeech is giveUpOrReprompt for speech-gathering phases,
// which have no digit count to bound.
func giveUpOrRepromptSpeech(next CallState, phase Phase, limits Limits, prompt string) (CallState, Output) {
	next.Attempts[phase]++
	if next.Attempts[phase] >= limits.MaxAttempts {
		return escalateToFallback(next, phase, limits)
	}
	return next, Output{Kind: OutGatherSpeech, Prompt: prompt}
}

func escalateToFallback(next CallState, phase Phase, limits Limits) (CallState, Output) {
	next.Phase = PhaseTransferring
	next.PendingTransfer = &PendingTransfer{
		ToNumber:        limits.FallbackTransferNumber,
		Reason:          fmt.Sprintf("max attempts exceeded in %s", phase),
		FallbackToQueue: true,
	}
	return next, Output{Kind: OutTransfer, TransferTo: limits.FallbackTransferNumber, FallbackToQueue: true}
}

// digitsFor normalizes an InDTMF/InSpeech input down to a plain digit
// string, recognizing spoken digits for the speech case.
func digitsFor(input Input) string {
	if input.Kind == InSpeech {
		return digitsFromSpeech(input.Speech)
	}
	return input.Digits
}

// digitsFromSpeech extracts a run of digits from a transcribed utterance,
// recognizing both literal digit characters and the English number words
// a caller might speak instead of pressing keys.
func digitsFromSpeech(text string) string {
	var out strings.Builder
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,#")
		if d, ok := spokenDigits[w]; ok {
			out.WriteByte(d)
			continue
		}
		for _, c := range w {
			if c >= '0' && c <= '9' {
				out.WriteRune(c)
			}
		}
	}
	return out.String()
}

var spokenDigits = map[string]byte{
	"zero": '0', "oh": '0', "one": '1', "two": '2', "three": '3', "four": '4',
	"five": '5', "six": '6', "seven": '7', "eight": '8', "nine": '9', "pound": '#',
}

// dispositionFor resolves a caller's menu choice from either a pressed
// digit or spoken input: spoken digits ("press two" transcribed as such)
// take the same path as DTMF, and free-form speech ("report absence")
// falls back to keyword matching.
func dispositionFor(input Input) (Disposition, bool) {
	if input.Kind != InSpeech {
		return parseDisposition(input.Digits)
	}
	if digits := digitsFromSpeech(input.Speech); digits != "" {
		if d, ok := parseDisposition(digits); ok {
			return d, true
		}
	}
	return parseDispositionSpeech(input.Speech)
}

// parseDispositionSpeech maps a free-form spoken disposition onto the
// same enum the DTMF menu produces, for callers who say "report absence"
// instead of pressing 2.
func parseDispositionSpeech(text string) (Disposition, bool) {
	t := strings.ToLower(text)
	switch {
	case strings.Contains(t, "accept"):
		return DispositionAccept, true
	case strings.Contains(t, "absen"):
		return DispositionAbsence, true
	case strings.Contains(t, "reschedul"):
		return DispositionReschedule, true
	case strings.Contains(t, "transfer"), strings.Contains(t, "office"), strings.Contains(t, "speak"):
		return DispositionTransfer, true
	case strings.Contains(t, "leave"), strings.Contains(t, "open"):
		return DispositionLeaveOpen, true
	}
	return DispositionNone, false
}

func digitIndex(digits string, count int) (int, bool) {
	if len(digits) != 1 {
		return 0, false
	}
	idx := int(digits[0] - '1')
	if idx < 0 || idx >= count {
		return 0, false
	}
	return idx, true
}

func parseDisposition(digit string) (Disposition, bool) {
	switch digit {
	case "1":
		return DispositionAccept, true
	case "2":
		return DispositionAbsence, true
	case "3":
		return DispositionReschedule, true
	case "4":
		return DispositionTransfer, true
	case "5":
		return DispositionLeaveOpen, true
	}
	return DispositionNone, false
}

// validTwoDigit reports whether digits is a two-character numeric string
// in [min, max].
func validTwoDigit(digits string, min, max int) bool {
	if len(digits) != 2 {
		return false
	}
	n := 0
	for _, c := range digits {
		if c < '0' || c > '9' {
			return false
		}
		n = n*10 + int(c-'0')
	}
	return n >= min && n <= max
}

// validFourDigitTime reports whether digits is HHMM on a 24 hour clock.
func validFourDigitTime(digits string) bool {
	if len(digits) != 4 {
		return false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return false
		}
	}
	hh := int(digits[0]-'0')*10 + int(digits[1]-'0')
	mm := int(digits[2]-'0')*10 + int(digits[3]-'0')
	return hh <= 23 && mm <= 59
}

// formatTime renders an HHMM digit string as "HH:MM" for TTS readback.
func formatTime(digits string) string {
	if len(digits) != 4 {
		return digits
	}
	return digits[:2] + ":" + digits[2:]
}

// spellOut renders a job code as space-separated characters so the TTS
// readback is unambiguous ("A B one two" rather than a run-together word).
func spellOut(code string) string {
	out := make([]byte, 0, len(code)*2)
	for i, c := range code {
		if i > 0 {
			out = append(out, ' ')
		}
		out = append(out, byte(c))
	}
	return string(out)
}

func normalizeJobCode(raw string) string {
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c == ' ' || c == '-' || c == '#' {
			continue
		}
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

func presentOccurrencePrompt(occ Occurrence) string {
	return fmt.Sprintf(
		"Shift for %s on %s. Press 1 to accept, 2 to report the patient absent, 3 to request a reschedule, 4 to speak to the office, or 5 to leave this shift open.",
		occ.PatientName, occ.ScheduledAt.Format("Monday January 2 at 3:04 PM"),
	)
}
