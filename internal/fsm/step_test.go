package fsm

import (
	"testing"
	"time"
)

var testLimits = Limits{MaxAttempts: 2, FallbackTransferNumber: "+61490550941"}

func TestGreetingEmitsPINGather(t *testing.T) {
	now := time.Now()
	state := NewCallState("CA123", now)
	next, out := Step(state, Input{}, testLimits, now)

	if next.Phase != PhaseCollectPIN {
		t.Fatalf("Phase = %v, want %v", next.Phase, PhaseCollectPIN)
	}
	if out.Kind != OutGatherDigits || out.MaxDigits != 4 {
		t.Fatalf("Output = %+v, want GatherDigits(4)", out)
	}
}

func TestStepIsDeterministic(t *testing.T) {
	now := time.Now()
	state := NewCallState("CA123", now)
	state.Phase = PhaseCollectPIN

	in := Input{Kind: InDTMF, Digits: "1234"}
	s1, o1 := Step(state, in, testLimits, now)
	s2, o2 := Step(state, in, testLimits, now)

	if s1.Phase != s2.Phase || o1.Kind != o2.Kind || o1.PIN != o2.PIN {
		t.Fatalf("Step is not deterministic: (%v, %+v) vs (%v, %+v)", s1.Phase, o1, s2.Phase, o2)
	}
}

func TestPINLookupChainsToProviderLookup(t *testing.T) {
	now := time.Now()
	state := NewCallState("CA123", now)
	state.Phase = PhaseCollectPIN

	state, out := Step(state, Input{Kind: InDTMF, Digits: "1234"}, testLimits, now)
	if out.Kind != OutLookupEmployeeByPIN || out.PIN != "1234" {
		t.Fatalf("Output = %+v, want LookupEmployeeByPIN", out)
	}

	state, out = Step(state, Input{Kind: InEmployeeLookupResult, EmployeeFound: true, EmployeeID: "emp-1"}, testLimits, now)
	if out.Kind != OutLookupProvidersForEmployee {
		t.Fatalf("Output = %+v, want LookupProvidersForEmployee", out)
	}
	if state.EmployeeID != "emp-1" {
		t.Errorf("EmployeeID = %q, want emp-1", state.EmployeeID)
	}
}

func TestInvalidPINExhaustsAttemptsAndTransfers(t *testing.T) {
	now := time.Now()
	state := NewCallState("CA123", now)
	state.Phase = PhaseCollectPIN

	// First wrong PIN: reprompt.
	state, out := Step(state, Input{Kind: InDTMF, Digits: "0000"}, testLimits, now)
	if out.Kind != OutLookupEmployeeByPIN {
		t.Fatalf("Output = %+v, want LookupEmployeeByPIN", out)
	}
	state, out = Step(state, Input{Kind: InEmployeeLookupResult, EmployeeFound: false}, testLimits, now)
	if out.Kind != OutGatherDigits {
		t.Fatalf("Output after 1st bad pin = %+v, want GatherDigits", out)
	}
	if state.Phase != PhaseCollectPIN {
		t.Fatalf("Phase after 1st bad pin = %v, want %v", state.Phase, PhaseCollectPIN)
	}

	// Second wrong PIN: MaxAttempts=2 reached, escalate to transfer.
	state, out = Step(state, Input{Kind: InDTMF, Digits: "0000"}, testLimits, now)
	state, out = Step(state, Input{Kind: InEmployeeLookupResult, EmployeeFound: false}, testLimits, now)
	if out.Kind != OutTransfer {
		t.Fatalf("Output after exhausting attempts = %+v, want Transfer", out)
	}
	if state.Phase != PhaseTransferring {
		t.Fatalf("Phase = %v, want %v", state.Phase, PhaseTransferring)
	}
	if out.TransferTo != testLimits.FallbackTransferNumber {
		t.Errorf("TransferTo = %q, want %q", out.TransferTo, testLimits.FallbackTransferNumber)
	}
}

func TestSingleProviderAutoSelected(t *testing.T) {
	now := time.Now()
	state := NewCallState("CA123", now)
	state.Phase = PhaseCollectPIN

	state, _ = Step(state, Input{Kind: InProvidersLookupResult, Providers: []string{"prov-1"}}, testLimits, now)
	if state.Phase != PhaseCollectJobCode {
		t.Fatalf("Phase = %v, want %v", state.Phase, PhaseCollectJobCode)
	}
	if state.ProviderID != "prov-1" {
		t.Errorf("ProviderID = %q, want prov-1", state.ProviderID)
	}
}

func TestMultipleProvidersRequireSelection(t *testing.T) {
	now := time.Now()
	state := NewCallState("CA123", now)
	state.Phase = PhaseCollectPIN

	state, out := Step(state, Input{Kind: InProvidersLookupResult, Providers: []string{"prov-1", "prov-2"}}, testLimits, now)
	if state.Phase != PhaseSelectProvider {
		t.Fatalf("Phase = %v, want %v", state.Phase, PhaseSelectProvider)
	}
	if out.MaxDigits != 1 {
		t.Errorf("MaxDigits = %d, want 1", out.MaxDigits)
	}

	state, _ = Step(state, Input{Kind: InDTMF, Digits: "2"}, testLimits, now)
	if state.ProviderID != "prov-2" {
		t.Errorf("ProviderID = %q, want prov-2", state.ProviderID)
	}
	if state.Phase != PhaseCollectJobCode {
		t.Fatalf("Phase = %v, want %v", state.Phase, PhaseCollectJobCode)
	}
}

func TestJobCodeNormalization(t *testing.T) {
	now := time.Now()
	state := NewCallState("CA123", now)
	state.Phase = PhaseCollectJobCode

	state, out := Step(state, Input{Kind: InDTMF, Digits: "ab 12"}, testLimits, now)
	if out.Kind != OutGatherDigits || state.Phase != PhaseConfirmJobCode {
		t.Fatalf("Output/phase = %+v / %v, want GatherDigits readback / ConfirmJobCode", out, state.Phase)
	}
	if state.JobCode != "AB12" {
		t.Fatalf("JobCode = %q, want AB12", state.JobCode)
	}

	_, out = Step(state, Input{Kind: InDTMF, Digits: "1"}, testLimits, now)
	if out.Kind != OutLookupJobTemplateByCode || out.JobCode != "AB12" {
		t.Fatalf("Output = %+v, want LookupJobTemplateByCode(AB12)", out)
	}
}

func TestConfirmJobCodeReEntryOnNo(t *testing.T) {
	now := time.Now()
	state := NewCallState("CA123", now)
	state.Phase = PhaseConfirmJobCode
	state.JobCode = "AB12"

	state, out := Step(state, Input{Kind: InDTMF, Digits: "2"}, testLimits, now)
	if state.Phase != PhaseCollectJobCode || out.Kind != OutGatherDigits {
		t.Fatalf("Phase/out = %v / %+v, want CollectJobCode/GatherDigits", state.Phase, out)
	}
}

func TestOccurrenceLoopAdvancesThenDone(t *testing.T) {
	now := time.Now()
	state := NewCallState("CA123", now)
	state.Phase = PhaseConfirmJobCode

	occs := []Occurrence{
		{ID: "occ-1", PatientName: "A Patient", ScheduledAt: now},
		{ID: "occ-2", PatientName: "B Patient", ScheduledAt: now.Add(time.Hour)},
	}
	state, out := Step(state, Input{Kind: InOccurrencesLookupResult, Occurrences: occs}, testLimits, now)
	if state.Phase != PhaseCollectDisposition || out.Kind != OutGatherDigits {
		t.Fatalf("Phase/out = %v / %+v, want CollectDisposition/GatherDigits", state.Phase, out)
	}

	state, out = Step(state, Input{Kind: InDTMF, Digits: "1"}, testLimits, now)
	if out.Kind != OutUpdateOccurrence || out.OccurrenceID != "occ-1" || out.NewDisposition != DispositionAccept {
		t.Fatalf("Output = %+v, want UpdateOccurrence(occ-1, Accept)", out)
	}

	state, out = Step(state, Input{Kind: InOccurrenceUpdateResult, OccurrenceUpdateOK: true}, testLimits, now)
	if state.OccurrenceIdx != 1 || state.Phase != PhaseCollectDisposition {
		t.Fatalf("after first update: idx=%d phase=%v, want 1/CollectDisposition", state.OccurrenceIdx, state.Phase)
	}

	state, out = Step(state, Input{Kind: InDTMF, Digits: "2"}, testLimits, now)
	if state.Phase != PhaseCollectReason || out.Kind != OutGatherSpeech {
		t.Fatalf("Phase/out = %v / %+v, want CollectReason/GatherSpeech", state.Phase, out)
	}
	state, out = Step(state, Input{Kind: InSpeech, Speech: "family emergency"}, testLimits, now)
	if out.Kind != OutUpdateOccurrence || out.OccurrenceID != "occ-2" || out.NewDisposition != DispositionAbsence {
		t.Fatalf("Output = %+v, want UpdateOccurrence(occ-2, Absence)", out)
	}
	state, out = Step(state, Input{Kind: InOccurrenceUpdateResult, OccurrenceUpdateOK: true}, testLimits, now)
	state, out = Step(state, Input{Kind: InLogEventAck}, testLimits, now)
	if state.Phase != PhaseDone {
		t.Fatalf("Phase = %v, want %v (occurrences exhausted)", state.Phase, PhaseDone)
	}
	if out.Kind != OutHangup {
		t.Fatalf("Output = %+v, want Hangup", out)
	}
}

func TestRescheduleSubDialogCollectsAndConfirms(t *testing.T) {
	now := time.Now()
	state := NewCallState("CA123", now)
	state.Phase = PhaseCollectDisposition
	state.Occurrences = []Occurrence{{ID: "occ-1", PatientName: "A Patient", ScheduledAt: now}}

	state, out := Step(state, Input{Kind: InDTMF, Digits: "3"}, testLimits, now)
	if state.Phase != PhaseCollectDay || out.Kind != OutGatherDigits {
		t.Fatalf("Phase/out = %v / %+v, want CollectDay/GatherDigits", state.Phase, out)
	}

	state, out = Step(state, Input{Kind: InDTMF, Digits: "15"}, testLimits, now)
	if state.Phase != PhaseCollectMonth || state.ProposedDay != "15" {
		t.Fatalf("Phase/day = %v / %q, want CollectMonth/15", state.Phase, state.ProposedDay)
	}

	state, out = Step(state, Input{Kind: InDTMF, Digits: "13"}, testLimits, now)
	if state.Phase != PhaseCollectMonth {
		t.Fatalf("Phase after invalid month = %v, want unchanged CollectMonth", state.Phase)
	}
	if out.Kind != OutGatherDigits {
		t.Fatalf("Output after invalid month = %+v, want GatherDigits reprompt", out)
	}

	state, out = Step(state, Input{Kind: InDTMF, Digits: "08"}, testLimits, now)
	if state.Phase != PhaseCollectTime || state.ProposedMonth != "08" {
		t.Fatalf("Phase/month = %v / %q, want CollectTime/08", state.Phase, state.ProposedMonth)
	}

	state, out = Step(state, Input{Kind: InDTMF, Digits: "0930"}, testLimits, now)
	if state.Phase != PhaseConfirmDateTime || state.ProposedTime != "0930" {
		t.Fatalf("Phase/time = %v / %q, want ConfirmDateTime/0930", state.Phase, state.ProposedTime)
	}

	state, out = Step(state, Input{Kind: InDTMF, Digits: "1"}, testLimits, now)
	if out.Kind != OutUpdateOccurrence || out.NewDisposition != DispositionReschedule {
		t.Fatalf("Output = %+v, want UpdateOccurrence(Reschedule)", out)
	}
	if out.ProposedDateTime != "15/08 09:30" {
		t.Errorf("ProposedDateTime = %q, want 15/08 09:30", out.ProposedDateTime)
	}

	state, out = Step(state, Input{Kind: InOccurrenceUpdateResult, OccurrenceUpdateOK: true}, testLimits, now)
	if state.Phase != PhaseDone || out.Kind != OutHangup {
		t.Fatalf("Phase/out after last occurrence = %v / %+v, want Done/Hangup", state.Phase, out)
	}
}

func TestDispositionTransferGoesStraightToTransfer(t *testing.T) {
	now := time.Now()
	state := NewCallState("CA123", now)
	state.Phase = PhaseCollectDisposition
	state.Occurrences = []Occurrence{{ID: "occ-1", PatientName: "A Patient", ScheduledAt: now}}

	state, out := Step(state, Input{Kind: InDTMF, Digits: "4"}, testLimits, now)
	if out.Kind != OutLookupProviderTransferNumber {
		t.Fatalf("Output = %+v, want LookupProviderTransferNumber", out)
	}
	if state.Phase != PhaseTransferring {
		t.Fatalf("Phase = %v, want %v", state.Phase, PhaseTransferring)
	}

	state, out = Step(state, Input{Kind: InProviderTransferNumberResult, TransferNumber: "+61490550941"}, testLimits, now)
	if out.Kind != OutTransfer || out.TransferTo != "+61490550941" {
		t.Fatalf("Output = %+v, want Transfer(+61490550941)", out)
	}
}

func TestTransferFailureFallsBackToQueue(t *testing.T) {
	now := time.Now()
	state := NewCallState("CA123", now)
	state.Phase = PhaseTransferring
	state.PendingTransfer = &PendingTransfer{ToNumber: "+61490550941", FallbackToQueue: true}

	state, out := Step(state, Input{Kind: InTransferResult, TransferOK: false}, testLimits, now)
	if state.Phase != PhaseQueued {
		t.Fatalf("Phase = %v, want %v", state.Phase, PhaseQueued)
	}
	if out.Kind != OutEnqueue {
		t.Fatalf("Output = %+v, want Enqueue", out)
	}
}

func TestTerminalPhasesAreIdempotent(t *testing.T) {
	now := time.Now()
	for _, phase := range []Phase{PhaseDone, PhaseError} {
		state := NewCallState("CA123", now)
		state.Phase = phase
		next, out := Step(state, Input{Kind: InDTMF, Digits: "9"}, testLimits, now)
		if next.Phase != phase {
			t.Errorf("phase %v: Phase changed to %v", phase, next.Phase)
		}
		if out.Kind != OutHangup {
			t.Errorf("phase %v: Output = %+v, want Hangup", phase, out)
		}
	}
}
