// Package wave is the Outbound Wave Scheduler (C9): for each unfilled
// occurrence it runs up to N rounds of outbound dialing with backoff,
// dialing up to K eligible employees per round until one accepts or the
// rounds are exhausted.
//
// Grounded on the teacher's internal/sip.OutboundRouter (trunk selection
// + INVITE construction for outbound SIP calls), generalized from a
// SIP-trunk dial to a carrier webhook-API call creation behind the
// CallOriginator interface, and on internal/flow's node-graph executor
// for the round/attempt bookkeeping shape. The at-most-one-dispatched
// guard and round backoff are new, grounded directly on the state model
// described for OutboundWave records (persisted to StateStore rather
// than kept in process memory). The rounds themselves run in an
// in-process goroutine that sleeps between rounds: a wave interrupted by
// a restart is not resumed. Its dispatch lock stays held until
// WaveLockTTL expires, after which a later Start begins a fresh wave
// from round 1.
package wave

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/callengine/callengine/internal/calllog"
	"github.com/callengine/callengine/internal/email"
	"github.com/callengine/callengine/internal/records"
	"github.com/callengine/callengine/internal/retry"
	"github.com/callengine/callengine/internal/statestore"
)

// AttemptOutcome is the result of one outbound dial within a round.
type AttemptOutcome string

const (
	AttemptAccepted AttemptOutcome = "accepted"
	AttemptDeclined AttemptOutcome = "declined"
	AttemptNoAnswer AttemptOutcome = "no-answer"
	AttemptFailed   AttemptOutcome = "failed"
)

// Status is the lifecycle state of an occurrence's wave.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusCompleted  Status = "completed"
	StatusAbandoned  Status = "abandoned"
)

// Attempt is one outbound call placed during a round.
type Attempt struct {
	EmployeeID string         `json:"employeeId"`
	CallSid    string         `json:"callSid,omitempty"`
	Outcome    AttemptOutcome `json:"outcome,omitempty"`
	At         time.Time      `json:"at"`
}

// Wave is the persisted record of one occurrence's outbound dispatch
// campaign, stored as JSON under key wave:{occurrenceId}.
type Wave struct {
	OccurrenceID string    `json:"occurrenceId"`
	WaveNumber   int       `json:"waveNumber"`
	ScheduledAt  time.Time `json:"scheduledAt"`
	Status       Status    `json:"status"`
	Attempts     []Attempt `json:"attempts"`
}

func waveKey(occurrenceID string) string { return "wave:" + occurrenceID }
func lockKey(occurrenceID string) string { return "wave:lock:" + occurrenceID }

// CallLogID derives the call log row id for one dial attempt, shared
// between the scheduler (which creates the row before dialing) and the
// webhook handlers answering/closing that call (which need the same id
// to finish it), since the carrier doesn't echo it back verbatim.
func CallLogID(occurrenceID string, round int, employeeID string) string {
	return fmt.Sprintf("wave-%s-%d-%s", occurrenceID, round, employeeID)
}

// failedEmployees returns the set of employees whose most recent attempt
// in this wave did not result in acceptance, so the next round excludes
// them.
func (w Wave) failedEmployees() map[string]bool {
	out := make(map[string]bool, len(w.Attempts))
	for _, a := range w.Attempts {
		if a.Outcome != AttemptAccepted {
			out[a.EmployeeID] = true
		}
	}
	return out
}

// CallOriginator places an outbound call via the carrier's HTTP API,
// returning the carrier-assigned CallSid once the call has been created.
type CallOriginator interface {
	CreateCall(ctx context.Context, to, answerURL, statusCallbackURL string) (callSid string, err error)
}

// EventPublisher is the narrow slice of the Event Bus the scheduler
// needs; matches internal/eventbus.Bus.Publish and internal/webhook's
// own EventPublisher interface.
type EventPublisher interface {
	Publish(ctx context.Context, providerID, eventType, callSid string, data map[string]string) error
}

// AbandonmentNotifier is the narrow slice of internal/email the scheduler
// needs to tell a provider's contact their shift went unfilled; matches
// email.Sender.SendAbandonmentNotification.
type AbandonmentNotifier interface {
	SendAbandonmentNotification(ctx context.Context, cfg email.SMTPConfig, notif email.AbandonmentNotification) error
}

// Config tunes the scheduler. Zero values are replaced with sane
// defaults by New.
type Config struct {
	PublicBaseURL     string
	Rounds            int           // N: max dispatch rounds per occurrence
	EmployeesPerRound int           // K: max employees dialed per round
	RoundBackoffBase  time.Duration // base delay before round 2; round n>=2 waits (2(n-1)-1)*base
	Concurrency       int           // max simultaneous dials within a round
	DialTimeout       time.Duration
	WaveLockTTL       time.Duration // guards at-most-one-dispatched-wave-per-occurrence
	SMTP              email.SMTPConfig
}

func (c Config) withDefaults() Config {
	if c.Rounds <= 0 {
		c.Rounds = 3
	}
	if c.EmployeesPerRound <= 0 {
		c.EmployeesPerRound = 3
	}
	if c.RoundBackoffBase <= 0 {
		c.RoundBackoffBase = 15 * time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 30 * time.Second
	}
	if c.WaveLockTTL <= 0 {
		c.WaveLockTTL = 2 * time.Hour
	}
	return c
}

// Scheduler runs outbound dispatch waves for unfilled occurrences.
type Scheduler struct {
	state      *statestore.Store
	records    *records.Store
	calllog    *calllog.Writer
	originator CallOriginator
	events     EventPublisher
	notifier   AbandonmentNotifier
	logger     *slog.Logger
	cfg        Config
	sem        chan struct{}
	active     int64
}

func New(state *statestore.Store, recordStore *records.Store, cl *calllog.Writer, originator CallOriginator, events EventPublisher, notifier AbandonmentNotifier, logger *slog.Logger, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		state:      state,
		records:    recordStore,
		calllog:    cl,
		originator: originator,
		events:     events,
		notifier:   notifier,
		logger:     logger.With("subsystem", "wave"),
		cfg:        cfg,
		sem:        make(chan struct{}, cfg.Concurrency),
	}
}

// StartScanner runs a background goroutine that periodically lists every
// provider's unfilled shifts and calls Start for each, so an occurrence
// left unfilled begins its dial campaign without an operator triggering
// it by hand. Start's own dispatch lock makes repeated scans of the same
// occurrence harmless. The goroutine stops when ctx is cancelled.
//
// Grounded on internal/voicemail.StartCleanupTicker and
// internal/recording.StartCleanupTicker's ticker-loop-stops-on-cancel
// shape, re-homed from retention sweeps to wave dispatch.
func (s *Scheduler) StartScanner(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.scanOnce(ctx)
			}
		}
	}()
}

func (s *Scheduler) scanOnce(ctx context.Context) {
	providerIDs, err := s.records.AllProviderIDs(ctx)
	if err != nil {
		s.logger.Error("wave scan: listing providers failed", "error", err)
		return
	}
	for _, providerID := range providerIDs {
		shifts, err := s.records.UnfilledShifts(ctx, providerID)
		if err != nil {
			s.logger.Error("wave scan: listing unfilled shifts failed", "providerId", providerID, "error", err)
			continue
		}
		for _, occ := range shifts {
			if _, err := s.Start(ctx, occ.ID); err != nil {
				s.logger.Error("wave scan: starting dispatch failed", "occurrenceId", occ.ID, "error", err)
			}
		}
	}
}

// roundDelay is the wait before dispatching round n (1-indexed). Round 1
// is immediate; with the default 15m base this gives the documented
// immediate/+15m/+45m schedule.
func (s *Scheduler) roundDelay(round int) time.Duration {
	if round <= 1 {
		return 0
	}
	multiplier := 2*(round-1) - 1
	return time.Duration(multiplier) * s.cfg.RoundBackoffBase
}

func (s *Scheduler) loadWave(ctx context.Context, occurrenceID string) (Wave, bool, error) {
	raw, err := s.state.Get(ctx, waveKey(occurrenceID))
	if errors.Is(err, statestore.ErrNotFound) {
		return Wave{}, false, nil
	}
	if err != nil {
		return Wave{}, false, err
	}
	var w Wave
	if err := json.Unmarshal(raw, &w); err != nil {
		return Wave{}, false, fmt.Errorf("wave: decode state: %w", err)
	}
	return w, true, nil
}

func (s *Scheduler) saveWave(ctx context.Context, w Wave) error {
	raw, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("wave: encode state: %w", err)
	}
	return s.state.Set(ctx, waveKey(w.OccurrenceID), raw, s.cfg.WaveLockTTL)
}

// Start begins the dispatch campaign for occurrenceID if no wave is
// already in flight for it. Safe to call repeatedly (e.g. on a retry);
// returns (false, nil) if a wave is already dispatched.
func (s *Scheduler) Start(ctx context.Context, occurrenceID string) (bool, error) {
	acquired, err := s.state.SetNX(ctx, lockKey(occurrenceID), []byte("1"), s.cfg.WaveLockTTL)
	if err != nil {
		return false, fmt.Errorf("wave: acquire dispatch lock: %w", err)
	}
	if !acquired {
		return false, nil
	}

	w := Wave{OccurrenceID: occurrenceID, WaveNumber: 0, Status: StatusPending}
	if err := s.saveWave(ctx, w); err != nil {
		s.state.Del(ctx, lockKey(occurrenceID))
		return false, err
	}

	atomic.AddInt64(&s.active, 1)
	go s.run(context.WithoutCancel(ctx), occurrenceID)
	return true, nil
}

// ActiveCount returns the number of dispatch campaigns currently running,
// for the active-outbound-wave gauge.
func (s *Scheduler) ActiveCount() int {
	return int(atomic.LoadInt64(&s.active))
}

// run drives rounds 1..N for occurrenceID, sleeping the round backoff
// between each, until accepted, abandoned, or the occurrence is no
// longer unfilled.
func (s *Scheduler) run(ctx context.Context, occurrenceID string) {
	defer atomic.AddInt64(&s.active, -1)
	defer s.state.Del(ctx, lockKey(occurrenceID))

	for round := 1; round <= s.cfg.Rounds; round++ {
		if delay := s.roundDelay(round); delay > 0 {
			time.Sleep(delay)
		}

		occ, err := s.records.OccurrenceByID(ctx, occurrenceID)
		if err != nil {
			s.logger.Error("wave: occurrence lookup failed, aborting", "occurrenceId", occurrenceID, "error", err)
			return
		}
		if occ.Status != records.OccurrenceUnfilled {
			s.logger.Info("wave: occurrence no longer unfilled, canceling round", "occurrenceId", occurrenceID, "status", occ.Status)
			return
		}

		accepted, err := s.dispatchRound(ctx, occ, round)
		if err != nil {
			s.logger.Error("wave: round dispatch failed", "occurrenceId", occurrenceID, "round", round, "error", err)
			continue
		}
		if accepted {
			return
		}
	}

	s.abandon(ctx, occurrenceID)
}

// dispatchRound selects eligible employees, dials each (bounded by
// Concurrency), and reports whether any attempt was accepted by the
// time all dials in the round have resolved.
func (s *Scheduler) dispatchRound(ctx context.Context, occ records.Occurrence, round int) (bool, error) {
	w, _, err := s.loadWave(ctx, occ.ID)
	if err != nil {
		return false, err
	}
	w.WaveNumber = round
	w.ScheduledAt = time.Now()
	w.Status = StatusDispatched
	excluded := w.failedEmployees()

	providerID, err := s.records.ProviderIDForTemplate(ctx, occ.TemplateID)
	if err != nil {
		return false, fmt.Errorf("wave: resolve provider: %w", err)
	}
	pool, err := s.records.EmployeesForProvider(ctx, providerID)
	if err != nil {
		return false, fmt.Errorf("wave: list employee pool: %w", err)
	}

	var eligible []records.Employee
	for _, e := range pool {
		if !excluded[e.ID] {
			eligible = append(eligible, e)
		}
	}
	if len(eligible) > s.cfg.EmployeesPerRound {
		eligible = eligible[:s.cfg.EmployeesPerRound]
	}
	if len(eligible) == 0 {
		s.logger.Warn("wave: no eligible employees left for round", "occurrenceId", occ.ID, "round", round)
		if err := s.saveWave(ctx, w); err != nil {
			return false, err
		}
		return false, nil
	}

	results := make(chan Attempt, len(eligible))
	for _, emp := range eligible {
		emp := emp
		s.sem <- struct{}{}
		go func() {
			defer func() { <-s.sem }()
			results <- s.dialOne(ctx, occ, providerID, emp, round)
		}()
	}

	accepted := false
	for range eligible {
		a := <-results
		w.Attempts = append(w.Attempts, a)
		if a.Outcome == AttemptAccepted {
			accepted = true
		}
	}

	if accepted {
		w.Status = StatusCompleted
		if err := s.records.UpdateOccurrence(ctx, occ.ID, records.OccurrenceCompleted, acceptedEmployee(w.Attempts)); err != nil {
			s.logger.Error("wave: mark occurrence completed failed", "occurrenceId", occ.ID, "error", err)
		}
		s.publish(ctx, providerID, occ.ID, "wave_accepted", map[string]string{"employeeId": acceptedEmployee(w.Attempts)})
	} else {
		w.Status = StatusPending
	}
	if err := s.saveWave(ctx, w); err != nil {
		return accepted, err
	}
	return accepted, nil
}

func acceptedEmployee(attempts []Attempt) string {
	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].Outcome == AttemptAccepted {
			return attempts[i].EmployeeID
		}
	}
	return ""
}

// dialOne originates a single outbound call for a candidate employee and
// waits up to DialTimeout for the carrier to assign a CallSid; the
// accept/decline outcome itself arrives later via a status callback
// (see RecordOutcome), so a successfully originated attempt is recorded
// as no-answer until RecordOutcome updates it, and one whose origination
// failed on every try (or did not succeed within the timeout window) is
// recorded as failed.
func (s *Scheduler) dialOne(ctx context.Context, occ records.Occurrence, providerID string, emp records.Employee, round int) Attempt {
	now := time.Now()
	callLogID := CallLogID(occ.ID, round, emp.ID)
	s.calllog.Start(ctx, records.CallLog{
		ID:         callLogID,
		EmployeeID: emp.ID,
		ProviderID: providerID,
		Outcome:    "in-progress",
		StartedAt:  now,
	})

	answerURL := fmt.Sprintf("%s/outbound/twiml?occurrenceId=%s&employeeId=%s&round=%d&patientName=%s",
		s.cfg.PublicBaseURL, occ.ID, emp.ID, round, occ.PatientName)
	statusURL := fmt.Sprintf("%s/outbound/status?occurrenceId=%s&employeeId=%s&round=%d",
		s.cfg.PublicBaseURL, occ.ID, emp.ID, round)

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	b := retry.New(500*time.Millisecond, 5*time.Second)
	var callSid string
	var err error
dialAttempts:
	for attempt := 0; attempt < 3; attempt++ {
		callSid, err = s.originator.CreateCall(dialCtx, emp.Phone, answerURL, statusURL)
		if err == nil {
			break
		}
		s.logger.Warn("wave: call origination failed, retrying", "employeeId", emp.ID, "occurrenceId", occ.ID, "error", err)
		select {
		case <-dialCtx.Done():
			break dialAttempts
		case <-time.After(b.Next()):
		}
	}

	if err != nil {
		s.logger.Error("wave: call origination exhausted retries", "employeeId", emp.ID, "occurrenceId", occ.ID, "error", err)
		s.calllog.Finish(ctx, callLogID, string(AttemptFailed), time.Now())
		return Attempt{EmployeeID: emp.ID, Outcome: AttemptFailed, At: now}
	}

	// The call was originated; its accept/decline/no-answer outcome
	// arrives later via /outbound/status and is recorded by RecordOutcome
	// and calllog.Finish, keyed off this same callLogID.
	s.calllog.AttachCallSid(ctx, callLogID, callSid)
	s.publish(ctx, providerID, occ.ID, "wave_dialed", map[string]string{"employeeId": emp.ID, "round": fmt.Sprint(round), "callSid": callSid})

	return Attempt{EmployeeID: emp.ID, CallSid: callSid, Outcome: AttemptNoAnswer, At: now}
}

// RecordOutcome updates the in-flight wave's most recent attempt for
// employeeID with a carrier-reported or FSM-reported outcome (from the
// /outbound/status callback). Call this from the webhook handler once
// the caller's accept/decline digit (or a DialCallStatus) is known.
func (s *Scheduler) RecordOutcome(ctx context.Context, occurrenceID, employeeID string, outcome AttemptOutcome) error {
	w, ok, err := s.loadWave(ctx, occurrenceID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("wave: no wave state for occurrence %s", occurrenceID)
	}
	for i := len(w.Attempts) - 1; i >= 0; i-- {
		if w.Attempts[i].EmployeeID == employeeID {
			w.Attempts[i].Outcome = outcome
			break
		}
	}
	if outcome == AttemptAccepted {
		w.Status = StatusCompleted
	}
	return s.saveWave(ctx, w)
}

func (s *Scheduler) abandon(ctx context.Context, occurrenceID string) {
	w, _, err := s.loadWave(ctx, occurrenceID)
	if err != nil {
		s.logger.Error("wave: load before abandon failed", "occurrenceId", occurrenceID, "error", err)
	}
	w.OccurrenceID = occurrenceID
	w.Status = StatusAbandoned
	if err := s.saveWave(ctx, w); err != nil {
		s.logger.Error("wave: save abandoned state failed", "occurrenceId", occurrenceID, "error", err)
	}

	occ, err := s.records.OccurrenceByID(ctx, occurrenceID)
	if err != nil {
		s.logger.Error("wave: occurrence lookup for abandon failed", "occurrenceId", occurrenceID, "error", err)
		return
	}
	if err := s.records.UpdateOccurrence(ctx, occurrenceID, records.OccurrenceUnfilled, ""); err != nil {
		s.logger.Error("wave: mark occurrence unfilled failed", "occurrenceId", occurrenceID, "error", err)
	}
	providerID, err := s.records.ProviderIDForTemplate(ctx, occ.TemplateID)
	if err != nil {
		s.logger.Error("wave: resolve provider for abandon publish failed", "occurrenceId", occurrenceID, "error", err)
		return
	}
	s.publish(ctx, providerID, occurrenceID, "unfilled", map[string]string{"occurrenceId": occurrenceID})
	s.notifyAbandonment(ctx, providerID, occurrenceID, occ.ScheduledAt)
}

// notifyAbandonment emails the provider's configured contact once an
// occurrence's dial campaign is exhausted with no acceptance. Best-effort:
// a missing contact email or SMTP failure is logged, not retried, since
// the dashboard "unfilled" event already published above is the
// authoritative signal.
func (s *Scheduler) notifyAbandonment(ctx context.Context, providerID, occurrenceID string, scheduledAt time.Time) {
	if s.notifier == nil {
		return
	}
	provider, err := s.records.ProviderByID(ctx, providerID)
	if err != nil {
		s.logger.Error("wave: provider lookup for abandonment email failed", "providerId", providerID, "error", err)
		return
	}
	if provider.ContactEmail == "" {
		return
	}
	notif := email.AbandonmentNotification{
		To:           provider.ContactEmail,
		ProviderName: provider.Name,
		OccurrenceID: occurrenceID,
		ScheduledAt:  scheduledAt,
	}
	if err := s.notifier.SendAbandonmentNotification(ctx, s.cfg.SMTP, notif); err != nil {
		s.logger.Error("wave: abandonment notification email failed", "providerId", providerID, "occurrenceId", occurrenceID, "error", err)
	}
}

func (s *Scheduler) publish(ctx context.Context, providerID, occurrenceID, eventType string, data map[string]string) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, providerID, eventType, occurrenceID, data); err != nil {
		s.logger.Warn("wave: publish event failed", "eventType", eventType, "occurrenceId", occurrenceID, "error", err)
	}
}
