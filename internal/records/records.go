// Package records is the reference RecordStore implementation (A2). The
// spec treats RecordStore as an external collaborator named only by
// interface; this sqlite-backed implementation exists so the engine and
// its tests run standalone, grounded on the teacher's one-interface/
// one-repo-per-entity shape (internal/database/repository.go).
package records

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/callengine/callengine/internal/dbutil"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var ErrNotFound = errors.New("records: not found")

type Employee struct {
	ID     string
	Name   string
	Phone  string
	PIN    string
	Active bool
}

type Provider struct {
	ID             string
	Name           string
	TransferNumber string
	ContactEmail   string
}

// PushToken is one registered operator-dashboard device, used to fan out
// Event Bus notifications to a mobile app via the push gateway.
type PushToken struct {
	ProviderID string
	Token      string
	Platform   string // "fcm" or "apns"
	DeviceID   string
	UpdatedAt  time.Time
}

type JobTemplate struct {
	ID         string
	ProviderID string
	Code       string
	PatientID  string
}

type OccurrenceStatus string

const (
	OccurrenceScheduled OccurrenceStatus = "scheduled"
	OccurrenceUnfilled  OccurrenceStatus = "unfilled"
	OccurrenceCompleted OccurrenceStatus = "completed"
	OccurrenceCancelled OccurrenceStatus = "cancelled"
	OccurrenceAbsence   OccurrenceStatus = "absence_reported"
	OccurrenceReschedule OccurrenceStatus = "reschedule_requested"
	OccurrenceLeftOpen  OccurrenceStatus = "left_open"
)

type Occurrence struct {
	ID                 string
	TemplateID         string
	PatientID          string
	PatientName        string
	ScheduledAt        time.Time
	Status             OccurrenceStatus
	AssignedEmployeeID string
}

// Store is the sqlite-backed reference RecordStore.
type Store struct {
	db *sql.DB
}

func Open(dataDir string) (*Store, error) {
	db, err := dbutil.Open(dataDir, "records.db", migrationsFS)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// EmployeeByPIN looks up the active employee with the given PIN.
func (s *Store) EmployeeByPIN(ctx context.Context, pin string) (Employee, error) {
	var e Employee
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, phone, pin, active FROM employees WHERE pin = ? AND active = 1`, pin,
	).Scan(&e.ID, &e.Name, &e.Phone, &e.PIN, &e.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return Employee{}, ErrNotFound
	}
	if err != nil {
		return Employee{}, fmt.Errorf("records: employee by pin: %w", err)
	}
	return e, nil
}

// EmployeeByPhone looks up the active employee with the given caller-ID
// phone number; the dialog's authentication chain calls it first so a
// recognized caller ID can skip PIN entry.
func (s *Store) EmployeeByPhone(ctx context.Context, phone string) (Employee, error) {
	var e Employee
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, phone, pin, active FROM employees WHERE phone = ? AND active = 1`, phone,
	).Scan(&e.ID, &e.Name, &e.Phone, &e.PIN, &e.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return Employee{}, ErrNotFound
	}
	if err != nil {
		return Employee{}, fmt.Errorf("records: employee by phone: %w", err)
	}
	return e, nil
}

// ProvidersForEmployee returns the provider IDs the employee works for.
func (s *Store) ProvidersForEmployee(ctx context.Context, employeeID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider_id FROM employee_providers WHERE employee_id = ?`, employeeID)
	if err != nil {
		return nil, fmt.Errorf("records: providers for employee: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AllProviderIDs returns every provider's id, used by the wave
// scheduler's periodic scan to find unfilled shifts across every
// provider without the caller needing to know the provider set ahead of
// time.
func (s *Store) AllProviderIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM providers`)
	if err != nil {
		return nil, fmt.Errorf("records: all provider ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ProviderByID returns provider details, used to resolve the transfer
// number for "speak to the office".
func (s *Store) ProviderByID(ctx context.Context, id string) (Provider, error) {
	var p Provider
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, transfer_number, contact_email FROM providers WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.TransferNumber, &p.ContactEmail)
	if errors.Is(err, sql.ErrNoRows) {
		return Provider{}, ErrNotFound
	}
	if err != nil {
		return Provider{}, fmt.Errorf("records: provider by id: %w", err)
	}
	return p, nil
}

// UpsertPushToken registers or refreshes a device's push token, keyed on
// (providerID, deviceID) so re-registering a device replaces its stale
// token instead of accumulating duplicates.
//
// Grounded on the teacher's internal/database/push_token.go
// (pushTokenRepo.Upsert), re-keyed from an extension_id to a providerID.
func (s *Store) UpsertPushToken(ctx context.Context, tok PushToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO push_tokens (provider_id, token, platform, device_id, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (provider_id, device_id) DO UPDATE SET
		   token = excluded.token, platform = excluded.platform, updated_at = excluded.updated_at`,
		tok.ProviderID, tok.Token, tok.Platform, tok.DeviceID, tok.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("records: upsert push token: %w", err)
	}
	return nil
}

// PushTokensForProvider returns every device currently registered for
// providerID's dashboard, most recently updated first.
func (s *Store) PushTokensForProvider(ctx context.Context, providerID string) ([]PushToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider_id, token, platform, device_id, updated_at
		 FROM push_tokens WHERE provider_id = ? ORDER BY updated_at DESC`, providerID)
	if err != nil {
		return nil, fmt.Errorf("records: push tokens for provider: %w", err)
	}
	defer rows.Close()

	var tokens []PushToken
	for rows.Next() {
		var t PushToken
		if err := rows.Scan(&t.ProviderID, &t.Token, &t.Platform, &t.DeviceID, &t.UpdatedAt); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// JobTemplateByCode looks up the job template scoped to providerID.
func (s *Store) JobTemplateByCode(ctx context.Context, providerID, code string) (JobTemplate, error) {
	var jt JobTemplate
	err := s.db.QueryRowContext(ctx,
		`SELECT id, provider_id, code, patient_id FROM job_templates WHERE provider_id = ? AND code = ?`,
		providerID, code,
	).Scan(&jt.ID, &jt.ProviderID, &jt.Code, &jt.PatientID)
	if errors.Is(err, sql.ErrNoRows) {
		return JobTemplate{}, ErrNotFound
	}
	if err != nil {
		return JobTemplate{}, fmt.Errorf("records: job template by code: %w", err)
	}
	return jt, nil
}

// OccurrencesForTemplate returns the scheduled occurrences open for this
// template, soonest first.
func (s *Store) OccurrencesForTemplate(ctx context.Context, templateID string) ([]Occurrence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.template_id, o.patient_id, p.name, o.scheduled_at, o.status, o.assigned_employee_id
		FROM occurrences o JOIN patients p ON p.id = o.patient_id
		WHERE o.template_id = ? AND o.status = ?
		ORDER BY o.scheduled_at ASC
	`, templateID, OccurrenceScheduled)
	if err != nil {
		return nil, fmt.Errorf("records: occurrences for template: %w", err)
	}
	defer rows.Close()
	return scanOccurrences(rows)
}

// UnfilledShifts returns occurrences still marked unfilled for providerID,
// used by the Outbound Wave Scheduler to pick dial targets.
func (s *Store) UnfilledShifts(ctx context.Context, providerID string) ([]Occurrence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.template_id, o.patient_id, p.name, o.scheduled_at, o.status, o.assigned_employee_id
		FROM occurrences o
		JOIN patients p ON p.id = o.patient_id
		JOIN job_templates t ON t.id = o.template_id
		WHERE t.provider_id = ? AND o.status = ?
		ORDER BY o.scheduled_at ASC
	`, providerID, OccurrenceUnfilled)
	if err != nil {
		return nil, fmt.Errorf("records: unfilled shifts: %w", err)
	}
	defer rows.Close()
	return scanOccurrences(rows)
}

// OccurrenceByID looks up a single occurrence by id.
func (s *Store) OccurrenceByID(ctx context.Context, id string) (Occurrence, error) {
	var o Occurrence
	var assigned sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT o.id, o.template_id, o.patient_id, p.name, o.scheduled_at, o.status, o.assigned_employee_id
		FROM occurrences o
		JOIN patients p ON p.id = o.patient_id
		WHERE o.id = ?
	`, id).Scan(&o.ID, &o.TemplateID, &o.PatientID, &o.PatientName, &o.ScheduledAt, &o.Status, &assigned)
	if errors.Is(err, sql.ErrNoRows) {
		return Occurrence{}, ErrNotFound
	}
	if err != nil {
		return Occurrence{}, fmt.Errorf("records: occurrence by id: %w", err)
	}
	o.AssignedEmployeeID = assigned.String
	return o, nil
}

// ProviderIDForTemplate returns the provider a job template belongs to,
// letting the Outbound Wave Scheduler go from an occurrence's template
// to the provider whose employee pool it should draw from.
func (s *Store) ProviderIDForTemplate(ctx context.Context, templateID string) (string, error) {
	var providerID string
	err := s.db.QueryRowContext(ctx,
		`SELECT provider_id FROM job_templates WHERE id = ?`, templateID,
	).Scan(&providerID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("records: provider for template: %w", err)
	}
	return providerID, nil
}

// EmployeesForProvider returns the active employees in providerID's pool.
func (s *Store) EmployeesForProvider(ctx context.Context, providerID string) ([]Employee, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.name, e.phone, e.pin, e.active
		FROM employees e
		JOIN employee_providers ep ON ep.employee_id = e.id
		WHERE ep.provider_id = ? AND e.active = 1
	`, providerID)
	if err != nil {
		return nil, fmt.Errorf("records: employees for provider: %w", err)
	}
	defer rows.Close()

	var out []Employee
	for rows.Next() {
		var e Employee
		if err := rows.Scan(&e.ID, &e.Name, &e.Phone, &e.PIN, &e.Active); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanOccurrences(rows *sql.Rows) ([]Occurrence, error) {
	var out []Occurrence
	for rows.Next() {
		var o Occurrence
		var assigned sql.NullString
		if err := rows.Scan(&o.ID, &o.TemplateID, &o.PatientID, &o.PatientName, &o.ScheduledAt, &o.Status, &assigned); err != nil {
			return nil, err
		}
		o.AssignedEmployeeID = assigned.String
		out = append(out, o)
	}
	return out, rows.Err()
}

// UpdateOccurrence sets status (and optionally the assigned employee) on
// an occurrence. The write is unconditional; it returns ErrNotFound only
// when no row has the given id.
func (s *Store) UpdateOccurrence(ctx context.Context, occurrenceID string, status OccurrenceStatus, assignedEmployeeID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE occurrences SET status = ?, assigned_employee_id = ? WHERE id = ?`,
		status, nullableString(assignedEmployeeID), occurrenceID)
	if err != nil {
		return fmt.Errorf("records: update occurrence: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RescheduleOccurrence marks occurrenceID as reschedule_requested and
// inserts a new scheduled occurrence on the same template/patient at
// newScheduledAt, implementing "write new occurrence" rather than
// mutating the original occurrence's time in place.
func (s *Store) RescheduleOccurrence(ctx context.Context, occurrenceID, newOccurrenceID string, newScheduledAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("records: reschedule occurrence: %w", err)
	}
	defer tx.Rollback()

	var templateID, patientID string
	err = tx.QueryRowContext(ctx,
		`SELECT template_id, patient_id FROM occurrences WHERE id = ?`, occurrenceID,
	).Scan(&templateID, &patientID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("records: reschedule occurrence: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE occurrences SET status = ? WHERE id = ?`, OccurrenceReschedule, occurrenceID,
	); err != nil {
		return fmt.Errorf("records: reschedule occurrence: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO occurrences (id, template_id, patient_id, scheduled_at, status, assigned_employee_id)
		VALUES (?, ?, ?, ?, ?, NULL)
	`, newOccurrenceID, templateID, patientID, newScheduledAt, OccurrenceScheduled); err != nil {
		return fmt.Errorf("records: reschedule occurrence: %w", err)
	}

	return tx.Commit()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CallLog is the record written by the Call-Log Writer (C11).
type CallLog struct {
	ID             string
	CallSid        string
	EmployeeID     string
	ProviderID     string
	Outcome        string
	StartedAt      time.Time
	EndedAt        time.Time
	DetectedIntent string
}

// AppendCallLog inserts a new call log row.
func (s *Store) AppendCallLog(ctx context.Context, cl CallLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_logs (id, call_sid, employee_id, provider_id, outcome, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, cl.ID, cl.CallSid, nullableString(cl.EmployeeID), nullableString(cl.ProviderID), cl.Outcome, cl.StartedAt, cl.EndedAt)
	if err != nil {
		return fmt.Errorf("records: append call log: %w", err)
	}
	return nil
}

// UpdateCallLog updates the outcome/ended_at of an existing call log row.
func (s *Store) UpdateCallLog(ctx context.Context, id, outcome string, endedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE call_logs SET outcome = ?, ended_at = ? WHERE id = ?`, outcome, endedAt, id)
	if err != nil {
		return fmt.Errorf("records: update call log: %w", err)
	}
	return nil
}

// SetCallLogDetectedIntent records the classified caller intent (e.g.
// "absence") on a call log row once the dialog has recognized it.
func (s *Store) SetCallLogDetectedIntent(ctx context.Context, id, intent string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE call_logs SET detected_intent = ? WHERE id = ?`, intent, id)
	if err != nil {
		return fmt.Errorf("records: set call log detected intent: %w", err)
	}
	return nil
}

// SetCallLogSid attaches the carrier-assigned CallSid to a call log row
// that was created before the carrier originated the call (the Outbound
// Wave Scheduler logs a call before it knows the CallSid).
func (s *Store) SetCallLogSid(ctx context.Context, id, callSid string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE call_logs SET call_sid = ? WHERE id = ?`, callSid, id)
	if err != nil {
		return fmt.Errorf("records: set call log sid: %w", err)
	}
	return nil
}
