package webhook

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	_ "modernc.org/sqlite"

	"github.com/callengine/callengine/internal/calllog"
	"github.com/callengine/callengine/internal/fsm"
	"github.com/callengine/callengine/internal/queue"
	"github.com/callengine/callengine/internal/records"
	"github.com/callengine/callengine/internal/statestore"
	"github.com/callengine/callengine/internal/transfer"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *records.Store, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ss, err := statestore.Open(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("statestore.Open() error = %v", err)
	}
	t.Cleanup(func() { ss.Close() })

	recordsDir := t.TempDir()
	rs, err := records.Open(recordsDir)
	if err != nil {
		t.Fatalf("records.Open() error = %v", err)
	}
	t.Cleanup(func() { rs.Close() })

	q := queue.New(ss, 180*time.Second, time.Hour)
	tr := transfer.New(q, 20*time.Second)
	cl := calllog.New(rs, logger)

	cfg := Config{
		PublicBaseURL: "https://calls.example.test",
		Limits:        fsm.Limits{MaxAttempts: 3, FallbackTransferNumber: "+61400000000"},
		GatherTimeout: 15 * time.Second,
		DialTimeout:   20 * time.Second,
		CallStateTTL:  time.Hour,
		HoldMusicURL:  "https://calls.example.test/static/hold.mp3",
	}
	return New(ss, rs, q, tr, cl, nil, nil, logger, cfg), rs, recordsDir
}

// seedProvider inserts fixture rows directly against the records sqlite
// file: the Store's public surface is read/update-only, so tests needing
// to establish a provider/employee/occurrence fixture go around it the
// same way internal/records' own tests do (via direct SQL), but from a
// second connection since Store.db is unexported outside that package.
func seedProvider(t *testing.T, dataDir string) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", filepath.Join(dataDir, "records.db"))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	stmts := []struct {
		q    string
		args []any
	}{
		{`INSERT INTO providers (id, name, transfer_number) VALUES (?, ?, ?)`, []any{"prov-1", "Acme Home Care", "+61490550941"}},
		{`INSERT INTO employees (id, name, phone, pin, active) VALUES (?, ?, ?, ?, 1)`, []any{"emp-1", "Jo Carer", "+61400000001", "1234"}},
		{`INSERT INTO employee_providers (employee_id, provider_id) VALUES (?, ?)`, []any{"emp-1", "prov-1"}},
		{`INSERT INTO patients (id, name, provider_id) VALUES (?, ?, ?)`, []any{"pat-1", "A Patient", "prov-1"}},
		{`INSERT INTO job_templates (id, provider_id, code, patient_id) VALUES (?, ?, ?, ?)`, []any{"tmpl-1", "prov-1", "AB12", "pat-1"}},
		{`INSERT INTO occurrences (id, template_id, patient_id, scheduled_at, status) VALUES (?, ?, ?, ?, ?)`,
			[]any{"occ-1", "tmpl-1", "pat-1", time.Now(), string(records.OccurrenceScheduled)}},
	}
	for _, st := range stmts {
		if _, err := db.ExecContext(ctx, st.q, st.args...); err != nil {
			t.Fatalf("seed query %q: %v", st.q, err)
		}
	}
}

func post(t *testing.T, r chi.Router, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestFullCallAcceptsOccurrence(t *testing.T) {
	d, rs, dataDir := newTestDispatcher(t)
	seedProvider(t, dataDir)

	r := chi.NewRouter()
	d.Routes(r)

	const sid = "CA123"

	rec := post(t, r, "/voice/inbound", url.Values{"CallSid": {sid}})
	body := rec.Body.String()
	if !strings.Contains(body, "4 digit PIN") {
		t.Fatalf("inbound body = %s, want PIN prompt", body)
	}

	rec = post(t, r, "/voice/gather", url.Values{"CallSid": {sid}, "Digits": {"1234#"}})
	body = rec.Body.String()
	if !strings.Contains(body, "job code") {
		t.Fatalf("after PIN body = %s, want job code prompt (single provider auto-selected)", body)
	}

	rec = post(t, r, "/voice/gather", url.Values{"CallSid": {sid}, "Digits": {"AB12#"}})
	body = rec.Body.String()
	if !strings.Contains(body, "Press 1 to confirm") {
		t.Fatalf("after job code body = %s, want confirm prompt", body)
	}

	rec = post(t, r, "/voice/gather", url.Values{"CallSid": {sid}, "Digits": {"1"}})
	body = rec.Body.String()
	if !strings.Contains(body, "A Patient") {
		t.Fatalf("after confirm body = %s, want occurrence prompt naming the patient", body)
	}

	rec = post(t, r, "/voice/gather", url.Values{"CallSid": {sid}, "Digits": {"1"}})
	body = rec.Body.String()
	if !strings.Contains(body, "Hangup") {
		t.Fatalf("after accept body = %s, want terminal Hangup", body)
	}

	occs, err := rs.OccurrencesForTemplate(context.Background(), "tmpl-1")
	if err != nil {
		t.Fatalf("OccurrencesForTemplate() error = %v", err)
	}
	if len(occs) != 0 {
		t.Errorf("occs = %+v, want empty (occurrence marked completed)", occs)
	}
}

func TestGatherWithoutInboundFallsBackSafely(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	r := chi.NewRouter()
	d.Routes(r)

	rec := post(t, r, "/voice/gather", url.Values{"CallSid": {"CA-unknown"}, "Digits": {"1234#"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with a safe fallback document", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "call back") {
		t.Errorf("body = %s, want the safe please-call-back fallback", rec.Body.String())
	}
}

func TestQueueEnqueueThenWaitAnnouncesPosition(t *testing.T) {
	d, _, dataDir := newTestDispatcher(t)
	seedProvider(t, dataDir)

	r := chi.NewRouter()
	d.Routes(r)
	const sid = "CA999"

	post(t, r, "/voice/inbound", url.Values{"CallSid": {sid}})
	post(t, r, "/voice/gather", url.Values{"CallSid": {sid}, "Digits": {"1234#"}})

	rec := post(t, r, "/queue/enqueue", url.Values{"CallSid": {sid}})
	if !strings.Contains(rec.Body.String(), "/queue/wait") {
		t.Fatalf("enqueue body = %s, want redirect to /queue/wait", rec.Body.String())
	}

	rec = post(t, r, "/queue/wait", url.Values{"CallSid": {sid}})
	body := rec.Body.String()
	if !strings.Contains(body, "number 1 in the queue") {
		t.Fatalf("wait body = %s, want position announcement", body)
	}
}
