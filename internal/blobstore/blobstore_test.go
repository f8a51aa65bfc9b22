package blobstore

import (
	"net/url"
	"strconv"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), []byte("test-secret-key"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	key := RecordingKey("CA123", time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC))

	if err := s.Put(key, []byte("wav-bytes"), "audio/wav", map[string]string{"call_sid": "CA123"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	data, obj, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(data) != "wav-bytes" {
		t.Errorf("data = %q, want wav-bytes", data)
	}
	if obj.ContentType != "audio/wav" {
		t.Errorf("ContentType = %q, want audio/wav", obj.ContentType)
	}
	if obj.Metadata["call_sid"] != "CA123" {
		t.Errorf("Metadata[call_sid] = %q, want CA123", obj.Metadata["call_sid"])
	}
}

func TestRecordingKeyLayout(t *testing.T) {
	key := RecordingKey("CA999", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	want := "recordings/2026/01/02/CA999.wav"
	if key != want {
		t.Errorf("RecordingKey() = %q, want %q", key, want)
	}
}

func TestReportKeyLayout(t *testing.T) {
	key := ReportKey("prov-1", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	want := "reports/2026/01/prov-1-2026-01-02.pdf"
	if key != want {
		t.Errorf("ReportKey() = %q, want %q", key, want)
	}
}

func TestPresignedGetRejectsDisallowedPrefix(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.PresignedGet("secrets/whatever", time.Minute); err != ErrForbiddenPrefix {
		t.Errorf("error = %v, want ErrForbiddenPrefix", err)
	}
}

func extractExpiresSig(t *testing.T, rawURL string) (int64, string) {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	expires, err := strconv.ParseInt(u.Query().Get("expires"), 10, 64)
	if err != nil {
		t.Fatalf("parsing expires: %v", err)
	}
	return expires, u.Query().Get("sig")
}

func TestPresignedGetVerifyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	key := "recordings/2026/01/02/CA1.wav"

	rawURL, err := s.PresignedGet(key, time.Minute)
	if err != nil {
		t.Fatalf("PresignedGet() error = %v", err)
	}
	expires, sig := extractExpiresSig(t, rawURL)

	if err := s.VerifyGet(key, expires, sig); err != nil {
		t.Errorf("VerifyGet() error = %v", err)
	}
}

func TestVerifyGetExpired(t *testing.T) {
	s := newTestStore(t)
	key := "reports/2026/prov-1-2026-01-02.pdf"

	rawURL, err := s.PresignedGet(key, -time.Minute)
	if err != nil {
		t.Fatalf("PresignedGet() error = %v", err)
	}
	expires, sig := extractExpiresSig(t, rawURL)

	if err := s.VerifyGet(key, expires, sig); err != ErrExpired {
		t.Errorf("error = %v, want ErrExpired", err)
	}
}

func TestVerifyGetBadSignature(t *testing.T) {
	s := newTestStore(t)
	key := "recordings/2026/01/02/CA1.wav"

	rawURL, err := s.PresignedGet(key, time.Minute)
	if err != nil {
		t.Fatalf("PresignedGet() error = %v", err)
	}
	expires, _ := extractExpiresSig(t, rawURL)

	if err := s.VerifyGet(key, expires, "not-the-right-signature"); err != ErrBadSignature {
		t.Errorf("error = %v, want ErrBadSignature", err)
	}
}

func TestResolveRejectsTraversal(t *testing.T) {
	s := newTestStore(t)
	if err := s.Put("recordings/../../etc/passwd", []byte("x"), "text/plain", nil); err == nil {
		t.Error("Put() with traversal key: want error, got nil")
	}
}
