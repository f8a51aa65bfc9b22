package statestore

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetSetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "call:abc", []byte("hello"), time.Hour); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := s.Get(ctx, "call:abc")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Get() = %q, want %q", got, "hello")
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get(context.Background(), "nope"); err != ErrNotFound {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestSetTTLExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v"), time.Nanosecond); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := s.Get(ctx, "k"); err != ErrNotFound {
		t.Errorf("Get() after ttl error = %v, want ErrNotFound", err)
	}
}

func TestSetNXOnlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "wave:occ-1", []byte("round-1"), time.Hour)
	if err != nil {
		t.Fatalf("SetNX() error = %v", err)
	}
	if !ok {
		t.Fatal("SetNX() = false, want true on first call")
	}

	ok, err = s.SetNX(ctx, "wave:occ-1", []byte("round-2"), time.Hour)
	if err != nil {
		t.Fatalf("SetNX() error = %v", err)
	}
	if ok {
		t.Fatal("SetNX() = true, want false when key already set")
	}

	got, _ := s.Get(ctx, "wave:occ-1")
	if string(got) != "round-1" {
		t.Errorf("value after second SetNX = %q, want %q (unchanged)", got, "round-1")
	}
}

func TestSetNXAfterExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.SetNX(ctx, "k", []byte("v1"), time.Nanosecond); err != nil {
		t.Fatalf("SetNX() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	ok, err := s.SetNX(ctx, "k", []byte("v2"), time.Hour)
	if err != nil {
		t.Fatalf("SetNX() error = %v", err)
	}
	if !ok {
		t.Fatal("SetNX() after expiry = false, want true")
	}
}

func TestDel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Set(ctx, "k", []byte("v"), time.Hour)
	if err := s.Del(ctx, "k"); err != nil {
		t.Fatalf("Del() error = %v", err)
	}
	if _, err := s.Get(ctx, "k"); err != ErrNotFound {
		t.Errorf("Get() after Del error = %v, want ErrNotFound", err)
	}
}

func TestStreamAppendRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.StreamAppend(ctx, "events:prov-1", []byte("e1"))
	if err != nil {
		t.Fatalf("StreamAppend() error = %v", err)
	}
	id2, err := s.StreamAppend(ctx, "events:prov-1", []byte("e2"))
	if err != nil {
		t.Fatalf("StreamAppend() error = %v", err)
	}
	if id2 <= id1 {
		t.Fatalf("StreamAppend ids not monotonic: %d, %d", id1, id2)
	}

	entries, err := s.StreamRange(ctx, "events:prov-1", 0, 0)
	if err != nil {
		t.Fatalf("StreamRange() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("StreamRange() returned %d entries, want 2", len(entries))
	}
	if string(entries[0].Value) != "e1" || string(entries[1].Value) != "e2" {
		t.Errorf("StreamRange() values = %q, %q", entries[0].Value, entries[1].Value)
	}

	tail, err := s.StreamRange(ctx, "events:prov-1", id1, 0)
	if err != nil {
		t.Fatalf("StreamRange() after cursor error = %v", err)
	}
	if len(tail) != 1 || string(tail[0].Value) != "e2" {
		t.Fatalf("StreamRange() after cursor = %+v, want single e2 entry", tail)
	}
}

func TestZSetOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.ZAdd(ctx, "queue:prov-1", "call-a", 100); err != nil {
		t.Fatalf("ZAdd() error = %v", err)
	}
	if err := s.ZAdd(ctx, "queue:prov-1", "call-b", 50); err != nil {
		t.Fatalf("ZAdd() error = %v", err)
	}
	if err := s.ZAdd(ctx, "queue:prov-1", "call-c", 150); err != nil {
		t.Fatalf("ZAdd() error = %v", err)
	}

	rank, ok, err := s.ZRank(ctx, "queue:prov-1", "call-a")
	if err != nil {
		t.Fatalf("ZRank() error = %v", err)
	}
	if !ok || rank != 1 {
		t.Errorf("ZRank(call-a) = %d, %v, want 1, true", rank, ok)
	}

	members, err := s.ZRange(ctx, "queue:prov-1", 0, -1)
	if err != nil {
		t.Fatalf("ZRange() error = %v", err)
	}
	want := []string{"call-b", "call-a", "call-c"}
	if len(members) != len(want) {
		t.Fatalf("ZRange() = %v, want %v", members, want)
	}
	for i := range want {
		if members[i] != want[i] {
			t.Errorf("ZRange()[%d] = %q, want %q", i, members[i], want[i])
		}
	}

	if err := s.ZRem(ctx, "queue:prov-1", "call-b"); err != nil {
		t.Fatalf("ZRem() error = %v", err)
	}
	if _, ok, _ := s.ZRank(ctx, "queue:prov-1", "call-b"); ok {
		t.Error("ZRank(call-b) ok = true after ZRem, want false")
	}
}
