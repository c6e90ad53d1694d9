package backlog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestStore_AddAndPeekOldestOrdersByTimestamp(t *testing.T) {
	s := newTestStore(t)
	s.Add(300, []byte("c"))
	s.Add(100, []byte("a"))
	s.Add(200, []byte("b"))

	ts, payload, ok := s.PeekOldest()
	if !ok || ts != 100 || string(payload) != "a" {
		t.Fatalf("PeekOldest = %d %q %v, want 100 \"a\" true", ts, payload, ok)
	}
	if n := s.Len(); n != 3 {
		t.Fatalf("Len = %d, want 3", n)
	}
}

func TestStore_RemoveDeletesAckedEntry(t *testing.T) {
	s := newTestStore(t)
	s.Add(100, []byte("a"))
	s.Add(200, []byte("b"))

	if !s.Remove(100) {
		t.Fatal("expected Remove(100) to succeed")
	}
	if s.Remove(100) {
		t.Fatal("expected second Remove(100) to fail, entry already gone")
	}
	ts, _, ok := s.PeekOldest()
	if !ok || ts != 200 {
		t.Fatalf("PeekOldest = %d %v, want 200 true", ts, ok)
	}
}

func TestStore_SpillWritesPerDateFileAndDrainsHalf(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC).Unix()
	for i := 0; i < spillTrigger+10; i++ {
		s.Add(base+int64(i), []byte("x"))
	}

	if err := s.spillIfNeeded(); err != nil {
		t.Fatalf("spillIfNeeded: %v", err)
	}

	wantRemaining := (spillTrigger + 10) - (spillTrigger+10)/2
	if n := s.Len(); n != wantRemaining {
		t.Fatalf("Len after spill = %d, want %d", n, wantRemaining)
	}

	path := filepath.Join(s.dir, "tn-20260701.tn")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected spill file %s: %v", path, err)
	}
}

func TestStore_RefillFromDiskPopulatesEmptyTree(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC().Add(-2 * time.Hour).Unix()

	var batch []entry
	for i := 0; i < 5; i++ {
		batch = append(batch, entry{Timestamp: base + int64(i), Payload: []byte("p")})
	}
	if err := s.writeBatch(batch); err != nil {
		t.Fatalf("writeBatch: %v", err)
	}

	if err := s.refillIfEmpty(); err != nil {
		t.Fatalf("refillIfEmpty: %v", err)
	}
	if n := s.Len(); n != 5 {
		t.Fatalf("Len after refill = %d, want 5", n)
	}

	date := time.Unix(base, 0).UTC().Format(fileDateFmt)
	path := filepath.Join(s.dir, "tn-"+date+".tn")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected fully-drained file to be removed, stat err = %v", err)
	}
}

func TestStore_RefillLeavesStaleFilesUnreadAndDeletesThem(t *testing.T) {
	s := newTestStore(t)
	staleDate := time.Now().UTC().Add(-9 * 24 * time.Hour).Format(fileDateFmt)
	path := filepath.Join(s.dir, "tn-"+staleDate+".tn")
	rec := EncodeRecord(1, []byte("old"))
	if err := os.WriteFile(path, rec, 0o644); err != nil {
		t.Fatalf("write stale file: %v", err)
	}

	if err := s.refillIfEmpty(); err != nil {
		t.Fatalf("refillIfEmpty: %v", err)
	}
	if n := s.Len(); n != 0 {
		t.Fatalf("Len after refill of stale-only dir = %d, want 0", n)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected stale file to be deleted, stat err = %v", err)
	}
}

func TestStore_PromoteHistoryOnEmergencyBulkLoadsRecentWindow(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC).Unix()

	s.RecordHistory(now-40, []byte("too-old"))
	s.RecordHistory(now-20, []byte("recent-a"))
	s.RecordHistory(now-5, []byte("recent-b"))

	s.PromoteHistoryOnEmergency(now)

	if n := s.Len(); n != 2 {
		t.Fatalf("Len after promotion = %d, want 2 (only last 30s)", n)
	}
	ts, _, ok := s.PeekOldest()
	if !ok || ts != now-20 {
		t.Fatalf("PeekOldest ts = %d, want %d", ts, now-20)
	}
}

func TestStore_RunStopsOnContextCancel(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
