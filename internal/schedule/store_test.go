package schedule

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schedules.json")
	return NewStore(path, nil)
}

func TestCreateThenList(t *testing.T) {
	s := newTestStore(t)

	start := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	rec, err := s.Create("Dentist", start, RepeatOnce, "bring insurance card", 15)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(rec.ID) != 8 {
		t.Errorf("ID = %q, want 8 characters", rec.ID)
	}
	if rec.Status != StatusPending {
		t.Errorf("Status = %q, want %q", rec.Status, StatusPending)
	}

	got := s.List("all", 0)
	if len(got) != 1 {
		t.Fatalf("List returned %d records, want 1", len(got))
	}
	if got[0].Title != "Dentist" {
		t.Errorf("Title = %q, want %q", got[0].Title, "Dentist")
	}
	if !got[0].Start.Equal(start) {
		t.Errorf("Start = %v, want %v", got[0].Start, start)
	}
}

func TestList_SortedAndFiltered(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	later, _ := s.Create("later", now.Add(3*time.Hour), RepeatOnce, "", 15)
	sooner, _ := s.Create("sooner", now.Add(1*time.Hour), RepeatOnce, "", 15)
	cancelled, _ := s.Create("cancelled", now.Add(2*time.Hour), RepeatOnce, "", 15)

	st := StatusCancelled
	if _, _, err := s.Update(cancelled.ID, Patch{Status: &st}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got := s.List(StatusPending, 0)
	if len(got) != 2 {
		t.Fatalf("List(pending) returned %d records, want 2", len(got))
	}
	if got[0].ID != sooner.ID || got[1].ID != later.ID {
		t.Errorf("List not sorted by start: got %s, %s", got[0].Title, got[1].Title)
	}

	if got := s.List("all", 1); len(got) != 1 {
		t.Errorf("List(all, limit 1) returned %d records, want 1", len(got))
	}
}

func TestUpdate_NotFound(t *testing.T) {
	s := newTestStore(t)

	title := "renamed"
	_, _, err := s.Update("deadbeef", Patch{Title: &title})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Update of missing id: err = %v, want ErrNotFound", err)
	}
}

func TestUpdate_Fields(t *testing.T) {
	s := newTestStore(t)

	rec, err := s.Create("Standup", time.Now().Add(time.Hour), RepeatDaily, "", 15)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	title := "Daily standup"
	notes := "video call"
	got, updated, err := s.Update(rec.ID, Patch{Title: &title, Notes: &notes})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Title != title || got.Notes != notes {
		t.Errorf("record after update = %+v", got)
	}
	if len(updated) != 2 {
		t.Errorf("updated fields = %v, want [title notes]", updated)
	}

	// No-op update reports no changed fields and does not bump UpdatedAt.
	before := got.UpdatedAt
	got2, updated2, err := s.Update(rec.ID, Patch{Title: &title})
	if err != nil {
		t.Fatalf("no-op Update: %v", err)
	}
	if len(updated2) != 0 {
		t.Errorf("no-op update reported fields %v", updated2)
	}
	if !got2.UpdatedAt.Equal(before) {
		t.Error("no-op update bumped UpdatedAt")
	}
}

func TestUpdate_StatusOnlyMovesForward(t *testing.T) {
	s := newTestStore(t)

	rec, _ := s.Create("once", time.Now().Add(time.Hour), RepeatOnce, "", 15)

	notified := StatusNotified
	if _, _, err := s.Update(rec.ID, Patch{Status: &notified}); err != nil {
		t.Fatalf("pending→notified: %v", err)
	}

	pending := StatusPending
	if _, _, err := s.Update(rec.ID, Patch{Status: &pending}); err == nil {
		t.Error("notified→pending should be rejected")
	}

	cancelledSt := StatusCancelled
	if _, _, err := s.Update(rec.ID, Patch{Status: &cancelledSt}); err != nil {
		t.Fatalf("notified→cancelled: %v", err)
	}
	if _, _, err := s.Update(rec.ID, Patch{Status: &notified}); err == nil {
		t.Error("cancelled→notified should be rejected")
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)

	rec, _ := s.Create("gone soon", time.Now().Add(time.Hour), RepeatOnce, "", 15)
	if err := s.Delete(rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := s.List("all", 0); len(got) != 0 {
		t.Errorf("List after delete returned %d records", len(got))
	}
	if err := s.Delete(rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete: err = %v, want ErrNotFound", err)
	}
}

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	s := newTestStore(t)
	if got := s.List("all", 0); len(got) != 0 {
		t.Errorf("List on missing file returned %d records", len(got))
	}
}

func TestLoad_CorruptFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	s := NewStore(path, nil)

	if got := s.List("all", 0); len(got) != 0 {
		t.Errorf("List on corrupt file returned %d records", len(got))
	}

	// A mutation heals the file.
	if _, err := s.Create("fresh", time.Now().Add(time.Hour), RepeatOnce, "", 15); err != nil {
		t.Fatalf("Create after corruption: %v", err)
	}
	if got := s.List("all", 0); len(got) != 1 {
		t.Errorf("List after heal returned %d records", len(got))
	}
}

func TestSave_StrayTempFileDoesNotLeak(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schedules.json")
	s := NewStore(path, nil)

	if _, err := s.Create("one", time.Now().Add(time.Hour), RepeatOnce, "", 15); err != nil {
		t.Fatalf("Create: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file %s left behind after save", e.Name())
		}
	}
}

func TestSave_InterruptedWriteLeavesPriorFileIntact(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schedules.json")
	s := NewStore(path, nil)

	rec, err := s.Create("survivor", time.Now().Add(time.Hour), RepeatOnce, "", 15)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Simulate a crash between temp-write and rename: a temp file with
	// half-written content sits next to the real file.
	if err := os.WriteFile(path+".tmp", []byte(`[{"id":"zz`), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got := s.List("all", 0)
	if len(got) != 1 || got[0].ID != rec.ID {
		t.Fatalf("prior file content lost: %+v", got)
	}

	// The next save replaces the stray temp file cleanly.
	if _, err := s.Create("second", time.Now().Add(2*time.Hour), RepeatOnce, "", 15); err != nil {
		t.Fatalf("Create after crash: %v", err)
	}
	if got := s.List("all", 0); len(got) != 2 {
		t.Errorf("List returned %d records, want 2", len(got))
	}
}

func TestClaimDue(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	// Due: start within the 15-minute reminder lead.
	due, _ := s.Create("due now", now.Add(10*time.Minute), RepeatOnce, "", 15)
	// Not due: start well past the lead.
	s.Create("far future", now.Add(24*time.Hour), RepeatOnce, "", 15)
	// Cancelled records are never claimed, even when their time has passed.
	cancelled, _ := s.Create("cancelled", now.Add(-time.Hour), RepeatOnce, "", 15)
	st := StatusCancelled
	if _, _, err := s.Update(cancelled.ID, Patch{Status: &st}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	claimed, err := s.ClaimDue(now)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != due.ID {
		t.Fatalf("ClaimDue = %+v, want only %s", claimed, due.ID)
	}
	if claimed[0].Status != StatusNotified || claimed[0].NotifiedAt == nil {
		t.Errorf("claimed record not marked notified: %+v", claimed[0])
	}

	// Second scan claims nothing — the record was already notified.
	again, err := s.ClaimDue(now.Add(time.Minute))
	if err != nil {
		t.Fatalf("second ClaimDue: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second ClaimDue re-claimed %d records", len(again))
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StatusPending, StatusNotified, true},
		{StatusPending, StatusCancelled, true},
		{StatusNotified, StatusCancelled, true},
		{StatusNotified, StatusPending, false},
		{StatusCancelled, StatusPending, false},
		{StatusCancelled, StatusNotified, false},
		{StatusPending, StatusPending, true},
	}
	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
