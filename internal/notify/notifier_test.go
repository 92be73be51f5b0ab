package notify

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mstrand/valet/internal/events"
	"github.com/mstrand/valet/internal/schedule"
)

type recordingSink struct {
	mu        sync.Mutex
	name      string
	delivered []string
	err       error
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(ctx context.Context, rec schedule.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, rec.ID)
	return s.err
}

func newTestNotifier(t *testing.T, now time.Time) (*Notifier, *schedule.Store) {
	t.Helper()
	store := schedule.NewStore(filepath.Join(t.TempDir(), "schedules.json"), slog.Default())
	n := New(store, time.Minute, slog.Default())
	n.now = func() time.Time { return now }
	return n, store
}

func TestRunOnceDeliversDueEntries(t *testing.T) {
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	n, store := newTestNotifier(t, now)

	// Due: starts in 10 minutes with a 15-minute lead.
	due, err := store.Create("Dentist", now.Add(10*time.Minute), schedule.RepeatOnce, "", 15)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Not due: starts in 2 hours.
	if _, err := store.Create("Lunch", now.Add(2*time.Hour), schedule.RepeatOnce, "", 15); err != nil {
		t.Fatalf("Create: %v", err)
	}

	sink := &recordingSink{name: "test"}
	n.AddSink(sink)

	count, err := n.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if count != 1 {
		t.Errorf("claimed %d entries, want 1", count)
	}
	if len(sink.delivered) != 1 || sink.delivered[0] != due.ID {
		t.Errorf("delivered = %v, want [%s]", sink.delivered, due.ID)
	}

	got, err := store.Get(due.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != schedule.StatusNotified {
		t.Errorf("status = %q, want notified", got.Status)
	}
}

func TestRunOnceNoDuplicates(t *testing.T) {
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	n, store := newTestNotifier(t, now)
	if _, err := store.Create("Dentist", now.Add(5*time.Minute), schedule.RepeatOnce, "", 15); err != nil {
		t.Fatalf("Create: %v", err)
	}
	sink := &recordingSink{name: "test"}
	n.AddSink(sink)

	for range 3 {
		if _, err := n.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	}
	if len(sink.delivered) != 1 {
		t.Errorf("delivered %d times, want exactly 1", len(sink.delivered))
	}
}

func TestRunOnceSinkFailureIsolated(t *testing.T) {
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	n, store := newTestNotifier(t, now)
	if _, err := store.Create("Dentist", now.Add(5*time.Minute), schedule.RepeatOnce, "", 15); err != nil {
		t.Fatalf("Create: %v", err)
	}

	failing := &recordingSink{name: "broken", err: errors.New("smtp down")}
	working := &recordingSink{name: "working"}
	n.AddSink(failing)
	n.AddSink(working)

	if _, err := n.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce should not fail on sink errors: %v", err)
	}
	if len(working.delivered) != 1 {
		t.Errorf("working sink delivered %d, want 1", len(working.delivered))
	}
}

func TestBusSinkPublishesReminder(t *testing.T) {
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	n, store := newTestNotifier(t, now)
	rec, err := store.Create("Dentist", now.Add(5*time.Minute), schedule.RepeatOnce, "", 15)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	bus := events.New()
	ch := bus.Subscribe(4)
	t.Cleanup(func() { bus.Unsubscribe(ch) })
	n.AddSink(&BusSink{Bus: bus})

	if _, err := n.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	select {
	case e := <-ch:
		if e.Kind != events.KindReminderDue {
			t.Errorf("event kind = %q", e.Kind)
		}
		if e.Data["schedule_id"] != rec.ID {
			t.Errorf("schedule_id = %v, want %s", e.Data["schedule_id"], rec.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	n, _ := newTestNotifier(t, time.Now())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
