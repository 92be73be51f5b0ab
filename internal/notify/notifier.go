// Package notify scans the schedule store for due entries and fans
// reminders out to the configured sinks.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mstrand/valet/internal/events"
	"github.com/mstrand/valet/internal/schedule"
)

// Sink delivers one reminder. Sinks must be safe for concurrent use.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, rec schedule.Record) error
}

// Notifier periodically claims due schedule entries and delivers them.
type Notifier struct {
	store    *schedule.Store
	sinks    []Sink
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time // test hook
}

// New creates a notifier. Intervals below one second fall back to 30s.
func New(store *schedule.Store, interval time.Duration, logger *slog.Logger) *Notifier {
	if interval < time.Second {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		store:    store,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// AddSink registers a delivery sink.
func (n *Notifier) AddSink(s Sink) {
	n.sinks = append(n.sinks, s)
}

// Run scans on a ticker until the context is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	n.logger.Info("notifier started", "interval", n.interval, "sinks", len(n.sinks))
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			n.logger.Info("notifier stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := n.RunOnce(ctx); err != nil {
				n.logger.Error("notification scan failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single scan. Claimed entries are delivered to
// every sink; one sink failing does not stop the others, and the entry
// stays claimed either way so a flaky sink cannot cause duplicates.
func (n *Notifier) RunOnce(ctx context.Context) (int, error) {
	due, err := n.store.ClaimDue(n.now())
	if err != nil {
		return 0, fmt.Errorf("claim due entries: %w", err)
	}

	for _, rec := range due {
		n.logger.Info("reminder due",
			"schedule_id", rec.ID,
			"title", rec.Title,
			"start", rec.Start,
		)
		for _, sink := range n.sinks {
			if err := sink.Deliver(ctx, rec); err != nil {
				n.logger.Error("reminder delivery failed",
					"sink", sink.Name(),
					"schedule_id", rec.ID,
					"error", err,
				)
			}
		}
	}
	return len(due), nil
}

// LogSink writes reminders to the logger. Always configured so a
// reminder is never silently dropped.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(ctx context.Context, rec schedule.Record) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("REMINDER",
		"schedule_id", rec.ID,
		"title", rec.Title,
		"start", rec.Start,
		"notes", rec.Notes,
	)
	return nil
}

// BusSink publishes reminders on the event bus so connected WebSocket
// clients receive a push.
type BusSink struct {
	Bus *events.Bus
}

func (s *BusSink) Name() string { return "bus" }

func (s *BusSink) Deliver(ctx context.Context, rec schedule.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode reminder: %w", err)
	}
	s.Bus.Publish(events.Event{
		Source: events.SourceNotifier,
		Kind:   events.KindReminderDue,
		Data: map[string]any{
			"schedule_id": rec.ID,
			"schedule":    json.RawMessage(payload),
		},
	})
	return nil
}
