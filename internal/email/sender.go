package email

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mstrand/valet/internal/config"
	"github.com/mstrand/valet/internal/schedule"
)

// Sender delivers reminders as email messages.
type Sender struct {
	cfg    config.EmailConfig
	loc    *time.Location
	logger *slog.Logger
}

// NewSender creates an email reminder sender. loc controls how start
// times are rendered; nil means local time.
func NewSender(cfg config.EmailConfig, loc *time.Location, logger *slog.Logger) *Sender {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{cfg: cfg, loc: loc, logger: logger}
}

// Name implements the notifier sink interface.
func (s *Sender) Name() string { return "email" }

// Deliver composes and sends one reminder email.
func (s *Sender) Deliver(ctx context.Context, rec schedule.Record) error {
	msg, err := ComposeMessage(ComposeOptions{
		From:    s.cfg.From,
		To:      s.cfg.To,
		Subject: fmt.Sprintf("Reminder: %s", rec.Title),
		Body:    reminderBody(rec, s.loc),
	})
	if err != nil {
		return fmt.Errorf("compose reminder email: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := SendMail(sendCtx, s.cfg.SMTP, s.cfg.From, collectRecipients(s.cfg.To), msg); err != nil {
		return fmt.Errorf("send reminder email: %w", err)
	}
	s.logger.Debug("reminder email sent", "schedule_id", rec.ID, "recipients", len(s.cfg.To))
	return nil
}

// reminderBody renders the reminder as markdown for ComposeMessage.
func reminderBody(rec schedule.Record, loc *time.Location) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s**\n\n", rec.Title)
	fmt.Fprintf(&b, "- Starts: %s\n", rec.Start.In(loc).Format("Monday, 2 Jan 2006 at 15:04"))
	if rec.Repeat != schedule.RepeatOnce {
		fmt.Fprintf(&b, "- Repeats: %s\n", rec.Repeat)
	}
	if rec.Notes != "" {
		fmt.Fprintf(&b, "\n%s\n", rec.Notes)
	}
	return b.String()
}
