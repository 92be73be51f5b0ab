package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mstrand/valet/internal/schedule"
)

// datetimeLayout is the format tool-supplied start times must use.
const datetimeLayout = "2006-01-02 15:04"

const defaultReminderMinutes = 15

// recordView is the record shape returned in tool result data. Start
// stays in the configured timezone so the model reads local times.
type recordView struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Datetime        string `json:"datetime"`
	Repeat          string `json:"repeat"`
	Notes           string `json:"notes,omitempty"`
	ReminderMinutes int    `json:"reminder_minutes"`
	Status          string `json:"status"`
}

func (r *Registry) viewOf(rec schedule.Record) recordView {
	return recordView{
		ID:              rec.ID,
		Title:           rec.Title,
		Datetime:        rec.Start.In(r.loc).Format(datetimeLayout),
		Repeat:          rec.Repeat,
		Notes:           rec.Notes,
		ReminderMinutes: rec.ReminderMinutes,
		Status:          rec.Status,
	}
}

func (r *Registry) parseDatetime(raw string) (time.Time, error) {
	t, err := time.ParseInLocation(datetimeLayout, raw, r.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("datetime must use 'YYYY-MM-DD HH:MM' format, got %q", raw)
	}
	return t, nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// intArg reads an integer argument. JSON numbers decode as float64;
// some models send them as strings of digits, so accept both.
func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}

func (r *Registry) handleScheduleCreate(ctx context.Context, args map[string]any) (string, error) {
	const tool = "schedule_create"

	title := stringArg(args, "title")
	if title == "" {
		return failResult(tool, "title must not be empty")
	}

	start, err := r.parseDatetime(stringArg(args, "datetime"))
	if err != nil {
		return failResult(tool, err.Error())
	}

	repeat := stringArg(args, "repeat")
	if repeat == "" {
		repeat = schedule.RepeatOnce
	}
	if !schedule.ValidRepeat(repeat) {
		return failResult(tool, fmt.Sprintf("repeat must be once, daily, weekly, or monthly, got %q", repeat))
	}

	if repeat == schedule.RepeatOnce && start.Before(r.now()) {
		return failResult(tool, fmt.Sprintf("start time %s is in the past", start.In(r.loc).Format(datetimeLayout)))
	}

	reminderMinutes := intArg(args, "reminder_minutes", defaultReminderMinutes)
	if reminderMinutes < 0 {
		return failResult(tool, "reminder_minutes must not be negative")
	}

	rec, err := r.store.Create(title, start, repeat, stringArg(args, "notes"), reminderMinutes)
	if err != nil {
		return failResult(tool, err.Error())
	}

	msg := fmt.Sprintf("Created schedule %s: %q at %s", rec.ID, rec.Title, rec.Start.In(r.loc).Format(datetimeLayout))
	if m := r.mirrorSync(ctx, rec); m != "" {
		msg += m
	}
	return okResult(tool, msg, r.viewOf(rec))
}

func (r *Registry) handleScheduleList(ctx context.Context, args map[string]any) (string, error) {
	const tool = "schedule_list"

	status := stringArg(args, "status")
	if status != "" && status != "all" && !schedule.ValidStatus(status) {
		return failResult(tool, fmt.Sprintf("status must be all, pending, notified, or cancelled, got %q", status))
	}

	limit := intArg(args, "limit", 10)

	recs := r.store.List(status, limit)

	views := make([]recordView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, r.viewOf(rec))
	}
	msg := fmt.Sprintf("Found %d schedule entries", len(views))
	return okResult(tool, msg, views)
}

func (r *Registry) handleScheduleUpdate(ctx context.Context, args map[string]any) (string, error) {
	const tool = "schedule_update"

	id := stringArg(args, "schedule_id")
	var patch schedule.Patch

	if v, ok := args["title"].(string); ok {
		patch.Title = &v
	}
	if v, ok := args["datetime"].(string); ok {
		start, err := r.parseDatetime(v)
		if err != nil {
			return failResult(tool, err.Error())
		}
		patch.Start = &start
	}
	if v, ok := args["repeat"].(string); ok {
		patch.Repeat = &v
	}
	if v, ok := args["notes"].(string); ok {
		patch.Notes = &v
	}
	if v, ok := args["status"].(string); ok {
		patch.Status = &v
	}

	rec, updated, err := r.store.Update(id, patch)
	if err != nil {
		if errors.Is(err, schedule.ErrNotFound) {
			return failResult(tool, fmt.Sprintf("no schedule entry with ID %q", id))
		}
		return failResult(tool, err.Error())
	}

	msg := fmt.Sprintf("Updated schedule %s", rec.ID)
	if len(updated) == 0 {
		msg = fmt.Sprintf("Schedule %s unchanged, no fields differed", rec.ID)
	}
	if m := r.mirrorSync(ctx, rec); m != "" {
		msg += m
	}
	return okResult(tool, msg, map[string]any{
		"schedule":       r.viewOf(rec),
		"updated_fields": updated,
	})
}

func (r *Registry) handleScheduleDelete(ctx context.Context, args map[string]any) (string, error) {
	const tool = "schedule_delete"

	id := stringArg(args, "schedule_id")
	if err := r.store.Delete(id); err != nil {
		if errors.Is(err, schedule.ErrNotFound) {
			return failResult(tool, fmt.Sprintf("no schedule entry with ID %q", id))
		}
		return failResult(tool, err.Error())
	}

	msg := fmt.Sprintf("Deleted schedule %s", id)
	if r.calendar != nil {
		if err := r.calendar.RemoveRecord(ctx, id); err != nil {
			r.logger.Warn("calendar remove failed", "schedule_id", id, "error", err)
			msg += " (calendar removal failed)"
		}
	}
	return okResult(tool, msg, map[string]any{"schedule_id": id})
}

// mirrorSync pushes a record to the calendar mirror if one is
// configured. Returns a message suffix describing a failure, or "".
func (r *Registry) mirrorSync(ctx context.Context, rec schedule.Record) string {
	if r.calendar == nil {
		return ""
	}
	if err := r.calendar.SyncRecord(ctx, rec); err != nil {
		r.logger.Warn("calendar sync failed", "schedule_id", rec.ID, "error", err)
		return " (calendar sync failed)"
	}
	return ""
}
