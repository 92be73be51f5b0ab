// Package calendar mirrors schedule entries to a CalDAV server so they
// show up in the user's regular calendar clients.
package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	"github.com/mstrand/valet/internal/config"
	"github.com/mstrand/valet/internal/httpkit"
	"github.com/mstrand/valet/internal/schedule"
)

// eventDuration is the VEVENT length used for mirrored entries. The
// store tracks start times only, so a fixed block keeps calendars tidy.
const eventDuration = 30 * time.Minute

// Mirror pushes schedule records to a CalDAV collection.
type Mirror struct {
	client   *caldav.Client
	basePath string
	logger   *slog.Logger
}

// NewMirror connects to the CalDAV endpoint named in cfg. The calendar
// path is used as-is; discovery is the operator's job.
func NewMirror(cfg config.CalDAVConfig, logger *slog.Logger) (*Mirror, error) {
	if logger == nil {
		logger = slog.Default()
	}

	base := httpkit.NewClient(httpkit.WithTimeout(30*time.Second), httpkit.WithLogger(logger))
	var httpClient webdav.HTTPClient = base
	if cfg.Username != "" {
		httpClient = webdav.HTTPClientWithBasicAuth(base, cfg.Username, cfg.Password)
	}

	client, err := caldav.NewClient(httpClient, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("create caldav client: %w", err)
	}

	return &Mirror{
		client:   client,
		basePath: strings.TrimSuffix(cfg.Calendar, "/"),
		logger:   logger,
	}, nil
}

// SyncRecord creates or replaces the calendar object for a record.
func (m *Mirror) SyncRecord(ctx context.Context, rec schedule.Record) error {
	cal := recordToCalendar(rec)
	path := m.objectPath(rec.ID)

	if _, err := m.client.PutCalendarObject(ctx, path, cal); err != nil {
		return fmt.Errorf("put calendar object %s: %w", path, err)
	}
	m.logger.Debug("calendar object synced", "schedule_id", rec.ID, "path", path)
	return nil
}

// RemoveRecord deletes the calendar object for a schedule ID. A
// missing object is not an error; the entry may never have synced.
func (m *Mirror) RemoveRecord(ctx context.Context, id string) error {
	path := m.objectPath(id)
	if err := m.client.RemoveAll(ctx, path); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove calendar object %s: %w", path, err)
	}
	m.logger.Debug("calendar object removed", "schedule_id", id, "path", path)
	return nil
}

// isNotFound reports whether err is a WebDAV 404. go-webdav does not
// export its HTTP error type, so the status code is only reachable
// through the message, which always starts with "<code> <status text>".
func isNotFound(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), fmt.Sprintf("%d ", http.StatusNotFound))
}

func (m *Mirror) objectPath(id string) string {
	return m.basePath + "/valet-" + id + ".ics"
}

// recordToCalendar builds a single-VEVENT iCalendar document for a
// record. Recurrence maps onto an RRULE so calendar clients expand it
// themselves.
func recordToCalendar(rec schedule.Record) *ical.Calendar {
	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, "valet-"+rec.ID)
	event.Props.SetText(ical.PropSummary, rec.Title)
	event.Props.SetDateTime(ical.PropDateTimeStamp, rec.UpdatedAt.UTC())
	event.Props.SetDateTime(ical.PropDateTimeStart, rec.Start)
	event.Props.SetDateTime(ical.PropDateTimeEnd, rec.Start.Add(eventDuration))

	if rec.Notes != "" {
		event.Props.SetText(ical.PropDescription, rec.Notes)
	}
	if rule := recurrenceRule(rec.Repeat); rule != "" {
		// SetText would tag the property VALUE=TEXT, which is invalid
		// for RRULE. Set the raw value instead.
		prop := ical.NewProp(ical.PropRecurrenceRule)
		prop.Value = rule
		event.Props.Set(prop)
	}
	if rec.Status == schedule.StatusCancelled {
		event.Props.SetText(ical.PropStatus, "CANCELLED")
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, "-//valet//schedule//EN")
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Children = append(cal.Children, event.Component)
	return cal
}

func recurrenceRule(repeat string) string {
	switch repeat {
	case schedule.RepeatDaily:
		return "FREQ=DAILY"
	case schedule.RepeatWeekly:
		return "FREQ=WEEKLY"
	case schedule.RepeatMonthly:
		return "FREQ=MONTHLY"
	default:
		return ""
	}
}
