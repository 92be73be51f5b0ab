// Package schedule persists schedule records in a single JSON file.
// Every mutation is a load-modify-save cycle under one mutex, shared by
// the tool handlers and the reminder notifier, so concurrent writers
// cannot lose updates. Saves are atomic: write to a temp file, fsync,
// rename over the target.
package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no record has the requested ID.
var ErrNotFound = errors.New("schedule not found")

// Record status values. Transitions only move forward:
// pending → notified, and pending or notified → cancelled.
const (
	StatusPending   = "pending"
	StatusNotified  = "notified"
	StatusCancelled = "cancelled"
)

// Repeat values for Record.Repeat.
const (
	RepeatOnce    = "once"
	RepeatDaily   = "daily"
	RepeatWeekly  = "weekly"
	RepeatMonthly = "monthly"
)

// ValidStatus reports whether s is a known record status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusNotified, StatusCancelled:
		return true
	}
	return false
}

// ValidRepeat reports whether r is a known recurrence value.
func ValidRepeat(r string) bool {
	switch r {
	case RepeatOnce, RepeatDaily, RepeatWeekly, RepeatMonthly:
		return true
	}
	return false
}

// canTransition reports whether a status change is allowed. Equal
// statuses are allowed (idempotent updates); backward moves are not.
func canTransition(from, to string) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusNotified || to == StatusCancelled
	case StatusNotified:
		return to == StatusCancelled
	}
	return false
}

// Record is one schedule entry.
type Record struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Start           time.Time  `json:"start"`
	Repeat          string     `json:"repeat,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	ReminderMinutes int        `json:"reminder_minutes"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	NotifiedAt      *time.Time `json:"notified_at,omitempty"`
}

// Patch describes a partial update. Nil fields are left unchanged.
type Patch struct {
	Title  *string
	Start  *time.Time
	Repeat *string
	Notes  *string
	Status *string
}

// Store is a file-backed collection of schedule records.
type Store struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
	now    func() time.Time // test hook
}

// NewStore creates a store persisting to path. The file is created on
// first save; a missing or corrupt file reads as empty.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger, now: time.Now}
}

// NewID returns a fresh 8-character record ID.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// load reads all records from disk. Missing or unparsable files degrade
// to an empty list rather than an error, so a damaged file never takes
// the assistant down. Callers must hold s.mu.
func (s *Store) load() []Record {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("schedule file unreadable, treating as empty",
				"path", s.path, "error", err)
		}
		return nil
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		s.logger.Warn("schedule file corrupt, treating as empty",
			"path", s.path, "error", err)
		return nil
	}
	return records
}

// save writes all records to disk atomically: marshal, write a temp
// file in the same directory, fsync, rename over the target, fsync the
// directory. A failure at any step leaves the previous file intact.
// Callers must hold s.mu.
func (s *Store) save(records []Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schedules: %w", err)
	}
	data = append(data, '\n')

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp schedule file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp schedule file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp schedule file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp schedule file: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename schedule file: %w", err)
	}

	// Sync the directory so the rename itself survives a crash.
	if dir, err := os.Open(filepath.Dir(s.path)); err == nil {
		dir.Sync()
		dir.Close()
	}

	return nil
}

// Create adds a new record. ID, status, and timestamps are assigned
// here; the caller supplies title, start, repeat, notes, and reminder
// lead time.
func (s *Store) Create(title string, start time.Time, repeat, notes string, reminderMinutes int) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if repeat == "" {
		repeat = RepeatOnce
	}
	now := s.now()
	rec := Record{
		ID:              NewID(),
		Title:           title,
		Start:           start,
		Repeat:          repeat,
		Notes:           notes,
		ReminderMinutes: reminderMinutes,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	records := append(s.load(), rec)
	if err := s.save(records); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// List returns records sorted by start time ascending. status filters
// by record status; "" or "all" returns everything. limit caps the
// result; zero means no cap.
func (s *Store) List(status string, limit int) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.load()
	var out []Record
	for _, r := range records {
		if status != "" && status != "all" && r.Status != status {
			continue
		}
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Get returns the record with the given ID, or ErrNotFound.
func (s *Store) Get(id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.load() {
		if r.ID == id {
			return r, nil
		}
	}
	return Record{}, ErrNotFound
}

// Update applies a partial update to the record with the given ID and
// returns the updated record plus the names of the fields that changed.
// A status change that would move backward is rejected.
func (s *Store) Update(id string, patch Patch) (Record, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.load()
	idx := -1
	for i, r := range records {
		if r.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Record{}, nil, ErrNotFound
	}

	rec := records[idx]
	var updated []string

	if patch.Title != nil && *patch.Title != rec.Title {
		rec.Title = *patch.Title
		updated = append(updated, "title")
	}
	if patch.Start != nil && !patch.Start.Equal(rec.Start) {
		rec.Start = *patch.Start
		updated = append(updated, "start")
	}
	if patch.Repeat != nil && *patch.Repeat != rec.Repeat {
		if !ValidRepeat(*patch.Repeat) {
			return Record{}, nil, fmt.Errorf("invalid repeat %q", *patch.Repeat)
		}
		rec.Repeat = *patch.Repeat
		updated = append(updated, "repeat")
	}
	if patch.Notes != nil && *patch.Notes != rec.Notes {
		rec.Notes = *patch.Notes
		updated = append(updated, "notes")
	}
	if patch.Status != nil && *patch.Status != rec.Status {
		if !ValidStatus(*patch.Status) {
			return Record{}, nil, fmt.Errorf("invalid status %q", *patch.Status)
		}
		if !canTransition(rec.Status, *patch.Status) {
			return Record{}, nil, fmt.Errorf("status cannot move from %s to %s", rec.Status, *patch.Status)
		}
		rec.Status = *patch.Status
		updated = append(updated, "status")
	}

	if len(updated) == 0 {
		return rec, nil, nil
	}

	rec.UpdatedAt = s.now()
	records[idx] = rec
	if err := s.save(records); err != nil {
		return Record{}, nil, err
	}
	return rec, updated, nil
}

// Delete removes the record with the given ID, or returns ErrNotFound.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.load()
	for i, r := range records {
		if r.ID == id {
			return s.save(append(records[:i], records[i+1:]...))
		}
	}
	return ErrNotFound
}

// ClaimDue transitions every due pending record to notified and returns
// the transitioned records. A record is due when now has reached its
// start time minus the reminder lead. The scan, the status flips, and
// the save happen under one lock, so each record is claimed exactly
// once even with concurrent callers.
func (s *Store) ClaimDue(now time.Time) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.load()
	var due []Record
	for i, r := range records {
		if r.Status != StatusPending {
			continue
		}
		remindAt := r.Start.Add(-time.Duration(r.ReminderMinutes) * time.Minute)
		if now.Before(remindAt) {
			continue
		}
		notifiedAt := now
		records[i].Status = StatusNotified
		records[i].NotifiedAt = &notifiedAt
		records[i].UpdatedAt = now
		due = append(due, records[i])
	}

	if len(due) == 0 {
		return nil, nil
	}
	if err := s.save(records); err != nil {
		return nil, err
	}
	return due, nil
}
