package mqtt

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mstrand/valet/internal/config"
	"github.com/mstrand/valet/internal/schedule"
)

func TestReminderPayload(t *testing.T) {
	rec := schedule.Record{
		ID:     "abc12345",
		Title:  "Dentist appointment",
		Start:  time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC),
		Repeat: schedule.RepeatOnce,
		Notes:  "bring insurance card",
	}

	payload, err := reminderPayload(rec)
	if err != nil {
		t.Fatalf("reminderPayload: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if got["schedule_id"] != "abc12345" {
		t.Errorf("schedule_id = %v", got["schedule_id"])
	}
	if got["start"] != "2025-06-02T14:30:00Z" {
		t.Errorf("start = %v", got["start"])
	}
	if got["notes"] != "bring insurance card" {
		t.Errorf("notes = %v", got["notes"])
	}
}

func TestAvailabilityTopic(t *testing.T) {
	p := New(config.MQTTConfig{DeviceID: "kitchen"}, nil)
	if got := p.availabilityTopic(); got != "valet/kitchen/availability" {
		t.Errorf("availabilityTopic = %q", got)
	}
}

func TestDeliverBeforeStart(t *testing.T) {
	p := New(config.MQTTConfig{Topic: "valet/reminders", DeviceID: "valet"}, nil)
	err := p.Deliver(context.Background(), schedule.Record{ID: "x"})
	if err == nil {
		t.Fatal("Deliver before Start should fail")
	}
}
