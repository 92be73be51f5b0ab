package tools

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestAskUserQuestionSingleChoice(t *testing.T) {
	r := newTestRegistry(t)
	res := mustExecute(t, r, "ask_user_question", map[string]any{
		"question":      "Which dentist visit do you mean?",
		"question_type": "single_choice",
		"options":       []any{"Monday 14:30", "Thursday 09:00"},
	})
	if !res.Success {
		t.Fatalf("question failed: %s", res.Error)
	}

	data, _ := json.Marshal(res.Data)
	var payload struct {
		Question string   `json:"question"`
		Options  []string `json:"options"`
		Markdown string   `json:"markdown"`
		HTML     string   `json:"html"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if !strings.Contains(payload.Markdown, "A)") || !strings.Contains(payload.Markdown, "B)") {
		t.Errorf("markdown missing choice labels:\n%s", payload.Markdown)
	}
	if !strings.Contains(payload.HTML, "<strong>") {
		t.Errorf("html missing rendered emphasis:\n%s", payload.HTML)
	}
	if !strings.Contains(payload.HTML, "Monday 14:30") {
		t.Errorf("html missing option text:\n%s", payload.HTML)
	}
}

func TestAskUserQuestionBoolean(t *testing.T) {
	r := newTestRegistry(t)
	res := mustExecute(t, r, "ask_user_question", map[string]any{
		"question":      "Should I cancel the old entry?",
		"question_type": "boolean",
	})
	if !res.Success {
		t.Fatalf("question failed: %s", res.Error)
	}
	data, _ := json.Marshal(res.Data)
	var payload struct {
		Options []string `json:"options"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if len(payload.Options) != 2 || payload.Options[0] != "Yes" || payload.Options[1] != "No" {
		t.Errorf("boolean options = %v, want [Yes No]", payload.Options)
	}
}

func TestAskUserQuestionValidation(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
	}{
		{
			name: "empty question",
			args: map[string]any{"question": "  ", "question_type": "boolean"},
		},
		{
			name: "unknown type",
			args: map[string]any{"question": "x", "question_type": "open_ended"},
		},
		{
			name: "single choice needs two options",
			args: map[string]any{"question": "x", "question_type": "single_choice", "options": []any{"only one"}},
		},
		{
			name: "blank options do not count",
			args: map[string]any{"question": "x", "question_type": "multi_choice", "options": []any{"a", "   "}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t)
			res := mustExecute(t, r, "ask_user_question", tt.args)
			if res.Success {
				t.Fatal("expected validation failure")
			}
		})
	}
}
