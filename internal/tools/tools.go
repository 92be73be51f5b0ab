// Package tools defines the tools available to the agent.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mstrand/valet/internal/schedule"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string                                                         `json:"name"`
	Description string                                                         `json:"description"`
	Parameters  map[string]any                                                 `json:"parameters"`
	Handler     func(ctx context.Context, args map[string]any) (string, error) `json:"-"`
}

// CalendarMirror mirrors schedule records to an external calendar.
// Mirroring is best-effort; failures are reported in tool results but
// never fail the tool call.
type CalendarMirror interface {
	SyncRecord(ctx context.Context, rec schedule.Record) error
	RemoveRecord(ctx context.Context, id string) error
}

// Registry holds available tools.
type Registry struct {
	tools    map[string]*Tool
	store    *schedule.Store
	calendar CalendarMirror
	loc      *time.Location
	logger   *slog.Logger
	now      func() time.Time // test hook
}

// NewRegistry creates a tool registry backed by the given schedule
// store and registers the built-in tools.
func NewRegistry(store *schedule.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:  make(map[string]*Tool),
		store:  store,
		loc:    time.Local,
		logger: logger,
		now:    time.Now,
	}
	r.registerBuiltins()
	return r
}

// SetCalendar enables best-effort calendar mirroring for schedule
// mutations.
func (r *Registry) SetCalendar(m CalendarMirror) {
	r.calendar = m
}

// SetLocation sets the timezone used to interpret tool-supplied
// datetimes.
func (r *Registry) SetLocation(loc *time.Location) {
	if loc != nil {
		r.loc = loc
	}
}

// Register adds a tool to the registry. Registering a name twice
// returns a DuplicateToolError.
func (r *Registry) Register(t *Tool) error {
	if _, exists := r.tools[t.Name]; exists {
		return &DuplicateToolError{Name: t.Name}
	}
	r.tools[t.Name] = t
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// List returns all tools in the wire format the model expects.
func (r *Registry) List() []map[string]any {
	var result []map[string]any
	for _, t := range r.tools {
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Execute runs a tool by name with given arguments. Unknown names,
// undecodable argument JSON, and missing required fields are reported
// with typed errors; any failure from the handler itself is wrapped in
// an ExecutionError.
func (r *Registry) Execute(ctx context.Context, name string, argsJSON string) (string, error) {
	tool := r.tools[name]
	if tool == nil {
		return "", &UnknownToolError{Name: name}
	}

	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", &InvalidArgumentsError{Tool: name, Err: err}
		}
	}

	if err := checkRequired(tool.Parameters, args); err != nil {
		return "", &InvalidArgumentsError{Tool: name, Err: err}
	}

	result, err := tool.Handler(ctx, args)
	if err != nil {
		return "", &ExecutionError{Tool: name, Err: err}
	}
	return result, nil
}

// ExecuteArgs is Execute for callers that already hold decoded
// arguments (the model client returns them as a map).
func (r *Registry) ExecuteArgs(ctx context.Context, name string, args map[string]any) (string, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return "", &InvalidArgumentsError{Tool: name, Err: err}
	}
	return r.Execute(ctx, name, string(data))
}

// checkRequired verifies that every field the tool's JSON schema marks
// required is present in args. The required list is []string when the
// schema was built in Go and []any when it was decoded from JSON.
func checkRequired(params, args map[string]any) error {
	var required []string
	switch list := params["required"].(type) {
	case []string:
		required = list
	case []any:
		for _, v := range list {
			if field, ok := v.(string); ok {
				required = append(required, field)
			}
		}
	}
	for _, field := range required {
		if _, present := args[field]; !present {
			return fmt.Errorf("missing required field %q", field)
		}
	}
	return nil
}

// mustRegister panics on registration failure. Builtins are registered
// once with distinct names, so a failure is a programming error.
func (r *Registry) mustRegister(t *Tool) {
	if err := r.Register(t); err != nil {
		panic(fmt.Sprintf("tools: register builtin %s: %v", t.Name, err))
	}
}

func (r *Registry) registerBuiltins() {
	r.mustRegister(&Tool{
		Name: "schedule_create",
		Description: "Create a schedule entry or reminder. Use when the user wants to " +
			"remember an appointment, meeting, or task at a specific time.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{
					"type":        "string",
					"description": "Short title for the entry (e.g., 'Dentist appointment')",
				},
				"datetime": map[string]any{
					"type":        "string",
					"description": "Start time in 'YYYY-MM-DD HH:MM' format (24-hour clock)",
				},
				"repeat": map[string]any{
					"type":        "string",
					"description": "Recurrence: once (default), daily, weekly, or monthly",
				},
				"notes": map[string]any{
					"type":        "string",
					"description": "Optional free-form notes",
				},
				"reminder_minutes": map[string]any{
					"type":        "integer",
					"description": "How many minutes before the start time to remind (default 15)",
				},
			},
			"required": []string{"title", "datetime"},
		},
		Handler: r.handleScheduleCreate,
	})

	r.mustRegister(&Tool{
		Name:        "schedule_list",
		Description: "List schedule entries. Use to answer questions about upcoming appointments and reminders.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"status": map[string]any{
					"type":        "string",
					"description": "Filter by status: all (default), pending, notified, or cancelled",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of entries to return (default 10)",
				},
			},
		},
		Handler: r.handleScheduleList,
	})

	r.mustRegister(&Tool{
		Name:        "schedule_update",
		Description: "Update an existing schedule entry by ID. Only the supplied fields change.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"schedule_id": map[string]any{
					"type":        "string",
					"description": "The ID of the entry to update",
				},
				"title": map[string]any{
					"type":        "string",
					"description": "New title",
				},
				"datetime": map[string]any{
					"type":        "string",
					"description": "New start time in 'YYYY-MM-DD HH:MM' format",
				},
				"repeat": map[string]any{
					"type":        "string",
					"description": "New recurrence: once, daily, weekly, or monthly",
				},
				"notes": map[string]any{
					"type":        "string",
					"description": "New notes",
				},
				"status": map[string]any{
					"type":        "string",
					"description": "New status: pending, notified, or cancelled (cannot move backward)",
				},
			},
			"required": []string{"schedule_id"},
		},
		Handler: r.handleScheduleUpdate,
	})

	r.mustRegister(&Tool{
		Name:        "schedule_delete",
		Description: "Delete a schedule entry by ID. Prefer cancelling (schedule_update with status=cancelled) unless the user explicitly wants the entry gone.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"schedule_id": map[string]any{
					"type":        "string",
					"description": "The ID of the entry to delete",
				},
			},
			"required": []string{"schedule_id"},
		},
		Handler: r.handleScheduleDelete,
	})

	r.mustRegister(&Tool{
		Name: "ask_user_question",
		Description: "Ask the user a clarifying question when their request is ambiguous. " +
			"Present choices rather than asking open-ended questions when possible.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question": map[string]any{
					"type":        "string",
					"description": "The question to put to the user",
				},
				"question_type": map[string]any{
					"type":        "string",
					"description": "single_choice, multi_choice, or boolean",
				},
				"options": map[string]any{
					"type":        "array",
					"description": "Choice texts; required for single_choice and multi_choice (at least 2)",
					"items":       map[string]any{"type": "string"},
				},
			},
			"required": []string{"question", "question_type"},
		},
		Handler: handleAskUserQuestion,
	})
}
