// Package agent implements the conversational agent loop and its
// per-session state.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mstrand/valet/internal/events"
	"github.com/mstrand/valet/internal/llm"
	"github.com/mstrand/valet/internal/tools"
)

// defaultSystemPrompt is used when no prompt file is configured.
const defaultSystemPrompt = `You are Valet, a personal schedule assistant. You help the user ` +
	`manage appointments, reminders, and recurring tasks using the tools provided. ` +
	`Be concise. When the user asks about their schedule, use schedule_list before answering. ` +
	`Ask a clarifying question when a request is ambiguous.`

// Session holds the conversation state for one session ID. All access
// to the history goes through Process or ClearHistory, which hold the
// session lock, so two connections sharing a session ID are serialized.
type Session struct {
	ID string

	mu         sync.Mutex
	history    []llm.Message
	createdAt  time.Time
	lastActive time.Time
}

// Reply is the outcome of processing one user message.
type Reply struct {
	Content   string
	ToolCalls []string // names of tools invoked while producing the reply
}

// Archiver persists conversation turns outside the in-memory session.
type Archiver interface {
	AppendTurn(ctx context.Context, sessionID, role, content string) error
}

// Agent runs the bounded tool loop against a completion client.
type Agent struct {
	llm               llm.Client
	tools             *tools.Registry
	model             string
	systemPrompt      string
	maxToolIterations int
	bus               *events.Bus
	archiver          Archiver
	logger            *slog.Logger
}

// New creates an agent. maxToolIterations values below 1 fall back to
// the default of 10.
func New(client llm.Client, registry *tools.Registry, model string, maxToolIterations int, logger *slog.Logger) *Agent {
	if maxToolIterations < 1 {
		maxToolIterations = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		llm:               client,
		tools:             registry,
		model:             model,
		systemPrompt:      defaultSystemPrompt,
		maxToolIterations: maxToolIterations,
		logger:            logger,
	}
}

// SetSystemPrompt replaces the default system prompt.
func (a *Agent) SetSystemPrompt(prompt string) {
	if strings.TrimSpace(prompt) != "" {
		a.systemPrompt = prompt
	}
}

// SetBus attaches an event bus for turn and tool-call events.
func (a *Agent) SetBus(bus *events.Bus) {
	a.bus = bus
}

// SetArchiver attaches a turn archiver. Archival failures are logged
// and never fail the turn.
func (a *Agent) SetArchiver(ar Archiver) {
	a.archiver = ar
}

// Process runs one user message through the tool loop and returns the
// assistant's reply. onToken, when non-nil, receives streamed reply
// fragments as the model produces them.
func (a *Agent) Process(ctx context.Context, s *Session, content string, onToken llm.StreamCallback) (Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.history) == 0 {
		s.history = append(s.history, llm.Message{Role: "system", Content: a.systemPrompt})
	}
	s.history = append(s.history, llm.Message{Role: "user", Content: content})
	s.lastActive = time.Now()

	a.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindTurnStart,
		Data:   map[string]any{"session_id": s.ID},
	})
	a.archive(ctx, s.ID, "user", content)

	var toolNames []string
	markBase := len(s.history)

	for iteration := 1; iteration <= a.maxToolIterations; iteration++ {
		resp, err := a.llm.ChatStream(ctx, a.model, s.history, a.tools.List(), onToken)
		if err != nil {
			return Reply{}, fmt.Errorf("model call failed: %w", err)
		}

		s.history = append(s.history, llm.Message{
			Role:      "assistant",
			Content:   resp.Message.Content,
			ToolCalls: resp.Message.ToolCalls,
		})

		if len(resp.Message.ToolCalls) == 0 {
			return a.finishTurn(ctx, s, markBase, toolNames)
		}

		for _, call := range resp.Message.ToolCalls {
			name := call.Function.Name
			toolNames = append(toolNames, name)
			a.bus.Publish(events.Event{
				Source: events.SourceAgent,
				Kind:   events.KindToolCall,
				Data:   map[string]any{"session_id": s.ID, "tool": name},
			})

			result, err := a.tools.ExecuteArgs(ctx, name, call.Function.Arguments)
			if err != nil {
				a.logger.Warn("tool execution failed", "session_id", s.ID, "tool", name, "error", err)
				result = fmt.Sprintf("tool %s failed: %v", name, err)
			}
			s.history = append(s.history, llm.Message{Role: "tool", Content: result})
		}

		a.logger.Debug("tool iteration complete",
			"session_id", s.ID,
			"iteration", iteration,
			"tools", len(resp.Message.ToolCalls),
		)
	}

	// Every iteration ended in tool calls, so the bound is exhausted.
	return Reply{}, fmt.Errorf("%w (%d)", ErrToolLoopExceeded, a.maxToolIterations)
}

// finishTurn extracts the reply from the turn's new history entries.
// The last assistant entry with non-empty content wins.
func (a *Agent) finishTurn(ctx context.Context, s *Session, markBase int, toolNames []string) (Reply, error) {
	var reply string
	for i := len(s.history) - 1; i >= markBase; i-- {
		m := s.history[i]
		if m.Role == "assistant" && strings.TrimSpace(m.Content) != "" {
			reply = m.Content
			break
		}
	}
	if reply == "" {
		return Reply{}, ErrNoAssistantReply
	}

	a.archive(ctx, s.ID, "assistant", reply)
	a.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindTurnComplete,
		Data:   map[string]any{"session_id": s.ID, "tool_calls": len(toolNames)},
	})
	return Reply{Content: reply, ToolCalls: toolNames}, nil
}

func (a *Agent) archive(ctx context.Context, sessionID, role, content string) {
	if a.archiver == nil {
		return
	}
	if err := a.archiver.AppendTurn(ctx, sessionID, role, content); err != nil {
		a.logger.Warn("archive turn failed", "session_id", sessionID, "role", role, "error", err)
	}
}

// ClearHistory discards the session's conversation history. The next
// Process starts fresh with the system prompt.
func (s *Session) ClearHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
}

// HistoryLen reports the number of stored messages, system prompt
// included.
func (s *Session) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// LastActive reports when the session last processed a message.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}
