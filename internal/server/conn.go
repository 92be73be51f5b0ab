package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/mstrand/valet/internal/agent"
)

// connState tracks where a connection is in its lifecycle.
type connState int

const (
	stateConnecting connState = iota
	stateOpen
	stateProcessing
	stateClosing
	stateClosed
	stateErrored
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	case stateProcessing:
		return "processing"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	case stateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// conn wraps one websocket connection. Gorilla permits a single
// concurrent writer, so every outbound envelope goes through writeMu.
type conn struct {
	ws       *websocket.Conn
	clientID string
	logger   *slog.Logger

	writeMu sync.Mutex

	stateMu sync.Mutex
	state   connState
}

func (c *conn) setState(s connState) {
	c.stateMu.Lock()
	prev := c.state
	c.state = s
	c.stateMu.Unlock()
	if prev != s {
		c.logger.Debug("connection state changed", "from", prev, "to", s)
	}
}

func (c *conn) currentState() connState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *conn) writeError(message string) {
	if err := c.writeJSON(errorEnvelope{Type: "error", Message: message}); err != nil {
		c.logger.Debug("error envelope write failed", "error", err)
	}
}

// readLoop processes client envelopes until the socket closes. Exactly
// one message is in flight at a time: the loop blocks on the handler,
// so later messages queue in the socket buffer.
func (s *Server) readLoop(ctx context.Context, c *conn) {
	defer func() {
		if r := recover(); r != nil {
			c.setState(stateErrored)
			c.logger.Error("connection handler panicked",
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
		c.setState(stateClosed)
	}()

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.setState(stateClosing)
				c.logger.Debug("client closed connection")
			} else {
				c.logger.Debug("websocket read failed", "error", err)
			}
			return
		}

		var env clientEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			c.writeError("Invalid JSON message")
			continue
		}

		switch env.Type {
		case "message":
			s.handleMessage(ctx, c, env)
		case "clear_history":
			s.handleClearHistory(c, env)
		case "ping":
			if err := c.writeJSON(pongEnvelope{Type: "pong"}); err != nil {
				c.logger.Debug("pong write failed", "error", err)
			}
		default:
			c.writeError(fmt.Sprintf("Unknown message type: %s", env.Type))
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, c *conn, env clientEnvelope) {
	if strings.TrimSpace(env.Content) == "" {
		c.writeError("Message content is required")
		return
	}

	sessionID := env.SessionID
	if sessionID == "" {
		sessionID = c.clientID
	}

	c.setState(stateProcessing)
	defer c.setState(stateOpen)

	if err := c.writeJSON(statusEnvelope{
		Type:    "status",
		Status:  "processing",
		Message: "Processing your message...",
	}); err != nil {
		c.logger.Debug("status write failed", "error", err)
		return
	}

	sess := s.sessions.GetOrCreate(sessionID)
	reply, err := s.agent.Process(ctx, sess, env.Content, nil)
	if err != nil {
		c.logger.Warn("agent processing failed",
			"session_id", sessionID,
			"error", err,
		)
		c.writeError(userFacingError(err))
		return
	}

	if err := c.writeJSON(responseEnvelope{
		Type:      "response",
		Content:   reply.Content,
		SessionID: sessionID,
		ToolCalls: reply.ToolCalls,
	}); err != nil {
		c.logger.Debug("response write failed", "error", err)
	}
}

func (s *Server) handleClearHistory(c *conn, env clientEnvelope) {
	sessionID := env.SessionID
	if sessionID == "" {
		sessionID = c.clientID
	}
	s.sessions.Clear(sessionID)
	if err := c.writeJSON(statusEnvelope{
		Type:    "status",
		Status:  "cleared",
		Message: fmt.Sprintf("History cleared for session %s", sessionID),
	}); err != nil {
		c.logger.Debug("clear confirmation write failed", "error", err)
	}
}

// userFacingError maps agent errors to messages safe to show a client.
func userFacingError(err error) string {
	switch {
	case errors.Is(err, agent.ErrToolLoopExceeded):
		return "I got stuck in a loop trying to use my tools. Please rephrase your request."
	case errors.Is(err, agent.ErrNoAssistantReply):
		return "I couldn't come up with a response. Please try again."
	default:
		return "Something went wrong while processing your message."
	}
}
