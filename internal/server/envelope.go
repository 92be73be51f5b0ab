package server

import "encoding/json"

// clientEnvelope is the message format clients send.
type clientEnvelope struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// connectionEnvelope is sent once, immediately after upgrade.
type connectionEnvelope struct {
	Type     string `json:"type"` // "connection"
	Status   string `json:"status"`
	Message  string `json:"message"`
	ClientID string `json:"client_id"`
}

// statusEnvelope reports transient handler state.
type statusEnvelope struct {
	Type    string `json:"type"` // "status"
	Status  string `json:"status"`
	Message string `json:"message"`
}

// responseEnvelope carries the agent's reply.
type responseEnvelope struct {
	Type      string   `json:"type"` // "response"
	Content   string   `json:"content"`
	SessionID string   `json:"session_id"`
	ToolCalls []string `json:"tool_calls,omitempty"`
}

// errorEnvelope reports a failure. The connection stays open.
type errorEnvelope struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

// pongEnvelope answers a ping.
type pongEnvelope struct {
	Type string `json:"type"` // "pong"
}

// reminderEnvelope pushes a due schedule entry to the client.
type reminderEnvelope struct {
	Type     string          `json:"type"` // "reminder"
	Schedule json.RawMessage `json:"schedule"`
}
