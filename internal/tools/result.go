package tools

import "encoding/json"

// result is the envelope every built-in tool returns to the model.
// Domain failures (entry not found, bad datetime) come back as
// success=false rather than a Go error so the conversation continues.
type result struct {
	Tool    string `json:"tool"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func okResult(tool, message string, data any) (string, error) {
	return encodeResult(result{Tool: tool, Success: true, Message: message, Data: data})
}

func failResult(tool, errMsg string) (string, error) {
	return encodeResult(result{Tool: tool, Success: false, Error: errMsg})
}

func encodeResult(res result) (string, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
