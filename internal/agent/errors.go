package agent

import "errors"

var (
	// ErrToolLoopExceeded means the model kept requesting tools past
	// the configured iteration bound. History up to that point is kept.
	ErrToolLoopExceeded = errors.New("tool loop exceeded maximum iterations")

	// ErrNoAssistantReply means the loop finished without the model
	// producing any assistant text.
	ErrNoAssistantReply = errors.New("model produced no assistant reply")
)
