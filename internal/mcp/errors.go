package mcp

import (
	"fmt"
	"time"
)

// TransportTimeoutError means the tool did not answer within its budget.
type TransportTimeoutError struct {
	Tool    string
	Timeout time.Duration
}

func (e *TransportTimeoutError) Error() string {
	return fmt.Sprintf("tool %q timed out after %s", e.Tool, e.Timeout)
}

// ToolError is a structured failure reported by the tool itself.
type ToolError struct {
	Tool    string
	Code    int
	Message string
	Data    interface{}
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %q failed (%d): %s", e.Tool, e.Code, e.Message)
}

// SchemaViolationError means the arguments were rejected before the call.
type SchemaViolationError struct {
	Tool    string
	Message string
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("invalid args for tool %q: %s", e.Tool, e.Message)
}

// ProcessExitedError means the STDIO child died mid-conversation.
type ProcessExitedError struct {
	Command string
	Err     error
}

func (e *ProcessExitedError) Error() string {
	return fmt.Sprintf("mcp process %q exited: %v", e.Command, e.Err)
}

func (e *ProcessExitedError) Unwrap() error { return e.Err }

// ConnectFailureError means the transport never became usable.
type ConnectFailureError struct {
	Target string
	Reason string
}

func (e *ConnectFailureError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %s", e.Target, e.Reason)
}
