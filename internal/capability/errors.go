package capability

import "fmt"

// UnknownCapabilityError reports a capability id with no document.
type UnknownCapabilityError struct {
	ID string
}

func (e *UnknownCapabilityError) Error() string {
	return fmt.Sprintf("unknown capability %q", e.ID)
}

// UnknownPackError reports a missing (key, version) pack.
type UnknownPackError struct {
	Key     string
	Version string
}

func (e *UnknownPackError) Error() string {
	return fmt.Sprintf("unknown pack %s@%s", e.Key, e.Version)
}

// PlaybookNotFoundError reports a missing playbook inside a known pack.
type PlaybookNotFoundError struct {
	Pack     string
	Playbook string
}

func (e *PlaybookNotFoundError) Error() string {
	return fmt.Sprintf("playbook %q not found in pack %s", e.Playbook, e.Pack)
}

// ToolUnknownError reports a tool key or connector with no definition.
type ToolUnknownError struct {
	Key string
}

func (e *ToolUnknownError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Key)
}

// ConflictError reports a duplicate pack (key, version).
type ConflictError struct {
	Resource string
	ID       string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Resource, e.ID)
}

// ValidationError reports a pack or capability that failed write
// validation; Problems lists every violation found.
type ValidationError struct {
	Resource string
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("%s validation failed: %s", e.Resource, e.Problems[0])
	}
	return fmt.Sprintf("%s validation failed: %d problems, first: %s", e.Resource, len(e.Problems), e.Problems[0])
}

// ParamsValidationError reports tool_call params that violate the tool's
// input schema at resolve time.
type ParamsValidationError struct {
	StepID  string
	ToolKey string
	Message string
}

func (e *ParamsValidationError) Error() string {
	return fmt.Sprintf("step %q params invalid for tool %q: %s", e.StepID, e.ToolKey, e.Message)
}
