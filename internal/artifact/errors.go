package artifact

import "fmt"

// NotFoundError reports a missing workspace or artifact.
type NotFoundError struct {
	Resource string // "workspace" or "artifact"
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// PreconditionFailedError reports an If-Match / expected_version mismatch.
type PreconditionFailedError struct {
	Expected int64
	Actual   int64
}

func (e *PreconditionFailedError) Error() string {
	return fmt.Sprintf("precondition failed: expected version %d, actual %d", e.Expected, e.Actual)
}

// ConflictError reports a duplicate parent document.
type ConflictError struct {
	WorkspaceID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("workspace %s already has a parent document", e.WorkspaceID)
}

// InvalidPatchError reports a malformed or inapplicable RFC 6902 patch.
type InvalidPatchError struct {
	Reason string
}

func (e *InvalidPatchError) Error() string {
	return "invalid patch: " + e.Reason
}
