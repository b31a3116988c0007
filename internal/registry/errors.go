package registry

import "fmt"

// UnknownKindError reports an id or alias with no registered kind.
type UnknownKindError struct {
	IDOrAlias string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown kind %q", e.IDOrAlias)
}

// SchemaValidationError carries the first violation found while checking
// data against a kind's schema.
type SchemaValidationError struct {
	Kind    string
	Version string
	Pointer string // JSON pointer into the instance
	Message string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("schema validation failed for %s@%s at %q: %s", e.Kind, e.Version, e.Pointer, e.Message)
}

// MigrationStalledError reports an unreachable target version. Partial
// holds the data as far as migration got.
type MigrationStalledError struct {
	Kind    string
	From    string
	Target  string
	Reached string
	Partial map[string]interface{}
}

func (e *MigrationStalledError) Error() string {
	return fmt.Sprintf("migration stalled for %s: no step from %s toward %s", e.Kind, e.Reached, e.Target)
}

// UnknownSchemaVersionError reports a missing schema version entry.
type UnknownSchemaVersionError struct {
	Kind    string
	Version string
}

func (e *UnknownSchemaVersionError) Error() string {
	return fmt.Sprintf("kind %s has no schema version %q", e.Kind, e.Version)
}
