package registry

import "context"

// Store persists kinds and the registry meta document. Implementations:
// memoryStore (tests, stdio mode) and mongoStore (kind_registry +
// registry_meta collections).
type Store interface {
	GetKind(ctx context.Context, id string) (*Kind, error)
	FindByAlias(ctx context.Context, alias string) (*Kind, error)
	ListKinds(ctx context.Context) ([]*Kind, error)
	PutKind(ctx context.Context, kind *Kind) error
	DeleteKind(ctx context.Context, id string) error

	GetMeta(ctx context.Context) (*Meta, error)
	PutMeta(ctx context.Context, meta *Meta) error
}

// ErrKindNotFound is returned by Store lookups that miss. The service
// layer wraps it into UnknownKindError with the caller's identifier.
type notFoundError struct{ id string }

func (e *notFoundError) Error() string { return "kind not found: " + e.id }

// IsNotFound reports whether err is a store-level miss.
func IsNotFound(err error) bool {
	_, ok := err.(*notFoundError)
	return ok
}
