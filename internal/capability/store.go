package capability

import "context"

// Store is the persistence boundary for packs, capabilities, connectors,
// and tools.
type Store interface {
	// Packs. InsertPack fails with ConflictError on duplicate (key, version).
	InsertPack(ctx context.Context, p *Pack) error
	GetPack(ctx context.Context, key, version string) (*Pack, error)
	ReplacePack(ctx context.Context, p *Pack) error
	DeletePack(ctx context.Context, key, version string) error
	ListPacks(ctx context.Context, key string) ([]*Pack, error)

	// Capabilities.
	PutCapability(ctx context.Context, c *Capability) error
	GetCapability(ctx context.Context, id string) (*Capability, error)
	DeleteCapability(ctx context.Context, id string) error
	ListCapabilities(ctx context.Context) ([]*Capability, error)

	// Connectors and the tools bound to them.
	PutConnector(ctx context.Context, c *Integration) error
	GetConnector(ctx context.Context, id string) (*Integration, error)
	PutTool(ctx context.Context, t *PackTool) error
	GetTool(ctx context.Context, key string) (*PackTool, error)
}
