package capability

import (
	"context"
	"sort"
	"sync"
)

// memoryStore keeps the catalog in process memory. It backs tests and
// broker-less development runs.
type memoryStore struct {
	mu           sync.RWMutex
	packs        map[string]*Pack
	capabilities map[string]*Capability
	connectors   map[string]*Integration
	tools        map[string]*PackTool
}

// NewMemoryStore returns an empty in-memory catalog.
func NewMemoryStore() Store {
	return &memoryStore{
		packs:        make(map[string]*Pack),
		capabilities: make(map[string]*Capability),
		connectors:   make(map[string]*Integration),
		tools:        make(map[string]*PackTool),
	}
}

var _ Store = (*memoryStore)(nil)

func (m *memoryStore) InsertPack(_ context.Context, p *Pack) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.packs[p.ID]; ok {
		return &ConflictError{Resource: "pack", ID: p.ID}
	}
	cp := *p
	m.packs[p.ID] = &cp
	return nil
}

func (m *memoryStore) GetPack(_ context.Context, key, version string) (*Pack, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.packs[PackID(key, version)]
	if !ok {
		return nil, &UnknownPackError{Key: key, Version: version}
	}
	cp := *p
	return &cp, nil
}

func (m *memoryStore) ReplacePack(_ context.Context, p *Pack) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.packs[p.ID]; !ok {
		return &UnknownPackError{Key: p.Key, Version: p.Version}
	}
	cp := *p
	m.packs[p.ID] = &cp
	return nil
}

func (m *memoryStore) DeletePack(_ context.Context, key, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := PackID(key, version)
	if _, ok := m.packs[id]; !ok {
		return &UnknownPackError{Key: key, Version: version}
	}
	delete(m.packs, id)
	return nil
}

func (m *memoryStore) ListPacks(_ context.Context, key string) ([]*Pack, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Pack
	for _, p := range m.packs {
		if key != "" && p.Key != key {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (m *memoryStore) PutCapability(_ context.Context, c *Capability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.capabilities[c.ID] = &cp
	return nil
}

func (m *memoryStore) GetCapability(_ context.Context, id string) (*Capability, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.capabilities[id]
	if !ok {
		return nil, &UnknownCapabilityError{ID: id}
	}
	cp := *c
	return &cp, nil
}

func (m *memoryStore) DeleteCapability(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.capabilities[id]; !ok {
		return &UnknownCapabilityError{ID: id}
	}
	delete(m.capabilities, id)
	return nil
}

func (m *memoryStore) ListCapabilities(_ context.Context) ([]*Capability, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Capability, 0, len(m.capabilities))
	for _, c := range m.capabilities {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryStore) PutConnector(_ context.Context, c *Integration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.connectors[c.ID] = &cp
	return nil
}

func (m *memoryStore) GetConnector(_ context.Context, id string) (*Integration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connectors[id]
	if !ok {
		return nil, &ToolUnknownError{Key: id}
	}
	cp := *c
	return &cp, nil
}

func (m *memoryStore) PutTool(_ context.Context, t *PackTool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tools[t.Key] = &cp
	return nil
}

func (m *memoryStore) GetTool(_ context.Context, key string) (*PackTool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tools[key]
	if !ok {
		return nil, &ToolUnknownError{Key: key}
	}
	cp := *t
	return &cp, nil
}
