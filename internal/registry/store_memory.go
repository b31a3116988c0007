package registry

import (
	"context"
	"sort"
	"sync"
)

// memoryStore is the in-process Store used by tests and stdio mode.
type memoryStore struct {
	mu    sync.RWMutex
	kinds map[string]*Kind
	meta  Meta
}

// NewMemoryStore returns an empty in-memory kind store.
func NewMemoryStore() Store {
	return &memoryStore{kinds: make(map[string]*Kind)}
}

func (s *memoryStore) GetKind(_ context.Context, id string) (*Kind, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.kinds[id]
	if !ok {
		return nil, &notFoundError{id: id}
	}
	cp := *k
	return &cp, nil
}

func (s *memoryStore) FindByAlias(_ context.Context, alias string) (*Kind, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.kinds {
		for _, a := range k.Aliases {
			if a == alias {
				cp := *k
				return &cp, nil
			}
		}
	}
	return nil, &notFoundError{id: alias}
}

func (s *memoryStore) ListKinds(_ context.Context) ([]*Kind, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Kind, 0, len(s.kinds))
	for _, k := range s.kinds {
		cp := *k
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) PutKind(_ context.Context, kind *Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *kind
	s.kinds[kind.ID] = &cp
	return nil
}

func (s *memoryStore) DeleteKind(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.kinds[id]; !ok {
		return &notFoundError{id: id}
	}
	delete(s.kinds, id)
	return nil
}

func (s *memoryStore) GetMeta(_ context.Context) (*Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := s.meta
	return &cp, nil
}

func (s *memoryStore) PutMeta(_ context.Context, meta *Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta = *meta
	return nil
}

var _ Store = (*memoryStore)(nil)
