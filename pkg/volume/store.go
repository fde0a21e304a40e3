package volume

import (
	"context"
	"sort"
	"sync"

	"github.com/jacktea/mailblob/pkg/xerrors"
)

// Store persists the volume table and the current volume of each type.
type Store interface {
	List(ctx context.Context) ([]Volume, error)
	Get(ctx context.Context, id ID) (Volume, error)
	Put(ctx context.Context, v Volume) error
	Delete(ctx context.Context, id ID) (bool, error)
	Current(ctx context.Context) (map[Type]ID, error)
	SetCurrent(ctx context.Context, typ Type, id ID) error
	Close() error
}

// MemoryStore is an in-memory Store for tests and ephemeral setups.
type MemoryStore struct {
	mu      sync.RWMutex
	volumes map[ID]Volume
	current map[Type]ID
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		volumes: make(map[ID]Volume),
		current: make(map[Type]ID),
	}
}

func (m *MemoryStore) List(ctx context.Context) ([]Volume, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Volume, 0, len(m.volumes))
	for _, v := range m.volumes {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Get(ctx context.Context, id ID) (Volume, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.volumes[id]
	if !ok {
		return Volume{}, xerrors.E(xerrors.KindNotFound, "volume.Get", id.String())
	}
	return v, nil
}

func (m *MemoryStore) Put(ctx context.Context, v Volume) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volumes[v.ID] = v
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.volumes[id]; !ok {
		return false, nil
	}
	delete(m.volumes, id)
	return true, nil
}

func (m *MemoryStore) Current(ctx context.Context) (map[Type]ID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[Type]ID, len(m.current))
	for t, id := range m.current {
		out[t] = id
	}
	return out, nil
}

func (m *MemoryStore) SetCurrent(ctx context.Context, typ Type, id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == IDNone {
		delete(m.current, typ)
		return nil
	}
	m.current[typ] = id
	return nil
}

func (m *MemoryStore) Close() error { return nil }
