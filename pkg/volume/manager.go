package volume

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/jacktea/mailblob/pkg/xerrors"
)

// Manager is the in-process view of the volume table. Reads are served from
// memory; mutations go to the Store first and update the view on success.
type Manager struct {
	store  Store
	logger *slog.Logger

	mu      sync.RWMutex
	volumes map[ID]Volume
	current map[Type]ID
}

// NewManager loads the volume table from store.
func NewManager(ctx context.Context, store Store, logger *slog.Logger) (*Manager, error) {
	if store == nil {
		return nil, xerrors.E(xerrors.KindIllegalArgument, "volume.NewManager", "nil store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{store: store, logger: logger}
	if err := m.Reload(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload replaces the in-memory view with the persisted table.
func (m *Manager) Reload(ctx context.Context) error {
	vols, err := m.store.List(ctx)
	if err != nil {
		return err
	}
	current, err := m.store.Current(ctx)
	if err != nil {
		return err
	}
	byID := make(map[ID]Volume, len(vols))
	for _, v := range vols {
		byID[v.ID] = v
	}
	for t, id := range current {
		if _, ok := byID[id]; !ok {
			m.logger.Warn("current volume missing from table", "type", t, "id", id)
			delete(current, t)
		}
	}
	m.mu.Lock()
	m.volumes = byID
	m.current = current
	m.mu.Unlock()
	return nil
}

// Get returns the volume with the given id.
func (m *Manager) Get(id ID) (Volume, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.volumes[id]
	if !ok {
		return Volume{}, xerrors.E(xerrors.KindNotFound, "volume.Get", id.String())
	}
	return v, nil
}

// List returns every volume ordered by id.
func (m *Manager) List() []Volume {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Volume, 0, len(m.volumes))
	for _, v := range m.volumes {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByType returns the volumes of one type ordered by id.
func (m *Manager) ByType(t Type) []Volume {
	var out []Volume
	for _, v := range m.List() {
		if v.Type == t {
			out = append(out, v)
		}
	}
	return out
}

// Current returns the current volume of type t.
func (m *Manager) Current(t Type) (Volume, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.current[t]
	if !ok {
		return Volume{}, false
	}
	v, ok := m.volumes[id]
	return v, ok
}

func (m *Manager) isCurrentLocked(id ID) (Type, bool) {
	for t, cur := range m.current {
		if cur == id {
			return t, true
		}
	}
	return 0, false
}

// SetCurrent makes id the current volume of type t. IDNone unsets it.
func (m *Manager) SetCurrent(ctx context.Context, t Type, id ID) error {
	const op = "volume.SetCurrent"
	if !t.valid() {
		return xerrors.E(xerrors.KindIllegalArgument, op, t.String())
	}
	if id != IDNone {
		v, err := m.Get(id)
		if err != nil {
			return err
		}
		if v.Type != t {
			return xerrors.E(xerrors.KindIllegalArgument, op, "volume "+id.String()+" is not a "+t.String()+" volume")
		}
	}
	if err := m.store.SetCurrent(ctx, t, id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == IDNone {
		delete(m.current, t)
	} else {
		m.current[t] = id
	}
	m.logger.Info("current volume changed", "type", t, "id", id)
	return nil
}

// normalize resolves the root path and applies the default hashing bits.
func normalize(v Volume) (Volume, error) {
	if v.RootPath == "" {
		return v, xerrors.E(xerrors.KindIllegalArgument, "volume.normalize", "missing root path")
	}
	abs, err := filepath.Abs(v.RootPath)
	if err != nil {
		return v, xerrors.Wrap(xerrors.KindIllegalArgument, "volume.normalize", v.RootPath, err)
	}
	v.RootPath = abs
	if v.MboxGroupBits == 0 {
		v.MboxGroupBits = DefaultMboxGroupBits
	}
	if v.MboxBits == 0 {
		v.MboxBits = DefaultMboxBits
	}
	if v.FileGroupBits == 0 {
		v.FileGroupBits = DefaultFileGroupBits
	}
	if v.FileBits == 0 {
		v.FileBits = DefaultFileBits
	}
	return v, v.Validate()
}

// checkRootLocked rejects roots that do not exist or that nest with another
// volume's root.
func (m *Manager) checkRootLocked(v Volume) error {
	const op = "volume.checkRoot"
	info, err := os.Stat(v.RootPath)
	if err != nil {
		return xerrors.WrapIO(op, v.RootPath, err)
	}
	if !info.IsDir() {
		return xerrors.E(xerrors.KindIllegalArgument, op, "not a directory: "+v.RootPath)
	}
	for _, other := range m.volumes {
		if other.ID == v.ID {
			continue
		}
		if other.Contains(v.RootPath) || v.Contains(other.RootPath) {
			return xerrors.E(xerrors.KindIllegalArgument, op, v.RootPath+" overlaps volume "+other.ID.String())
		}
	}
	return nil
}

// Create adds a volume. An ID of IDNone assigns the lowest free id.
func (m *Manager) Create(ctx context.Context, v Volume) (Volume, error) {
	const op = "volume.Create"
	v, err := normalize(v)
	if err != nil {
		return Volume{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.ID == IDNone {
		for id := ID(1); id <= MaxID; id++ {
			if _, taken := m.volumes[id]; !taken {
				v.ID = id
				break
			}
		}
		if v.ID == IDNone {
			return Volume{}, xerrors.E(xerrors.KindIllegalState, op, "no free volume ids")
		}
	}
	if err := ValidateID(v.ID); err != nil {
		return Volume{}, err
	}
	if _, exists := m.volumes[v.ID]; exists {
		return Volume{}, xerrors.E(xerrors.KindIllegalState, op, "volume "+v.ID.String()+" exists")
	}
	if err := m.checkRootLocked(v); err != nil {
		return Volume{}, err
	}
	if err := m.store.Put(ctx, v); err != nil {
		return Volume{}, err
	}
	m.volumes[v.ID] = v
	m.logger.Info("volume created", "id", v.ID, "type", v.Type, "root", v.RootPath)
	return v, nil
}

// Update replaces an existing volume. The type of a current volume cannot
// change.
func (m *Manager) Update(ctx context.Context, v Volume) (Volume, error) {
	const op = "volume.Update"
	if err := ValidateID(v.ID); err != nil {
		return Volume{}, err
	}
	v, err := normalize(v)
	if err != nil {
		return Volume{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.volumes[v.ID]
	if !ok {
		return Volume{}, xerrors.E(xerrors.KindNotFound, op, v.ID.String())
	}
	if old.Type != v.Type {
		if t, cur := m.isCurrentLocked(v.ID); cur {
			return Volume{}, xerrors.E(xerrors.KindIllegalState, op, "cannot change type of current "+t.String()+" volume "+v.ID.String())
		}
	}
	if err := m.checkRootLocked(v); err != nil {
		return Volume{}, err
	}
	if err := m.store.Put(ctx, v); err != nil {
		return Volume{}, err
	}
	m.volumes[v.ID] = v
	return v, nil
}

// Delete removes a volume from the table. Files under its root are left in
// place. A current volume cannot be deleted.
func (m *Manager) Delete(ctx context.Context, id ID) (bool, error) {
	const op = "volume.Delete"
	if err := ValidateID(id); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, cur := m.isCurrentLocked(id); cur {
		return false, xerrors.E(xerrors.KindIllegalState, op, "cannot delete current "+t.String()+" volume "+id.String())
	}
	deleted, err := m.store.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	delete(m.volumes, id)
	return deleted, nil
}

// Close closes the underlying store.
func (m *Manager) Close() error { return m.store.Close() }
