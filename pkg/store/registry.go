package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jacktea/mailblob/pkg/blob"
	"github.com/jacktea/mailblob/pkg/volume"
	"github.com/jacktea/mailblob/pkg/xerrors"
)

// FileBackend is the identifier of the local-disk backend.
const FileBackend = "file"

// Config is the process-wide store configuration resolved by Init.
type Config struct {
	// Backend names the writer backend.
	Backend string
	// Readers names a backend per volume for blobs on older volumes.
	Readers map[volume.ID]string
	Volumes *volume.Manager

	Fsync            bool
	Digest           blob.Algorithm
	CompressionLevel int

	IncomingMaxAge time.Duration
	SweepInterval  time.Duration

	UncompressedCacheDir     string
	UncompressedCacheEntries int

	// Timing wraps every backend in a TimingStore.
	Timing bool
	Logger *slog.Logger
}

// Factory builds a backend. vol is IDNone for the writer and the volume id
// for a reader backend.
type Factory func(cfg Config, vol volume.ID) (Manager, error)

// Registry maps backend identifiers to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Registering an id twice is an error.
func (r *Registry) Register(id string, f Factory) error {
	if id == "" || f == nil {
		return xerrors.E(xerrors.KindIllegalArgument, "store.Register", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[id]; dup {
		return xerrors.E(xerrors.KindIllegalState, "store.Register", "backend "+id+" already registered")
	}
	r.factories[id] = f
	return nil
}

// Lookup returns the factory for id.
func (r *Registry) Lookup(id string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[id]
	if !ok {
		return nil, xerrors.E(xerrors.KindNotFound, "store.Lookup", "backend "+id)
	}
	return f, nil
}

// IDs lists the registered identifiers.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for id := range r.factories {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Build resolves cfg into a Router over the writer and reader backends.
func (r *Registry) Build(cfg Config) (*Router, error) {
	if cfg.Backend == "" {
		cfg.Backend = FileBackend
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	create := func(id string, vol volume.ID) (Manager, error) {
		f, err := r.Lookup(id)
		if err != nil {
			return nil, err
		}
		m, err := f(cfg, vol)
		if err != nil {
			return nil, err
		}
		if cfg.Timing {
			m = NewTimingStore(m, cfg.Logger.With("backend", id))
		}
		return m, nil
	}
	writer, err := create(cfg.Backend, volume.IDNone)
	if err != nil {
		return nil, err
	}
	readers := make(map[volume.ID]Manager, len(cfg.Readers))
	for vol, id := range cfg.Readers {
		if err := volume.ValidateID(vol); err != nil {
			return nil, err
		}
		m, err := create(id, vol)
		if err != nil {
			return nil, err
		}
		readers[vol] = m
	}
	return NewRouter(writer, readers, cfg.Logger), nil
}

var defaultRegistry = NewRegistry()

// Register adds a factory to the process-wide registry.
func Register(id string, f Factory) error { return defaultRegistry.Register(id, f) }

// Backends lists the identifiers in the process-wide registry.
func Backends() []string { return defaultRegistry.IDs() }

func init() {
	if err := Register(FileBackend, newFileBackend); err != nil {
		panic(err)
	}
}

// newFileBackend builds the local-disk backend. Only the writer sweeps
// incoming directories and keeps an uncompressed cache.
func newFileBackend(cfg Config, vol volume.ID) (Manager, error) {
	if cfg.Volumes == nil {
		return nil, xerrors.E(xerrors.KindIllegalArgument, "store.newFileBackend", "volume manager required")
	}
	opts := FileOptions{
		VolumeID:         vol,
		Fsync:            cfg.Fsync,
		Algorithm:        cfg.Digest,
		CompressionLevel: cfg.CompressionLevel,
		MaxAge:           cfg.IncomingMaxAge,
		SweepInterval:    cfg.SweepInterval,
		Logger:           cfg.Logger,
	}
	if vol == volume.IDNone {
		opts.Sweep = true
		opts.UncompressedCacheDir = cfg.UncompressedCacheDir
		opts.UncompressedCacheEntries = cfg.UncompressedCacheEntries
	}
	return NewFileStore(cfg.Volumes, opts)
}

var (
	initMu   sync.Mutex
	resolved *Router
	stopped  bool
)

// Init resolves cfg against the process-wide registry and starts the
// result. It may succeed only once per process.
func Init(ctx context.Context, cfg Config) (Manager, error) {
	initMu.Lock()
	defer initMu.Unlock()
	if resolved != nil {
		return nil, xerrors.E(xerrors.KindIllegalState, "store.Init", "already initialized")
	}
	router, err := defaultRegistry.Build(cfg)
	if err != nil {
		return nil, err
	}
	if err := router.Startup(ctx); err != nil {
		router.Shutdown(ctx)
		return nil, err
	}
	resolved = router
	return router, nil
}

// Default returns the manager resolved by Init.
func Default() (Manager, error) {
	initMu.Lock()
	defer initMu.Unlock()
	if resolved == nil {
		return nil, xerrors.E(xerrors.KindIllegalState, "store.Default", "not initialized")
	}
	return resolved, nil
}

// Close shuts down the manager resolved by Init. Later calls are no-ops;
// a call before Init does nothing.
func Close(ctx context.Context) error {
	initMu.Lock()
	r := resolved
	already := stopped
	if r != nil {
		stopped = true
	}
	initMu.Unlock()
	if r == nil || already {
		return nil
	}
	return r.Shutdown(ctx)
}
