package blob

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/jacktea/mailblob/pkg/cache"
	"github.com/jacktea/mailblob/pkg/xerrors"
)

// UncompressedCache keeps inflated copies of compressed blobs, keyed by
// digest, so that readers over compressed content can seek and take
// sub-ranges cheaply. Evicted copies are deleted once their last reader
// closes.
type UncompressedCache struct {
	dir    string
	logger *slog.Logger

	// mu serializes lookup+acquire against eviction so a handle is never
	// removed between being found and being claimed by a reader.
	mu  sync.Mutex
	lru *cache.Cache
}

// NewUncompressedCache creates dir and returns a cache holding at most
// entries inflated files. Stale files from a previous process are removed.
func NewUncompressedCache(dir string, entries int, logger *slog.Logger) (*UncompressedCache, error) {
	if dir == "" {
		return nil, xerrors.E(xerrors.KindIllegalArgument, "NewUncompressedCache", "dir")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.WrapIO("NewUncompressedCache", dir, err)
	}
	stale, err := os.ReadDir(dir)
	if err != nil {
		return nil, xerrors.WrapIO("NewUncompressedCache", dir, err)
	}
	for _, entry := range stale {
		if !entry.IsDir() {
			os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
	u := &UncompressedCache{dir: dir, logger: logger}
	u.lru = cache.NewWithOptions(cache.Options{
		Capacity: entries,
		OnEvict:  u.evicted,
	})
	return u, nil
}

func (u *UncompressedCache) evicted(key string, value any) {
	h, ok := value.(*SharedFileHandle)
	if !ok {
		return
	}
	now, err := h.DeleteWhenIdle()
	if err != nil {
		u.logger.Warn("uncompressed cache: remove failed", "path", h.Path(), "err", err)
		return
	}
	if !now {
		u.logger.Debug("uncompressed cache: removal deferred", "digest", key, "readers", h.ActiveReaders())
	}
}

// OpenReader returns a full-range Reader over the inflated content of b,
// inflating into the cache on a miss. Plain blobs are read directly.
func (u *UncompressedCache) OpenReader(b *ContentBlob) (*Reader, error) {
	compressed, err := b.IsCompressed()
	if err != nil {
		return nil, err
	}
	if !compressed {
		return b.OpenReader()
	}
	digest, err := b.Digest()
	if err != nil {
		return nil, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if v, ok := u.lru.Get(digest); ok {
		return NewReader(v.(*SharedFileHandle), 0, -1)
	}
	h, err := u.inflate(b, digest)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(h, 0, -1)
	if err != nil {
		return nil, err
	}
	u.lru.Set(digest, h)
	return r, nil
}

// inflate writes a fresh copy under a unique name. A digest evicted while
// still being read keeps its old file until that reader closes, so a
// re-inflated copy must not share its path.
func (u *UncompressedCache) inflate(b *ContentBlob, digest string) (*SharedFileHandle, error) {
	src, err := b.OpenStream()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	tmp, err := os.CreateTemp(u.dir, digest+"-*")
	if err != nil {
		return nil, xerrors.WrapIO("UncompressedCache.inflate", u.dir, err)
	}
	name := tmp.Name()
	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(name)
		return nil, xerrors.WrapIO("UncompressedCache.inflate", b.Path(), err)
	}
	return NewSharedFileHandle(name, false, n), nil
}

// Contains reports whether an inflated copy for digest is cached.
func (u *UncompressedCache) Contains(digest string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.lru.Get(digest)
	return ok
}

// Remove evicts the copy for digest, deferring deletion while it is read.
func (u *UncompressedCache) Remove(digest string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lru.Delete(digest)
}

// Len returns the number of cached copies.
func (u *UncompressedCache) Len() int { return u.lru.Size() }

// Close evicts every entry.
func (u *UncompressedCache) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.lru.Purge()
	return u.lru.Close()
}
