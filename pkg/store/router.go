package store

import (
	"context"
	"io"
	"iter"
	"log/slog"
	"sync"

	"github.com/jacktea/mailblob/pkg/blob"
	"github.com/jacktea/mailblob/pkg/cache"
	"github.com/jacktea/mailblob/pkg/volume"
)

// defaultRouteEntries bounds the locator dispatch cache.
const defaultRouteEntries = 4096

// Router sends creating calls to the writer backend and dispatches reads
// and deletes on the volume id in a blob's locator. Locators without a
// registered reader fall back to the writer. Resolved dispatches are cached
// and only change after Refresh.
type Router struct {
	writer Manager
	logger *slog.Logger

	mu      sync.RWMutex
	readers map[volume.ID]Manager

	routes *cache.Cache
}

var _ Manager = (*Router)(nil)

// NewRouter returns a router over writer and the per-volume readers.
func NewRouter(writer Manager, readers map[volume.ID]Manager, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		writer:  writer,
		logger:  logger,
		readers: make(map[volume.ID]Manager, len(readers)),
		routes:  cache.New(defaultRouteEntries, 0),
	}
	for id, m := range readers {
		r.readers[id] = m
	}
	return r
}

// Writer returns the backend used for new blobs.
func (r *Router) Writer() Manager { return r.writer }

// SetReader registers m for locators naming id. Cached dispatches are kept
// until Refresh.
func (r *Router) SetReader(id volume.ID, m Manager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m == nil {
		delete(r.readers, id)
		return
	}
	r.readers[id] = m
}

// Refresh drops every cached dispatch.
func (r *Router) Refresh() {
	r.routes.Clear()
	r.logger.Debug("store routes refreshed")
}

func (r *Router) route(locator string) Manager {
	if v, ok := r.routes.Get(locator); ok {
		return v.(Manager)
	}
	m := r.writer
	if id, err := volume.ParseID(locator); err == nil {
		r.mu.RLock()
		if reader, ok := r.readers[id]; ok {
			m = reader
		}
		r.mu.RUnlock()
	}
	r.routes.Set(locator, m)
	return m
}

func (r *Router) backends() []Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []Manager{r.writer}
	for _, m := range r.readers {
		seen := false
		for _, o := range out {
			if o == m {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, m)
		}
	}
	return out
}

// Startup starts every distinct backend.
func (r *Router) Startup(ctx context.Context) error {
	for _, m := range r.backends() {
		if err := m.Startup(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown stops every backend and returns the first failure.
func (r *Router) Shutdown(ctx context.Context) error {
	var first error
	for _, m := range r.backends() {
		if err := m.Shutdown(ctx); err != nil && first == nil {
			first = err
		}
	}
	r.routes.Close()
	return first
}

func (r *Router) Supports(f Feature) bool { return r.writer.Supports(f) }

func (r *Router) GetBlobBuilder(ctx context.Context) (*blob.Builder, error) {
	return r.writer.GetBlobBuilder(ctx)
}

func (r *Router) StoreIncoming(ctx context.Context, rd io.Reader, storeAsIs bool) (*blob.ContentBlob, error) {
	return r.writer.StoreIncoming(ctx, rd, storeAsIs)
}

func (r *Router) StoreIncomingBytes(ctx context.Context, data []byte, storeAsIs bool) (*blob.ContentBlob, error) {
	return r.writer.StoreIncomingBytes(ctx, data, storeAsIs)
}

func (r *Router) Stage(ctx context.Context, b *blob.ContentBlob, mbox Mailbox) (*StagedBlob, error) {
	return r.writer.Stage(ctx, b, mbox)
}

func (r *Router) StageStream(ctx context.Context, rd io.Reader, mbox Mailbox) (*StagedBlob, error) {
	return r.writer.StageStream(ctx, rd, mbox)
}

func (r *Router) Link(ctx context.Context, staged *StagedBlob, mbox Mailbox, itemID int64, revision int) (*MailboxBlob, error) {
	return r.writer.Link(ctx, staged, mbox, itemID, revision)
}

func (r *Router) RenameTo(ctx context.Context, staged *StagedBlob, mbox Mailbox, itemID int64, revision int) (*MailboxBlob, error) {
	return r.writer.RenameTo(ctx, staged, mbox, itemID, revision)
}

// Copy lets the writer copy directly when it also owns the source;
// otherwise the content is streamed out of the owning backend and
// committed through the writer.
func (r *Router) Copy(ctx context.Context, src *MailboxBlob, dest Mailbox, itemID int64, revision int) (*MailboxBlob, error) {
	owner := r.route(src.Locator())
	if owner == r.writer {
		return r.writer.Copy(ctx, src, dest, itemID, revision)
	}
	rd, err := owner.GetContent(ctx, src)
	if err != nil {
		return nil, err
	}
	defer rd.Close()
	staged, err := r.writer.StageStream(ctx, rd, dest)
	if err != nil {
		return nil, err
	}
	mb, err := r.writer.RenameTo(ctx, staged, dest, itemID, revision)
	if err != nil {
		r.writer.DeleteStaged(ctx, staged)
		return nil, err
	}
	return mb, nil
}

func (r *Router) GetMailboxBlob(ctx context.Context, mbox Mailbox, itemID int64, revision int, locator string) (*MailboxBlob, error) {
	return r.route(locator).GetMailboxBlob(ctx, mbox, itemID, revision, locator)
}

func (r *Router) GetLocalBlob(ctx context.Context, mb *MailboxBlob) (*blob.ContentBlob, error) {
	return r.route(mb.Locator()).GetLocalBlob(ctx, mb)
}

func (r *Router) GetContent(ctx context.Context, mb *MailboxBlob) (*blob.Reader, error) {
	return r.route(mb.Locator()).GetContent(ctx, mb)
}

func (r *Router) GetBlobContent(ctx context.Context, b *blob.ContentBlob) (*blob.Reader, error) {
	return r.writer.GetBlobContent(ctx, b)
}

func (r *Router) DeleteBlob(ctx context.Context, b *blob.ContentBlob) (bool, error) {
	return r.writer.DeleteBlob(ctx, b)
}

func (r *Router) DeleteStaged(ctx context.Context, staged *StagedBlob) (bool, error) {
	return r.route(staged.Locator()).DeleteStaged(ctx, staged)
}

func (r *Router) DeleteMailboxBlob(ctx context.Context, mb *MailboxBlob) (bool, error) {
	return r.route(mb.Locator()).DeleteMailboxBlob(ctx, mb)
}

// DeleteStore wipes mbox from every backend. Backends without bulk delete
// are given only the blobs routed to them.
func (r *Router) DeleteStore(ctx context.Context, mbox Mailbox, blobs iter.Seq[*MailboxBlob]) (bool, error) {
	var deleted bool
	for _, m := range r.backends() {
		var ok bool
		var err error
		if m.Supports(FeatureBulkDelete) {
			ok, err = m.DeleteStore(ctx, mbox, blobs)
		} else {
			ok, err = DeleteEach(ctx, m, r.owned(m, blobs))
		}
		if err != nil {
			return deleted, err
		}
		deleted = deleted || ok
	}
	return deleted, nil
}

func (r *Router) owned(m Manager, blobs iter.Seq[*MailboxBlob]) iter.Seq[*MailboxBlob] {
	if blobs == nil {
		return nil
	}
	return func(yield func(*MailboxBlob) bool) {
		for mb := range blobs {
			if r.route(mb.Locator()) != m {
				continue
			}
			if !yield(mb) {
				return
			}
		}
	}
}
