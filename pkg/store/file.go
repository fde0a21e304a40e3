package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jacktea/mailblob/pkg/blob"
	"github.com/jacktea/mailblob/pkg/gc"
	"github.com/jacktea/mailblob/pkg/incoming"
	"github.com/jacktea/mailblob/pkg/volume"
	"github.com/jacktea/mailblob/pkg/xerrors"
)

const copyBufferSize = 32 << 10

// FileOptions configures a FileStore.
type FileOptions struct {
	// VolumeID pins writes to one volume. IDNone follows the current
	// message volume.
	VolumeID         volume.ID
	Fsync            bool
	Algorithm        blob.Algorithm
	CompressionLevel int

	// Sweep runs the incoming sweeper between Startup and Shutdown.
	Sweep         bool
	MaxAge        time.Duration
	SweepInterval time.Duration

	// UncompressedCacheDir enables seekable reads of compressed blobs.
	UncompressedCacheDir     string
	UncompressedCacheEntries int

	Logger *slog.Logger
}

// FileStore keeps each blob as one file under a volume root. Locators are
// volume ids.
type FileStore struct {
	volumes *volume.Manager
	opts    FileOptions
	logger  *slog.Logger
	sweeper *gc.Sweeper
	ucache  *blob.UncompressedCache

	mu       sync.Mutex
	incoming map[volume.ID]*incoming.Directory
}

var _ Manager = (*FileStore)(nil)

// NewFileStore returns a local-disk backend over the volumes in vm.
func NewFileStore(vm *volume.Manager, opts FileOptions) (*FileStore, error) {
	if vm == nil {
		return nil, xerrors.E(xerrors.KindIllegalArgument, "store.NewFileStore", "nil volume manager")
	}
	if opts.Algorithm == "" {
		opts.Algorithm = blob.DefaultAlgorithm
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &FileStore{
		volumes:  vm,
		opts:     opts,
		logger:   logger,
		incoming: make(map[volume.ID]*incoming.Directory),
		sweeper: gc.NewSweeper(gc.Options{
			MaxAge:   opts.MaxAge,
			Interval: opts.SweepInterval,
			Logger:   logger,
		}),
	}
	return s, nil
}

func (s *FileStore) Supports(f Feature) bool {
	return f == FeatureBulkDelete
}

// Startup creates the incoming directory of every message volume, opens
// the uncompressed cache and starts the sweeper. The sweeper runs until
// Shutdown or until ctx is canceled.
func (s *FileStore) Startup(ctx context.Context) error {
	for _, v := range s.messageVolumes() {
		if _, err := s.incomingDir(v); err != nil {
			return err
		}
	}
	if s.opts.UncompressedCacheDir != "" && s.ucache == nil {
		uc, err := blob.NewUncompressedCache(s.opts.UncompressedCacheDir, s.opts.UncompressedCacheEntries, s.logger)
		if err != nil {
			return err
		}
		s.ucache = uc
	}
	if s.opts.Sweep {
		s.sweeper.Start(ctx)
	}
	s.logger.Info("file store started", "volumes", len(s.messageVolumes()), "sweep", s.opts.Sweep)
	return nil
}

// Shutdown stops the sweeper and drops cached inflated copies.
func (s *FileStore) Shutdown(ctx context.Context) error {
	s.sweeper.Stop()
	if s.ucache != nil {
		err := s.ucache.Close()
		s.ucache = nil
		return err
	}
	return nil
}

// Sweeper exposes the incoming reclaimer.
func (s *FileStore) Sweeper() *gc.Sweeper { return s.sweeper }

func (s *FileStore) messageVolumes() []volume.Volume {
	return append(s.volumes.ByType(volume.TypeMessage), s.volumes.ByType(volume.TypeMessageSecondary)...)
}

func (s *FileStore) writeVolume() (volume.Volume, error) {
	if s.opts.VolumeID != volume.IDNone {
		return s.volumes.Get(s.opts.VolumeID)
	}
	v, ok := s.volumes.Current(volume.TypeMessage)
	if !ok {
		return volume.Volume{}, xerrors.E(xerrors.KindIllegalState, "store.writeVolume", "no current message volume")
	}
	return v, nil
}

// volumeFor resolves a locator. An empty locator means the write volume.
func (s *FileStore) volumeFor(locator string) (volume.Volume, error) {
	if locator == "" {
		return s.writeVolume()
	}
	id, err := volume.ParseID(locator)
	if err != nil {
		return volume.Volume{}, err
	}
	return s.volumes.Get(id)
}

// volumeOf finds the volume whose root holds path, falling back to the
// write volume.
func (s *FileStore) volumeOf(path string) (volume.Volume, error) {
	for _, v := range s.messageVolumes() {
		if v.Contains(path) {
			return v, nil
		}
	}
	return s.writeVolume()
}

func (s *FileStore) incomingDir(v volume.Volume) (*incoming.Directory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dir, ok := s.incoming[v.ID]; ok {
		return dir, nil
	}
	dir := incoming.New(v.IncomingDir())
	if err := dir.Ensure(); err != nil {
		return nil, err
	}
	s.incoming[v.ID] = dir
	s.sweeper.Register(dir)
	return dir, nil
}

func (s *FileStore) newBuilder(storeAsIs bool) (*blob.Builder, error) {
	v, err := s.writeVolume()
	if err != nil {
		return nil, err
	}
	dir, err := s.incomingDir(v)
	if err != nil {
		return nil, err
	}
	return blob.NewBuilder(dir.NewPath(), blob.BuilderOptions{
		Compress:             v.CompressBlobs && !storeAsIs,
		CompressionThreshold: v.CompressionThreshold,
		CompressionLevel:     s.opts.CompressionLevel,
		Fsync:                s.opts.Fsync,
		Algorithm:            s.opts.Algorithm,
	}), nil
}

func (s *FileStore) GetBlobBuilder(ctx context.Context) (*blob.Builder, error) {
	return s.newBuilder(false)
}

func (s *FileStore) StoreIncoming(ctx context.Context, r io.Reader, storeAsIs bool) (*blob.ContentBlob, error) {
	b, err := s.newBuilder(storeAsIs)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, copyBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			b.Dispose()
			return nil, err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if err := b.Append(buf[:n]); err != nil {
				return nil, err
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			b.Dispose()
			return nil, xerrors.WrapIO("store.StoreIncoming", b.Path(), rerr)
		}
	}
	cb, err := b.Finish()
	if err != nil {
		return nil, err
	}
	s.logger.Debug("stored incoming blob", "path", cb.Path(), "size", b.TotalBytes(), "compressed", b.IsCompressed())
	return cb, nil
}

func (s *FileStore) StoreIncomingBytes(ctx context.Context, data []byte, storeAsIs bool) (*blob.ContentBlob, error) {
	return s.StoreIncoming(ctx, bytes.NewReader(data), storeAsIs)
}

// Stage wraps the incoming blob without moving it.
func (s *FileStore) Stage(ctx context.Context, b *blob.ContentBlob, mbox Mailbox) (*StagedBlob, error) {
	if b == nil {
		return nil, xerrors.E(xerrors.KindIllegalArgument, "store.Stage", "nil blob")
	}
	digest, err := b.Digest()
	if err != nil {
		return nil, err
	}
	size, err := b.RawSize()
	if err != nil {
		return nil, err
	}
	v, err := s.volumeOf(b.Path())
	if err != nil {
		return nil, err
	}
	return NewStagedBlob(mbox, digest, size, v.ID.String(), b), nil
}

func (s *FileStore) StageStream(ctx context.Context, r io.Reader, mbox Mailbox) (*StagedBlob, error) {
	b, err := s.StoreIncoming(ctx, r, false)
	if err != nil {
		return nil, err
	}
	staged, err := s.Stage(ctx, b, mbox)
	if err != nil {
		b.Remove()
		return nil, err
	}
	return staged, nil
}

func (s *FileStore) committed(staged *StagedBlob, v volume.Volume, mbox Mailbox, itemID int64, revision int, cb *blob.ContentBlob) *MailboxBlob {
	mb := NewMailboxBlob(mbox, itemID, revision, v.ID.String(), cb)
	mb.SetSize(staged.Size())
	mb.SetDigest(staged.Digest())
	return mb
}

func (s *FileStore) stagedSource(op string, staged *StagedBlob) (*blob.ContentBlob, volume.Volume, error) {
	if staged == nil || staged.Blob() == nil {
		return nil, volume.Volume{}, xerrors.E(xerrors.KindIllegalArgument, op, "staged blob has no local content")
	}
	if staged.Consumed() {
		return nil, volume.Volume{}, xerrors.E(xerrors.KindIllegalState, op, "staged blob already committed by rename")
	}
	v, err := s.volumeFor(staged.Locator())
	return staged.Blob(), v, err
}

// Link hard links the staged file to its permanent path, copying when the
// filesystem refuses the link.
func (s *FileStore) Link(ctx context.Context, staged *StagedBlob, mbox Mailbox, itemID int64, revision int) (*MailboxBlob, error) {
	src, v, err := s.stagedSource("store.Link", staged)
	if err != nil {
		return nil, err
	}
	dest := v.BlobPath(mbox.ID, itemID, revision)
	linked, err := blob.LinkOrCopy(src.Path(), dest, s.opts.Fsync)
	if err != nil {
		return nil, err
	}
	if !linked {
		s.logger.Debug("link fell back to copy", "src", src.Path(), "dest", dest)
	}
	cb := blob.NewContentBlob(dest, src.Algorithm())
	cb.SetDigest(staged.Digest())
	cb.SetRawSize(staged.Size())
	if compressed, err := src.IsCompressed(); err == nil {
		cb.SetCompressed(compressed)
	}
	return s.committed(staged, v, mbox, itemID, revision, cb), nil
}

// RenameTo moves the staged file to its permanent path.
func (s *FileStore) RenameTo(ctx context.Context, staged *StagedBlob, mbox Mailbox, itemID int64, revision int) (*MailboxBlob, error) {
	src, v, err := s.stagedSource("store.RenameTo", staged)
	if err != nil {
		return nil, err
	}
	if !staged.consume() {
		return nil, xerrors.E(xerrors.KindIllegalState, "store.RenameTo", "staged blob already committed by rename")
	}
	if err := src.Rename(v.BlobPath(mbox.ID, itemID, revision)); err != nil {
		staged.release()
		return nil, err
	}
	return s.committed(staged, v, mbox, itemID, revision, src), nil
}

// Copy links src into the destination item on the write volume.
func (s *FileStore) Copy(ctx context.Context, src *MailboxBlob, dest Mailbox, itemID int64, revision int) (*MailboxBlob, error) {
	if src == nil || src.Blob() == nil {
		return nil, xerrors.E(xerrors.KindIllegalArgument, "store.Copy", "nil source")
	}
	v, err := s.writeVolume()
	if err != nil {
		return nil, err
	}
	size, err := src.Size()
	if err != nil {
		return nil, err
	}
	digest, err := src.Digest()
	if err != nil {
		return nil, err
	}
	path := v.BlobPath(dest.ID, itemID, revision)
	if _, err := blob.LinkOrCopy(src.Blob().Path(), path, s.opts.Fsync); err != nil {
		return nil, err
	}
	cb := blob.NewContentBlob(path, src.Blob().Algorithm())
	cb.SetDigest(digest)
	cb.SetRawSize(size)
	mb := NewMailboxBlob(dest, itemID, revision, v.ID.String(), cb)
	mb.SetSize(size)
	mb.SetDigest(digest)
	return mb, nil
}

// GetMailboxBlob resolves an item revision. A missing file is KindNotFound.
func (s *FileStore) GetMailboxBlob(ctx context.Context, mbox Mailbox, itemID int64, revision int, locator string) (*MailboxBlob, error) {
	v, err := s.volumeFor(locator)
	if err != nil {
		return nil, err
	}
	path := v.BlobPath(mbox.ID, itemID, revision)
	if _, err := os.Stat(path); err != nil {
		return nil, xerrors.WrapIO("store.GetMailboxBlob", path, err)
	}
	return NewMailboxBlob(mbox, itemID, revision, v.ID.String(), blob.NewContentBlob(path, s.opts.Algorithm)), nil
}

func (s *FileStore) GetLocalBlob(ctx context.Context, mb *MailboxBlob) (*blob.ContentBlob, error) {
	if mb == nil || mb.Blob() == nil {
		return nil, xerrors.E(xerrors.KindIllegalArgument, "store.GetLocalBlob", "nil mailbox blob")
	}
	return mb.Blob(), nil
}

func (s *FileStore) GetContent(ctx context.Context, mb *MailboxBlob) (*blob.Reader, error) {
	b, err := s.GetLocalBlob(ctx, mb)
	if err != nil {
		return nil, err
	}
	return s.GetBlobContent(ctx, b)
}

// GetBlobContent opens a reader, going through the uncompressed cache for
// compressed blobs when one is configured.
func (s *FileStore) GetBlobContent(ctx context.Context, b *blob.ContentBlob) (*blob.Reader, error) {
	if b == nil {
		return nil, xerrors.E(xerrors.KindIllegalArgument, "store.GetBlobContent", "nil blob")
	}
	if s.ucache != nil {
		return s.ucache.OpenReader(b)
	}
	return b.OpenReader()
}

func (s *FileStore) DeleteBlob(ctx context.Context, b *blob.ContentBlob) (bool, error) {
	if b == nil {
		return false, nil
	}
	return b.Remove()
}

// DeleteStaged removes the staged file. A staged blob consumed by RenameTo
// no longer owns a file and reports false.
func (s *FileStore) DeleteStaged(ctx context.Context, staged *StagedBlob) (bool, error) {
	if staged == nil || staged.Blob() == nil || staged.Consumed() {
		return false, nil
	}
	return staged.Blob().Remove()
}

func (s *FileStore) DeleteMailboxBlob(ctx context.Context, mb *MailboxBlob) (bool, error) {
	if mb == nil || mb.Blob() == nil {
		return false, nil
	}
	return mb.Blob().Remove()
}

// DeleteStore removes the mailbox directory from every message volume; blobs
// is not consulted.
func (s *FileStore) DeleteStore(ctx context.Context, mbox Mailbox, blobs iter.Seq[*MailboxBlob]) (bool, error) {
	var deleted bool
	for _, v := range s.messageVolumes() {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		dir := v.MailboxDir(mbox.ID)
		if _, err := os.Stat(dir); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return deleted, xerrors.WrapIO("store.DeleteStore", dir, err)
		}
		if err := os.RemoveAll(dir); err != nil {
			return deleted, xerrors.WrapIO("store.DeleteStore", dir, err)
		}
		s.logger.Info("deleted mailbox store", "mailbox", mbox.ID, "volume", v.ID, "dir", dir)
		deleted = true
	}
	return deleted, nil
}
