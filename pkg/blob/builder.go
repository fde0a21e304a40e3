package blob

import (
	"bytes"
	"errors"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/jacktea/mailblob/pkg/xerrors"
)

// BuilderOptions configures compression and durability of a Builder.
type BuilderOptions struct {
	// Compress enables gzip once more than CompressionThreshold bytes
	// have been appended.
	Compress             bool
	CompressionThreshold int64
	CompressionLevel     int
	Fsync                bool
	Algorithm            Algorithm
}

type builderState int

const (
	stateUninitialized builderState = iota
	stateOpen
	stateFinished
	stateDisposed
)

// Builder writes a new blob file incrementally. It is owned by a single
// goroutine from creation until Finish or Dispose.
type Builder struct {
	path string
	opts BuilderOptions

	state      builderState
	file       *os.File
	zw         *gzip.Writer
	hasher     hash.Hash
	pending    bytes.Buffer
	total      int64
	compressed bool

	blob *ContentBlob
}

// NewBuilder returns a Builder targeting path. The file is created by Init
// or by the first Append.
func NewBuilder(path string, opts BuilderOptions) *Builder {
	if opts.Algorithm == "" {
		opts.Algorithm = DefaultAlgorithm
	}
	if opts.CompressionLevel == 0 {
		opts.CompressionLevel = gzip.DefaultCompression
	}
	return &Builder{path: path, opts: opts}
}

// Path returns the file the builder writes.
func (b *Builder) Path() string { return b.path }

// TotalBytes returns how many uncompressed bytes were appended.
func (b *Builder) TotalBytes() int64 { return b.total }

// IsCompressed reports whether the builder switched to gzip output.
func (b *Builder) IsCompressed() bool { return b.compressed }

// IsFinished reports whether Finish completed.
func (b *Builder) IsFinished() bool { return b.state == stateFinished }

// IsDisposed reports whether Dispose ran.
func (b *Builder) IsDisposed() bool { return b.state == stateDisposed }

// Init creates the output file. Calling it on an open builder is a no-op.
func (b *Builder) Init() error {
	switch b.state {
	case stateOpen:
		return nil
	case stateFinished, stateDisposed:
		return xerrors.E(xerrors.KindIllegalState, "Builder.Init", b.path)
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return xerrors.WrapIO("Builder.Init", b.path, err)
	}
	f, err := os.OpenFile(b.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return xerrors.WrapIO("Builder.Init", b.path, err)
	}
	b.file = f
	b.hasher = b.opts.Algorithm.New()
	b.state = stateOpen
	return nil
}

// Append adds p to the blob. Bytes stay in memory until the compression
// threshold is crossed; from then on everything is streamed through gzip.
// A write failure disposes the builder.
func (b *Builder) Append(p []byte) error {
	if b.state == stateUninitialized {
		if err := b.Init(); err != nil {
			return err
		}
	}
	if b.state != stateOpen {
		return xerrors.E(xerrors.KindIllegalState, "Builder.Append", b.path)
	}
	if len(p) == 0 {
		return nil
	}
	b.hasher.Write(p)
	b.total += int64(len(p))

	var err error
	switch {
	case b.compressed:
		_, err = b.zw.Write(p)
	case !b.opts.Compress:
		_, err = b.file.Write(p)
	case b.total > b.opts.CompressionThreshold:
		err = b.startCompression(p)
	default:
		b.pending.Write(p)
	}
	if err != nil {
		b.Dispose()
		return xerrors.WrapIO("Builder.Append", b.path, err)
	}
	return nil
}

func (b *Builder) startCompression(p []byte) error {
	zw, err := gzip.NewWriterLevel(b.file, b.opts.CompressionLevel)
	if err != nil {
		return err
	}
	b.zw = zw
	b.compressed = true
	if _, err := b.zw.Write(b.pending.Bytes()); err != nil {
		return err
	}
	b.pending = bytes.Buffer{}
	_, err = b.zw.Write(p)
	return err
}

// Write implements io.Writer on top of Append.
func (b *Builder) Write(p []byte) (int, error) {
	if err := b.Append(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// ReadFrom appends everything from r.
func (b *Builder) ReadFrom(r io.Reader) (int64, error) {
	buf := make([]byte, 32<<10)
	var n int64
	for {
		m, err := r.Read(buf)
		if m > 0 {
			if werr := b.Append(buf[:m]); werr != nil {
				return n, werr
			}
			n += int64(m)
		}
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			b.Dispose()
			return n, xerrors.WrapIO("Builder.ReadFrom", b.path, err)
		}
	}
}

// Finish flushes the file and returns the finished blob. If gzip output
// turned out no smaller than the raw bytes, the file is rewritten
// uncompressed. Calling Finish again returns the same blob.
func (b *Builder) Finish() (*ContentBlob, error) {
	switch b.state {
	case stateFinished:
		return b.blob, nil
	case stateDisposed:
		return nil, xerrors.E(xerrors.KindIllegalState, "Builder.Finish", b.path)
	case stateUninitialized:
		if err := b.Init(); err != nil {
			return nil, err
		}
	}
	if err := b.flush(); err != nil {
		b.Dispose()
		return nil, xerrors.WrapIO("Builder.Finish", b.path, err)
	}
	if b.compressed {
		info, err := os.Stat(b.path)
		if err != nil {
			b.Dispose()
			return nil, xerrors.WrapIO("Builder.Finish", b.path, err)
		}
		if info.Size() >= b.total {
			if err := b.rewriteUncompressed(); err == nil {
				b.compressed = false
			}
		}
	}

	blob := NewContentBlob(b.path, b.opts.Algorithm)
	blob.digest = encodeDigest(b.hasher)
	blob.rawSize = b.total
	blob.compressed = boolFlag(b.compressed)
	b.blob = blob
	b.state = stateFinished
	return blob, nil
}

func (b *Builder) flush() error {
	if b.compressed {
		if err := b.zw.Close(); err != nil {
			return err
		}
	} else if b.pending.Len() > 0 {
		if _, err := b.file.Write(b.pending.Bytes()); err != nil {
			return err
		}
		b.pending = bytes.Buffer{}
	}
	if b.opts.Fsync {
		if err := b.file.Sync(); err != nil {
			return err
		}
	}
	err := b.file.Close()
	b.file = nil
	return err
}

// rewriteUncompressed replaces the gzip file with its plain content. The
// compressed file is kept if anything fails.
func (b *Builder) rewriteUncompressed() error {
	src, err := os.Open(b.path)
	if err != nil {
		return err
	}
	defer src.Close()
	zr, err := gzip.NewReader(src)
	if err != nil {
		return err
	}
	defer zr.Close()

	tmp, err := os.CreateTemp(filepath.Dir(b.path), filepath.Base(b.path)+".plain-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	n, err := io.Copy(tmp, zr)
	if err == nil && n != b.total {
		err = io.ErrUnexpectedEOF
	}
	if err == nil && b.opts.Fsync {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmpName, b.path)
	}
	if err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Dispose deletes any partial output. It is safe to call repeatedly; after
// a successful Finish it only marks the builder disposed and leaves the
// finished file to its new owner.
func (b *Builder) Dispose() {
	if b.state == stateDisposed {
		return
	}
	created := b.state == stateOpen
	b.state = stateDisposed
	if b.zw != nil {
		b.zw.Close()
		b.zw = nil
	}
	if b.file != nil {
		b.file.Close()
		b.file = nil
	}
	b.pending = bytes.Buffer{}
	if created {
		os.Remove(b.path)
	}
}
