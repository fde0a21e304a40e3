// Package blob holds the on-disk payload model of the mail store: content
// blobs, the builder that writes them, and the shared-descriptor readers
// that stream them back.
package blob

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/jacktea/mailblob/pkg/xerrors"
)

var gzipMagic = []byte{0x1f, 0x8b}

// ContentBlob is a handle to one payload file. Raw size, digest and the
// compressed flag are computed lazily and cached; once observed they never
// change, even if the file is renamed.
type ContentBlob struct {
	mu        sync.Mutex
	path      string
	algorithm Algorithm

	rawSize    int64
	digest     string
	compressed int8 // -1 unknown, 0 plain, 1 gzip

	handle *SharedFileHandle
}

// NewContentBlob wraps an existing file. Nothing is read until a lazy
// attribute or a reader is requested.
func NewContentBlob(path string, algorithm Algorithm) *ContentBlob {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	return &ContentBlob{path: path, algorithm: algorithm, rawSize: -1, compressed: -1}
}

// Path returns the current file location.
func (b *ContentBlob) Path() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.path
}

// Algorithm returns the digest algorithm used for this blob.
func (b *ContentBlob) Algorithm() Algorithm { return b.algorithm }

// SetDigest injects a digest known from persisted metadata. Injecting a
// value different from an already cached one is an error.
func (b *ContentBlob) SetDigest(digest string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.digest != "" && b.digest != digest {
		return xerrors.E(xerrors.KindIllegalState, "ContentBlob.SetDigest", b.path)
	}
	b.digest = digest
	return nil
}

// SetRawSize injects a known uncompressed size.
func (b *ContentBlob) SetRawSize(size int64) error {
	if size < 0 {
		return xerrors.E(xerrors.KindIllegalArgument, "ContentBlob.SetRawSize", b.Path())
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rawSize >= 0 && b.rawSize != size {
		return xerrors.E(xerrors.KindIllegalState, "ContentBlob.SetRawSize", b.path)
	}
	b.rawSize = size
	return nil
}

// SetCompressed injects the known on-disk encoding.
func (b *ContentBlob) SetCompressed(compressed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.compressed < 0 {
		b.compressed = boolFlag(compressed)
	}
}

func boolFlag(v bool) int8 {
	if v {
		return 1
	}
	return 0
}

// sniffInflateBytes is how much content sniffGzip inflates to confirm a
// gzip stream.
const sniffInflateBytes = 4096

// IsCompressed reports whether the file holds a gzip stream, sniffing the
// header on first use.
func (b *ContentBlob) IsCompressed() (bool, error) {
	b.mu.Lock()
	flag, path := b.compressed, b.path
	b.mu.Unlock()
	if flag >= 0 {
		return flag == 1, nil
	}
	compressed, err := sniffGzip(path)
	if err != nil {
		return false, err
	}
	b.mu.Lock()
	if b.compressed < 0 {
		b.compressed = boolFlag(compressed)
	}
	flag = b.compressed
	b.mu.Unlock()
	return flag == 1, nil
}

// sniffGzip reports whether path holds a gzip stream. The magic alone is not
// enough since plain content may start with it, so the header must parse
// and the first block must inflate.
func sniffGzip(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, xerrors.WrapIO("ContentBlob.sniff", path, err)
	}
	defer f.Close()
	br := bufio.NewReader(f)
	header, err := br.Peek(len(gzipMagic))
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return false, nil
	}
	if err != nil {
		return false, xerrors.WrapIO("ContentBlob.sniff", path, err)
	}
	if !bytes.Equal(header, gzipMagic) {
		return false, nil
	}
	zr, err := gzip.NewReader(br)
	if err != nil {
		return false, nil
	}
	defer zr.Close()
	if _, err := io.CopyN(io.Discard, zr, sniffInflateBytes); err != nil && err != io.EOF {
		return false, nil
	}
	return true, nil
}

// Digest returns the digest of the uncompressed content.
func (b *ContentBlob) Digest() (string, error) {
	b.mu.Lock()
	digest := b.digest
	b.mu.Unlock()
	if digest != "" {
		return digest, nil
	}
	if err := b.computeDigestAndSize(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.digest, nil
}

// RawSize returns the uncompressed length of the content.
func (b *ContentBlob) RawSize() (int64, error) {
	b.mu.Lock()
	size := b.rawSize
	b.mu.Unlock()
	if size >= 0 {
		return size, nil
	}
	compressed, err := b.IsCompressed()
	if err != nil {
		return 0, err
	}
	if !compressed {
		info, err := os.Stat(b.Path())
		if err != nil {
			return 0, xerrors.WrapIO("ContentBlob.RawSize", b.Path(), err)
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.rawSize < 0 {
			b.rawSize = info.Size()
		}
		return b.rawSize, nil
	}
	if err := b.computeDigestAndSize(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rawSize, nil
}

// computeDigestAndSize runs one full pass over the content. Concurrent first
// computations may both run; the first stored result wins and results are
// identical since they derive from the same bytes. Failures leave the cache
// unset.
func (b *ContentBlob) computeDigestAndSize() error {
	rc, err := b.OpenStream()
	if err != nil {
		return err
	}
	defer rc.Close()
	digest, size, err := DigestReader(b.algorithm, rc)
	if err != nil {
		return xerrors.WrapIO("ContentBlob.digest", b.Path(), err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.digest == "" {
		b.digest = digest
	}
	if b.rawSize < 0 {
		b.rawSize = size
	}
	return nil
}

// OnDiskSize returns the physical file size, which is smaller than RawSize
// for compressed blobs.
func (b *ContentBlob) OnDiskSize() (int64, error) {
	path := b.Path()
	info, err := os.Stat(path)
	if err != nil {
		return 0, xerrors.WrapIO("ContentBlob.OnDiskSize", path, err)
	}
	return info.Size(), nil
}

// OpenStream returns a sequential reader over the uncompressed content that
// does not share the blob's descriptor.
func (b *ContentBlob) OpenStream() (io.ReadCloser, error) {
	compressed, err := b.IsCompressed()
	if err != nil {
		return nil, err
	}
	path := b.Path()
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.WrapIO("ContentBlob.OpenStream", path, err)
	}
	if !compressed {
		return f, nil
	}
	zr, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		f.Close()
		return nil, xerrors.WrapIO("ContentBlob.OpenStream", path, err)
	}
	return &inflatingReader{Reader: zr, file: f}, nil
}

type inflatingReader struct {
	*gzip.Reader
	file *os.File
}

func (r *inflatingReader) Close() error {
	r.Reader.Close()
	return r.file.Close()
}

// Handle returns the shared descriptor for this blob, creating it on first
// use.
func (b *ContentBlob) Handle() (*SharedFileHandle, error) {
	b.mu.Lock()
	h := b.handle
	b.mu.Unlock()
	if h != nil {
		return h, nil
	}
	compressed, err := b.IsCompressed()
	if err != nil {
		return nil, err
	}
	size := int64(-1)
	if compressed {
		if size, err = b.RawSize(); err != nil {
			return nil, err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handle == nil {
		b.handle = NewSharedFileHandle(b.path, compressed, size)
	}
	return b.handle, nil
}

// OpenReader returns a Reader over the full uncompressed content.
func (b *ContentBlob) OpenReader() (*Reader, error) {
	h, err := b.Handle()
	if err != nil {
		return nil, err
	}
	return NewReader(h, 0, -1)
}

// Rename moves the file to newPath, creating parent directories as needed.
// Renaming to the current path is a no-op. On failure the original file is
// left in place.
func (b *ContentBlob) Rename(newPath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if filepath.Clean(newPath) == filepath.Clean(b.path) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
		return xerrors.WrapIO("ContentBlob.Rename", newPath, err)
	}
	if err := os.Rename(b.path, newPath); err != nil {
		return xerrors.WrapIO("ContentBlob.Rename", b.path, err)
	}
	b.path = newPath
	if b.handle != nil {
		b.handle.setPath(newPath)
	}
	return nil
}

// Remove deletes the file. It reports false when the file was already gone.
// Active readers keep their open descriptor.
func (b *ContentBlob) Remove() (bool, error) {
	return RemoveFile(b.Path())
}

// Close releases the shared descriptor if one was opened.
func (b *ContentBlob) Close() error {
	b.mu.Lock()
	h := b.handle
	b.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Close()
}

func (b *ContentBlob) String() string { return b.Path() }
