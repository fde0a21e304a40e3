package blob

import (
	"errors"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/jacktea/mailblob/pkg/xerrors"
)

// SharedFileHandle is one lazily opened descriptor shared by every Reader
// rooted at the same physical file. Physical reads are serialized on the
// handle. The descriptor is reopened on demand after Close.
//
// The active reader count gates deferred deletion: once DeleteWhenIdle has
// been called the file is removed as soon as the last reader releases it.
type SharedFileHandle struct {
	mu         sync.Mutex
	path       string
	compressed bool
	file       *os.File
	// length is the last known readable length in content bytes. It is
	// kept because the file may be unlinked while descriptors stay open.
	length int64
	// position is the content offset the next sequential read starts at.
	position int64
	inflater *gzip.Reader

	readers       int
	deletePending bool
	deleted       bool
}

// NewSharedFileHandle returns a handle for path. For compressed files
// rawSize must be the decompressed length; for plain files a negative
// rawSize means the length is taken from the file on first open.
func NewSharedFileHandle(path string, compressed bool, rawSize int64) *SharedFileHandle {
	return &SharedFileHandle{path: path, compressed: compressed, length: rawSize}
}

// Path returns the current file location.
func (h *SharedFileHandle) Path() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.path
}

// Compressed reports whether reads inflate gzip content.
func (h *SharedFileHandle) Compressed() bool { return h.compressed }

func (h *SharedFileHandle) setPath(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.path = path
}

// Length returns the content length, opening the file if it was never
// opened.
func (h *SharedFileHandle) Length() (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.length >= 0 {
		return h.length, nil
	}
	if err := h.openLocked(); err != nil {
		return 0, err
	}
	return h.length, nil
}

// Acquire registers an active reader.
func (h *SharedFileHandle) Acquire() {
	h.mu.Lock()
	h.readers++
	h.mu.Unlock()
}

// Release drops an active reader. The last release of a handle pending
// deletion closes the descriptor and removes the file.
func (h *SharedFileHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.readers > 0 {
		h.readers--
	}
	if h.readers == 0 && h.deletePending {
		return h.removeLocked()
	}
	return nil
}

// ActiveReaders returns the number of registered readers.
func (h *SharedFileHandle) ActiveReaders() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.readers
}

// DeleteWhenIdle removes the file now if no reader is active, or marks it
// for removal by the last Release. It reports whether removal happened
// immediately.
func (h *SharedFileHandle) DeleteWhenIdle() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.deleted {
		return true, nil
	}
	h.deletePending = true
	if h.readers > 0 {
		return false, nil
	}
	return true, h.removeLocked()
}

// Deleted reports whether the handle has removed its file.
func (h *SharedFileHandle) Deleted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deleted
}

func (h *SharedFileHandle) removeLocked() error {
	h.closeLocked()
	h.deleted = true
	if err := os.Remove(h.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return xerrors.WrapIO("SharedFileHandle.remove", h.path, err)
	}
	return nil
}

// Close releases the descriptor. A later read reopens it.
func (h *SharedFileHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeLocked()
}

func (h *SharedFileHandle) closeLocked() error {
	if h.inflater != nil {
		h.inflater.Close()
		h.inflater = nil
	}
	if h.file == nil {
		return nil
	}
	err := h.file.Close()
	h.file = nil
	h.position = 0
	return xerrors.WrapIO("SharedFileHandle.close", h.path, err)
}

func (h *SharedFileHandle) openLocked() error {
	if h.file != nil {
		return nil
	}
	if h.deleted {
		return xerrors.E(xerrors.KindNotFound, "SharedFileHandle.open", h.path)
	}
	f, err := os.Open(h.path)
	if err != nil {
		return xerrors.WrapIO("SharedFileHandle.open", h.path, err)
	}
	if h.length < 0 && !h.compressed {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return xerrors.WrapIO("SharedFileHandle.stat", h.path, err)
		}
		h.length = info.Size()
	}
	h.file = f
	h.position = 0
	return nil
}

// ReadAt reads content bytes starting at off. Calls are serialized; for
// compressed files a backwards seek restarts inflation from the start of
// the file.
func (h *SharedFileHandle) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, xerrors.E(xerrors.KindIllegalArgument, "SharedFileHandle.ReadAt", h.Path())
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.openLocked(); err != nil {
		return 0, err
	}
	if h.length >= 0 && off >= h.length {
		return 0, io.EOF
	}
	if !h.compressed {
		n, err := h.file.ReadAt(p, off)
		h.position = off + int64(n)
		if err != nil && err != io.EOF {
			return n, xerrors.WrapIO("SharedFileHandle.ReadAt", h.path, err)
		}
		return n, err
	}
	return h.inflateAt(p, off)
}

func (h *SharedFileHandle) inflateAt(p []byte, off int64) (int, error) {
	if h.inflater == nil || off < h.position {
		if _, err := h.file.Seek(0, io.SeekStart); err != nil {
			return 0, xerrors.WrapIO("SharedFileHandle.seek", h.path, err)
		}
		if h.inflater == nil {
			zr, err := gzip.NewReader(h.file)
			if err != nil {
				return 0, xerrors.WrapIO("SharedFileHandle.inflate", h.path, err)
			}
			h.inflater = zr
		} else if err := h.inflater.Reset(h.file); err != nil {
			return 0, xerrors.WrapIO("SharedFileHandle.inflate", h.path, err)
		}
		h.position = 0
	}
	if skip := off - h.position; skip > 0 {
		n, err := io.CopyN(io.Discard, h.inflater, skip)
		h.position += n
		if err != nil {
			if err == io.EOF {
				return 0, io.EOF
			}
			return 0, xerrors.WrapIO("SharedFileHandle.inflate", h.path, err)
		}
	}
	n, err := io.ReadAtLeast(h.inflater, p, 1)
	h.position += int64(n)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	if err != nil && err != io.EOF {
		return n, xerrors.WrapIO("SharedFileHandle.inflate", h.path, err)
	}
	return n, err
}
