package blob

import (
	"io"

	"github.com/jacktea/mailblob/pkg/xerrors"
)

// readBufferSize is the read-ahead window of every Reader.
const readBufferSize = 8 << 10

// Reader is a seekable view over the byte range [start, end) of a blob file.
// Readers rooted at the same file share one SharedFileHandle but keep their
// own position, mark and read-ahead buffer. A Reader is not safe for
// concurrent use; open one per goroutine.
type Reader struct {
	root  *SharedFileHandle
	start int64
	end   int64
	pos   int64

	markPos   int64
	markLimit int64

	buf      []byte
	bufStart int64
	bufLen   int

	closed bool
}

// NewReader returns a Reader over [start, end) of the handle's content.
// A negative end means the end of the content. The reader counts as an
// active user of the handle until Close.
func NewReader(root *SharedFileHandle, start, end int64) (*Reader, error) {
	length, err := root.Length()
	if err != nil {
		return nil, err
	}
	if end < 0 {
		end = length
	}
	if start < 0 || start > end || end > length {
		return nil, xerrors.E(xerrors.KindIllegalArgument, "NewReader", root.Path())
	}
	root.Acquire()
	return &Reader{root: root, start: start, end: end, pos: start, markPos: -1}, nil
}

// Read implements io.Reader. It returns io.EOF at the end of the range.
func (r *Reader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, xerrors.E(xerrors.KindIllegalState, "Reader.Read", r.root.Path())
	}
	if r.pos >= r.end {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	if r.pos < r.bufStart || r.pos >= r.bufStart+int64(r.bufLen) {
		if err := r.fill(); err != nil {
			return 0, err
		}
	}
	offset := int(r.pos - r.bufStart)
	n := copy(p, r.buf[offset:r.bufLen])
	if remaining := r.end - r.pos; int64(n) > remaining {
		n = int(remaining)
	}
	r.pos += int64(n)
	return n, nil
}

func (r *Reader) fill() error {
	if r.buf == nil {
		r.buf = make([]byte, readBufferSize)
	}
	want := int64(len(r.buf))
	if remaining := r.end - r.pos; remaining < want {
		want = remaining
	}
	n, err := r.root.ReadAt(r.buf[:want], r.pos)
	if n == 0 {
		r.bufLen = 0
		if err == nil || err == io.EOF {
			// The range promised more bytes than the file holds.
			return xerrors.Wrap(xerrors.KindIO, "Reader.fill", r.root.Path(), io.ErrUnexpectedEOF)
		}
		return err
	}
	r.bufStart = r.pos
	r.bufLen = n
	return nil
}

// ReadAt implements io.ReaderAt relative to the reader's window. It does not
// move the read position.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if r.closed {
		return 0, xerrors.E(xerrors.KindIllegalState, "Reader.ReadAt", r.root.Path())
	}
	if off < 0 {
		return 0, xerrors.E(xerrors.KindIllegalArgument, "Reader.ReadAt", r.root.Path())
	}
	abs := r.start + off
	if abs >= r.end {
		return 0, io.EOF
	}
	if limit := r.end - abs; int64(len(p)) > limit {
		p = p[:limit]
		n, err := readFullAt(r.root, p, abs)
		if err == nil {
			err = io.EOF
		}
		return n, err
	}
	return readFullAt(r.root, p, abs)
}

func readFullAt(h *SharedFileHandle, p []byte, off int64) (int, error) {
	total := 0
	for total < len(p) {
		n, err := h.ReadAt(p[total:], off+int64(total))
		total += n
		if err != nil {
			if err == io.EOF && total < len(p) {
				return total, xerrors.Wrap(xerrors.KindIO, "Reader.ReadAt", h.Path(), io.ErrUnexpectedEOF)
			}
			if err != io.EOF {
				return total, err
			}
		}
		if n == 0 && err == nil {
			return total, xerrors.Wrap(xerrors.KindIO, "Reader.ReadAt", h.Path(), io.ErrNoProgress)
		}
	}
	return total, nil
}

// Seek implements io.Seeker with offsets relative to the reader's window.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	if r.closed {
		return 0, xerrors.E(xerrors.KindIllegalState, "Reader.Seek", r.root.Path())
	}
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = r.start + offset
	case io.SeekCurrent:
		abs = r.pos + offset
	case io.SeekEnd:
		abs = r.end + offset
	default:
		return 0, xerrors.E(xerrors.KindIllegalArgument, "Reader.Seek", r.root.Path())
	}
	if abs < r.start || abs > r.end {
		return 0, xerrors.E(xerrors.KindIllegalArgument, "Reader.Seek", r.root.Path())
	}
	r.pos = abs
	return abs - r.start, nil
}

// Skip advances up to n bytes and returns how many were skipped.
func (r *Reader) Skip(n int64) int64 {
	if n <= 0 {
		return 0
	}
	if remaining := r.end - r.pos; n > remaining {
		n = remaining
	}
	r.pos += n
	return n
}

// SubRange returns a new Reader over [start, end) of this reader's window.
// A negative end means the end of this reader's window. Sub-ranges of
// compressed files are not supported; read those through an
// UncompressedCache instead.
func (r *Reader) SubRange(start, end int64) (*Reader, error) {
	if r.closed {
		return nil, xerrors.E(xerrors.KindIllegalState, "Reader.SubRange", r.root.Path())
	}
	if r.root.Compressed() {
		return nil, xerrors.E(xerrors.KindNotSupported, "Reader.SubRange", r.root.Path())
	}
	if start < 0 {
		return nil, xerrors.E(xerrors.KindIllegalArgument, "Reader.SubRange", r.root.Path())
	}
	absStart := r.start + start
	absEnd := r.end
	if end >= 0 {
		absEnd = r.start + end
	}
	if absStart > absEnd || absEnd > r.end {
		return nil, xerrors.E(xerrors.KindIllegalArgument, "Reader.SubRange", r.root.Path())
	}
	r.root.Acquire()
	return &Reader{root: r.root, start: absStart, end: absEnd, pos: absStart, markPos: -1}, nil
}

// Mark remembers the current position. A later Reset succeeds only while
// no more than readLimit bytes have been consumed since the mark.
func (r *Reader) Mark(readLimit int64) {
	r.markPos = r.pos
	r.markLimit = readLimit
}

// Reset returns to the last mark.
func (r *Reader) Reset() error {
	if r.markPos < 0 {
		return xerrors.E(xerrors.KindIllegalState, "Reader.Reset", "no mark")
	}
	if r.pos-r.markPos > r.markLimit {
		return xerrors.E(xerrors.KindIllegalState, "Reader.Reset", "mark limit exceeded")
	}
	r.pos = r.markPos
	return nil
}

// Size returns the length of the reader's window.
func (r *Reader) Size() int64 { return r.end - r.start }

// Position returns the offset of the next byte relative to the window.
func (r *Reader) Position() int64 { return r.pos - r.start }

// Remaining returns the number of unread bytes in the window.
func (r *Reader) Remaining() int64 { return r.end - r.pos }

// Handle returns the shared root handle.
func (r *Reader) Handle() *SharedFileHandle { return r.root }

// Close releases the reader's claim on the shared handle. It does not close
// the handle itself. Close is idempotent.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.buf = nil
	return r.root.Release()
}
