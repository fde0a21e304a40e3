package blob

import (
	"bytes"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/jacktea/mailblob/pkg/xerrors"
)

func plainBlob(t *testing.T, data []byte) *ContentBlob {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plain.msg")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return NewContentBlob(path, DigestSHA256)
}

func patterned(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7 + i/251)
	}
	return out
}

func TestReaderSubRange(t *testing.T) {
	data := patterned(3*readBufferSize + 123)
	blob := plainBlob(t, data)
	r, err := blob.OpenReader()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	cases := []struct{ s, e int64 }{
		{0, 0}, {0, 1}, {5, 17}, {readBufferSize - 3, readBufferSize + 3},
		{0, int64(len(data))}, {int64(len(data)), int64(len(data))}, {100, -1},
	}
	for _, tc := range cases {
		sub, err := r.SubRange(tc.s, tc.e)
		if err != nil {
			t.Fatalf("sub range %d-%d: %v", tc.s, tc.e, err)
		}
		got, err := io.ReadAll(sub)
		if err != nil {
			t.Fatalf("read sub: %v", err)
		}
		end := tc.e
		if end < 0 {
			end = int64(len(data))
		}
		if !bytes.Equal(got, data[tc.s:end]) {
			t.Fatalf("sub range %d-%d mismatch", tc.s, tc.e)
		}
		sub.Close()
	}
}

func TestReaderNestedSubRangeComposes(t *testing.T) {
	data := patterned(10000)
	blob := plainBlob(t, data)
	r, _ := blob.OpenReader()
	defer r.Close()
	outer, err := r.SubRange(1000, 9000)
	if err != nil {
		t.Fatalf("outer: %v", err)
	}
	defer outer.Close()
	inner, err := outer.SubRange(500, 1500)
	if err != nil {
		t.Fatalf("inner: %v", err)
	}
	defer inner.Close()
	got, _ := io.ReadAll(inner)
	if !bytes.Equal(got, data[1500:2500]) {
		t.Fatalf("nested sub range did not compose offsets")
	}
	if _, err := outer.SubRange(0, 8001); !xerrors.Is(err, xerrors.KindIllegalArgument) {
		t.Fatalf("expected bounds error, got %v", err)
	}
	if _, err := outer.SubRange(10, 5); !xerrors.Is(err, xerrors.KindIllegalArgument) {
		t.Fatalf("expected start>end error, got %v", err)
	}
	if _, err := outer.SubRange(-1, 5); !xerrors.Is(err, xerrors.KindIllegalArgument) {
		t.Fatalf("expected negative start error, got %v", err)
	}
	if h := blob.handle; h.ActiveReaders() != 3 {
		t.Fatalf("expected 3 active readers, got %d", h.ActiveReaders())
	}
}

func TestReaderMarkReset(t *testing.T) {
	data := patterned(5000)
	r, _ := plainBlob(t, data).OpenReader()
	defer r.Close()

	if err := r.Reset(); !xerrors.Is(err, xerrors.KindIllegalState) {
		t.Fatalf("reset without mark: %v", err)
	}
	buf := make([]byte, 100)
	io.ReadFull(r, buf)
	r.Mark(200)
	first := make([]byte, 150)
	io.ReadFull(r, first)
	if err := r.Reset(); err != nil {
		t.Fatalf("reset within limit: %v", err)
	}
	again := make([]byte, 150)
	io.ReadFull(r, again)
	if !bytes.Equal(first, again) || !bytes.Equal(first, data[100:250]) {
		t.Fatalf("reset did not rewind")
	}
	r.Mark(10)
	io.ReadFull(r, make([]byte, 11))
	if err := r.Reset(); !xerrors.Is(err, xerrors.KindIllegalState) {
		t.Fatalf("reset past limit: %v", err)
	}
}

func TestReaderSeekAndReadAt(t *testing.T) {
	data := patterned(20000)
	r, _ := plainBlob(t, data).OpenReader()
	defer r.Close()
	sub, _ := r.SubRange(100, 10100)
	defer sub.Close()

	if pos, err := sub.Seek(-10, io.SeekEnd); err != nil || pos != 9990 {
		t.Fatalf("seek end pos=%d err=%v", pos, err)
	}
	tail, _ := io.ReadAll(sub)
	if !bytes.Equal(tail, data[10090:10100]) {
		t.Fatalf("tail mismatch")
	}
	if _, err := sub.Seek(1, io.SeekEnd); err == nil {
		t.Fatalf("expected seek past end to fail")
	}
	buf := make([]byte, 20)
	n, err := sub.ReadAt(buf, 9990)
	if n != 10 || err != io.EOF {
		t.Fatalf("read at tail n=%d err=%v", n, err)
	}
	n, err = sub.ReadAt(buf, 0)
	if n != 20 || err != nil || !bytes.Equal(buf, data[100:120]) {
		t.Fatalf("read at start n=%d err=%v", n, err)
	}
	if _, err := sub.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("rewind: %v", err)
	}
	if n := sub.Skip(5000); n != 5000 {
		t.Fatalf("skip %d", n)
	}
	if n := sub.Skip(20000); n != 5000 {
		t.Fatalf("skip past end %d, want clamp to 5000", n)
	}
	if n := sub.Skip(1); n != 0 || sub.Remaining() != 0 {
		t.Fatalf("skip at end %d remaining=%d", n, sub.Remaining())
	}
}

func TestReaderCompressedContent(t *testing.T) {
	payload := bytes.Repeat([]byte("line of a long message body\n"), 2000)
	_, blob := buildBlob(t, BuilderOptions{Compress: true, CompressionThreshold: 64}, payload)
	r, err := blob.OpenReader()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()
	if r.Size() != int64(len(payload)) {
		t.Fatalf("size %d", r.Size())
	}
	got, err := io.ReadAll(r)
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("compressed read err=%v equal=%v", err, bytes.Equal(got, payload))
	}
	if _, err := r.Seek(10, io.SeekStart); err != nil {
		t.Fatalf("seek: %v", err)
	}
	part := make([]byte, 30)
	if _, err := io.ReadFull(r, part); err != nil || !bytes.Equal(part, payload[10:40]) {
		t.Fatalf("backwards seek on compressed content failed: %v", err)
	}
	if _, err := r.SubRange(0, 10); !xerrors.Is(err, xerrors.KindNotSupported) {
		t.Fatalf("expected sub range unsupported, got %v", err)
	}
}

func TestReaderMissingFile(t *testing.T) {
	blob := plainBlob(t, patterned(100))
	r, err := blob.OpenReader()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()
	blob.Close()
	os.Remove(blob.Path())
	if _, err := r.Read(make([]byte, 10)); !xerrors.IsNotFound(err) {
		t.Fatalf("expected not found after removal, got %v", err)
	}
}

func TestReaderClosed(t *testing.T) {
	r, _ := plainBlob(t, patterned(10)).OpenReader()
	r.Close()
	if err := r.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := r.Read(make([]byte, 1)); !xerrors.Is(err, xerrors.KindIllegalState) {
		t.Fatalf("read after close: %v", err)
	}
}

func TestConcurrentReaders(t *testing.T) {
	data := patterned(256 << 10)
	for _, compressed := range []bool{false, true} {
		var blob *ContentBlob
		if compressed {
			_, blob = buildBlob(t, BuilderOptions{Compress: true, CompressionThreshold: 1}, bytes.Repeat([]byte("z"), 4096), data)
			data = append(bytes.Repeat([]byte("z"), 4096), data...)
		} else {
			blob = plainBlob(t, data)
		}
		var g errgroup.Group
		for i := 0; i < 8; i++ {
			seed := int64(i)
			g.Go(func() error {
				rng := rand.New(rand.NewSource(seed))
				r, err := blob.OpenReader()
				if err != nil {
					return err
				}
				defer r.Close()
				var got []byte
				for {
					chunk := make([]byte, 1+rng.Intn(3*readBufferSize))
					n, err := r.Read(chunk)
					got = append(got, chunk[:n]...)
					if err == io.EOF {
						break
					}
					if err != nil {
						return err
					}
				}
				if !bytes.Equal(got, data) {
					return xerrors.E(xerrors.KindIO, "concurrent read", "content mismatch")
				}
				if compressed {
					return nil
				}
				for j := 0; j < 50; j++ {
					off := rng.Int63n(int64(len(data)))
					buf := make([]byte, rng.Intn(5000))
					n, err := r.ReadAt(buf, off)
					if err != nil && err != io.EOF {
						return err
					}
					if !bytes.Equal(buf[:n], data[off:off+int64(n)]) {
						return xerrors.E(xerrors.KindIO, "concurrent read at", "content mismatch")
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatalf("compressed=%v: %v", compressed, err)
		}
		h, _ := blob.Handle()
		if h.ActiveReaders() != 0 {
			t.Fatalf("leaked readers: %d", h.ActiveReaders())
		}
	}
}

func TestHandleDeferredDeletion(t *testing.T) {
	blob := plainBlob(t, patterned(1000))
	r, _ := blob.OpenReader()
	h := r.Handle()
	now, err := h.DeleteWhenIdle()
	if err != nil || now {
		t.Fatalf("expected deferred deletion, now=%v err=%v", now, err)
	}
	if _, err := os.Stat(blob.Path()); err != nil {
		t.Fatalf("file removed while reader active: %v", err)
	}
	got, err := io.ReadAll(r)
	if err != nil || len(got) != 1000 {
		t.Fatalf("read during pending deletion: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(blob.Path()); !os.IsNotExist(err) {
		t.Fatalf("expected file removed after last reader, err=%v", err)
	}
	if !h.Deleted() {
		t.Fatalf("handle should report deleted")
	}
}
