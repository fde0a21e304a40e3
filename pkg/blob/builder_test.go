package blob

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/jacktea/mailblob/pkg/xerrors"
)

func readAllBlob(t *testing.T, b *ContentBlob) []byte {
	t.Helper()
	r, err := b.OpenReader()
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return data
}

func buildBlob(t *testing.T, opts BuilderOptions, chunks ...[]byte) (*Builder, *ContentBlob) {
	t.Helper()
	b := NewBuilder(filepath.Join(t.TempDir(), "incoming", "blob.tmp"), opts)
	for _, chunk := range chunks {
		if err := b.Append(chunk); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	blob, err := b.Finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	return b, blob
}

func TestBuilderBelowThresholdStaysPlain(t *testing.T) {
	payload := []byte(strings.Repeat("a", 40))
	b, blob := buildBlob(t, BuilderOptions{Compress: true, CompressionThreshold: 50}, payload)
	if b.IsCompressed() {
		t.Fatalf("expected plain output below threshold")
	}
	compressed, err := blob.IsCompressed()
	if err != nil || compressed {
		t.Fatalf("blob compressed=%v err=%v", compressed, err)
	}
	onDisk, _ := blob.OnDiskSize()
	if onDisk != int64(len(payload)) {
		t.Fatalf("on-disk size %d, want %d", onDisk, len(payload))
	}
	if got := readAllBlob(t, blob); !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch")
	}
}

func TestBuilderCompressesAboveThreshold(t *testing.T) {
	payload := []byte(strings.Repeat("compressible mail body line\r\n", 400))
	b, blob := buildBlob(t, BuilderOptions{Compress: true, CompressionThreshold: 50}, payload[:30], payload[30:])
	if !b.IsCompressed() {
		t.Fatalf("expected compressed output")
	}
	size, err := blob.RawSize()
	if err != nil || size != int64(len(payload)) {
		t.Fatalf("raw size %d err=%v", size, err)
	}
	onDisk, _ := blob.OnDiskSize()
	if onDisk >= int64(len(payload)) {
		t.Fatalf("compressed file %d not smaller than %d", onDisk, len(payload))
	}
	if got := readAllBlob(t, blob); !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch")
	}
	if ok, _ := blob.IsCompressed(); !ok {
		t.Fatalf("expected gzip blob")
	}
}

func TestBuilderRewritesWastefulCompression(t *testing.T) {
	payload := make([]byte, 100)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand: %v", err)
	}
	b, blob := buildBlob(t, BuilderOptions{Compress: true, CompressionThreshold: 50}, payload)
	if b.IsCompressed() {
		t.Fatalf("random data should have been rewritten uncompressed")
	}
	onDisk, _ := blob.OnDiskSize()
	if onDisk != 100 {
		t.Fatalf("on-disk size %d, want 100", onDisk)
	}
	sniffed, err := sniffGzip(blob.Path())
	if err != nil || sniffed {
		t.Fatalf("file still gzip: %v %v", sniffed, err)
	}
	if got := readAllBlob(t, blob); !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch")
	}
	matches, _ := filepath.Glob(blob.Path() + ".plain-*")
	if len(matches) != 0 {
		t.Fatalf("leftover rewrite temp files %v", matches)
	}
}

func TestBuilderFailedRewriteKeepsCompressedFile(t *testing.T) {
	payload := make([]byte, 32<<10)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand: %v", err)
	}
	b := NewBuilder(filepath.Join(t.TempDir(), "rw.tmp"), BuilderOptions{Compress: true, CompressionThreshold: 10})
	if err := b.Append(payload); err != nil {
		t.Fatalf("append: %v", err)
	}
	// The inflated length no longer matches, so the rewrite gives up.
	b.total++
	blob, err := b.Finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if !b.IsCompressed() {
		t.Fatalf("expected compressed output to be kept")
	}
	f, err := os.Open(blob.Path())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("kept file is not gzip: %v", err)
	}
	got, err := io.ReadAll(zr)
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("kept file damaged: err=%v", err)
	}
	matches, _ := filepath.Glob(blob.Path() + ".plain-*")
	if len(matches) != 0 {
		t.Fatalf("leftover rewrite temp files %v", matches)
	}
}

func TestBuilderWriteErrorDisposes(t *testing.T) {
	for name, opts := range map[string]BuilderOptions{
		"plain":      {},
		"compressed": {Compress: true, CompressionThreshold: 4},
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "broken.tmp")
			b := NewBuilder(path, opts)
			if err := b.Append([]byte("first chunk")); err != nil {
				t.Fatalf("append: %v", err)
			}
			b.file.Close()
			// Incompressible and large enough that gzip has to flush.
			more := make([]byte, 1<<20)
			if _, err := rand.Read(more); err != nil {
				t.Fatalf("rand: %v", err)
			}
			err := b.Append(more)
			if !xerrors.Is(err, xerrors.KindIO) {
				t.Fatalf("expected io error, got %v", err)
			}
			if !b.IsDisposed() {
				t.Fatalf("builder not disposed after write error")
			}
			if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
				t.Fatalf("partial file left behind: %v", err)
			}
			if _, err := b.Finish(); !xerrors.Is(err, xerrors.KindIllegalState) {
				t.Fatalf("finish after failed append: %v", err)
			}
		})
	}
}

func TestBuilderThresholdBoundary(t *testing.T) {
	payload := []byte(strings.Repeat("a", 100))
	b := NewBuilder(filepath.Join(t.TempDir(), "x.tmp"), BuilderOptions{Compress: true, CompressionThreshold: 50})
	if err := b.Append(payload); err != nil {
		t.Fatalf("append: %v", err)
	}
	if !b.IsCompressed() {
		t.Fatalf("expected switch to compression after first append")
	}
	blob, err := b.Finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	size, _ := blob.RawSize()
	if size != 100 {
		t.Fatalf("raw size %d", size)
	}
	onDisk, _ := blob.OnDiskSize()
	if onDisk > 100 {
		t.Fatalf("on-disk %d exceeds raw size", onDisk)
	}
}

func TestBuilderDigestStable(t *testing.T) {
	inputs := [][]byte{nil, []byte("x"), []byte(strings.Repeat("digest me ", 1000))}
	for _, algo := range []Algorithm{DigestSHA256, DigestBLAKE3} {
		for _, in := range inputs {
			_, blob := buildBlob(t, BuilderOptions{Compress: true, CompressionThreshold: 16, Algorithm: algo}, in)
			want := DigestBytes(algo, in)
			got, err := blob.Digest()
			if err != nil || got != want {
				t.Fatalf("%s digest %q want %q err=%v", algo, got, want, err)
			}
			fresh := NewContentBlob(blob.Path(), algo)
			again, err := fresh.Digest()
			if err != nil || again != want {
				t.Fatalf("%s recomputed digest %q want %q err=%v", algo, again, want, err)
			}
			size, err := fresh.RawSize()
			if err != nil || size != int64(len(in)) {
				t.Fatalf("%s recomputed size %d err=%v", algo, size, err)
			}
		}
	}
}

func TestBuilderFinishIdempotent(t *testing.T) {
	b, blob := buildBlob(t, BuilderOptions{}, []byte("hello"))
	again, err := b.Finish()
	if err != nil || again != blob {
		t.Fatalf("second finish returned %p err=%v, want %p", again, err, blob)
	}
	if !b.IsFinished() {
		t.Fatalf("expected finished")
	}
}

func TestBuilderEmptyFinish(t *testing.T) {
	_, blob := buildBlob(t, BuilderOptions{Compress: true, CompressionThreshold: 0})
	size, err := blob.RawSize()
	if err != nil || size != 0 {
		t.Fatalf("size %d err=%v", size, err)
	}
	if got := readAllBlob(t, blob); len(got) != 0 {
		t.Fatalf("expected empty content")
	}
}

func TestBuilderDispose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.tmp")
	b := NewBuilder(path, BuilderOptions{})
	if err := b.Append([]byte("partial")); err != nil {
		t.Fatalf("append: %v", err)
	}
	b.Dispose()
	b.Dispose()
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected partial file removed, stat err=%v", err)
	}
	if err := b.Append([]byte("more")); !xerrors.Is(err, xerrors.KindIllegalState) {
		t.Fatalf("append after dispose: %v", err)
	}
	if _, err := b.Finish(); !xerrors.Is(err, xerrors.KindIllegalState) {
		t.Fatalf("finish after dispose: %v", err)
	}
}

func TestBuilderDisposeBeforeInitKeepsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "existing")
	if err := os.WriteFile(path, []byte("keep"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	b := NewBuilder(path, BuilderOptions{})
	b.Dispose()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("existing file removed: %v", err)
	}
}

func TestBuilderDisposeAfterFinishKeepsBlob(t *testing.T) {
	b, blob := buildBlob(t, BuilderOptions{}, []byte("done"))
	b.Dispose()
	if _, err := os.Stat(blob.Path()); err != nil {
		t.Fatalf("finished blob removed: %v", err)
	}
}

func TestBuilderInitRefusesExistingPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taken")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := NewBuilder(path, BuilderOptions{}).Init(); !xerrors.Is(err, xerrors.KindIO) {
		t.Fatalf("expected io error, got %v", err)
	}
}

func TestBuilderReadFrom(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 10000)
	b := NewBuilder(filepath.Join(t.TempDir(), "rf.tmp"), BuilderOptions{Compress: true, CompressionThreshold: 1024, Fsync: true})
	n, err := b.ReadFrom(bytes.NewReader(payload))
	if err != nil || n != int64(len(payload)) {
		t.Fatalf("read from n=%d err=%v", n, err)
	}
	blob, err := b.Finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if got := readAllBlob(t, blob); !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch")
	}
}
