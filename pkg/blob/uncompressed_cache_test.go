package blob

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestUncompressedCacheSubRange(t *testing.T) {
	payload := bytes.Repeat([]byte("header: value\r\n"), 3000)
	_, blob := buildBlob(t, BuilderOptions{Compress: true, CompressionThreshold: 10}, payload)
	cacheDir := filepath.Join(t.TempDir(), "ucache")
	uc, err := NewUncompressedCache(cacheDir, 2, nil)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer uc.Close()

	r, err := uc.OpenReader(blob)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()
	sub, err := r.SubRange(15, 45)
	if err != nil {
		t.Fatalf("sub range through cache: %v", err)
	}
	got, _ := io.ReadAll(sub)
	sub.Close()
	if !bytes.Equal(got, payload[15:45]) {
		t.Fatalf("sub range mismatch")
	}
	digest, _ := blob.Digest()
	if !uc.Contains(digest) {
		t.Fatalf("expected cached copy")
	}
	r2, err := uc.OpenReader(blob)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	if r2.Handle() != r.Handle() {
		t.Fatalf("expected shared handle on cache hit")
	}
	r2.Close()
}

func TestUncompressedCacheEvictionDeferredWhileReading(t *testing.T) {
	uc, err := NewUncompressedCache(filepath.Join(t.TempDir(), "ucache"), 1, nil)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer uc.Close()
	_, first := buildBlob(t, BuilderOptions{Compress: true, CompressionThreshold: 1}, bytes.Repeat([]byte("first "), 1000))
	_, second := buildBlob(t, BuilderOptions{Compress: true, CompressionThreshold: 1}, bytes.Repeat([]byte("second "), 1000))

	r, err := uc.OpenReader(first)
	if err != nil {
		t.Fatalf("open first: %v", err)
	}
	cachedPath := r.Handle().Path()
	r2, err := uc.OpenReader(second)
	if err != nil {
		t.Fatalf("open second: %v", err)
	}
	defer r2.Close()
	if _, err := os.Stat(cachedPath); err != nil {
		t.Fatalf("evicted copy removed while in use: %v", err)
	}
	got, err := io.ReadAll(r)
	if err != nil || !bytes.Equal(got, bytes.Repeat([]byte("first "), 1000)) {
		t.Fatalf("read evicted copy err=%v", err)
	}
	r.Close()
	if _, err := os.Stat(cachedPath); !os.IsNotExist(err) {
		t.Fatalf("evicted copy not removed after close: %v", err)
	}
}

func TestUncompressedCacheReinflateAfterDeferredEviction(t *testing.T) {
	uc, err := NewUncompressedCache(filepath.Join(t.TempDir(), "ucache"), 1, nil)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer uc.Close()
	payloadA := bytes.Repeat([]byte("alpha "), 1000)
	_, a := buildBlob(t, BuilderOptions{Compress: true, CompressionThreshold: 1}, payloadA)
	_, b := buildBlob(t, BuilderOptions{Compress: true, CompressionThreshold: 1}, bytes.Repeat([]byte("beta "), 1000))

	r1, err := uc.OpenReader(a)
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	r2, err := uc.OpenReader(b)
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	r2.Close()
	r3, err := uc.OpenReader(a)
	if err != nil {
		t.Fatalf("reopen a: %v", err)
	}
	defer r3.Close()
	if r3.Handle() == r1.Handle() || r3.Handle().Path() == r1.Handle().Path() {
		t.Fatalf("expected a fresh copy after eviction")
	}
	r1.Close()

	got, err := io.ReadAll(r3)
	if err != nil {
		t.Fatalf("read reinflated copy: %v", err)
	}
	if !bytes.Equal(got, payloadA) {
		t.Fatalf("reinflated content mismatch")
	}
	r4, err := uc.OpenReader(a)
	if err != nil {
		t.Fatalf("cache hit after old reader closed: %v", err)
	}
	defer r4.Close()
	if r4.Handle() != r3.Handle() {
		t.Fatalf("expected cache hit on the fresh copy")
	}
}

func TestUncompressedCachePlainPassthrough(t *testing.T) {
	uc, err := NewUncompressedCache(filepath.Join(t.TempDir(), "ucache"), 4, nil)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer uc.Close()
	blob := plainBlob(t, []byte("plain"))
	r, err := uc.OpenReader(blob)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()
	if uc.Len() != 0 {
		t.Fatalf("plain blob should not be cached")
	}
}
