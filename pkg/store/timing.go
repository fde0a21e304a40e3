package store

import (
	"context"
	"io"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jacktea/mailblob/pkg/blob"
)

// OpStats aggregates the calls of one operation.
type OpStats struct {
	Count  int64
	Errors int64
	Total  time.Duration
	Max    time.Duration
}

// Mean returns the average latency.
func (s OpStats) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// TimingStore forwards every call to an inner Manager and records latency
// per operation.
type TimingStore struct {
	inner  Manager
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	stats map[string]OpStats
}

var _ Manager = (*TimingStore)(nil)

// NewTimingStore wraps inner.
func NewTimingStore(inner Manager, logger *slog.Logger) *TimingStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &TimingStore{inner: inner, logger: logger, now: time.Now, stats: make(map[string]OpStats)}
}

// Inner returns the wrapped manager.
func (t *TimingStore) Inner() Manager { return t.inner }

// Stats returns a snapshot of the recorded counters.
func (t *TimingStore) Stats() map[string]OpStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]OpStats, len(t.stats))
	for k, v := range t.stats {
		out[k] = v
	}
	return out
}

// Operations returns the names of every recorded operation, sorted.
func (t *TimingStore) Operations() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.stats))
	for k := range t.stats {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (t *TimingStore) record(op string, start time.Time, err error) {
	d := t.now().Sub(start)
	t.mu.Lock()
	st := t.stats[op]
	st.Count++
	if err != nil {
		st.Errors++
	}
	st.Total += d
	if d > st.Max {
		st.Max = d
	}
	t.stats[op] = st
	t.mu.Unlock()
	t.logger.Debug("store call", "op", op, "elapsed", d, "err", err)
}

func (t *TimingStore) Startup(ctx context.Context) error {
	start := t.now()
	err := t.inner.Startup(ctx)
	t.record("Startup", start, err)
	return err
}

func (t *TimingStore) Shutdown(ctx context.Context) error {
	start := t.now()
	err := t.inner.Shutdown(ctx)
	t.record("Shutdown", start, err)
	return err
}

func (t *TimingStore) Supports(f Feature) bool { return t.inner.Supports(f) }

func (t *TimingStore) GetBlobBuilder(ctx context.Context) (*blob.Builder, error) {
	start := t.now()
	b, err := t.inner.GetBlobBuilder(ctx)
	t.record("GetBlobBuilder", start, err)
	return b, err
}

func (t *TimingStore) StoreIncoming(ctx context.Context, r io.Reader, storeAsIs bool) (*blob.ContentBlob, error) {
	start := t.now()
	b, err := t.inner.StoreIncoming(ctx, r, storeAsIs)
	t.record("StoreIncoming", start, err)
	return b, err
}

func (t *TimingStore) StoreIncomingBytes(ctx context.Context, data []byte, storeAsIs bool) (*blob.ContentBlob, error) {
	start := t.now()
	b, err := t.inner.StoreIncomingBytes(ctx, data, storeAsIs)
	t.record("StoreIncomingBytes", start, err)
	return b, err
}

func (t *TimingStore) Stage(ctx context.Context, b *blob.ContentBlob, mbox Mailbox) (*StagedBlob, error) {
	start := t.now()
	staged, err := t.inner.Stage(ctx, b, mbox)
	t.record("Stage", start, err)
	return staged, err
}

func (t *TimingStore) StageStream(ctx context.Context, r io.Reader, mbox Mailbox) (*StagedBlob, error) {
	start := t.now()
	staged, err := t.inner.StageStream(ctx, r, mbox)
	t.record("StageStream", start, err)
	return staged, err
}

func (t *TimingStore) Link(ctx context.Context, staged *StagedBlob, mbox Mailbox, itemID int64, revision int) (*MailboxBlob, error) {
	start := t.now()
	mb, err := t.inner.Link(ctx, staged, mbox, itemID, revision)
	t.record("Link", start, err)
	return mb, err
}

func (t *TimingStore) RenameTo(ctx context.Context, staged *StagedBlob, mbox Mailbox, itemID int64, revision int) (*MailboxBlob, error) {
	start := t.now()
	mb, err := t.inner.RenameTo(ctx, staged, mbox, itemID, revision)
	t.record("RenameTo", start, err)
	return mb, err
}

func (t *TimingStore) Copy(ctx context.Context, src *MailboxBlob, dest Mailbox, itemID int64, revision int) (*MailboxBlob, error) {
	start := t.now()
	mb, err := t.inner.Copy(ctx, src, dest, itemID, revision)
	t.record("Copy", start, err)
	return mb, err
}

func (t *TimingStore) GetMailboxBlob(ctx context.Context, mbox Mailbox, itemID int64, revision int, locator string) (*MailboxBlob, error) {
	start := t.now()
	mb, err := t.inner.GetMailboxBlob(ctx, mbox, itemID, revision, locator)
	t.record("GetMailboxBlob", start, err)
	return mb, err
}

func (t *TimingStore) GetLocalBlob(ctx context.Context, mb *MailboxBlob) (*blob.ContentBlob, error) {
	start := t.now()
	b, err := t.inner.GetLocalBlob(ctx, mb)
	t.record("GetLocalBlob", start, err)
	return b, err
}

func (t *TimingStore) GetContent(ctx context.Context, mb *MailboxBlob) (*blob.Reader, error) {
	start := t.now()
	r, err := t.inner.GetContent(ctx, mb)
	t.record("GetContent", start, err)
	return r, err
}

func (t *TimingStore) GetBlobContent(ctx context.Context, b *blob.ContentBlob) (*blob.Reader, error) {
	start := t.now()
	r, err := t.inner.GetBlobContent(ctx, b)
	t.record("GetBlobContent", start, err)
	return r, err
}

func (t *TimingStore) DeleteBlob(ctx context.Context, b *blob.ContentBlob) (bool, error) {
	start := t.now()
	ok, err := t.inner.DeleteBlob(ctx, b)
	t.record("DeleteBlob", start, err)
	return ok, err
}

func (t *TimingStore) DeleteStaged(ctx context.Context, staged *StagedBlob) (bool, error) {
	start := t.now()
	ok, err := t.inner.DeleteStaged(ctx, staged)
	t.record("DeleteStaged", start, err)
	return ok, err
}

func (t *TimingStore) DeleteMailboxBlob(ctx context.Context, mb *MailboxBlob) (bool, error) {
	start := t.now()
	ok, err := t.inner.DeleteMailboxBlob(ctx, mb)
	t.record("DeleteMailboxBlob", start, err)
	return ok, err
}

func (t *TimingStore) DeleteStore(ctx context.Context, mbox Mailbox, blobs iter.Seq[*MailboxBlob]) (bool, error) {
	start := t.now()
	ok, err := t.inner.DeleteStore(ctx, mbox, blobs)
	t.record("DeleteStore", start, err)
	return ok, err
}
