package store

import (
	"bytes"
	"context"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jacktea/mailblob/pkg/volume"
)

// noBulk hides FeatureBulkDelete so the router falls back to per-blob
// deletes.
type noBulk struct {
	Manager
}

func (noBulk) Supports(Feature) bool { return false }

type routerFixture struct {
	vm     *volume.Manager
	old    volume.Volume
	cur    volume.Volume
	writer *TimingStore
	reader *TimingStore
	router *Router
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	ctx := context.Background()
	vm := newVolumeManager(t)
	old := addVolume(t, vm, 1, false, 0)
	cur := addVolume(t, vm, 2, false, 0)
	require.NoError(t, vm.SetCurrent(ctx, volume.TypeMessage, old.ID))

	oldStore, err := NewFileStore(vm, FileOptions{VolumeID: old.ID})
	require.NoError(t, err)
	curStore, err := NewFileStore(vm, FileOptions{VolumeID: cur.ID})
	require.NoError(t, err)

	f := &routerFixture{
		vm:     vm,
		old:    old,
		cur:    cur,
		writer: NewTimingStore(curStore, nil),
		reader: NewTimingStore(oldStore, nil),
	}
	f.router = NewRouter(f.writer, map[volume.ID]Manager{old.ID: f.reader}, nil)
	require.NoError(t, f.router.Startup(ctx))
	t.Cleanup(func() { f.router.Shutdown(context.Background()) })
	return f
}

func (f *routerFixture) commitOnReader(t *testing.T, mbox Mailbox, item int64, data string) *MailboxBlob {
	t.Helper()
	ctx := context.Background()
	staged, err := f.reader.StageStream(ctx, bytes.NewReader([]byte(data)), mbox)
	require.NoError(t, err)
	mb, err := f.reader.RenameTo(ctx, staged, mbox, item, 1)
	require.NoError(t, err)
	require.Equal(t, f.old.ID.String(), mb.Locator())
	return mb
}

func TestRouterDispatchesOnLocator(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t)
	mbox := Mailbox{ID: 5}
	f.commitOnReader(t, mbox, 1, "old volume")

	mb, err := f.router.GetMailboxBlob(ctx, mbox, 1, 1, f.old.ID.String())
	require.NoError(t, err)
	require.Equal(t, int64(1), f.reader.Stats()["GetMailboxBlob"].Count)
	require.Zero(t, f.writer.Stats()["GetMailboxBlob"].Count)

	r, err := f.router.GetContent(ctx, mb)
	require.NoError(t, err)
	require.Equal(t, []byte("old volume"), readAll(t, r))

	staged, err := f.router.StageStream(ctx, bytes.NewReader([]byte("new volume")), mbox)
	require.NoError(t, err)
	require.Equal(t, f.cur.ID.String(), staged.Locator())
	fresh, err := f.router.RenameTo(ctx, staged, mbox, 2, 1)
	require.NoError(t, err)
	require.Equal(t, f.cur.BlobPath(5, 2, 1), fresh.Blob().Path())
	require.Equal(t, int64(1), f.writer.Stats()["RenameTo"].Count)
}

func TestRouterFallsBackToWriterAndCachesRoutes(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t)
	mbox := Mailbox{ID: 5}

	_, err := f.router.GetMailboxBlob(ctx, mbox, 1, 1, "9")
	require.Error(t, err)
	require.Equal(t, int64(1), f.writer.Stats()["GetMailboxBlob"].Count)

	extra := NewTimingStore(f.reader.Inner(), nil)
	f.router.SetReader(9, extra)
	f.router.GetMailboxBlob(ctx, mbox, 1, 1, "9")
	require.Equal(t, int64(2), f.writer.Stats()["GetMailboxBlob"].Count)
	require.Zero(t, extra.Stats()["GetMailboxBlob"].Count)

	f.router.Refresh()
	f.router.GetMailboxBlob(ctx, mbox, 1, 1, "9")
	require.Equal(t, int64(1), extra.Stats()["GetMailboxBlob"].Count)
}

func TestRouterCopyStreamsFromReader(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t)
	src := f.commitOnReader(t, Mailbox{ID: 1}, 1, "migrate me")

	cp, err := f.router.Copy(ctx, src, Mailbox{ID: 2}, 8, 1)
	require.NoError(t, err)
	require.Equal(t, f.cur.ID.String(), cp.Locator())
	require.Zero(t, f.writer.Stats()["Copy"].Count)
	require.Equal(t, int64(1), f.writer.Stats()["StageStream"].Count)

	_, err = f.router.DeleteMailboxBlob(ctx, src)
	require.NoError(t, err)
	r, err := f.router.GetContent(ctx, cp)
	require.NoError(t, err)
	require.Equal(t, []byte("migrate me"), readAll(t, r))
}

func TestRouterDeleteStoreFallsBackToIteration(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t)
	mbox := Mailbox{ID: 3}
	a := f.commitOnReader(t, mbox, 1, "a")
	b := f.commitOnReader(t, mbox, 2, "b")

	router := NewRouter(noBulk{f.writer}, map[volume.ID]Manager{f.old.ID: noBulk{f.reader}}, nil)
	ok, err := router.DeleteStore(ctx, mbox, slices.Values([]*MailboxBlob{a, b}))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(2), f.reader.Stats()["DeleteMailboxBlob"].Count)
	require.Zero(t, f.reader.Stats()["DeleteStore"].Count)
	require.Zero(t, f.writer.Stats()["DeleteMailboxBlob"].Count)

	_, err = f.router.GetMailboxBlob(ctx, mbox, 1, 1, f.old.ID.String())
	require.Error(t, err)
}
