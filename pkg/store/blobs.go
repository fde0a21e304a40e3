package store

import (
	"sync"
	"sync/atomic"

	"github.com/jacktea/mailblob/pkg/blob"
	"github.com/jacktea/mailblob/pkg/xerrors"
)

// StagedBlob is payload associated with a mailbox but not yet committed to
// an item address.
type StagedBlob struct {
	mailbox Mailbox
	digest  string
	size    int64
	locator string
	blob    *blob.ContentBlob

	consumed atomic.Bool
}

// NewStagedBlob builds a staged blob. Backends call it from Stage.
func NewStagedBlob(mbox Mailbox, digest string, size int64, locator string, b *blob.ContentBlob) *StagedBlob {
	return &StagedBlob{mailbox: mbox, digest: digest, size: size, locator: locator, blob: b}
}

func (s *StagedBlob) Mailbox() Mailbox { return s.mailbox }
func (s *StagedBlob) Digest() string   { return s.digest }
func (s *StagedBlob) Size() int64      { return s.size }
func (s *StagedBlob) Locator() string  { return s.locator }

// Blob returns the underlying content, or nil for backends that keep
// staged data remotely.
func (s *StagedBlob) Blob() *blob.ContentBlob { return s.blob }

// Consumed reports whether RenameTo already took ownership of the payload.
func (s *StagedBlob) Consumed() bool { return s.consumed.Load() }

func (s *StagedBlob) consume() bool { return s.consumed.CompareAndSwap(false, true) }

func (s *StagedBlob) release() { s.consumed.Store(false) }

// MailboxBlob is committed payload addressed by mailbox, item and revision.
// Size and digest are read from the content on first use unless injected
// from item metadata.
type MailboxBlob struct {
	mailbox  Mailbox
	itemID   int64
	revision int
	locator  string
	blob     *blob.ContentBlob

	mu     sync.Mutex
	size   int64
	digest string
}

// NewMailboxBlob builds a committed blob handle.
func NewMailboxBlob(mbox Mailbox, itemID int64, revision int, locator string, b *blob.ContentBlob) *MailboxBlob {
	return &MailboxBlob{mailbox: mbox, itemID: itemID, revision: revision, locator: locator, blob: b, size: -1}
}

func (m *MailboxBlob) Mailbox() Mailbox { return m.mailbox }
func (m *MailboxBlob) ItemID() int64    { return m.itemID }
func (m *MailboxBlob) Revision() int    { return m.revision }
func (m *MailboxBlob) Locator() string  { return m.locator }

// Blob returns the local content.
func (m *MailboxBlob) Blob() *blob.ContentBlob { return m.blob }

// SetSize records the size known from item metadata.
func (m *MailboxBlob) SetSize(size int64) error {
	if size < 0 {
		return xerrors.E(xerrors.KindIllegalArgument, "MailboxBlob.SetSize", m.blob.Path())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.size = size
	return nil
}

// SetDigest records the digest known from item metadata.
func (m *MailboxBlob) SetDigest(digest string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.digest = digest
}

// Size returns the uncompressed size.
func (m *MailboxBlob) Size() (int64, error) {
	m.mu.Lock()
	size := m.size
	m.mu.Unlock()
	if size >= 0 {
		return size, nil
	}
	size, err := m.blob.RawSize()
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.size < 0 {
		m.size = size
	}
	return m.size, nil
}

// Digest returns the content digest.
func (m *MailboxBlob) Digest() (string, error) {
	m.mu.Lock()
	digest := m.digest
	m.mu.Unlock()
	if digest != "" {
		return digest, nil
	}
	digest, err := m.blob.Digest()
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.digest == "" {
		m.digest = digest
	}
	return m.digest, nil
}

func (m *MailboxBlob) String() string { return m.blob.Path() }
