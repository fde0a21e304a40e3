// Package store defines the blob store contract used by the mailbox layer
// and provides the local-disk backend, a timing decorator, the backend
// registry and the multi-volume router.
package store

import (
	"context"
	"io"
	"iter"
	"strconv"

	"github.com/jacktea/mailblob/pkg/blob"
)

// Feature is an optional backend capability.
type Feature int

const (
	// FeatureBulkDelete means DeleteStore wipes a mailbox without walking
	// its blobs.
	FeatureBulkDelete Feature = iota
	// FeatureCentralized means every process sees the same blobs.
	FeatureCentralized
	// FeatureResumableUpload means interrupted uploads can continue.
	FeatureResumableUpload
	// FeatureSingleInstanceCreate means identical content is stored once
	// and reference counted.
	FeatureSingleInstanceCreate
	// FeatureCustomAPI means the backend exposes calls beyond Manager.
	FeatureCustomAPI
)

func (f Feature) String() string {
	switch f {
	case FeatureBulkDelete:
		return "BULK_DELETE"
	case FeatureCentralized:
		return "CENTRALIZED"
	case FeatureResumableUpload:
		return "RESUMABLE_UPLOAD"
	case FeatureSingleInstanceCreate:
		return "SINGLE_INSTANCE_CREATE"
	case FeatureCustomAPI:
		return "CUSTOM_API"
	default:
		return "feature(" + strconv.Itoa(int(f)) + ")"
	}
}

// Mailbox identifies the owner of staged and committed blobs.
type Mailbox struct {
	ID        int64
	AccountID string
}

func (m Mailbox) String() string { return strconv.FormatInt(m.ID, 10) }

// Manager is the backend contract. Every failure is reported; deleting an
// absent target returns false rather than an error.
type Manager interface {
	// Startup prepares the backend. It must be called before other methods.
	Startup(ctx context.Context) error
	// Shutdown releases background work and caches.
	Shutdown(ctx context.Context) error
	Supports(f Feature) bool

	// GetBlobBuilder returns a builder writing into the incoming area.
	GetBlobBuilder(ctx context.Context) (*blob.Builder, error)
	// StoreIncoming persists r as a new incoming blob. storeAsIs skips
	// compression for data that is already compressed.
	StoreIncoming(ctx context.Context, r io.Reader, storeAsIs bool) (*blob.ContentBlob, error)
	StoreIncomingBytes(ctx context.Context, data []byte, storeAsIs bool) (*blob.ContentBlob, error)

	// Stage associates an incoming blob with a mailbox.
	Stage(ctx context.Context, b *blob.ContentBlob, mbox Mailbox) (*StagedBlob, error)
	// StageStream stores r as incoming and stages it in one step.
	StageStream(ctx context.Context, r io.Reader, mbox Mailbox) (*StagedBlob, error)
	// Link commits staged to a permanent address, leaving the staged blob
	// independently in place.
	Link(ctx context.Context, staged *StagedBlob, mbox Mailbox, itemID int64, revision int) (*MailboxBlob, error)
	// RenameTo commits staged to a permanent address, consuming it.
	RenameTo(ctx context.Context, staged *StagedBlob, mbox Mailbox, itemID int64, revision int) (*MailboxBlob, error)
	// Copy duplicates src under another mailbox item.
	Copy(ctx context.Context, src *MailboxBlob, dest Mailbox, itemID int64, revision int) (*MailboxBlob, error)

	GetMailboxBlob(ctx context.Context, mbox Mailbox, itemID int64, revision int, locator string) (*MailboxBlob, error)
	// GetLocalBlob exposes the file behind a committed blob.
	GetLocalBlob(ctx context.Context, mb *MailboxBlob) (*blob.ContentBlob, error)
	GetContent(ctx context.Context, mb *MailboxBlob) (*blob.Reader, error)
	GetBlobContent(ctx context.Context, b *blob.ContentBlob) (*blob.Reader, error)

	DeleteBlob(ctx context.Context, b *blob.ContentBlob) (bool, error)
	DeleteStaged(ctx context.Context, staged *StagedBlob) (bool, error)
	DeleteMailboxBlob(ctx context.Context, mb *MailboxBlob) (bool, error)
	// DeleteStore removes every blob of mbox. Backends supporting
	// FeatureBulkDelete may ignore blobs.
	DeleteStore(ctx context.Context, mbox Mailbox, blobs iter.Seq[*MailboxBlob]) (bool, error)
}

// DeleteEach deletes blobs one by one through m. It is the fallback for
// backends without FeatureBulkDelete. The first failure stops the walk.
func DeleteEach(ctx context.Context, m Manager, blobs iter.Seq[*MailboxBlob]) (bool, error) {
	if blobs == nil {
		return false, nil
	}
	var deletedAny bool
	for mb := range blobs {
		if err := ctx.Err(); err != nil {
			return deletedAny, err
		}
		deleted, err := m.DeleteMailboxBlob(ctx, mb)
		if err != nil {
			return deletedAny, err
		}
		deletedAny = deletedAny || deleted
	}
	return deletedAny, nil
}
