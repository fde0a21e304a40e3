// Package volume describes storage volumes: where a volume lives on disk,
// how mailbox and item ids map to directories beneath it, and which volume
// is current for each kind of data.
package volume

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jacktea/mailblob/pkg/xerrors"
)

// ID identifies a volume. Valid ids are 1..MaxID.
type ID uint16

const (
	// IDNone marks the absence of a volume, e.g. an unset current volume.
	IDNone ID = 0
	// MaxID is the largest assignable volume id.
	MaxID ID = 255
)

func (id ID) String() string { return strconv.Itoa(int(id)) }

// ParseID parses the decimal form produced by String.
func ParseID(s string) (ID, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return IDNone, xerrors.Wrap(xerrors.KindIllegalArgument, "volume.ParseID", s, err)
	}
	id := ID(n)
	if err := ValidateID(id); err != nil {
		return IDNone, err
	}
	return id, nil
}

// ValidateID rejects ids outside 1..MaxID.
func ValidateID(id ID) error {
	if id < 1 || id > MaxID {
		return xerrors.Wrap(xerrors.KindIllegalArgument, "volume.ValidateID", id.String(),
			fmt.Errorf("volume id outside the range [1, %d]", MaxID))
	}
	return nil
}

// Type is the kind of data a volume holds.
type Type uint8

const (
	TypeMessage          Type = 1
	TypeMessageSecondary Type = 2
	TypeIndex            Type = 10
)

// Types lists every volume type.
var Types = []Type{TypeMessage, TypeMessageSecondary, TypeIndex}

func (t Type) String() string {
	switch t {
	case TypeMessage:
		return "message"
	case TypeMessageSecondary:
		return "secondary"
	case TypeIndex:
		return "index"
	default:
		return "type(" + strconv.Itoa(int(t)) + ")"
	}
}

// ParseType accepts the names returned by Type.String.
func ParseType(s string) (Type, error) {
	for _, t := range Types {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return 0, xerrors.E(xerrors.KindIllegalArgument, "volume.ParseType", s)
}

func (t Type) valid() bool {
	return t == TypeMessage || t == TypeMessageSecondary || t == TypeIndex
}

const (
	DefaultMboxGroupBits = 8
	DefaultMboxBits      = 12
	DefaultFileGroupBits = 8
	DefaultFileBits      = 12

	incomingDir   = "incoming"
	subdirMessage = "msg"
	subdirIndex   = "index"
	blobSuffix    = ".msg"
)

// Volume is one storage root and its directory hashing parameters.
type Volume struct {
	ID       ID     `json:"id"`
	Type     Type   `json:"type"`
	Name     string `json:"name"`
	RootPath string `json:"root_path"`

	MboxGroupBits uint8 `json:"mbox_group_bits"`
	MboxBits      uint8 `json:"mbox_bits"`
	FileGroupBits uint8 `json:"file_group_bits"`
	FileBits      uint8 `json:"file_bits"`

	CompressBlobs        bool  `json:"compress_blobs"`
	CompressionThreshold int64 `json:"compression_threshold"`
}

// New returns a volume with the default hashing parameters.
func New(id ID, typ Type, name, root string) Volume {
	return Volume{
		ID:            id,
		Type:          typ,
		Name:          name,
		RootPath:      root,
		MboxGroupBits: DefaultMboxGroupBits,
		MboxBits:      DefaultMboxBits,
		FileGroupBits: DefaultFileGroupBits,
		FileBits:      DefaultFileBits,
	}
}

// IncomingDir is where new blobs are written before they are staged.
func (v Volume) IncomingDir() string {
	return filepath.Join(v.RootPath, incomingDir)
}

func groupDir(id int64, shift, bits uint8) string {
	mask := int64(1)<<bits - 1
	return strconv.FormatInt((id>>shift)&mask, 10)
}

func (v Volume) mailboxDir(mboxID int64, subdir string) string {
	return filepath.Join(v.RootPath,
		groupDir(mboxID, v.MboxBits, v.MboxGroupBits),
		strconv.FormatInt(mboxID, 10),
		subdir)
}

// MailboxDir returns the per-mailbox directory for message data, or for
// index data on index volumes.
func (v Volume) MailboxDir(mboxID int64) string {
	if v.Type == TypeIndex {
		return v.mailboxDir(mboxID, subdirIndex)
	}
	return v.mailboxDir(mboxID, subdirMessage)
}

// BlobDir returns the directory holding every revision of itemID.
func (v Volume) BlobDir(mboxID, itemID int64) string {
	return filepath.Join(v.mailboxDir(mboxID, subdirMessage),
		groupDir(itemID, v.FileBits, v.FileGroupBits))
}

// BlobPath returns the permanent file for one item revision.
func (v Volume) BlobPath(mboxID, itemID int64, revision int) string {
	name := strconv.FormatInt(itemID, 10) + "-" + strconv.Itoa(revision) + blobSuffix
	return filepath.Join(v.BlobDir(mboxID, itemID), name)
}

// Validate checks the fields that must hold for any stored volume. The id
// is checked separately since creation may assign it.
func (v Volume) Validate() error {
	const op = "volume.Validate"
	if !v.Type.valid() {
		return xerrors.E(xerrors.KindIllegalArgument, op, "type "+v.Type.String())
	}
	if v.Name == "" {
		return xerrors.E(xerrors.KindIllegalArgument, op, "missing name")
	}
	if v.RootPath == "" || !filepath.IsAbs(v.RootPath) {
		return xerrors.E(xerrors.KindIllegalArgument, op, "root path must be absolute: "+v.RootPath)
	}
	if v.CompressionThreshold < 0 {
		return xerrors.E(xerrors.KindIllegalArgument, op, "negative compression threshold")
	}
	for _, bits := range []uint8{v.MboxGroupBits, v.MboxBits, v.FileGroupBits, v.FileBits} {
		if bits == 0 || bits > 30 {
			return xerrors.E(xerrors.KindIllegalArgument, op, "hashing bits out of range")
		}
	}
	return nil
}

// Contains reports whether path lies at or beneath the volume root.
func (v Volume) Contains(path string) bool {
	rel, err := filepath.Rel(v.RootPath, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func (v Volume) String() string {
	return fmt.Sprintf("Volume{id=%d, type=%s, name=%q, root=%s, mgbits=%d, mbits=%d, fgbits=%d, fbits=%d, compress=%t, threshold=%d}",
		v.ID, v.Type, v.Name, v.RootPath, v.MboxGroupBits, v.MboxBits, v.FileGroupBits, v.FileBits,
		v.CompressBlobs, v.CompressionThreshold)
}
