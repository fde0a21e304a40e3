package xerrors

import (
	"errors"
	iofs "io/fs"
	"os"
)

// Kind classifies blob store errors.
type Kind int

const (
	KindInvalid Kind = iota
	KindNotFound
	KindIO
	KindIllegalState
	KindIllegalArgument
	KindService
	KindNotSupported
)

// Error wraps an underlying error with additional metadata.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := kindString(e.Kind)
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Path != "" {
		base += " " + e.Path
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

func (k Kind) String() string { return kindString(k) }

func kindString(kind Kind) string {
	switch kind {
	case KindNotFound:
		return "not found"
	case KindIO:
		return "i/o error"
	case KindIllegalState:
		return "illegal state"
	case KindIllegalArgument:
		return "illegal argument"
	case KindService:
		return "service error"
	case KindNotSupported:
		return "not supported"
	default:
		return "invalid"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// WrapIO wraps a filesystem error, keeping not-exist failures classified as
// KindNotFound so callers can tell a missing file from a broken one.
func WrapIO(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, iofs.ErrNotExist) {
		return Wrap(KindNotFound, op, path, err)
	}
	return Wrap(KindIO, op, path, err)
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, path string) error {
	return &Error{Kind: kind, Op: op, Path: path}
}

// KindOf extracts the Kind from err, walking wrapped errors as needed.
func KindOf(err error) Kind {
	if err == nil {
		return KindInvalid
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var pathErr *iofs.PathError
	var linkErr *os.LinkError
	switch {
	case errors.Is(err, iofs.ErrNotExist),
		errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, iofs.ErrInvalid):
		return KindIllegalArgument
	case errors.Is(err, iofs.ErrClosed):
		return KindIllegalState
	case errors.As(err, &pathErr), errors.As(err, &linkErr),
		errors.Is(err, iofs.ErrPermission), errors.Is(err, iofs.ErrExist):
		return KindIO
	default:
		return KindService
	}
}

// IsNotFound reports whether err describes a missing file or object.
func IsNotFound(err error) bool {
	return err != nil && KindOf(err) == KindNotFound
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
