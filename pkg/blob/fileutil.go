package blob

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/jacktea/mailblob/pkg/xerrors"
)

// CopyFile copies srcPath to destPath through a temporary sibling so a
// partially copied destination is never visible.
func CopyFile(srcPath, destPath string, fsync bool) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return xerrors.WrapIO("CopyFile", srcPath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return xerrors.WrapIO("CopyFile", destPath, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".copy-*")
	if err != nil {
		return xerrors.WrapIO("CopyFile", destPath, err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return xerrors.WrapIO("CopyFile", destPath, err)
	}
	if fsync {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return xerrors.WrapIO("CopyFile", destPath, err)
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return xerrors.WrapIO("CopyFile", destPath, err)
	}
	if err := os.Rename(tmpName, destPath); err != nil {
		os.Remove(tmpName)
		return xerrors.WrapIO("CopyFile", destPath, err)
	}
	return nil
}

// LinkOrCopy creates destPath as a hard link to srcPath, falling back to a
// full copy when the filesystem refuses the link. It reports whether a link
// was made. An existing destination is replaced only once the new entry is
// complete.
func LinkOrCopy(srcPath, destPath string, fsync bool) (bool, error) {
	if filepath.Clean(srcPath) == filepath.Clean(destPath) {
		return true, nil
	}
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, xerrors.WrapIO("LinkOrCopy", destPath, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(destPath)+".link-*")
	if err != nil {
		return false, xerrors.WrapIO("LinkOrCopy", destPath, err)
	}
	tmpName := tmp.Name()
	tmp.Close()
	os.Remove(tmpName)

	err = os.Link(srcPath, tmpName)
	if errors.Is(err, os.ErrNotExist) {
		return false, xerrors.WrapIO("LinkOrCopy", srcPath, err)
	}
	if err != nil {
		return false, CopyFile(srcPath, destPath, fsync)
	}
	err = os.Rename(tmpName, destPath)
	// Renaming onto another link of the same inode leaves the source name.
	os.Remove(tmpName)
	if err != nil {
		return false, xerrors.WrapIO("LinkOrCopy", destPath, err)
	}
	return true, nil
}

// MoveFile renames srcPath to destPath; across devices it copies and then
// removes the source.
func MoveFile(srcPath, destPath string, fsync bool) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return xerrors.WrapIO("MoveFile", destPath, err)
	}
	err := os.Rename(srcPath, destPath)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return xerrors.WrapIO("MoveFile", srcPath, err)
	}
	if err := CopyFile(srcPath, destPath, fsync); err != nil {
		return err
	}
	if err := os.Remove(srcPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return xerrors.WrapIO("MoveFile", srcPath, err)
	}
	return nil
}

// RemoveFile deletes path, reporting false when it did not exist.
func RemoveFile(path string) (bool, error) {
	err := os.Remove(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, xerrors.WrapIO("RemoveFile", path, err)
}

// SyncDir flushes directory metadata so new entries survive a crash.
func SyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return xerrors.WrapIO("SyncDir", dir, err)
	}
	defer f.Close()
	return xerrors.WrapIO("SyncDir", dir, f.Sync())
}
