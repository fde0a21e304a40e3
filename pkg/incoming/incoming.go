// Package incoming manages the holding area for freshly received blobs that
// have not yet been staged against a mailbox.
package incoming

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jacktea/mailblob/pkg/xerrors"
)

// Suffix is the extension carried by every generated incoming file name.
const Suffix = ".tmp"

// maxSequence bounds the per-timestamp counter; after that many allocations
// the clock is sampled again and the counter restarts.
const maxSequence = 1000

// Directory is an incoming area rooted at a single filesystem path.
type Directory struct {
	path string
	now  func() time.Time

	mu    sync.Mutex
	stamp int64
	seq   int
}

// New returns a Directory at path. The directory is not created until Ensure
// is called.
func New(path string) *Directory {
	return &Directory{path: filepath.Clean(path), now: time.Now}
}

// Path returns the directory location.
func (d *Directory) Path() string { return d.path }

// Ensure creates the directory if needed.
func (d *Directory) Ensure() error {
	if err := os.MkdirAll(d.path, 0o755); err != nil {
		return xerrors.WrapIO("incoming.Ensure", d.path, err)
	}
	return nil
}

// NewPath returns a file path inside the directory that no other call on
// this Directory has returned, of the form {millis}-{seq}.tmp.
func (d *Directory) NewPath() string {
	d.mu.Lock()
	if d.seq == 0 || d.seq >= maxSequence {
		stamp := d.now().UnixMilli()
		// Never step backwards, or names from the previous window could repeat.
		if stamp <= d.stamp {
			stamp = d.stamp + 1
		}
		d.stamp = stamp
		d.seq = 0
	}
	stamp, seq := d.stamp, d.seq
	d.seq++
	d.mu.Unlock()

	name := strconv.FormatInt(stamp, 10) + "-" + strconv.Itoa(seq) + Suffix
	return filepath.Join(d.path, name)
}

// Entry describes one file found in the directory.
type Entry struct {
	Path    string
	ModTime time.Time
	Size    int64
}

// List returns the regular files currently in the directory. A missing
// directory yields no entries.
func (d *Directory) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, xerrors.WrapIO("incoming.List", d.path, err)
	}
	out := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if !de.Type().IsRegular() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		out = append(out, Entry{
			Path:    filepath.Join(d.path, de.Name()),
			ModTime: info.ModTime(),
			Size:    info.Size(),
		})
	}
	return out, nil
}

// Contains reports whether path lies directly inside the directory.
func (d *Directory) Contains(path string) bool {
	return filepath.Dir(filepath.Clean(path)) == d.path
}

// IsIncomingName reports whether name looks like a generated incoming name.
func IsIncomingName(name string) bool {
	if !strings.HasSuffix(name, Suffix) {
		return false
	}
	stamp, seq, ok := strings.Cut(strings.TrimSuffix(name, Suffix), "-")
	if !ok {
		return false
	}
	if _, err := strconv.ParseInt(stamp, 10, 64); err != nil {
		return false
	}
	_, err := strconv.Atoi(seq)
	return err == nil
}
