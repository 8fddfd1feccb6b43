package gotftp

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// ErrLocked is returned by acquireLock when another transfer already
// holds the lock for a filename.
var ErrLocked = errors.New("tftp: local file is already transferring")

// fileLock is a sidecar marker file, "<filename>.lock", that enforces
// spec.md section 4.5's rule: at most one active client-side transfer
// per local filename. It is advisory only; nothing stops another
// process from touching the target file directly.
type fileLock struct {
	path string
}

// acquireLock creates the sidecar marker for filename, recording who
// (peer) is holding it. It fails with ErrLocked if the marker already
// exists.
func acquireLock(filename string, peer string) (*fileLock, error) {
	path := filename + ".lock"
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrLocked
		}
		return nil, errors.Wrap(err, "tftp: create lock marker")
	}
	defer f.Close()
	fmt.Fprintln(f, peer)
	return &fileLock{path: path}, nil
}

// release removes the marker. Safe to call more than once; a missing
// marker is not an error, since release runs on both the success and
// failure paths of a transfer.
func (l *fileLock) release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "tftp: remove lock marker")
	}
	return nil
}
