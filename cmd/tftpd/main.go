// Command tftpd is a TFTP server: it serves octet-mode RRQ/WRQ
// requests rooted at a configurable directory.
package main

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mtwombley/gotftp"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

func main() {
	var (
		addr        string
		root        string
		readOnly    bool
		idleTimeout int
		maxRetries  int
		maxSessions int
		verbose     bool
	)
	pflag.StringVar(&addr, "addr", ":6969", "address to listen on")
	pflag.StringVar(&root, "root", ".", "directory files are served from and written to")
	pflag.BoolVar(&readOnly, "read-only", false, "reject WRQ (no uploads accepted)")
	pflag.IntVar(&idleTimeout, "idle-timeout", 5, "seconds of inactivity before a session is dropped")
	pflag.IntVar(&maxRetries, "max-retries", 5, "retransmissions attempted before giving up on a block")
	pflag.IntVar(&maxSessions, "max-sessions", 10, "maximum concurrent transfers")
	pflag.BoolVar(&verbose, "verbose", false, "enable debug logging")
	pflag.Parse()

	gotftp.SetVerbose(verbose)
	gotftp.IdleTimeout = time.Duration(idleTimeout) * time.Second
	gotftp.MaxRetries = maxRetries
	gotftp.MaxSessions = maxSessions

	absRoot, err := filepath.Abs(root)
	if err != nil {
		gotftp.Log.Fatal().Err(err).Str("root", root).Msg("resolve root directory")
	}

	handler := &rootHandler{root: absRoot, readOnly: readOnly}

	srv, err := gotftp.NewServer(addr, handler)
	if err != nil {
		gotftp.Log.Fatal().Err(err).Str("addr", addr).Msg("start server")
	}
	defer srv.Close()

	gotftp.Log.Info().Str("addr", addr).Str("root", absRoot).Bool("read_only", readOnly).Msg("tftpd listening")
	if err := srv.Run(); err != nil {
		gotftp.Log.Fatal().Err(err).Msg("server stopped")
	}
}

// rootHandler is a gotftp.FileHandler rooted at a base directory. It
// rejects any filename that would resolve outside that directory
// (spec's open question on path traversal, resolved as "reject") and
// writes uploads to a temp file that is renamed into place only on a
// clean finish, per the "threaded variant" pattern in the original
// source.
type rootHandler struct {
	root     string
	readOnly bool
}

func (h *rootHandler) resolve(filename string) (string, error) {
	if filename == "" {
		return "", errors.New("empty filename")
	}
	full := filepath.Join(h.root, filename)
	rel, err := filepath.Rel(h.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Errorf("path escapes root: %q", filename)
	}
	return full, nil
}

func (h *rootHandler) ReadFile(peer net.Addr, filename string) (io.ReadCloser, error) {
	path, err := h.resolve(filename)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open for read")
	}
	return f, nil
}

func (h *rootHandler) WriteFile(peer net.Addr, filename string) (io.WriteCloser, error) {
	if h.readOnly {
		return nil, errors.New("server is read-only")
	}
	path, err := h.resolve(filename)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path+".tmp", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open for write")
	}
	return f, nil
}

// Commit renames a successfully-received upload's temp file into
// place. Called by the server only after the writer has been closed.
func (h *rootHandler) Commit(peer net.Addr, filename string) error {
	path, err := h.resolve(filename)
	if err != nil {
		return err
	}
	return errors.Wrap(os.Rename(path+".tmp", path), "rename into place")
}

// Remove discards a partial upload's temp file after a failed
// transfer (peer ERROR, local write error, an illegal packet from the
// peer, or retry exhaustion).
func (h *rootHandler) Remove(peer net.Addr, filename string) error {
	path, err := h.resolve(filename)
	if err != nil {
		return err
	}
	if err := os.Remove(path + ".tmp"); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove partial upload")
	}
	return nil
}
