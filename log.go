package gotftp

import (
	"os"

	"github.com/rs/zerolog"
)

// Log is the package-level logger. Binaries (cmd/tftpd, cmd/tftp) may
// replace it with a differently-configured zerolog.Logger before calling
// into the package; the default writes human-readable output to stderr.
var Log zerolog.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

// SetVerbose raises or lowers the package logger's level. cmd/tftpd
// defaults to info and --verbose drops it to debug; cmd/tftp always runs
// at info.
func SetVerbose(verbose bool) {
	if verbose {
		Log = Log.Level(zerolog.DebugLevel)
	} else {
		Log = Log.Level(zerolog.InfoLevel)
	}
}
