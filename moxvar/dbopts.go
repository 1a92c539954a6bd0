package moxvar

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/mjl-/bstore"
)

var quietRegister = testing.Testing()

// DBOptions returns the options for opening the bstore database at path. Type
// registration is logged to log, except in tests for databases that are
// being created.
func DBOptions(path string, log *slog.Logger) *bstore.Options {
	opts := &bstore.Options{Timeout: 5 * time.Second, Perm: 0660, RegisterLogger: log}
	if quietRegister {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			opts.RegisterLogger = nil
		}
	}
	return opts
}
