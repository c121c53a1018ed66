package mailfolder

import (
	"io"
	"log/slog"
)

// discardLogger returns a logger for tests that exercise warning paths.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
