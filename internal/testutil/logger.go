package testutil

import (
	"io"
	"log/slog"
	"testing"
)

// Logger returns a quiet logger for tests: warnings and above only, so
// expected-failure paths do not flood test output.
func Logger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
