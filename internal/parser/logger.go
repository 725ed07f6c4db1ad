package parser

import (
	"io"
	"log/slog"

	"github.com/hashicorp/go-hclog"
)

// newNoOpHCLogger creates a no-op hclog.Logger for the playlist HTTP client.
func newNoOpHCLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "manifest",
		Level:  hclog.Off,
		Output: io.Discard,
	})
}

// NewHCLogger creates the hclog.Logger used by the playlist HTTP client,
// writing to w at the level matching the application's slog level.
func NewHCLogger(w io.Writer, level slog.Level) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "manifest",
		Level:  hclogLevel(level),
		Output: w,
	})
}

func hclogLevel(level slog.Level) hclog.Level {
	switch {
	case level <= slog.LevelDebug:
		return hclog.Debug
	case level <= slog.LevelInfo:
		return hclog.Info
	case level <= slog.LevelWarn:
		return hclog.Warn
	default:
		return hclog.Error
	}
}
