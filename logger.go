package shadernn

import (
	"log/slog"

	"github.com/gogpu/shadernn/internal/logging"
)

// SetLogger configures the logger for shadernn and all its sub-packages.
// By default, shadernn produces no log output.
//
// SetLogger is safe for concurrent use. Pass nil to restore the default
// silent behavior.
//
// Log levels used by shadernn:
//   - [slog.LevelDebug]: pass generation, buffer sizes, program cache misses
//   - [slog.LevelInfo]: lifecycle events (adapter selected, graph compiled)
//   - [slog.LevelWarn]: degraded execution, skipped layers
//
// Example:
//
//	shadernn.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	logging.Set(l)
}

// Logger returns the current logger used by shadernn. Never nil.
func Logger() *slog.Logger {
	return logging.Logger()
}
