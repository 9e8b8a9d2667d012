// Package obslog wires the proxy's structured logging stack: a logiface
// facade (github.com/joeycumines/logiface) fronting a zerolog backend
// (github.com/joeycumines/izerolog), exactly the pairing the teacher
// monorepo ships as its own logging stack.
package obslog

import (
	"io"
	"os"
	"time"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// Logger is the concrete logger type threaded through the engine and its
// components.
type Logger = logiface.Logger[*izerolog.Event]

// Options controls log level and output formatting.
type Options struct {
	// Level is one of "error", "warning", "info", "debug", "trace".
	// Defaults to "info" for an unrecognized or empty value.
	Level string
	// Pretty selects zerolog's human-readable console writer instead of
	// newline-delimited JSON. Intended for local development, not production.
	Pretty bool
	// Writer overrides the destination; defaults to os.Stderr.
	Writer io.Writer
	// RunID, when non-empty, is attached as a "run_id" field to every line
	// this Logger (and everything derived from it) emits — a single process
	// lifetime's correlation id, minted once by the caller (cmd/quarantine-proxy)
	// and also surfaced on the admin mux's X-Quarantine-Run header.
	RunID string
}

// New builds a Logger per Options, following the
// `izerolog.L.New(izerolog.L.WithZerolog(...))` construction idiom.
func New(opts Options) *Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	if opts.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	zl := zerolog.New(w).With().Timestamp().Logger()

	logger := logiface.New[*izerolog.Event](
		izerolog.WithZerolog(zl),
		logiface.WithLevel[*izerolog.Event](parseLevel(opts.Level)),
	)
	if opts.RunID != "" {
		logger = logger.Clone().Str("run_id", opts.RunID).Logger()
	}
	return logger
}

func parseLevel(s string) logiface.Level {
	switch s {
	case "error":
		return logiface.LevelError
	case "warning", "warn":
		return logiface.LevelWarning
	case "debug":
		return logiface.LevelDebug
	case "trace":
		return logiface.LevelTrace
	default:
		return logiface.LevelInformational
	}
}
