// Package logging builds the zerolog.Logger every other package takes
// as a constructor argument. The teacher has no logging at all; this
// follows the plain rs/zerolog setup the rest of the retrieval pack
// reaches for (SPEC_FULL.md §A) instead of log/slog or bare fmt.Println.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds a logger writing to w at level (a case-insensitive zerolog
// level name such as debug, info, warn or error; a string zerolog cannot
// parse falls back to info). Pass pretty to
// get zerolog's human-readable ConsoleWriter instead of JSON lines —
// handy for a local run, never for a production deployment that feeds
// a log aggregator.
func New(w io.Writer, level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	out := w
	if pretty {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// Default builds the logger cmd/aioqserver falls back to when no
// flags override it: JSON lines to stderr at info level, matching the
// convention an op running this under a supervisor or container
// runtime expects.
func Default() zerolog.Logger {
	return New(os.Stderr, "info", false)
}
