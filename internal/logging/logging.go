// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns a zerolog logger at level. Development environments get a human-readable console
// writer on stderr; everything else gets JSON on stdout. Unknown levels fall back to info.
func New(level, env string) zerolog.Logger {
	return NewWithWriter(level, env, nil)
}

// NewWithWriter is New with an explicit output. A nil w selects the default for env.
func NewWithWriter(level, env string, w io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if w == nil {
		w = os.Stdout
		if isDevelopment(env) {
			w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

func isDevelopment(env string) bool {
	switch strings.ToLower(env) {
	case "", "dev", "development", "local":
		return true
	}
	return false
}
