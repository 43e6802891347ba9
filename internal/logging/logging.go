// Package logging builds the service logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"

	"github.com/dshills/leadgraph-go/internal/config"
)

// New returns a logger writing to stdout: colorized text when stdout is a
// terminal, plain text otherwise, or JSON when cfg.Format is "json".
func New(cfg config.LogConfig) (*slog.Logger, error) {
	return NewWriter(os.Stdout, cfg)
}

// NewWriter is New with an explicit destination. Color is enabled only
// when w is a terminal.
func NewWriter(w io.Writer, cfg config.LogConfig) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	switch cfg.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), nil
	case "", "text":
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
			NoColor:    !isTerminal(w),
		})), nil
	}
	return nil, fmt.Errorf("unknown log format %q", cfg.Format)
}

// ParseLevel maps a configured level name to a slog.Level. Empty is info.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}
