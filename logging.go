package frontdoor

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Logger is the package logger used where no connection logger applies.
// It is disabled until replaced, typically with the result of NewLogger.
var Logger = zerolog.Nop()

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error or disabled
	Format string `yaml:"format"` // json or console
}

// ParseLevel maps a configured level name to a zerolog level.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "disabled", "off", "none":
		return zerolog.Disabled, nil
	}
	return zerolog.NoLevel, errors.Errorf("unknown log level %q", s)
}

// NewLogger builds a logger writing to w, or to stderr if w is nil.
func NewLogger(cfg LogConfig, w io.Writer) (zerolog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), err
	}
	if w == nil {
		w = os.Stderr
	}
	switch strings.ToLower(cfg.Format) {
	case "", "json":
	case "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), errors.Errorf("unknown log format %q", cfg.Format)
	}
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", "frontdoor").
		Logger(), nil
}
