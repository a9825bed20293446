// Package logging is the agent's zerolog front end. Every component gets a
// child logger tagged with its name, workers additionally with their group
// and slot, so one grep on component/group isolates a subsystem's output.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Output formats.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Logger wraps zerolog.Logger
type Logger struct {
	zerolog.Logger
}

// Config holds logger configuration. Output overrides the destination;
// nil means stderr, keeping stdout free for the screen output.
type Config struct {
	Level  string
	Format string // FormatJSON (default) or FormatConsole
	Output io.Writer
}

// ParseLevel maps the configured severity to a zerolog level. The config
// surface accepts the syslog-style names alongside zerolog's own; unknown
// values fall back to info rather than failing startup.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info", "notice":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error", "err":
		return zerolog.ErrorLevel
	case "fatal", "crit", "critical":
		return zerolog.FatalLevel
	}
	return zerolog.InfoLevel
}

// New creates a logger from the agent's logging section.
func New(cfg Config) *Logger {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Format == FormatConsole {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	return &Logger{Logger: logger}
}

// SetGlobal installs the logger as the process-wide default.
func SetGlobal(logger *Logger) {
	log.Logger = logger.Logger
}

// Global returns the process-wide logger.
func Global() *Logger {
	return &Logger{Logger: log.Logger}
}

// WithComponent creates a child logger tagged with a component name
// (tailer, watcher, supervisor, input-file, output-redis, ...).
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With().Str("component", component).Logger(),
	}
}

// WithWorker creates a child logger tagged with a worker group and slot,
// so the interleaved output of parallel workers stays attributable.
func (l *Logger) WithWorker(group string, id int) *Logger {
	return &Logger{
		Logger: l.Logger.With().Str("group", group).Int("worker", id).Logger(),
	}
}
