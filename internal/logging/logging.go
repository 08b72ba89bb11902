// Package logging builds the structured zerolog loggers shared by every
// sequencer component.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Level names accepted in configuration.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format controls console vs. JSON output.
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Config configures the root logger.
type Config struct {
	Level     Level
	Format    Format
	Component string
}

// New builds a zerolog.Logger with timestamp, service and component fields.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch cfg.Level {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == FormatPretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", "sequencer").
		Str("component", cfg.Component).
		Logger()

	return logger
}

// WithComponent derives a child logger scoped to a named component, the way
// each pipeline stage gets its own logger.
func WithComponent(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// LogPanic records a recovered panic with a full stack trace before the
// caller decides whether to re-panic or continue. Used at the top of every
// independent goroutine (slot processor, block creator, dispatcher, reorg
// tracker).
func LogPanic(logger zerolog.Logger, recovered any, msg string) {
	logger.Error().
		Interface("panic", recovered).
		Str("stack", string(debug.Stack())).
		Msg(msg)
}
