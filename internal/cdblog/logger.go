// Package cdblog provides CannonDB's structured logging, a thin
// wrapper over zerolog shaped after the engine's ambient logging
// conventions: one base logger per open handle, child loggers per
// subsystem (pager, cache, wal, btree).
package cdblog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Config controls how a Logger is constructed.
type Config struct {
	Level  string // debug, info, warn, error (default info)
	Pretty bool   // pretty console output for interactive use
	Output io.Writer
}

// Logger wraps zerolog.Logger with CannonDB-specific child loggers.
type Logger struct {
	zlog zerolog.Logger
}

// New builds a Logger from Config.
func New(cfg Config) *Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	zlog := zerolog.New(output).Level(level).With().
		Timestamp().
		Str("component", "cannondb").
		Logger()

	return &Logger{zlog: zlog}
}

// Noop returns a Logger that discards everything, used as the default
// when a caller doesn't supply one.
func Noop() *Logger {
	return &Logger{zlog: zerolog.New(io.Discard)}
}

// With returns a child logger tagged with a subsystem name.
func (l *Logger) With(subsystem string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("subsystem", subsystem).Logger()}
}

func (l *Logger) Debug() *zerolog.Event { return l.zlog.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.zlog.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.zlog.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.zlog.Error() }
