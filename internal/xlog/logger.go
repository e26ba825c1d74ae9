// Package xlog provides the leveled, prefix-forking logger used throughout
// netcore. The interface shape follows the convention of small networking
// libraries that pass a Logger down through constructors (Fork a child
// logger per component); the backing implementation is zerolog.
package xlog

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Level is a logging verbosity level, ordered least to most verbose.
type Level int8

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelError:
		return zerolog.ErrorLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelDebug:
		return zerolog.DebugLevel
	default:
		return zerolog.TraceLevel
	}
}

// Logger is a leveled logger with a component prefix. Call Fork to derive a
// child logger scoped to a sub-component; every log line carries the full
// dotted prefix chain.
type Logger interface {
	// Fork returns a new Logger with an additional formatted prefix segment.
	Fork(f string, args ...interface{}) Logger

	ELogf(f string, args ...interface{})
	WLogf(f string, args ...interface{})
	ILogf(f string, args ...interface{})
	DLogf(f string, args ...interface{})
	TLogf(f string, args ...interface{})

	// Errorf returns an error whose message carries this logger's prefix,
	// without emitting a log line.
	Errorf(f string, args ...interface{}) error

	Prefix() string
	Level() Level
	SetLevel(Level)
}

type zlogger struct {
	prefix string
	zl     zerolog.Logger
	level  Level
}

// New creates a root Logger writing to w (os.Stderr if nil) at the given
// level, with the given component prefix.
func New(w io.Writer, prefix string, level Level) Logger {
	if w == nil {
		w = os.Stderr
	}
	zl := zerolog.New(w).With().Timestamp().Str("component", prefix).Logger().Level(level.zerolog())
	return &zlogger{prefix: prefix, zl: zl, level: level}
}

func (l *zlogger) Fork(f string, args ...interface{}) Logger {
	seg := fmt.Sprintf(f, args...)
	prefix := seg
	if l.prefix != "" {
		prefix = l.prefix + "." + seg
	}
	zl := l.zl.With().Str("component", prefix).Logger()
	return &zlogger{prefix: prefix, zl: zl, level: l.level}
}

func (l *zlogger) ELogf(f string, args ...interface{}) { l.zl.Error().Msgf(f, args...) }
func (l *zlogger) WLogf(f string, args ...interface{}) { l.zl.Warn().Msgf(f, args...) }
func (l *zlogger) ILogf(f string, args ...interface{}) { l.zl.Info().Msgf(f, args...) }
func (l *zlogger) DLogf(f string, args ...interface{}) { l.zl.Debug().Msgf(f, args...) }
func (l *zlogger) TLogf(f string, args ...interface{}) { l.zl.Trace().Msgf(f, args...) }

func (l *zlogger) Errorf(f string, args ...interface{}) error {
	return fmt.Errorf("%s: %s", l.prefix, fmt.Sprintf(f, args...))
}

func (l *zlogger) Prefix() string { return l.prefix }
func (l *zlogger) Level() Level   { return l.level }

func (l *zlogger) SetLevel(lv Level) {
	l.level = lv
	l.zl = l.zl.Level(lv.zerolog())
}

// Nop returns a Logger that discards all output, for use in tests and as a
// zero-value default.
func Nop() Logger {
	return New(io.Discard, "", LevelError)
}
