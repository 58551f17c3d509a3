// Package logging wraps oss.nandlabs.io/golly/l3 with the one capability
// the spec needs that l3's own writer registry does not expose: forwarding
// every emitted record, structured, to a sink (the subprocess IPC channel
// inside the child, the Job Store inside the parent) while still letting
// l3's configured writers produce the human-readable console/file output.
package logging

import (
	"fmt"
	"time"

	"oss.nandlabs.io/golly/l3"

	"github.com/hexdrift/dspy-jobsvc/pkg/types"
)

func sprintf(format string, args ...any) string { return fmt.Sprintf(format, args...) }

// Record is one structured log line, independent of l3's own LogMessage
// (which is pooled and formatting-oriented rather than sink-oriented).
type Record struct {
	Timestamp time.Time
	Level     types.LogLevel
	Logger    string
	Message   string
}

// Sink receives every Record emitted through a Logger.
type Sink interface {
	Accept(Record)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Record)

// Accept implements Sink.
func (f SinkFunc) Accept(r Record) { f(r) }

// Logger pairs an l3.Logger (console/file formatting) with an optional
// Sink (structured forwarding). Name identifies the logical component
// (e.g. "executor", "runner") and is carried on every Record as Logger.
type Logger struct {
	name string
	base l3.Logger
	sink Sink
}

// New returns a Logger that writes through l3's configured writers and, if
// sink is non-nil, also forwards every record to it.
func New(name string, sink Sink) *Logger {
	return &Logger{name: name, base: l3.Get(), sink: sink}
}

// WithSink returns a copy of l that forwards records to sink instead.
func (l *Logger) WithSink(sink Sink) *Logger {
	return &Logger{name: l.name, base: l.base, sink: sink}
}

func (l *Logger) emit(level types.LogLevel, msg string) {
	switch level {
	case types.LogDebug:
		l.base.Debug(msg)
	case types.LogWarning:
		l.base.Warn(msg)
	case types.LogError:
		l.base.Error(msg)
	default:
		l.base.Info(msg)
	}
	if l.sink != nil {
		l.sink.Accept(Record{
			Timestamp: time.Now().UTC(),
			Level:     level,
			Logger:    l.name,
			Message:   msg,
		})
	}
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(msg string) { l.emit(types.LogDebug, msg) }

// Info logs at INFO level.
func (l *Logger) Info(msg string) { l.emit(types.LogInfo, msg) }

// Warn logs at WARNING level.
func (l *Logger) Warn(msg string) { l.emit(types.LogWarning, msg) }

// Error logs at ERROR level.
func (l *Logger) Error(msg string) { l.emit(types.LogError, msg) }

// ErrorF logs a formatted message at ERROR level.
func (l *Logger) ErrorF(format string, args ...any) {
	l.base.ErrorF(format, args...)
	if l.sink != nil {
		l.sink.Accept(Record{Timestamp: time.Now().UTC(), Level: types.LogError, Logger: l.name, Message: sprintf(format, args...)})
	}
}

// InfoF logs a formatted message at INFO level.
func (l *Logger) InfoF(format string, args ...any) {
	l.base.InfoF(format, args...)
	if l.sink != nil {
		l.sink.Accept(Record{Timestamp: time.Now().UTC(), Level: types.LogInfo, Logger: l.name, Message: sprintf(format, args...)})
	}
}
