// Package logging builds the structured logger shared by the api and worker binaries.
package logging

import (
	"io"
	"os"

	"github.com/phuslu/log"
)

// New returns a leveled logger. Output is colored console text on a terminal and JSON lines otherwise.
func New(level string) *log.Logger {
	lvl := log.ParseLevel(level)
	if level == "" {
		lvl = log.InfoLevel
	}

	var w log.Writer = &log.IOWriter{Writer: os.Stderr}
	if log.IsTerminal(os.Stderr.Fd()) {
		w = &log.ConsoleWriter{ColorOutput: true, QuoteString: true}
	}

	return &log.Logger{
		Level:      lvl,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		Writer:     w,
	}
}

// Discard returns a logger that drops every entry. Used by tests and optional components.
func Discard() *log.Logger {
	return &log.Logger{Level: log.PanicLevel, Writer: &log.IOWriter{Writer: io.Discard}}
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *log.Logger) *log.Logger {
	if l == nil {
		return Discard()
	}
	return l
}
