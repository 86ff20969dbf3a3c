// Package logging builds the daemon's loggers. Component loggers share
// one sink and differ only in their bracket prefix; when a log file is
// configured the sink rotates via lumberjack.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls the shared sink.
type Options struct {
	// File enables rotating file output. Empty logs to stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Quiet discards all output. Used by status-style commands.
	Quiet bool
}

// Sink is the shared destination for component loggers.
type Sink struct {
	w      io.Writer
	closer io.Closer
}

// NewSink builds the destination writer.
func NewSink(opts Options) *Sink {
	if opts.Quiet {
		return &Sink{w: io.Discard}
	}
	if opts.File == "" {
		return &Sink{w: os.Stderr}
	}
	lj := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
	return &Sink{w: lj, closer: lj}
}

// Logger returns a component logger writing to the sink, e.g.
// Logger("engine") produces lines prefixed "[engine] ".
func (s *Sink) Logger(component string) *log.Logger {
	return log.New(s.w, "["+component+"] ", log.LstdFlags)
}

// Close flushes and closes the underlying file, if any.
func (s *Sink) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
