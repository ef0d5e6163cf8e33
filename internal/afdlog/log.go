// Package afdlog is the logging facade used across the core. It keeps one
// process-wide logrus.Logger and exposes the same leveled-global-helper
// shape the rest of the corpus uses, so call sites never reach for the
// stdlib log package directly.
package afdlog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var std = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetOutput redirects where log lines go; the owning daemon decides the sink.
func SetOutput(w io.Writer) { std.SetOutput(w) }

// SetLevel adjusts verbosity at runtime.
func SetLevel(level logrus.Level) { std.SetLevel(level) }

// Debugf logs fine-grained per-connection/per-entry tracing.
func Debugf(format string, args ...interface{}) { std.Debugf(format, args...) }

// Infof logs normal operational events (pass summaries, reconnects).
func Infof(format string, args ...interface{}) { std.Infof(format, args...) }

// Warnf logs recoverable anomalies, e.g. the known ledger rewrite bounded case.
func Warnf(format string, args ...interface{}) { std.Warnf(format, args...) }

// Errorf logs failures the caller is about to return as an error.
func Errorf(format string, args ...interface{}) { std.Errorf(format, args...) }

// WithField starts a structured entry, e.g. afdlog.WithField("worker", id).Infof(...).
func WithField(key string, value interface{}) *logrus.Entry {
	return std.WithField(key, value)
}
