// Package hclog is a thin structured-logging facade around logrus.
//
// It keeps the call-site shape the rest of this codebase expects
// (Debug/Info/Warn/Error, each taking a printf-style format) while tagging
// every line with the emitting component, the way a per-call-site name
// prefix would in a hand-rolled leveled logger.
package hclog

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Logger emits leveled, component-tagged log lines.
type Logger struct {
	entry *logrus.Entry
}

var root = logrus.New()

func init() {
	root.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetLevel adjusts the process-wide minimum log level.
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}
	root.SetLevel(lvl)
	return nil
}

// For returns a Logger tagged with the given component name, e.g. "qmp" or
// "coordinator".
func For(component string) *Logger {
	return &Logger{entry: root.WithField("component", component)}
}

// With returns a derived Logger carrying an additional field, e.g. a vmId.
func (l *Logger) With(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

func (l *Logger) Debug(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
