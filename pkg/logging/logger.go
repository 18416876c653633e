// Package logging provides the shared logrus logger for SabhaPass.
// Components obtain a tagged entry with Component and log through it.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the application-wide logger instance.
var Logger *logrus.Logger

// Fields is an alias for logrus.Fields for convenience.
type Fields = logrus.Fields

// logFile is the currently attached log file, if any.
var logFile *os.File

var levels = map[string]logrus.Level{
	"debug":   logrus.DebugLevel,
	"info":    logrus.InfoLevel,
	"warn":    logrus.WarnLevel,
	"warning": logrus.WarnLevel,
	"error":   logrus.ErrorLevel,
}

// Output formats accepted by the logging configuration.
const (
	FormatText = "text"
	FormatJSON = "json"
)

func init() {
	Logger = logrus.New()
	Logger.SetFormatter(textFormatter())
	Logger.SetOutput(os.Stderr)
	Logger.SetLevel(logrus.InfoLevel)
}

func textFormatter() logrus.Formatter {
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	}
}

// ParseLevel maps a configuration level name to a logrus level.
// Unknown names fall back to info.
func ParseLevel(level string) logrus.Level {
	if l, ok := levels[strings.ToLower(strings.TrimSpace(level))]; ok {
		return l
	}
	return logrus.InfoLevel
}

// ValidLevel reports whether level is a name ParseLevel knows.
func ValidLevel(level string) bool {
	_, ok := levels[strings.ToLower(strings.TrimSpace(level))]
	return ok
}

// Init configures the level and, when file is set, mirrors output into an
// append-mode log file next to stderr.
func Init(level string, file string) error {
	Logger.SetLevel(ParseLevel(level))

	if file == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return err
	}

	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	Close()
	logFile = f
	Logger.SetOutput(io.MultiWriter(os.Stderr, f))
	return nil
}

// UseJSON switches the formatter to JSON, for log shippers.
func UseJSON(enabled bool) {
	if enabled {
		Logger.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	Logger.SetFormatter(textFormatter())
}

// Close detaches and closes the log file opened by Init.
func Close() {
	if logFile == nil {
		return
	}
	Logger.SetOutput(os.Stderr)
	_ = logFile.Close()
	logFile = nil
}

// SetLevel sets the logging level by name.
func SetLevel(level string) {
	Logger.SetLevel(ParseLevel(level))
}

// Debugf logs a formatted debug message.
func Debugf(format string, args ...interface{}) {
	Logger.Debugf(format, args...)
}

// Infof logs a formatted info message.
func Infof(format string, args ...interface{}) {
	Logger.Infof(format, args...)
}

// Warnf logs a formatted warning message.
func Warnf(format string, args ...interface{}) {
	Logger.Warnf(format, args...)
}

// Errorf logs a formatted error message.
func Errorf(format string, args ...interface{}) {
	Logger.Errorf(format, args...)
}

// WithFields returns an entry with fields attached.
func WithFields(fields Fields) *logrus.Entry {
	return Logger.WithFields(fields)
}

// WithError returns an entry with an error attached.
func WithError(err error) *logrus.Entry {
	return Logger.WithError(err)
}

// Component returns a logger entry for a specific component.
func Component(name string) *logrus.Entry {
	return Logger.WithField("component", name)
}
