package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var std = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Setup configures level (debug, info, warn, error) and format (json, text).
func Setup(level, format string) {
	switch strings.ToLower(format) {
	case "text":
		std.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	default:
		std.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	}
	switch strings.ToLower(level) {
	case "debug":
		std.SetLevel(logrus.DebugLevel)
	case "warn":
		std.SetLevel(logrus.WarnLevel)
	case "error":
		std.SetLevel(logrus.ErrorLevel)
	default:
		std.SetLevel(logrus.InfoLevel)
	}
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w io.Writer) { std.SetOutput(w) }

// Logger exposes the underlying logger for libraries that want one.
func Logger() *logrus.Logger { return std }

func entry(fields map[string]any) *logrus.Entry {
	return std.WithTime(time.Now().UTC()).WithFields(logrus.Fields(fields))
}

func Debug(msg string, fields map[string]any) { entry(fields).Debug(msg) }
func Info(msg string, fields map[string]any)  { entry(fields).Info(msg) }
func Warn(msg string, fields map[string]any)  { entry(fields).Warn(msg) }
func Error(msg string, fields map[string]any) { entry(fields).Error(msg) }
