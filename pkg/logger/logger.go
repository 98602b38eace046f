package logger

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

var logger *log.Logger

// Init initializes the logger. An empty logFile or one that cannot be opened
// falls back to stderr.
func Init(verbose bool, logFile string) {
	logLevel := log.InfoLevel
	if verbose {
		logLevel = log.DebugLevel
	}

	var out io.Writer = os.Stderr
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err == nil {
			out = f
		}
	}

	logger = log.NewWithOptions(out, log.Options{
		Level:           logLevel,
		ReportTimestamp: true,
		Prefix:          "realtime",
	})
}

// SetOutput redirects the logger, creating it if needed.
func SetOutput(w io.Writer) {
	if logger == nil {
		logger = log.New(w)
		return
	}
	logger.SetOutput(w)
}

// Debug logs a debug message
func Debug(msg string, args ...interface{}) {
	if logger != nil {
		logger.Debug(msg, args...)
	}
}

// Info logs an info message
func Info(msg string, args ...interface{}) {
	if logger != nil {
		logger.Info(msg, args...)
	}
}

// Warn logs a warning message
func Warn(msg string, args ...interface{}) {
	if logger != nil {
		logger.Warn(msg, args...)
	}
}

// Error logs an error message
func Error(msg string, args ...interface{}) {
	if logger != nil {
		logger.Error(msg, args...)
	}
}

// Fatal logs a fatal message and exits
func Fatal(msg string, args ...interface{}) {
	if logger != nil {
		logger.Fatal(msg, args...)
	} else {
		os.Exit(1)
	}
}

// GetLogger returns the logger instance
func GetLogger() *log.Logger {
	return logger
}
