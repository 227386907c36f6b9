// Package logging provides structured logging for the core.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the global logger.
type Options struct {
	// Level is the minimum level logged: "debug", "info", "warn", "error".
	Level string

	// File, when non-empty, routes output to a rotating log file instead
	// of stdout.
	File string

	// MaxSizeMB and MaxBackups bound the rotating file output.
	MaxSizeMB  int
	MaxBackups int
}

var (
	global *logrus.Logger
	once   sync.Once
	mu     sync.RWMutex
)

// Init initializes the global logger. Subsequent calls are no-ops.
func Init(opts Options) {
	once.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		global = newLogger(opts)
	})
}

// Get returns the global logger, initializing it with defaults if needed.
func Get() *logrus.Logger {
	mu.RLock()
	l := global
	mu.RUnlock()
	if l != nil {
		return l
	}
	Init(Options{Level: "info"})
	mu.RLock()
	defer mu.RUnlock()
	return global
}

func newLogger(opts Options) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	var out io.Writer = os.Stdout
	if opts.File != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		out = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxSize,
			MaxBackups: opts.MaxBackups,
		}
	}
	l.SetOutput(out)

	return l
}

// Fields is the structured context attached to a log entry.
type Fields = logrus.Fields

// Convenience functions using the global logger.

// Debug logs a debug message with optional structured context.
func Debug(message string, fields Fields) {
	Get().WithFields(fields).Debug(message)
}

// Info logs an info message with optional structured context.
func Info(message string, fields Fields) {
	Get().WithFields(fields).Info(message)
}

// Warn logs a warning message with optional structured context.
func Warn(message string, fields Fields) {
	Get().WithFields(fields).Warn(message)
}

// Error logs an error message with optional structured context.
func Error(message string, err error, fields Fields) {
	entry := Get().WithFields(fields)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(message)
}

// ErrorWithCode logs an error message tagged with an application error code.
func ErrorWithCode(message, code string, err error, fields Fields) {
	entry := Get().WithFields(fields).WithField("code", code)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(message)
}
