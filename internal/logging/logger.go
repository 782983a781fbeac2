// Package logging provides structured logging for the Planbook sync core.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger provides structured JSON logging backed by logrus.
type Logger struct {
	log *logrus.Logger
}

var (
	// global logger instance
	global *Logger
	once   sync.Once
)

// Init initializes the global logger. Level is one of "debug", "info",
// "warn", "error"; unknown values fall back to "info".
func Init(out io.Writer, level string) {
	once.Do(func() {
		global = NewLogger(out, level)
	})
}

// Get returns the global logger instance.
func Get() *Logger {
	if global == nil {
		Init(os.Stdout, "info")
	}
	return global
}

// NewLogger creates a standalone logger writing JSON entries to out.
func NewLogger(out io.Writer, level string) *Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.JSONFormatter{})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	return &Logger{log: l}
}

// fields merges context maps into logrus fields.
func fields(context ...map[string]interface{}) logrus.Fields {
	if len(context) == 0 {
		return nil
	}
	merged := make(logrus.Fields)
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	return merged
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.log.WithFields(fields(context...)).Debug(message)
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.log.WithFields(fields(context...)).Info(message)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.log.WithFields(fields(context...)).Warn(message)
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	entry := l.log.WithFields(fields(context...))
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(message)
}

// ErrorWithCode logs an error message annotated with an error code.
func (l *Logger) ErrorWithCode(message string, code string, err error, context ...map[string]interface{}) {
	entry := l.log.WithFields(fields(context...)).WithField("error_code", code)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(message)
}

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}

func ErrorWithCode(message string, code string, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}
