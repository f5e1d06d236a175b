// Package logger configures the logrus logger shared by every component.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config controls level, format and destination.
type Config struct {
	Level  string
	Format string // text|json
	Output io.Writer
}

// Logger wraps a logrus logger with the field helpers used across the repo.
type Logger struct {
	*logrus.Logger
}

// New creates a configured logger. An unknown level is an error; an unknown
// format falls back to text.
func New(cfg Config) (*Logger, error) {
	l := logrus.New()

	level := strings.TrimSpace(cfg.Level)
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}
	l.SetLevel(lvl)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.Output != nil {
		l.SetOutput(cfg.Output)
	} else {
		l.SetOutput(os.Stderr)
	}

	return &Logger{Logger: l}, nil
}

// NewDefault returns an info-level text logger writing to stderr.
func NewDefault() *Logger {
	l, _ := New(Config{})
	return l
}

// Discard returns a logger that drops everything, for tests.
func Discard() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Logger{Logger: l}
}

// WithComponent returns an entry tagged with a component name.
func (l *Logger) WithComponent(name string) *logrus.Entry {
	return l.WithField("component", name)
}

// WithResource returns an entry tagged with a component and resource name.
func (l *Logger) WithResource(component, resource string) *logrus.Entry {
	return l.WithFields(logrus.Fields{
		"component": component,
		"resource":  resource,
	})
}
