// Package logging provides per-component structured loggers.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"

	"github.com/theirongolddev/cdispatch/internal/config"
)

var (
	loggers   = make(map[string]*logrus.Entry)
	loggersMu sync.Mutex

	settings = config.LoggingConfig{Level: "info", Format: "text"}
)

// Configure applies logging settings. Loggers created earlier are reconfigured.
func Configure(cfg config.LoggingConfig) {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	settings = cfg
	for _, entry := range loggers {
		apply(entry.Logger)
	}
}

// NewLogger returns the logger for a component, creating it on first use.
func NewLogger(component string) *logrus.Entry {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if logger, exists := loggers[component]; exists {
		return logger
	}

	logger := logrus.New()
	apply(logger)

	entry := logger.WithField("component", component)
	loggers[component] = entry
	return entry
}

func apply(logger *logrus.Logger) {
	levelStr := "info"
	if env := os.Getenv("CDISPATCH_LOG_LEVEL"); env != "" {
		levelStr = env
	} else if settings.Level != "" {
		levelStr = settings.Level
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if settings.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	var writers []io.Writer
	if settings.File != "" {
		path := settings.File
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err == nil {
			//nolint:gosec // log path is configured by the local user
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600); err == nil {
				writers = append(writers, f)
			}
		}
	}

	// Structured logs go to stderr only when debugging or when stderr is not
	// an interactive terminal, so normal CLI output stays readable.
	isDebug := level >= logrus.DebugLevel
	isInteractive := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	if isDebug || !isInteractive {
		writers = append(writers, os.Stderr)
	}

	switch len(writers) {
	case 0:
		logger.SetOutput(io.Discard)
	case 1:
		logger.SetOutput(writers[0])
	default:
		logger.SetOutput(io.MultiWriter(writers...))
	}
}
