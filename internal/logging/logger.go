package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Fields represents structured logging fields
type Fields = logrus.Fields

// NewLogger creates a new configured logger instance
func NewLogger(verbose bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)

	level := logrus.InfoLevel
	if verbose {
		level = logrus.DebugLevel
	}
	if raw := os.Getenv("CONVERGE_LOG_LEVEL"); raw != "" {
		if parsed, err := logrus.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	logger.SetLevel(level)

	return logger
}

// NewRunLogger creates a logger bound to a convergence run ID
func NewRunLogger(verbose bool, runID string) *logrus.Entry {
	return NewLogger(verbose).WithField("run_id", runID)
}
