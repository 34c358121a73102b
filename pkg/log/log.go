// Package log wraps logrus the way the rest of this hook expects: a single
// *logrus.Entry pre-loaded with static fields, threaded through every
// component instead of passed around as a bare *log.Logger.
package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a logger for one hook invocation. Output is discarded
// unless NIX_DEBUG_HOOK is set (spec §6), in which case it goes to stderr
// alongside the reply-channel lines; the parent daemon only interprets
// lines prefixed with "# " or "@ ", so extra log lines are harmless.
func NewLogger(localSystem, version string) *logrus.Entry {
	logger := logrus.New()
	logger.Formatter = &logrus.JSONFormatter{}

	if os.Getenv("NIX_DEBUG_HOOK") != "" {
		logger.SetOutput(os.Stderr)
		logger.SetLevel(getLogLevel())
	} else {
		logger.SetOutput(io.Discard)
		logger.SetLevel(logrus.ErrorLevel)
	}

	return logger.WithFields(logrus.Fields{
		"pid":         os.Getpid(),
		"localSystem": localSystem,
		"version":     version,
	})
}

func getLogLevel() logrus.Level {
	level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		return logrus.DebugLevel
	}
	return level
}
