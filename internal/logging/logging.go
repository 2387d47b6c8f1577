package logging

import (
	"io"
	"os"

	"github.com/joinflow/joinflow/types/config"
	"github.com/sirupsen/logrus"
)

// New builds the process logger from the log section of the config.
// An unknown level falls back to info and is reported once through the new logger.
func New(cfg config.LogConfig) *logrus.Logger {
	return newWithOutput(cfg, os.Stdout)
}

func newWithOutput(cfg config.LogConfig, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.SetLevel(logrus.InfoLevel)
		logger.WithField("level", cfg.Level).Warn("unknown log level, using info")
		return logger
	}
	logger.SetLevel(level)
	return logger
}
