package log

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/telescraper/pkg/config"
)

// New builds the process logger from cfg. The returned closer releases the log
// file, if one was opened, and is always non-nil.
func New(cfg config.LogConfig) (*logrus.Logger, func() error, error) {
	log := logrus.New()
	closer := func() error { return nil }

	switch strings.ToLower(cfg.Format) {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	default:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	}

	log.SetLevel(logrus.InfoLevel)
	if cfg.Level != "" {
		level, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			log.Warnf("Invalid log level '%s', using default 'info'. Error: %v", cfg.Level, err)
		} else {
			log.SetLevel(level)
		}
	}

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, closer, fmt.Errorf("open log file '%s': %w", cfg.File, err)
		}
		log.SetOutput(io.MultiWriter(os.Stdout, f))
		closer = f.Close
	} else {
		log.SetOutput(os.Stdout)
	}

	return log, closer, nil
}

// SetLevel applies a level override such as a -loglevel flag. Empty is a no-op.
func SetLevel(log *logrus.Logger, levelStr string) error {
	if levelStr == "" {
		return nil
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	return nil
}
