// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"cdk/internal/config"
)

// Setup applies cfg to the standard logrus logger and returns a closer for
// the file output, if any.
func Setup(cfg config.LogConfig) (io.Closer, error) {
	logger, closer, err := New(cfg)
	if err != nil {
		return nil, err
	}
	std := log.StandardLogger()
	std.SetOutput(logger.Out)
	std.SetFormatter(logger.Formatter)
	std.SetLevel(logger.Level)
	return closer, nil
}

// New builds a logger from cfg without touching the standard logger.
func New(cfg config.LogConfig) (*log.Logger, io.Closer, error) {
	logger := log.New()
	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, nil, fmt.Errorf("log level: %w", err)
	}
	logger.SetLevel(lvl)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	case "", "text":
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	var closer io.Closer = nopCloser{}
	switch cfg.Output {
	case "", "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	case "file":
		if cfg.FilePath == "" {
			return nil, nil, fmt.Errorf("log.file_path is required for file output")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		out := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize,
			MaxAge:     cfg.MaxAge,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		}
		logger.SetOutput(out)
		closer = out
	default:
		return nil, nil, fmt.Errorf("unknown log output %q", cfg.Output)
	}
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
