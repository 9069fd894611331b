// Package log implements structured logging using slog. Transport packages
// that take a per-handle logger get a logrus entry from Component; both share
// the output and the level set by Init.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/nanoagent/internal/config"
)

// base backs every Component logger. Init reconfigures it in place, so
// loggers handed out earlier follow the new settings.
var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(newPatternFormatter())
	return l
}

// Init initializes the global logger based on configuration.
func Init(cfg config.LogConfig) error {
	// stdout is always included.
	writers := []io.Writer{os.Stdout}

	if cfg.Outputs.File.Enabled {
		w, err := createFileWriter(cfg.Outputs.File)
		if err != nil {
			return fmt.Errorf("failed to create file output: %w", err)
		}
		writers = append(writers, w)
	}

	return configure(io.MultiWriter(writers...), cfg.Level, cfg.Format)
}

func configure(w io.Writer, levelStr, format string) error {
	level, err := parseLevel(levelStr)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: level,
	}

	var formatter logrus.Formatter
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
		formatter = &logrus.JSONFormatter{FieldMap: logrus.FieldMap{logrus.FieldKeyMsg: "msg"}}
	case "text":
		handler = slog.NewTextHandler(w, opts)
		formatter = newPatternFormatter()
	default:
		return fmt.Errorf("unsupported log format: %s (must be json or text)", format)
	}

	slog.SetDefault(slog.New(handler))

	base.SetOutput(w)
	base.SetLevel(logrusLevel(level))
	base.SetFormatter(formatter)

	return nil
}

// parseLevel converts string level to slog.Level.
func parseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level: %s", levelStr)
	}
}

func logrusLevel(l slog.Level) logrus.Level {
	switch {
	case l <= slog.LevelDebug:
		return logrus.DebugLevel
	case l <= slog.LevelInfo:
		return logrus.InfoLevel
	case l <= slog.LevelWarn:
		return logrus.WarnLevel
	default:
		return logrus.ErrorLevel
	}
}

// createFileWriter creates a lumberjack file writer for log rotation.
func createFileWriter(fc config.FileOutputConfig) (io.Writer, error) {
	if fc.Path == "" {
		return nil, fmt.Errorf("file output requires 'path' field")
	}
	return &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.Rotation.MaxSizeMB,
		MaxBackups: fc.Rotation.MaxBackups,
		MaxAge:     fc.Rotation.MaxAgeDays,
		Compress:   fc.Rotation.Compress,
	}, nil
}

// Component returns a logger tagged with the component name.
func Component(name string) logrus.FieldLogger {
	return base.WithField("component", name)
}
