// Package log wires bondtun's logging through the same backend the
// upstream daemon used for structured logging (logrus), while keeping
// every call site on the standard log/slog facade: a slog.Handler
// implementation forwards records into a *logrus.Logger instead of slog's
// own JSON/text handlers.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Init initializes the global logger based on configuration.
func Init(cfg Config) error {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	var writers []io.Writer
	if cfg.Output.Stdout || cfg.Output.FilePath == "" {
		writers = append(writers, os.Stdout)
	}
	if cfg.Output.FilePath != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.Output.FilePath,
			MaxSize:    cfg.Output.MaxSizeMB,
			MaxBackups: cfg.Output.MaxBackups,
			MaxAge:     cfg.Output.MaxAgeDays,
			Compress:   cfg.Output.Compress,
		})
	}

	l := logrus.New()
	l.SetOutput(io.MultiWriter(writers...))
	l.SetLevel(toLogrusLevel(level))

	switch strings.ToLower(cfg.Format) {
	case "", "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		l.SetFormatter(&logrus.TextFormatter{})
	default:
		return fmt.Errorf("unsupported log format: %s (must be json or text)", cfg.Format)
	}

	slog.SetDefault(slog.New(&logrusHandler{logger: l, level: level}))
	return nil
}

// logrusHandler adapts a *logrus.Logger to the slog.Handler interface, so
// every package keeps logging through log/slog's package-level functions
// while the bytes actually flow through logrus.
type logrusHandler struct {
	logger *logrus.Logger
	level  slog.Level
	attrs  []slog.Attr
	group  string
}

func (h *logrusHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *logrusHandler) Handle(_ context.Context, record slog.Record) error {
	fields := make(logrus.Fields, record.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		h.addField(fields, a)
	}
	record.Attrs(func(a slog.Attr) bool {
		h.addField(fields, a)
		return true
	})

	entry := h.logger.WithFields(fields)
	if !record.Time.IsZero() {
		entry = entry.WithTime(record.Time)
	}

	switch {
	case record.Level >= slog.LevelError:
		entry.Error(record.Message)
	case record.Level >= slog.LevelWarn:
		entry.Warn(record.Message)
	case record.Level >= slog.LevelInfo:
		entry.Info(record.Message)
	default:
		entry.Debug(record.Message)
	}
	return nil
}

func (h *logrusHandler) addField(fields logrus.Fields, a slog.Attr) {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	fields[key] = a.Value.Any()
}

func (h *logrusHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &logrusHandler{logger: h.logger, level: h.level, group: h.group}
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return next
}

func (h *logrusHandler) WithGroup(name string) slog.Handler {
	next := &logrusHandler{logger: h.logger, level: h.level, attrs: h.attrs}
	if h.group != "" {
		next.group = h.group + "." + name
	} else {
		next.group = name
	}
	return next
}

func toLogrusLevel(level slog.Level) logrus.Level {
	switch {
	case level >= slog.LevelError:
		return logrus.ErrorLevel
	case level >= slog.LevelWarn:
		return logrus.WarnLevel
	case level >= slog.LevelInfo:
		return logrus.InfoLevel
	default:
		return logrus.DebugLevel
	}
}

// parseLevel converts string level to slog.Level.
func parseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level: %s", levelStr)
	}
}
