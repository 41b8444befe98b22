// Package observability carries the relay's logger: construction from config,
// the attributes every component tags its records with, and the request
// scoped logger handed through contexts.
package observability

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jmylchreest/chunkrelay/internal/config"
)

type ctxKey int

const (
	loggerCtxKey ctxKey = iota
	requestIDCtxKey
)

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// parseLevel maps a configured level name to a slog level, falling back to info.
func parseLevel(name string) slog.Level {
	if lvl, ok := levels[strings.ToLower(name)]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// handlerOptions builds the options shared by both output formats.
func handlerOptions(cfg config.LoggingConfig) *slog.HandlerOptions {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}
	if layout := cfg.TimeFormat; layout != "" {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) > 0 || a.Key != slog.TimeKey || a.Value.Kind() != slog.KindTime {
				return a
			}
			return slog.String(slog.TimeKey, a.Value.Time().Format(layout))
		}
	}
	return opts
}

// NewLoggerWithWriter builds a logger writing to w. Format "text" selects
// logfmt style output; anything else is JSON.
func NewLoggerWithWriter(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	opts := handlerOptions(cfg)
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Install builds the process logger tagged with app and makes it the slog default.
func Install(cfg config.LoggingConfig, w io.Writer, app string) *slog.Logger {
	logger := WithApp(NewLoggerWithWriter(cfg, w), app)
	slog.SetDefault(logger)
	return logger
}

// WithApp tags records with the application name.
func WithApp(logger *slog.Logger, app string) *slog.Logger {
	return logger.With(slog.String("app", app))
}

// WithRequestID tags records with the HTTP request id.
func WithRequestID(logger *slog.Logger, requestID string) *slog.Logger {
	return logger.With(slog.String("request_id", requestID))
}

// WithComponent tags records with the emitting component.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}

// WithSession tags records with a transcode session id.
func WithSession(logger *slog.Logger, sessionID string) *slog.Logger {
	return logger.With(slog.String("session_id", sessionID))
}

// ContextWithLogger returns ctx carrying logger.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey, logger)
}

// LoggerFromContext returns the logger carried by ctx, or the slog default.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerCtxKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// ContextWithRequestID returns ctx carrying the request id.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDCtxKey, requestID)
}

// RequestIDFromContext returns the request id carried by ctx, if any.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDCtxKey).(string)
	return id
}

// TimedOperation logs operation at debug and returns the func that logs its
// completion with the elapsed time.
//
//	defer observability.TimedOperation(ctx, logger, "sweep_session_cache")()
func TimedOperation(ctx context.Context, logger *slog.Logger, operation string) func() {
	start := time.Now()
	logger.DebugContext(ctx, "operation started", slog.String("operation", operation))
	return func() {
		logger.DebugContext(ctx, "operation completed",
			slog.String("operation", operation),
			slog.Duration("duration", time.Since(start)),
		)
	}
}
