package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jmylchreest/chunkrelay/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LoggingConfig{Level: "info", Format: "json"}

	logger := NewLoggerWithWriter(cfg, &buf)
	logger.Info("test message", slog.String("key", "value"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "test message", entry["msg"])
	assert.Equal(t, "value", entry["key"])
	assert.Equal(t, "INFO", entry["level"])
}

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LoggingConfig{Level: "info", Format: "text"}

	logger := NewLoggerWithWriter(cfg, &buf)
	logger.Info("test message", slog.String("key", "value"))

	output := buf.String()
	assert.Contains(t, output, "msg=\"test message\"")
	assert.Contains(t, output, "key=value")
}

func TestNewLogger_UnknownFormatDefaultsToJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "xml"}, &buf)
	logger.Info("hello")

	var entry map[string]any
	assert.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		name        string
		configLevel string
		logLevel    slog.Level
		shouldLog   bool
	}{
		{"debug logs at debug level", "debug", slog.LevelDebug, true},
		{"info does not log debug", "info", slog.LevelDebug, false},
		{"info logs at info level", "info", slog.LevelInfo, true},
		{"warn does not log info", "warn", slog.LevelInfo, false},
		{"error does not log warn", "error", slog.LevelWarn, false},
		{"error logs at error level", "error", slog.LevelError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			cfg := config.LoggingConfig{Level: tt.configLevel, Format: "json"}

			logger := NewLoggerWithWriter(cfg, &buf)
			logger.Log(context.Background(), tt.logLevel, "test")

			if tt.shouldLog {
				assert.NotEmpty(t, buf.String())
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestNewLogger_CustomTimeFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LoggingConfig{Level: "info", Format: "json", TimeFormat: "2006-01-02"}

	logger := NewLoggerWithWriter(cfg, &buf)
	logger.Info("test message")

	assert.Contains(t, buf.String(), time.Now().Format("2006-01-02"))
}

func TestWithHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	enriched := WithSession(WithComponent(WithRequestID(WithApp(logger, "chunkrelay"), "req-1"), "transcoder"), "abc")
	enriched.Info("test")

	output := buf.String()
	assert.Contains(t, output, `"app":"chunkrelay"`)
	assert.Contains(t, output, `"request_id":"req-1"`)
	assert.Contains(t, output, `"component":"transcoder"`)
	assert.Contains(t, output, `"session_id":"abc"`)
}

func TestInstall(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger := Install(config.LoggingConfig{Level: "debug", Format: "TEXT"}, &buf, "chunkrelay")
	assert.Same(t, logger, slog.Default())

	slog.Debug("installed")
	assert.Contains(t, buf.String(), "app=chunkrelay")
	assert.Contains(t, buf.String(), "msg=installed")
}

func TestContextWithLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	ctx := ContextWithLogger(context.Background(), logger)
	LoggerFromContext(ctx).Info("from context")
	assert.Contains(t, buf.String(), "from context")

	assert.NotNil(t, LoggerFromContext(context.Background()))
}

func TestContextWithRequestID(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-789")
	assert.Equal(t, "req-789", RequestIDFromContext(ctx))
	assert.Empty(t, RequestIDFromContext(context.Background()))
}

func TestTimedOperation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)

	done := TimedOperation(context.Background(), logger, "sweep_cache")
	done()

	output := buf.String()
	assert.True(t, strings.Contains(output, "operation started"))
	assert.True(t, strings.Contains(output, "operation completed"))
	assert.Contains(t, output, "sweep_cache")
	assert.Contains(t, output, "duration")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"WARN", slog.LevelWarn},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLevel(tt.input))
		})
	}
}
