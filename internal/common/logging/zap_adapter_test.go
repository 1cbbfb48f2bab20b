package logging

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogLevel_String(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{DebugLevel, "DEBUG"},
		{InfoLevel, "INFO"},
		{WarnLevel, "WARN"},
		{ErrorLevel, "ERROR"},
		{LogLevel(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.level.String())
		})
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("debug"))
	assert.Equal(t, WarnLevel, ParseLevel("WARNING"))
	assert.Equal(t, ErrorLevel, ParseLevel(" error "))
	assert.Equal(t, InfoLevel, ParseLevel(""))
	assert.Equal(t, InfoLevel, ParseLevel("verbose"))
}

func TestZapAdapter(t *testing.T) {
	t.Run("basic logging", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := NewZapLogger(LogConfig{Level: DebugLevel, Output: &buf})
		require.NoError(t, err)

		logger.Debug("debug message", String("key", "value"))
		logger.Info("info message", Int("count", 42))
		logger.Warn("warn message", Bool("enabled", true))
		logger.Error("error message", errors.New("test error"), String("code", "ERR123"))

		output := buf.String()
		for _, want := range []string{"DEBUG", "debug message", "INFO", "42", "WARN", "ERROR", "test error", "ERR123"} {
			assert.Contains(t, output, want)
		}
	})

	t.Run("level filtering", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := NewZapLogger(LogConfig{Level: WarnLevel, Output: &buf})
		require.NoError(t, err)

		logger.Debug("debug - hidden")
		logger.Info("info - hidden")
		logger.Warn("warn - shown")
		logger.Error("error - shown", nil)

		output := buf.String()
		assert.NotContains(t, output, "hidden")
		assert.Contains(t, output, "warn - shown")
		assert.Contains(t, output, "error - shown")
	})

	t.Run("with fields", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := NewZapLogger(LogConfig{Level: InfoLevel, Output: &buf, Prefix: "executor"})
		require.NoError(t, err)

		logger = logger.WithFields(String("component", "delivery"))
		logger.Info("batch delivered", Err(errors.New("partial")))

		output := buf.String()
		assert.Contains(t, output, "executor")
		assert.Contains(t, output, "component")
		assert.Contains(t, output, "delivery")
		assert.Contains(t, output, "partial")
	})

	t.Run("with context", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := NewZapLogger(LogConfig{Level: InfoLevel, Output: &buf})
		require.NoError(t, err)

		ctx := WithRouteID(context.Background(), "route-1")
		ctx = WithExecutionID(ctx, "exec-42")
		ctx = WithDestinationID(ctx, "warehouse")

		logger.WithContext(ctx).Info("context message")

		output := buf.String()
		assert.Contains(t, output, "route-1")
		assert.Contains(t, output, "exec-42")
		assert.Contains(t, output, "warehouse")
		assert.Equal(t, "exec-42", ExecutionID(ctx))
	})

	t.Run("empty context adds nothing", func(t *testing.T) {
		logger := NewNopLogger()
		assert.Same(t, logger, logger.WithContext(context.Background()))
	})
}

func TestGlobalLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewZapLogger(LogConfig{Level: DebugLevel, Output: &buf})
	require.NoError(t, err)

	previous := GetGlobalLogger()
	SetGlobalLogger(logger)
	defer SetGlobalLogger(previous)

	Debug("global debug")
	Info("global info")
	Warn("global warn")
	Error("global error", errors.New("test"))

	output := buf.String()
	assert.Contains(t, output, "global debug")
	assert.Contains(t, output, "global error")

	assert.Same(t, logger, OrGlobal(nil))
	nop := NewNopLogger()
	assert.Same(t, nop, OrGlobal(nop))
}

func TestInitGlobalLogger(t *testing.T) {
	previous := GetGlobalLogger()
	defer SetGlobalLogger(previous)

	path := filepath.Join(t.TempDir(), "router.log")
	closer, err := InitGlobalLogger("debug", path)
	require.NoError(t, err)
	defer closer.Close()

	Info("written to file")
	MustSync()

	_, err = InitGlobalLogger("info", filepath.Join(t.TempDir(), "missing", "dir", "x.log"))
	assert.Error(t, err)
}
