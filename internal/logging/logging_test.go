package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gitlab-az1/ray/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{" warn ", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestNew_WritesLogFile(t *testing.T) {
	t.Setenv(LevelEnv, "")
	dir := filepath.Join(t.TempDir(), "logs")

	logger, err := New(config.LoggingConfig{Level: "info", Format: "json", Output: "stderr", File: true}, dir)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("Node started", zap.Int("port", 4160))
	_ = logger.Sync()

	raw, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"msg":"Node started"`)
	assert.Contains(t, string(raw), `"port":4160`)
	assert.NotContains(t, string(raw), "hidden")
}

func TestNew_LevelOverrideAndRuntimeChange(t *testing.T) {
	t.Setenv(LevelEnv, "error")

	logger, err := New(config.LoggingConfig{Level: "debug", Output: "stderr"}, "")
	require.NoError(t, err)
	assert.Equal(t, zapcore.ErrorLevel, logger.Level())

	logger.SetLevel("debug")
	assert.Equal(t, zapcore.DebugLevel, logger.Level())
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNop(t *testing.T) {
	logger := Nop()
	logger.Info("discarded")
	logger.SetLevel("warn")
	assert.Equal(t, zapcore.WarnLevel, logger.Level())
}
