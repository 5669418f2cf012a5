// Package logging builds the node's zap logger from configuration.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gitlab-az1/ray/internal/config"
	"github.com/gitlab-az1/ray/internal/fsutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// FileName is the log file written under the logs path.
const FileName = "rayrc.log"

// LevelEnv overrides logging.level when set.
const LevelEnv = "LOG_LEVEL"

// ParseLevel maps a level name to a zap level, falling back to info.
func ParseLevel(name string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger is a zap logger whose level can be changed at runtime.
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
}

// SetLevel changes the level of the logger and everything derived from it.
func (l *Logger) SetLevel(name string) {
	l.level.SetLevel(ParseLevel(name))
}

// Level returns the current level.
func (l *Logger) Level() zapcore.Level {
	return l.level.Level()
}

// New builds a logger from cfg. When cfg.File is set and logsDir is not
// empty, entries are also appended to logsDir/rayrc.log.
func New(cfg config.LoggingConfig, logsDir string) (*Logger, error) {
	levelName := cfg.Level
	if v := os.Getenv(LevelEnv); v != "" {
		levelName = v
	}
	level := zap.NewAtomicLevelAt(ParseLevel(levelName))

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level

	output := cfg.Output
	if output == "" {
		output = "stdout"
	}
	zc.OutputPaths = []string{output}
	zc.ErrorOutputPaths = []string{"stderr"}

	if cfg.File && logsDir != "" {
		if err := fsutil.EnsureDir(logsDir); err != nil {
			return nil, err
		}
		path := filepath.Join(logsDir, FileName)
		zc.OutputPaths = append(zc.OutputPaths, path)
		zc.ErrorOutputPaths = append(zc.ErrorOutputPaths, path)
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return &Logger{Logger: logger, level: level}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: zap.NewNop(), level: zap.NewAtomicLevel()}
}
