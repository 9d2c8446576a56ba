// Package logging builds the zap logger used by both binaries.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format"` // json | console
	Output string     `yaml:"output"` // stdout | stderr | file
	File   FileConfig `yaml:"file"`
}

// FileConfig controls size-based rotation when Output is "file".
type FileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

func New(cfg Config) (*zap.Logger, error) {
	ws, err := buildWriteSyncer(cfg)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(buildEncoder(cfg.Format), ws, parseLevel(cfg.Level))
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func buildEncoder(format string) zapcore.Encoder {
	ec := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if strings.EqualFold(format, "console") {
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

func buildWriteSyncer(cfg Config) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(cfg.Output) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	case "file":
		if cfg.File.Path == "" {
			return nil, fmt.Errorf("logging: file.path is required when output is file")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		maxSize := cfg.File.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		return zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    maxSize,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
			LocalTime:  true,
		}), nil
	}
	return nil, fmt.Errorf("logging: unknown output %q", cfg.Output)
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARN", "WARNING":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}
