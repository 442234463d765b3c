// Package logging builds the zap logger shared by the supervisor and
// worker roles, rotating to disk through lumberjack.
package logging

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where and how logs are written. Zero value is usable:
// it logs in zap's console format to stderr at info level.
type Config struct {
	Level      string // debug, info, warn, error
	FilePath   string // empty disables file rotation
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Console    bool // also write to stderr
}

func (c Config) level() zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// New builds a *zap.Logger per cfg. Every record carries the given role
// ("master" or "worker") and pid as base fields.
func New(cfg Config, role string) (*zap.Logger, error) {
	level := cfg.level()
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core

	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, err
		}
		writer := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    orDefault(cfg.MaxSizeMB, 10),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.AddSync(writer),
			level,
		))
	}

	if cfg.Console || len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderCfg),
			zapcore.AddSync(os.Stderr),
			level,
		))
	}

	core := zapcore.NewTee(cores...)
	logger := zap.New(core, zap.AddCaller()).With(
		zap.String("role", role),
		zap.Int("pid", os.Getpid()),
	)
	return logger, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// DefaultLogPath returns the per-role default log file location under
// the user's home directory, falling back to /tmp.
func DefaultLogPath(role string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/tmp", "bracken", role+".log")
	}
	return filepath.Join(home, ".bracken", role+".log")
}
