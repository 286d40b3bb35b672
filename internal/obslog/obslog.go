// Package obslog builds the zap logger every other package is handed,
// tee-ing structured JSON to a size/age-rotated file via lumberjack and,
// outside production, to the console as well.
package obslog

import (
	"os"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls where logs go and how verbose they are.
type Config struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string
	// FilePath is the rotated log file destination. Empty disables file
	// output entirely (console-only, useful for local development).
	FilePath string
	// Console, when true, also writes human-readable logs to stderr.
	Console bool
	// MaxSizeMB, MaxBackups and MaxAgeDays bound the rotated file set.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var levelMap = map[string]zapcore.Level{
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
}

// New builds a zap.Logger per cfg. A Config zero value yields a
// console-only, info-level logger suitable for tests and local runs.
func New(cfg Config) *zap.Logger {
	level, ok := levelMap[cfg.Level]
	if !ok {
		level = zapcore.InfoLevel
	}
	enabler := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool { return lvl >= level })

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var cores []zapcore.Core
	if cfg.FilePath != "" {
		hook := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 30),
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(hook), enabler))
	}
	if cfg.Console || cfg.FilePath == "" {
		consoleConfig := encoderConfig
		consoleConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(consoleConfig), zapcore.AddSync(os.Stderr), enabler))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
