// Package logging builds the structured loggers used across the hub.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Format selects the encoder
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// Config for building a logger
type Config struct {
	Level  string    // debug, info, warn, error
	Format Format    // json or console
	Output io.Writer // default os.Stdout
}

// DefaultConfig returns info-level console logging to stdout
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: FormatConsole,
		Output: os.Stdout,
	}
}

// Logger is a zap logger whose level can change at runtime
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
}

// New creates a logger from cfg
func New(cfg Config) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	atomic := zap.NewAtomicLevelAt(level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch cfg.Format {
	case FormatJSON:
		encoder = zapcore.NewJSONEncoder(encCfg)
	case FormatConsole, "":
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(out), atomic)
	return &Logger{
		Logger: zap.New(core, zap.AddCaller()),
		level:  atomic,
	}, nil
}

// SetLevel changes the level of this logger and every child derived from it
func (l *Logger) SetLevel(level string) error {
	parsed, err := ParseLevel(level)
	if err != nil {
		return err
	}
	l.level.SetLevel(parsed)
	return nil
}

// Level returns the current level
func (l *Logger) Level() zapcore.Level {
	return l.level.Level()
}

// ParseLevel accepts the usual names, case-insensitively. Empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	if strings.TrimSpace(s) == "" {
		return zapcore.InfoLevel, nil
	}
	level, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// OrNop returns l, or a no-op logger when l is nil
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
