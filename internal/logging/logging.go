// Package logging builds the zap logger shared by every binary in the
// booking saga service.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the logger settings.
type Config struct {
	// Level is the minimum level ("debug", "info", "warn", "error").
	Level string
	// Format is "json" (default) or "console".
	Format string
	// Output is "stdout" (default), "stderr" or a file path.
	Output string
	// Component is attached to every entry, e.g. "api" or "worker".
	Component string
}

// New creates a zap.Logger from cfg. Unknown levels fall back to info.
func New(cfg Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	ws, err := writeSyncer(cfg.Output)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(encoder(cfg.Format), ws, level)
	fields := []zap.Field{zap.String("service", "booking-saga")}
	if cfg.Component != "" {
		fields = append(fields, zap.String("component", cfg.Component))
	}
	return zap.New(core, zap.AddCaller()).WithOptions(zap.Fields(fields...)), nil
}

// Must is New for main packages: it falls back to a production logger
// rather than failing startup over a bad log destination.
func Must(cfg Config) *zap.Logger {
	logger, err := New(cfg)
	if err != nil {
		fallback, _ := zap.NewProduction()
		fallback.Warn("logger config rejected, using defaults", zap.Error(err))
		return fallback
	}
	return logger
}

func encoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	if strings.EqualFold(format, "console") {
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

func writeSyncer(output string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(output) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", output, err)
		}
		return zapcore.AddSync(f), nil
	}
}
