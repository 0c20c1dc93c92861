// Package observability contains logging setup and prometheus metrics.
package observability

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"lanlink/pkg/config"
)

// SetupLogger builds the process logger from c, installs it as the zap global
// and routes the stdlib log package through it, which is where hashicorp/mdns
// writes. Callers defer logger.Sync().
func SetupLogger(c config.LogConfig) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(ParseLevel(c.Level))
	enc := newEncoder(c)

	outputs := c.Outputs
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}
	var (
		cores []zapcore.Core
		errs  error
	)
	for _, out := range outputs {
		ws, err := openSink(out, c)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		cores = append(cores, zapcore.NewCore(enc, ws, level))
	}
	if len(cores) == 0 {
		return nil, fmt.Errorf("no usable log output: %w", errs)
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)}
	if c.Development {
		opts = append(opts, zap.Development())
	}
	logger := zap.New(zapcore.NewTee(cores...), opts...).Named("lanlink")
	for _, err := range multierr.Errors(errs) {
		logger.Warn("log output skipped", zap.Error(err))
	}
	zap.ReplaceGlobals(logger)
	_, _ = zap.RedirectStdLogAt(logger.Named("stdlog"), zap.InfoLevel)
	return logger, nil
}

// ParseLevel maps a config level string to a zap level, defaulting to info.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

func newEncoder(c config.LogConfig) zapcore.Encoder {
	var ec zapcore.EncoderConfig
	if c.Development {
		ec = zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		ec = zap.NewProductionEncoderConfig()
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	if strings.EqualFold(c.Format, "json") {
		return zapcore.NewJSONEncoder(ec)
	}
	return zapcore.NewConsoleEncoder(ec)
}

// openSink resolves one output entry. Anything but stdout or stderr is a file
// path; with rotation on it goes through lumberjack, and Rotation.Filename
// overrides the path when set.
func openSink(out string, c config.LogConfig) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(out) {
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	r := c.Rotation
	if r.Enable {
		if name := strings.TrimSpace(r.Filename); name != "" {
			out = name
		}
		return zapcore.AddSync(&lumberjack.Logger{
			Filename:   out,
			MaxSize:    max(r.MaxSizeMB, 10),
			MaxBackups: max(r.MaxBackups, 1),
			MaxAge:     max(r.MaxAgeDays, 7),
			Compress:   r.Compress,
		}), nil
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return nil, fmt.Errorf("log dir for %s: %w", out, err)
	}
	f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", out, err)
	}
	return zapcore.AddSync(f), nil
}
