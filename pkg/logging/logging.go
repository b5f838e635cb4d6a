// Package logging builds the service logger and the per-request inference log.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/abdhe/tryon-inference-proxy/pkg/config"
)

// InferenceLogFile is the file name of the rotating inference log inside LOG_DIR.
const InferenceLogFile = "inference.log"

// New builds the process logger from the log section of the configuration.
func New(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         "json",
		EncoderConfig:    encoderConfig(cfg.Format),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	logger, err := zapConfig.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, fmt.Errorf("logging: build logger: %w", err)
	}
	return logger, nil
}

func encoderConfig(format string) zapcore.EncoderConfig {
	if format == "console" {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return ec
	}
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "timestamp"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	return ec
}

// NewInferenceLogger returns a logger named "inference" that writes to base
// and, as JSON, to a size-rotated file in cfg.Dir. The returned closer
// releases the file.
func NewInferenceLogger(base *zap.Logger, cfg config.LogConfig) (*zap.Logger, io.Closer, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("logging: create %s: %w", cfg.Dir, err)
	}

	file := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, InferenceLogFile),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
	}
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig("json")),
		zapcore.AddSync(file),
		zapcore.InfoLevel,
	)

	// Failed requests are logged at Error; they are outcomes, not faults, and
	// carry no stack trace.
	logger := base.WithOptions(
		zap.AddStacktrace(zapcore.DPanicLevel),
		zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, fileCore)
		}),
	).Named("inference")
	return logger, file, nil
}
