// Package logging provides the zap-based logger used across the relay.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// StandardLogger wraps zap with relay-specific field helpers.
type StandardLogger struct {
	logger *zap.Logger
}

// NewStandardLogger creates a logger with the given level and environment.
// In development the console encoder is used; production emits JSON. When
// filePath is non-empty, log output is duplicated to that file.
func NewStandardLogger(level, environment, filePath string) *StandardLogger {
	atomicLevel := zap.NewAtomicLevelAt(getZapLevel(level))

	var encoder zapcore.Encoder
	if environment == "development" {
		encoderCfg := zap.NewDevelopmentEncoderConfig()
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.TimeKey = "time"
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	sink := zapcore.Lock(os.Stdout)
	core := zapcore.NewCore(encoder, sink, atomicLevel)

	if filePath != "" {
		if f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
			fileCfg := zap.NewProductionEncoderConfig()
			fileCfg.TimeKey = "time"
			fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), zapcore.Lock(f), atomicLevel)
			core = zapcore.NewTee(core, fileCore)
		}
	}

	base := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return &StandardLogger{logger: base}
}

// Logger returns the underlying zap logger.
func (l *StandardLogger) Logger() *zap.Logger {
	return l.logger
}

// WithService returns a child logger tagged with the service name.
func (l *StandardLogger) WithService(service string) *zap.Logger {
	return l.logger.With(zap.String("service", service))
}

// WithComponent returns a child logger tagged with the component name.
func (l *StandardLogger) WithComponent(component string) *zap.Logger {
	return l.logger.With(zap.String("component", component))
}

// Sync flushes buffered log entries.
func (l *StandardLogger) Sync() error {
	return l.logger.Sync()
}

func getZapLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}
