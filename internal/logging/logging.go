package logging

import (
	"okx-carry-bot/internal/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func New(cfg config.LoggingConfig) *zap.Logger {
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(levelFor(cfg.Level))
	if cfg.Encoding == "console" {
		zapCfg.Encoding = "console"
		zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zapCfg.EncoderConfig.TimeKey = "ts"
	logger, err := zapCfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	if cfg.Simulated {
		logger = logger.With(zap.Bool("simulated", true))
	}
	return logger
}

func levelFor(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
