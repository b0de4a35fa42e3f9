package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var log *zap.Logger

func init() {
	log, _ = zap.NewProduction(zap.AddCallerSkip(1))
}

// SetDebug replaces the process logger with one that emits debug-level,
// console-encoded output. Intended to be called once from the CLI.
func SetDebug() {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	newLog, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return
	}
	log = newLog
}

func Debug(msg string, fields ...zap.Field) {
	log.Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	log.Info(msg, fields...)
}

func Error(err error) {
	if err == nil {
		return
	}
	log.Error(err.Error())
}

func Errorf(msg string, fields ...zap.Field) {
	log.Error(msg, fields...)
}
