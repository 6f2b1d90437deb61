package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var log = zap.NewNop()

// Init builds the process-wide JSON logger. Every entry carries the service
// name and hostname so lines from scaled-out instances stay attributable.
func Init(serviceName, level string) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.TimeKey = "timestamp"

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		zapLevel,
	)

	hostname, _ := os.Hostname()
	log = zap.New(core).With(
		zap.String("service", serviceName),
		zap.String("hostname", hostname),
	)
}

func Info(action, message string, fields ...zap.Field) {
	log.Info(message, append([]zap.Field{zap.String("action", action)}, fields...)...)
}

func Debug(action, message string, fields ...zap.Field) {
	log.Debug(message, append([]zap.Field{zap.String("action", action)}, fields...)...)
}

func Warn(action, message string, fields ...zap.Field) {
	log.Warn(message, append([]zap.Field{zap.String("action", action)}, fields...)...)
}

func Error(action, message string, err error, fields ...zap.Field) {
	all := append([]zap.Field{zap.String("action", action)}, fields...)
	if err != nil {
		all = append(all, zap.Error(err))
	}
	log.Error(message, all...)
}

// Sync flushes buffered entries on shutdown.
func Sync() {
	_ = log.Sync()
}
