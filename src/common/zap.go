package common

import (
	"github.com/mattn/go-colorable"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ConfigureZap builds the process logger. Every line carries the service
// name so output from several deposit clients on one host can be told apart.
func ConfigureZap(service string, level zapcore.Level) *zap.Logger {
	pe := zap.NewProductionEncoderConfig()
	pe.EncodeTime = zapcore.RFC3339TimeEncoder
	pe.EncodeDuration = zapcore.StringDurationEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(pe)

	core := zapcore.NewCore(consoleEncoder, zapcore.AddSync(colorable.NewColorableStdout()), level)
	return zap.New(core, zap.AddCaller(), zap.Fields(zap.String("service", service)))
}

// ParseLevel maps a config string to a zap level, falling back to info.
func ParseLevel(level string) zapcore.Level {
	parsed := zapcore.InfoLevel
	if err := parsed.Set(level); err != nil {
		return zapcore.InfoLevel
	}
	return parsed
}
