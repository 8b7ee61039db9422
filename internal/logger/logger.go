package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger: JSON lines appended to logFilePath and a
// human readable console copy on stderr. An empty path logs to the console only.
func NewLogger(logFilePath string) (*zap.Logger, error) {
	return NewLoggerWithLevel(logFilePath, zapcore.InfoLevel)
}

func NewLoggerWithLevel(logFilePath string, level zapcore.Level) (*zap.Logger, error) {
	consoleEncoderCfg := zap.NewDevelopmentEncoderConfig()
	consoleEncoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEncoderCfg), zapcore.Lock(os.Stderr), level),
	}

	if logFilePath != "" {
		file, err := os.OpenFile(logFilePath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}

		fileEncoderCfg := zap.NewProductionEncoderConfig()
		fileEncoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoderCfg), zapcore.AddSync(file), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// ParseLevel maps a config string ("debug", "info", ...) onto a zap level.
func ParseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	return zapcore.ParseLevel(s)
}
