package logging

import (
	"os"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var Logger *zap.Logger

func init() {
	Logger = getDoubleLogger()
}

func getDoubleLogger() *zap.Logger {
	productionEncoderConfig := zap.NewProductionEncoderConfig()
	productionEncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	developmentEncoderConfig := zap.NewDevelopmentEncoderConfig()
	developmentEncoderConfig.ConsoleSeparator = "  "
	developmentEncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	level, err := zapcore.ParseLevel(config.Conf.LogLevel)
	if err != nil {
		zap.NewExample().Info("Invalid log level, using info level")

		level = zapcore.InfoLevel
	}

	fileWriter := zapcore.AddSync(&lumberjack.Logger{
		Filename:   config.Conf.LogFilePath,
		MaxSize:    config.Conf.LogMaxSizeMB,
		MaxBackups: config.Conf.LogMaxBackups,
		MaxAge:     config.Conf.LogMaxAgeDays,
		Compress:   config.Conf.LogCompression,
	})

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(productionEncoderConfig), fileWriter, level),
		zapcore.NewCore(zapcore.NewConsoleEncoder(developmentEncoderConfig), zapcore.AddSync(os.Stdout), level),
	)

	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
}
