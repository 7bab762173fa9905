// Package log provides the logging functionality for gpuctl.
package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var Logger *ctlLogger

func init() {
	Logger = CreateLoggerWithConfig(DefaultLoggerConfig())
}

func DefaultLoggerConfig() *zap.Config {
	c := zap.NewProductionConfig()
	c.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	// gpuctl is an interactive tool, keep stderr human readable
	c.Encoding = "console"
	c.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return &c
}

func ParseLogLevel(logLevel string) (zap.AtomicLevel, error) {
	zapLvl := zap.NewAtomicLevel() // info level by default
	if logLevel != "" && logLevel != "info" {
		var err error
		zapLvl, err = zap.ParseAtomicLevel(logLevel)
		if err != nil {
			return zap.AtomicLevel{}, err
		}
	}
	return zapLvl, nil
}

// CreateLogger builds the process logger. When logFile is set, output goes to
// the rotated file as JSON; otherwise to stderr in console encoding.
func CreateLogger(logLevel zap.AtomicLevel, logFile string) *ctlLogger {
	if logFile != "" {
		return createLoggerWithLumberjack(logFile, 128, logLevel.Level())
	}

	lCfg := DefaultLoggerConfig()
	lCfg.Level = logLevel
	return CreateLoggerWithConfig(lCfg)
}

func createLoggerWithLumberjack(logFile string, maxSize int, logLevel zapcore.Level) *ctlLogger {
	w := zapcore.AddSync(&lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    maxSize, // megabytes
		MaxBackups: 5,
		MaxAge:     3,    // days
		Compress:   true, // compress the rotated files
	})

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		w,
		logLevel,
	)
	return &ctlLogger{zap.New(core).Sugar()}
}

func CreateLoggerWithConfig(config *zap.Config) *ctlLogger {
	if config == nil {
		config = DefaultLoggerConfig()
	}

	l, err := config.Build()
	if err != nil {
		panic(err)
	}

	return &ctlLogger{l.Sugar()}
}

func SetLogger(logger *ctlLogger) {
	if logger != nil {
		Logger = logger
	}
}

type ctlLogger struct {
	*zap.SugaredLogger
}
