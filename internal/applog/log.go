// Package applog is the structured logging singleton shared across the
// reconciler, worker, and cmd entrypoints, built on zap the way the rest
// of this codebase builds its loggers.
package applog

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"cellsync/internal/envdetect"
)

// Level mirrors zapcore.Level so callers needn't import zap directly.
type Level int8

const (
	LevelDebug Level = Level(zap.DebugLevel)
	LevelInfo  Level = Level(zap.InfoLevel)
	LevelWarn  Level = Level(zap.WarnLevel)
	LevelError Level = Level(zap.ErrorLevel)
)

// Logger wraps a zap logger plus its sugared convenience form.
type Logger struct {
	logger *zap.Logger
	Sugar  *zap.SugaredLogger
}

var (
	instance *Logger
	once     sync.Once

	configuredEnv   envdetect.Environment
	configuredLevel Level = LevelInfo
	logRootDir      string
	serviceName     string
)

// Configure sets the environment and minimum level before first use. Safe
// to call at most once, before GetInstance; later calls are no-ops once
// the singleton has been created.
func Configure(env envdetect.Environment, level Level, logRootDir_, service string) {
	configuredEnv = env
	configuredLevel = level
	logRootDir = logRootDir_
	serviceName = service
}

// GetInstance returns the process-wide logger, building it on first use.
func GetInstance() *Logger {
	once.Do(func() {
		instance = create()
	})
	return instance
}

func create() *Logger {
	var conf zap.Config

	if envdetect.ShouldUseStderr(configuredEnv) {
		conf = zap.NewDevelopmentConfig()
		conf.OutputPaths = []string{"stderr"}
		conf.ErrorOutputPaths = []string{"stderr"}
	} else if configuredEnv == envdetect.Prod {
		conf = zap.NewProductionConfig()
		conf.Encoding = "json"
		if logRootDir != "" && serviceName != "" {
			path := fmt.Sprintf("%s/%s.log", logRootDir, serviceName)
			conf.OutputPaths = []string{path}
			conf.ErrorOutputPaths = []string{path}
		}
	} else {
		conf = zap.NewDevelopmentConfig()
		conf.OutputPaths = []string{"stderr"}
		conf.ErrorOutputPaths = []string{"stderr"}
	}

	conf.Level = zap.NewAtomicLevelAt(zapcore.Level(configuredLevel))

	logger, err := conf.Build(zap.AddCallerSkip(1))
	if err != nil {
		fmt.Println("applog: build failed, falling back to zap.NewNop():", err)
		logger = zap.NewNop()
	}
	return &Logger{logger: logger, Sugar: logger.Sugar()}
}

// Sync flushes any buffered log entries; call during shutdown.
func Sync() {
	if instance != nil {
		_ = instance.logger.Sync()
	}
}

func Debugf(template string, args ...interface{}) { GetInstance().Sugar.Debugf(template, args...) }
func Infof(template string, args ...interface{})  { GetInstance().Sugar.Infof(template, args...) }
func Warnf(template string, args ...interface{})  { GetInstance().Sugar.Warnf(template, args...) }
func Errorf(template string, args ...interface{}) { GetInstance().Sugar.Errorf(template, args...) }
func Fatalf(template string, args ...interface{}) { GetInstance().Sugar.Fatalf(template, args...) }
