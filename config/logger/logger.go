// Package logger provides zap logger implimentation logic.
package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	config "github.com/crabzie/clusterforge/config/utils"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// atomicLevel is logger log level invariant
var atomicLevel = zap.NewAtomicLevel()

// Build sets up the base logger: info and below go to stdout, errors to
// stderr, and logger.level is hot reloaded when the config file changes
func Build(config *config.Logger) (*zap.Logger, error) {
	core, err := newCore(config, os.Stdout, os.Stderr)
	if err != nil {
		return nil, err
	}

	opts := []zap.Option{zap.AddCaller()}
	if config.Development {
		opts = append(opts, zap.Development())
	}
	if !config.DisableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.DPanicLevel))
	}

	logger := zap.New(core, opts...)
	zap.ReplaceGlobals(logger)

	if viper.ConfigFileUsed() != "" {
		viper.OnConfigChange(func(in fsnotify.Event) {
			if in.Op&(fsnotify.Create) == 0 {
				SetLevel(viper.GetString("logger.level"))
			}
		})
		viper.WatchConfig()
	}
	return logger, nil
}

// newCore tees a low priority core and an error core over one encoder
func newCore(config *config.Logger, out, errOut zapcore.WriteSyncer) (zapcore.Core, error) {
	// Parse AtomicLevel from string
	lvl, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("couldn't parse initial level %q: %w", config.Level, err)
	}
	atomicLevel.SetLevel(lvl)

	// create encoder
	encoder := zapcore.NewJSONEncoder(config.EncoderConfig)
	if config.Encoding == "console" {
		encoder = zapcore.NewConsoleEncoder(config.EncoderConfig)
	}

	// Level filters
	highPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})

	lowPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return atomicLevel.Enabled(lvl) && lvl < zapcore.ErrorLevel
	})

	infoCore := zapcore.NewCore(encoder, out, lowPriority)
	errorCore := zapcore.NewCore(encoder, errOut, highPriority)
	return zapcore.NewTee(infoCore, errorCore), nil
}

// SetLevel changes logger level dynamically
func SetLevel(level string) {
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		zap.L().Error("Couldn't parse level", zap.Error(err))
	} else {
		zap.L().Info("Atomic level updated", zap.String("value", level))
		atomicLevel.SetLevel(l)
	}
}

// Level reports the current minimum level of the low priority core
func Level() zapcore.Level {
	return atomicLevel.Level()
}
