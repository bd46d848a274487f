// Package logging provides the process-wide structured logger shared
// by cmd/server and cmd/client: a JSON core for file/production output
// and a console core for interactive use, picked by CLI flag rather
// than hardcoded, with an optional rotating file sink teed in.
package logging

import (
	"os"
	"sync"
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu      sync.RWMutex
	current *zap.SugaredLogger = zap.NewNop().Sugar()
)

var levelMap = map[string]zapcore.Level{
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
}

// Options configures New.
type Options struct {
	// Format is "json" or "console".
	Format string
	// Level is one of debug|info|warn|error.
	Level string
	// FilePath, if non-empty, tees output through a lumberjack rotating
	// file sink alongside stdout.
	FilePath string
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     timeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}

// New builds a logger per Options. It does not install it: pass the
// result to Set to make it the process-wide logger returned by L().
func New(opts Options) *zap.SugaredLogger {
	lvl, ok := levelMap[opts.Level]
	if !ok {
		lvl = zapcore.InfoLevel
	}
	enabler := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= lvl })

	var encoder zapcore.Encoder
	cfg := encoderConfig()
	if opts.Format == "console" {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(cfg)
	} else {
		encoder = zapcore.NewJSONEncoder(cfg)
	}

	sinks := []zapcore.Core{zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), enabler)}
	if opts.FilePath != "" {
		hook := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    64,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		}
		sinks = append(sinks, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.AddSync(hook), enabler))
	}

	core := zapcore.NewTee(sinks...)
	logger := zap.New(core, zap.AddCaller()).Sugar()
	return logger
}

// Set installs l as the process-wide logger returned by L().
func Set(l *zap.SugaredLogger) {
	mu.Lock()
	current = l
	mu.Unlock()
}

// L returns the process-wide logger. Before Set is called it is a
// no-op sink, so packages that log during init don't panic.
func L() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Sync flushes any buffered log entries; callers should defer this in
// main after installing the logger with Set.
func Sync() {
	_ = L().Sync()
}
