// Package logging implements the verbosity taxonomy mcperf.cc's log.h
// macros exposed (V, D, W, I), backed by zap instead of bare fmt.Printf.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level mirrors mcperf.cc's log_level_t ordering: each --verbose lowers
// the threshold by one step, --quiet pins it at Warn.
type Level int

const (
	Quiet Level = iota
	Info
	Debug
	Verbose
)

type Logger struct {
	z     *zap.Logger
	level Level
}

// New builds a Logger whose threshold starts at Info and is lowered by
// one step per occurrence of --verbose, or pinned to Quiet if --quiet was
// given (matching args_to_options' log_level adjustment in mcperf.cc).
func New(verboseCount int, quiet bool) *Logger {
	level := Info
	for i := 0; i < verboseCount; i++ {
		if level < Verbose {
			level++
		}
	}
	if quiet {
		level = Quiet
	}

	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.TimeKey = ""
	cfg.CallerKey = ""
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.AddSync(os.Stderr),
		zapLevelFor(level),
	)
	return &Logger{z: zap.New(core), level: level}
}

func zapLevelFor(l Level) zapcore.Level {
	switch l {
	case Quiet:
		return zapcore.WarnLevel
	case Info:
		return zapcore.InfoLevel
	case Debug, Verbose:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

// I logs an informational line, shown unless --quiet was given
// (mcperf.cc's I()).
func (l *Logger) I(msg string, fields ...zap.Field) { l.z.Info(msg, fields...) }

// D logs a debug line, suppressed unless at least one --verbose was given
// (mcperf.cc's D()).
func (l *Logger) D(msg string, fields ...zap.Field) { l.z.Debug(msg, fields...) }

// V logs the most chatty tier, suppressed below two --verbose (mcperf.cc's V()).
func (l *Logger) V(msg string, fields ...zap.Field) {
	if l.level >= Verbose {
		l.z.Debug(msg, fields...)
	}
}

// W logs a warning; never suppressed, even by --quiet (mcperf.cc's W()).
func (l *Logger) W(msg string, fields ...zap.Field) { l.z.Warn(msg, fields...) }

// Fatal logs an error and terminates the process with a nonzero exit
// code, matching mcperf.cc's DIE() macro.
func (l *Logger) Fatal(msg string, fields ...zap.Field) {
	l.z.Fatal(msg, fields...)
}

func (l *Logger) Sync() error { return l.z.Sync() }
