package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var nopLogger Logger = &ZapLogger{z: zap.NewNop().Sugar()}

// Context helpers and the adapter each add a frame.
const callerSkip = 2

// NewDevLogger returns a zap logger that prints colored console output at
// debug level.
func NewDevLogger() Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return build(cfg)
}

// NewProdLogger returns a zap logger that writes JSON at info level, with
// request durations in milliseconds.
func NewProdLogger() Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	return build(cfg)
}

func build(cfg zap.Config) Logger {
	l, err := cfg.Build(zap.AddCallerSkip(callerSkip))
	if err != nil {
		// Only reachable with a broken output path.
		l = zap.NewExample()
	}
	return &ZapLogger{z: l.Sugar()}
}

// NewLogger picks a logger for the `logging.format` config value. Anything
// other than "prod" gets the dev logger.
func NewLogger(format string) Logger {
	if format == "prod" {
		return NewProdLogger()
	}
	return NewDevLogger()
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() Logger {
	return nopLogger
}

// NewZapLogger adapts an existing zap logger, e.g. one built on an observer
// core in tests.
func NewZapLogger(l *zap.Logger) Logger {
	return &ZapLogger{z: l.Sugar()}
}

// ZapLogger adapts a zap sugared logger to Logger.
type ZapLogger struct {
	z *zap.SugaredLogger
}

func (z *ZapLogger) Debugw(msg string, keysAndValues ...interface{}) {
	z.z.Debugw(msg, keysAndValues...)
}

func (z *ZapLogger) Infow(msg string, keysAndValues ...interface{}) {
	z.z.Infow(msg, keysAndValues...)
}

func (z *ZapLogger) Warnw(msg string, keysAndValues ...interface{}) {
	z.z.Warnw(msg, keysAndValues...)
}

func (z *ZapLogger) Errorw(msg string, keysAndValues ...interface{}) {
	z.z.Errorw(msg, keysAndValues...)
}

func (z *ZapLogger) Named(name string) Logger {
	return &ZapLogger{z: z.z.Named(name)}
}

func (z *ZapLogger) With(field string, value interface{}) Logger {
	return &ZapLogger{z: z.z.With(field, value)}
}

// Sync flushes buffered entries. Call it before the process exits.
func (z *ZapLogger) Sync() error {
	return z.z.Sync()
}
