// Package logger provides the structured, key/value logger shared by every
// walkv component. It is a thin facade over zap's SugaredLogger so callers
// depend on a small interface rather than on zap directly.
//
//	log := logger.Default().With("component", "kv")
//	log.Info("transaction committed", "tid", tid, "ops", n)
package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a leveled logger taking alternating key/value pairs after the
// message.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)

	// With returns a child logger that always carries the given pairs.
	With(keysAndValues ...any) Logger

	// Sync flushes any buffered log entries.
	Sync() error
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// New wraps an existing zap logger.
func New(z *zap.Logger) Logger {
	return &zapLogger{s: z.Sugar()}
}

func (l *zapLogger) Debug(msg string, kv ...any) { l.s.Debugw(msg, kv...) }
func (l *zapLogger) Info(msg string, kv ...any)  { l.s.Infow(msg, kv...) }
func (l *zapLogger) Warn(msg string, kv ...any)  { l.s.Warnw(msg, kv...) }
func (l *zapLogger) Error(msg string, kv ...any) { l.s.Errorw(msg, kv...) }

func (l *zapLogger) With(kv ...any) Logger {
	return &zapLogger{s: l.s.With(kv...)}
}

func (l *zapLogger) Sync() error { return l.s.Sync() }

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// NewProduction builds a JSON logger at the given level ("debug", "info",
// "warn", "error"). An empty level means info.
func NewProduction(level string) (Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return New(z), nil
}

// MustProduction is NewProduction at info level, panicking on failure.
func MustProduction() Logger {
	l, err := NewProduction("")
	if err != nil {
		panic(err)
	}
	return l
}

// MustDevelopment builds a human-readable console logger at debug level.
func MustDevelopment() Logger {
	z, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	return New(z)
}

// NewNop returns a logger that discards everything. Useful in tests.
func NewNop() Logger {
	return New(zap.NewNop())
}

// ---------------------------------------------------------------------------
// Process-wide default
// ---------------------------------------------------------------------------

var (
	defaultMu sync.RWMutex
	defaultL  = NewNop()
)

// Default returns the process-wide logger. It discards output until
// SetDefault is called.
func Default() Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultL
}

// SetDefault replaces the process-wide logger. A nil logger is ignored.
func SetDefault(l Logger) {
	if l == nil {
		return
	}
	defaultMu.Lock()
	defaultL = l
	defaultMu.Unlock()
}

// SyncDefault flushes the process-wide logger. Intended for defer in main.
func SyncDefault() {
	_ = Default().Sync()
}

// Fatal logs at error level on the default logger, flushes, and exits 1.
func Fatal(msg string, keysAndValues ...any) {
	l := Default()
	l.Error(msg, keysAndValues...)
	_ = l.Sync()
	os.Exit(1)
}
