// Package logging configures the process-wide zap logger, the component
// loggers derived from it and the per-operation loggers that tag a tileset
// load or a session sign-in with an operation id.
package logging

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the level, encoding and destination of log output.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

var (
	mu    sync.RWMutex
	base  *zap.Logger
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Init builds the process logger from cfg. An unknown level falls back to
// info.
func Init(cfg Config) error {
	lvl, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	level.SetLevel(lvl)

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	if cfg.OutputPath != "" {
		zc.OutputPaths = []string{cfg.OutputPath}
	}

	l, err := zc.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}
	Replace(l)
	return nil
}

// Replace swaps the process logger and returns a func restoring the previous
// one. Tests pair it with zaptest/observer.
func Replace(l *zap.Logger) func() {
	mu.Lock()
	prev := base
	base = l
	mu.Unlock()
	return func() { Replace(prev) }
}

// Sync flushes buffered entries.
func Sync() error {
	return L().Sync()
}

// L returns the process logger, building a production logger on first use.
func L() *zap.Logger {
	mu.RLock()
	l := base
	mu.RUnlock()
	if l != nil {
		return l
	}
	l, _ = zap.NewProduction()
	mu.Lock()
	if base == nil {
		base = l
	}
	l = base
	mu.Unlock()
	return l
}

// Named returns the logger for a component such as "cache" or "ion".
func Named(component string) *zap.Logger {
	return L().Named(component)
}

// Package-level helpers log one frame up so the caller is reported.
func skipped() *zap.Logger {
	return L().WithOptions(zap.AddCallerSkip(1))
}

func Debug(msg string, fields ...zap.Field) { skipped().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { skipped().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { skipped().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { skipped().Error(msg, fields...) }

// Fatal logs and exits the process.
func Fatal(msg string, fields ...zap.Field) { skipped().Fatal(msg, fields...) }

type operationKey struct{}

type operation struct {
	id  string
	log *zap.Logger
}

// StartOperation tags parent with a fresh operation id and the operation
// kind, and returns a context carrying the tagged logger.
func StartOperation(ctx context.Context, parent *zap.Logger, kind string) context.Context {
	if parent == nil {
		parent = L()
	}
	id := uuid.NewString()
	op := operation{
		id:  id,
		log: parent.With(zap.String("op", kind), zap.String("op_id", id)),
	}
	return context.WithValue(ctx, operationKey{}, op)
}

// FromContext returns the operation logger carried by ctx, or fallback when
// there is none. A nil fallback means the process logger.
func FromContext(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if op, ok := ctx.Value(operationKey{}).(operation); ok {
		return op.log
	}
	if fallback == nil {
		return L()
	}
	return fallback
}

// OperationID returns the id of the operation carried by ctx, or "".
func OperationID(ctx context.Context) string {
	op, _ := ctx.Value(operationKey{}).(operation)
	return op.id
}

func String(key, val string) zap.Field { return zap.String(key, val) }
func Int(key string, val int) zap.Field { return zap.Int(key, val) }
func Err(err error) zap.Field            { return zap.Error(err) }
func URL(val string) zap.Field           { return zap.String("url", val) }

func Duration(key string, val time.Duration) zap.Field {
	return zap.Duration(key, val)
}
