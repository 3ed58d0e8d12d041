// Package log is the gateway's structured logger: go.uber.org/zap writing
// through gopkg.in/natefinch/lumberjack.v2 for rotation, matching the
// teacher's logging stack. Every call takes a context so the active OTel
// span's trace ID is attached automatically, the way the teacher's
// middleware/trace.go threads a trace ID through request-scoped logging.
package log

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls the global logger (spec ambient logging: level + optional
// file rotation).
type Config struct {
	Level      string `json:"level" yaml:"level" conf:"level"`
	JSON       bool   `json:"json" yaml:"json" conf:"json"`
	FilePath   string `json:"file_path" yaml:"file_path" conf:"file_path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb" conf:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups" conf:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days" conf:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress" conf:"compress"`
}

var global = zap.NewNop()

// Init builds and installs the global logger from Config. Callers that
// never call Init get a no-op logger, so libraries can log unconditionally
// without requiring test setup.
func Init(cfg Config) error {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return err
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.JSON {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	var writer zapcore.WriteSyncer
	if cfg.FilePath != "" {
		writer = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 7),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
			Compress:   cfg.Compress,
		})
	} else {
		writer = zapcore.AddSync(os.Stdout)
	}

	global = zap.New(zapcore.NewCore(encoder, writer, level), zap.AddCaller())

	return nil
}

func orDefault(v, d int) int {
	if v == 0 {
		return d
	}

	return v
}

// Field aliases zap.Field so callers import only this package.
type Field = zap.Field

func String(key, value string) Field     { return zap.String(key, value) }
func Int(key string, value int) Field    { return zap.Int(key, value) }
func Int64(key string, value int64) Field { return zap.Int64(key, value) }
func Bool(key string, value bool) Field  { return zap.Bool(key, value) }
func Any(key string, value any) Field    { return zap.Any(key, value) }
func Cause(err error) Field              { return zap.Error(err) }
func Duration(key string, value time.Duration) Field { return zap.Duration(key, value) }
func Time(key string, value time.Time) Field          { return zap.Time(key, value) }

func withTrace(ctx context.Context, fields []Field) []Field {
	if ctx == nil {
		return fields
	}

	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return fields
	}

	return append(fields, zap.String("trace_id", sc.TraceID().String()))
}

func Debug(ctx context.Context, msg string, fields ...Field) { global.Debug(msg, withTrace(ctx, fields)...) }
func Info(ctx context.Context, msg string, fields ...Field)  { global.Info(msg, withTrace(ctx, fields)...) }
func Warn(ctx context.Context, msg string, fields ...Field)  { global.Warn(msg, withTrace(ctx, fields)...) }
func Error(ctx context.Context, msg string, fields ...Field) { global.Error(msg, withTrace(ctx, fields)...) }
func Fatal(ctx context.Context, msg string, fields ...Field) { global.Fatal(msg, withTrace(ctx, fields)...) }

// Sync flushes buffered log entries; call on shutdown.
func Sync() error { return global.Sync() }
