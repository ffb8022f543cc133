package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/flowengine/internal/config"
	"github.com/pitabwire/flowengine/model"
)

type loggerKey struct{}

// NewLogger builds the process logger: JSON on stdout, tagged with the
// service name and build version.
//
// Levels:
//   - error: persistence and lock failures, recovered panics
//   - warn:  handler failures, open breakers, failed outbox deliveries
//   - info:  instance lifecycle, definition reloads, overdue reminders
//   - debug: redacted handler input, per-request access lines
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		InitialFields: map[string]any{
			"service": ServiceName,
			"version": Version,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the context logger, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// ActorLogger returns the context logger tagged with the acting user and
// the active trace, when present.
func ActorLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	var fields []zap.Field
	if actor, ok := model.ActorFrom(ctx); ok && !actor.IsZero() {
		fields = append(fields, zap.String("actor", actor.String()))
	}
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}

// InstanceLogger is ActorLogger scoped to one workflow instance.
func InstanceLogger(ctx context.Context, fallback *zap.Logger, instanceID string) *zap.Logger {
	return ActorLogger(ctx, fallback).With(zap.String("instance_id", instanceID))
}

// Keys whose values never reach debug output. Matching ignores case.
var sensitiveKeys = []string{
	"password", "secret", "token", "access_token", "refresh_token",
	"api_key", "authorization", "credit_card", "ssn", "pin",
	"national_id", "bank_account", "iban",
}

const redacted = "[REDACTED]"

// RedactBody returns a copy of body with sensitive values replaced. extra
// adds workflow-specific keys to the built-in list. Nested maps and
// slices of maps are walked; body itself is never modified.
func RedactBody(body map[string]any, extra []string) map[string]any {
	if body == nil {
		return nil
	}
	keys := make(map[string]struct{}, len(sensitiveKeys)+len(extra))
	for _, k := range sensitiveKeys {
		keys[k] = struct{}{}
	}
	for _, k := range extra {
		keys[strings.ToLower(k)] = struct{}{}
	}
	return redactMap(body, keys)
}

func redactMap(in map[string]any, keys map[string]struct{}) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if _, hit := keys[strings.ToLower(k)]; hit {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v, keys)
	}
	return out
}

func redactValue(v any, keys map[string]struct{}) any {
	switch t := v.(type) {
	case map[string]any:
		return redactMap(t, keys)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = redactValue(item, keys)
		}
		return out
	}
	return v
}
