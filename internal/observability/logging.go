package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/modulus/internal/config"
	"github.com/pitabwire/modulus/model"
)

type loggerKey struct{}

// NewLogger builds the process logger from the observability section.
// Unknown levels fall back to info.
//
// Levels:
//   - error: storage or internal API outages, panics, 5xx responses
//   - warn:  corrupt document fallback, failed data sources, open breaker
//   - info:  config mutations, backups, external edits, action executions
//   - debug: resolver cache hits, run-api payloads (redacted)
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.MessageKey = "msg"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder

	encoding := "json"
	if cfg.LogFormat == "console" {
		encoding = "console"
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Encoding = encoding
	zc.EncoderConfig = enc
	zc.Sampling = nil
	zc.InitialFields = map[string]any{"service": "modulus"}
	return zc.Build()
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

// RequestLogger returns the context logger tagged with the caller identity
// from the request context, when there is one.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	if logger == nil {
		logger = zap.NewNop()
	}
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := make([]zap.Field, 0, 4)
	fields = append(fields,
		zap.String("subject_id", rctx.SubjectID),
		zap.String("role", rctx.Role),
		zap.String("correlation_id", rctx.CorrelationID),
	)
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

const redacted = "[REDACTED]"

// sensitiveKeys are matched case-insensitively against payload keys.
var sensitiveKeys = []string{
	"password", "secret", "token", "access_token", "refresh_token",
	"api_key", "apikey", "authorization", "pin", "national_id", "card_number",
}

// RedactValue returns a copy of v with the values of sensitive keys
// replaced, at any depth of maps and lists. extra adds keys to the
// default set.
func RedactValue(v model.Value, extra ...string) model.Value {
	keys := make(map[string]struct{}, len(sensitiveKeys)+len(extra))
	for _, k := range sensitiveKeys {
		keys[k] = struct{}{}
	}
	for _, k := range extra {
		keys[strings.ToLower(k)] = struct{}{}
	}
	return redact(v, keys)
}

func redact(v model.Value, keys map[string]struct{}) model.Value {
	if m, ok := v.AsMap(); ok {
		out := make(map[string]model.Value, len(m))
		for k, item := range m {
			if _, hit := keys[strings.ToLower(k)]; hit {
				out[k] = model.String(redacted)
				continue
			}
			out[k] = redact(item, keys)
		}
		return model.Map(out)
	}
	if items, ok := v.AsList(); ok {
		out := make([]model.Value, len(items))
		for i, item := range items {
			out[i] = redact(item, keys)
		}
		return model.List(out...)
	}
	return v
}
