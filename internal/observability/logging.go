package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/pipeline/internal/config"
	"github.com/pitabwire/pipeline/model"
)

type loggerKey struct{}

// NewLogger creates a zap.Logger that writes JSON to stdout.
//
// Level conventions:
//   - error: store or lock failures, panics, 5xx responses
//   - warn:  rejected transitions, notifier failures, breaker open, failed reloads
//   - info:  committed transitions, automation actions, sweep summaries, reloads
//   - debug: payload details (redacted), per-card rule evaluation
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
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns a logger enriched with the caller's identity.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("tenant_id", rctx.TenantID),
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

// CardFields returns the standard fields identifying a card.
func CardFields(tenantID, cardID string) []zap.Field {
	return []zap.Field{
		zap.String("tenant_id", tenantID),
		zap.String("card_id", cardID),
	}
}

// sensitiveKeys are redacted from payloads before debug logging. CRM payloads
// routinely carry customer contact and billing details.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"token":         true,
	"api_key":       true,
	"authorization": true,
	"credit_card":   true,
	"card_number":   true,
	"iban":          true,
	"ssn":           true,
	"tax_id":        true,
	"phone":         true,
	"email":         true,
}

// RedactPayload returns a copy of p with sensitive keys replaced by
// "[REDACTED]". Nested maps are redacted recursively. extra adds
// tenant-specific keys to the default set.
func RedactPayload(p map[string]any, extra ...string) map[string]any {
	if p == nil {
		return nil
	}
	redact := make(map[string]bool, len(sensitiveKeys)+len(extra))
	for k := range sensitiveKeys {
		redact[k] = true
	}
	for _, k := range extra {
		redact[k] = true
	}
	return redactWith(p, redact)
}

func redactWith(p map[string]any, redact map[string]bool) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		switch {
		case redact[k]:
			out[k] = "[REDACTED]"
		case isMap(v):
			out[k] = redactWith(asMap(v), redact)
		default:
			out[k] = v
		}
	}
	return out
}

func isMap(v any) bool {
	switch v.(type) {
	case map[string]any, model.Payload:
		return true
	}
	return false
}

func asMap(v any) map[string]any {
	if p, ok := v.(model.Payload); ok {
		return p
	}
	return v.(map[string]any)
}
