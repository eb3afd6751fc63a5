package transport

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/pipeline/internal/observability"
	"github.com/pitabwire/pipeline/model"
)

// Context keys for middleware-injected values.
type correlationIDKey struct{}
type claimsKey struct{}
type capabilitiesKey struct{}

// CorrelationIDFrom extracts the correlation ID from the request context.
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// WithClaims stores verified token claims in the context.
func WithClaims(ctx context.Context, claims map[string]any) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFrom extracts token claims from the context.
func ClaimsFrom(ctx context.Context) map[string]any {
	claims, _ := ctx.Value(claimsKey{}).(map[string]any)
	return claims
}

// CapabilitiesFrom extracts the caller's CapabilitySet from the context.
func CapabilitiesFrom(ctx context.Context) model.CapabilitySet {
	caps, _ := ctx.Value(capabilitiesKey{}).(model.CapabilitySet)
	return caps
}

// Recovery turns a handler panic into a 500 envelope.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.ByteString("stack", debug.Stack()),
					)
					WriteError(w, model.NewInternalError())
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID reads X-Correlation-Id or generates one, stores it in the context
// and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Correlation-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationIDKey{}, id)))
	})
}

// SecurityHeaders sets standard security response headers.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

var defaultClaimPaths = map[string]string{
	"subject_id": "sub",
	"tenant_id":  "tenant_id",
	"email":      "email",
	"roles":      "roles",
}

// BuildRequestContext builds the model.RequestContext from the verified
// claims. paths maps subject_id, tenant_id, email and roles to dotted claim
// paths such as "realm_access.roles"; missing entries use the defaults. A
// token without subject or tenant is rejected, since every card operation is
// tenant scoped, and so is a subject carrying the automation actor prefix.
func BuildRequestContext(paths map[string]string) func(http.Handler) http.Handler {
	resolved := make(map[string]string, len(defaultClaimPaths))
	for k, v := range defaultClaimPaths {
		resolved[k] = v
	}
	for k, v := range paths {
		if v != "" {
			resolved[k] = v
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFrom(r.Context())
			rctx := &model.RequestContext{
				SubjectID:     claimString(claims, resolved["subject_id"]),
				TenantID:      claimString(claims, resolved["tenant_id"]),
				Email:         claimString(claims, resolved["email"]),
				Roles:         claimStrings(claims, resolved["roles"]),
				Claims:        claims,
				CorrelationID: CorrelationIDFrom(r.Context()),
				TraceID:       observability.TraceIDFromContext(r.Context()),
			}
			if err := rctx.Validate(); err != nil {
				WriteError(w, model.NewUnauthorizedError("token does not identify a subject and tenant"))
				return
			}
			next.ServeHTTP(w, r.WithContext(model.WithRequestContext(r.Context(), rctx)))
		})
	}
}

// ResolveCapabilities resolves the caller's capabilities once per request.
// A resolver failure leaves the set empty, so RequireCapability denies.
func ResolveCapabilities(resolver model.CapabilityResolver, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rctx := model.RequestContextFrom(r.Context())
			if resolver != nil && rctx != nil {
				caps, err := resolver.Resolve(rctx)
				if err != nil {
					logger.Warn("capability resolution failed",
						zap.String("subject_id", rctx.SubjectID),
						zap.String("tenant_id", rctx.TenantID),
						zap.Error(err),
					)
				} else {
					r = r.WithContext(context.WithValue(r.Context(), capabilitiesKey{}, caps))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireCapability rejects callers that lack capability with 403.
func RequireCapability(capability string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !CapabilitiesFrom(r.Context()).Has(capability) {
				writeRequestError(w, r, model.NewForbiddenError("missing capability "+capability))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HandlerTimeout sets a deadline on the request context.
func HandlerTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogging stores a request-scoped logger in the context and logs each
// request once it completes.
func RequestLogging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqLogger := observability.RequestLogger(r.Context(), logger)
			ctx := observability.WithLogger(r.Context(), reqLogger)

			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r.WithContext(ctx))

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			}
			switch {
			case ww.status >= 500:
				reqLogger.Error("request", fields...)
			case ww.status >= 400:
				reqLogger.Warn("request", fields...)
			default:
				reqLogger.Info("request", fields...)
			}
		})
	}
}

// --- helpers ---

// statusWriter wraps http.ResponseWriter to capture the written status code.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}

// claimAt walks a dotted path through nested claim objects.
func claimAt(claims map[string]any, path string) any {
	if claims == nil || path == "" {
		return nil
	}
	var cur any = claims
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func claimString(claims map[string]any, path string) string {
	s, _ := claimAt(claims, path).(string)
	return s
}

func claimStrings(claims map[string]any, path string) []string {
	switch v := claimAt(claims, path).(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	case string:
		if v == "" {
			return nil
		}
		return strings.Fields(v)
	}
	return nil
}
