package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/pitabwire/pipeline/internal/config"
	"github.com/pitabwire/pipeline/internal/observability"
	"github.com/pitabwire/pipeline/model"
)

// WebhookNotifier POSTs each event as JSON to a fixed URL. Server errors and
// transport failures are retried with exponential backoff; client errors are
// not. A circuit breaker stops hammering an endpoint that keeps failing.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	breaker *CircuitBreaker
	retry   config.RetryConfig
	logger  *zap.Logger
}

// NewWebhookNotifier creates a webhook notifier from cfg.
func NewWebhookNotifier(cfg config.WebhookConfig, logger *zap.Logger, metrics *observability.Metrics) (*WebhookNotifier, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("notify: webhook url %q must be an absolute http(s) URL", cfg.URL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cb := cfg.CircuitBreaker
	return &WebhookNotifier{
		url: cfg.URL,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		breaker: NewCircuitBreaker(cb.FailureThreshold, cb.SuccessThreshold, cb.Timeout, func(s BreakerState) {
			metrics.SetCircuitBreakerState(float64(s))
			logger.Warn("webhook circuit breaker state changed", zap.Stringer("state", s))
		}),
		retry:  cfg.Retry,
		logger: logger,
	}, nil
}

// Breaker exposes the notifier's circuit breaker.
func (w *WebhookNotifier) Breaker() *CircuitBreaker { return w.breaker }

// Notify delivers the event, retrying transient failures.
func (w *WebhookNotifier) Notify(ctx context.Context, event model.NotificationEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	if w.retry.BackoffInitial > 0 {
		b.InitialInterval = w.retry.BackoffInitial
	}
	if w.retry.BackoffMax > 0 {
		b.MaxInterval = w.retry.BackoffMax
	}
	retries := w.retry.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		return w.deliverOnce(ctx, event, body)
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx), func(err error, d time.Duration) {
		w.logger.Debug("webhook delivery retry",
			zap.String("event_id", event.ID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", d),
			zap.Error(err),
		)
	})
}

func (w *WebhookNotifier) deliverOnce(ctx context.Context, event model.NotificationEvent, body []byte) error {
	if err := w.breaker.Allow(); err != nil {
		return backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("notify: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", event.ID)
	req.Header.Set("X-Pipeline-Tenant", event.TenantID)
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := w.client.Do(req)
	if err != nil {
		w.breaker.RecordFailure()
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return fmt.Errorf("notify: webhook request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 500:
		w.breaker.RecordFailure()
		return fmt.Errorf("notify: webhook returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		// The endpoint is up but rejects this event.
		return backoff.Permanent(&StatusError{StatusCode: resp.StatusCode})
	default:
		w.breaker.RecordSuccess()
		return nil
	}
}

// HealthCheck reports an open circuit as unhealthy.
func (w *WebhookNotifier) HealthCheck(context.Context) error {
	if w.breaker.State() == BreakerOpen {
		return ErrCircuitOpen
	}
	return nil
}

// StatusError is a non-retryable webhook response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("notify: webhook rejected event with status %d", e.StatusCode)
}

// IsRejected reports whether err is a client-error response from the webhook.
func IsRejected(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}
