// Package notify delivers automation notification events. Delivery is
// fire-and-forget: a failure is logged and counted but never undoes the
// card change that produced the event.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/pipeline/internal/config"
	"github.com/pitabwire/pipeline/internal/observability"
	"github.com/pitabwire/pipeline/model"
)

// Notifier delivers notification events.
type Notifier interface {
	Notify(ctx context.Context, event model.NotificationEvent) error
	HealthCheck(ctx context.Context) error
}

// Deps are the shared clients a notifier may need.
type Deps struct {
	Logger  *zap.Logger
	Metrics *observability.Metrics
	Redis   *redis.Client // required by the redis driver
}

// New builds the notifier selected by cfg.Driver, wrapped with tracing,
// metrics and the delivery timeout.
func New(cfg config.NotificationConfig, deps Deps) (Notifier, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var n Notifier
	switch cfg.Driver {
	case "", "log":
		n = NewLogNotifier(logger)
	case "webhook":
		w, err := NewWebhookNotifier(cfg.Webhook, logger, deps.Metrics)
		if err != nil {
			return nil, err
		}
		n = w
	case "redis":
		if deps.Redis == nil {
			return nil, fmt.Errorf("notify: redis driver requires a redis client")
		}
		n = NewRedisNotifier(deps.Redis, cfg.Redis)
	default:
		return nil, fmt.Errorf("notify: unknown driver %q", cfg.Driver)
	}

	driver := cfg.Driver
	if driver == "" {
		driver = "log"
	}
	return Instrument(n, driver, cfg.DeliveryTimeout, deps.Metrics), nil
}

// LogNotifier writes events to the log. It is the default driver.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that logs every event.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs the event.
func (n *LogNotifier) Notify(ctx context.Context, event model.NotificationEvent) error {
	observability.RequestLogger(ctx, n.logger).Info("notification",
		zap.String("event_id", event.ID),
		zap.String("tenant_id", event.TenantID),
		zap.String("card_id", event.CardID),
		zap.String("rule_id", event.RuleID),
		zap.String("kind", event.Kind),
		zap.String("stage", event.Stage),
		zap.Time("at", event.At),
	)
	return nil
}

// HealthCheck always succeeds.
func (n *LogNotifier) HealthCheck(context.Context) error { return nil }

type instrumented struct {
	next    Notifier
	driver  string
	timeout time.Duration
	metrics *observability.Metrics
}

// Instrument wraps n with a span, a delivery counter, and, when timeout is
// positive, a per-delivery deadline.
func Instrument(n Notifier, driver string, timeout time.Duration, metrics *observability.Metrics) Notifier {
	return &instrumented{next: n, driver: driver, timeout: timeout, metrics: metrics}
}

func (i *instrumented) Notify(ctx context.Context, event model.NotificationEvent) error {
	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}
	ctx, span := observability.StartSpan(ctx, "notify."+i.driver,
		observability.AttrTenantID.String(event.TenantID),
		observability.AttrCardID.String(event.CardID),
		observability.AttrRuleID.String(event.RuleID),
	)

	err := i.next.Notify(ctx, event)

	status := "delivered"
	if err != nil {
		status = "failed"
	}
	i.metrics.RecordNotification(i.driver, status)
	observability.EndSpanWithError(span, err)
	return err
}

func (i *instrumented) HealthCheck(ctx context.Context) error {
	return i.next.HealthCheck(ctx)
}
