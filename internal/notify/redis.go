package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/pipeline/internal/config"
	"github.com/pitabwire/pipeline/model"
)

// RedisNotifier appends events to a Redis stream with XADD. Consumers read
// the stream with their own consumer groups.
type RedisNotifier struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisNotifier creates a notifier writing to cfg.Stream.
func NewRedisNotifier(client *redis.Client, cfg config.RedisStream) *RedisNotifier {
	stream := cfg.Stream
	if stream == "" {
		stream = "pipeline:notifications"
	}
	return &RedisNotifier{client: client, stream: stream, maxLen: cfg.MaxLen}
}

// Notify appends the event to the stream.
func (n *RedisNotifier) Notify(ctx context.Context, event model.NotificationEvent) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: n.stream,
		MaxLen: n.maxLen,
		Values: map[string]any{
			"id":        event.ID,
			"tenant_id": event.TenantID,
			"card_id":   event.CardID,
			"rule_id":   event.RuleID,
			"kind":      event.Kind,
			"stage":     event.Stage,
			"at":        event.At.UTC().Format(time.RFC3339Nano),
			"event":     string(raw),
		},
	}
	if err := n.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("notify: xadd %s: %w", n.stream, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (n *RedisNotifier) HealthCheck(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}
