package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
)

// DefaultStream is the Redis stream audit events are appended to
const DefaultStream = "entitle:audit"

// RedisLogger publishes events to a Redis stream so other services can tail
// permission changes. The stream is trimmed approximately to maxLen.
type RedisLogger struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisLogger creates a stream-backed audit logger
func NewRedisLogger(client *redis.Client, stream string, maxLen int64) *RedisLogger {
	if stream == "" {
		stream = DefaultStream
	}
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &RedisLogger{client: client, stream: stream, maxLen: maxLen}
}

// Log appends event to the stream
func (l *RedisLogger) Log(ctx context.Context, event *Event) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal details: %w", err)
	}

	values := map[string]interface{}{
		"id":            event.ID,
		"timestamp":     event.Timestamp.UnixMilli(),
		"actor_user_id": event.ActorUserID,
		"actor_role":    event.ActorRole,
		"entity_type":   string(event.EntityType),
		"entity_id":     event.EntityID,
		"action":        string(event.Action),
		"details":       string(details),
	}
	if event.TargetTenantID != nil {
		values["target_tenant_id"] = strconv.FormatInt(*event.TargetTenantID, 10)
	}

	err = l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: l.stream,
		MaxLen: l.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish audit event: %w", err)
	}
	return nil
}

// Close is a no-op; the client is shared with the health checker
func (l *RedisLogger) Close() error {
	return nil
}
