package record

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/domain"
)

// Notifier publishes record events to the real-time transport, keyed by
// container id
type Notifier interface {
	Notify(ctx context.Context, event domain.Event) error
}

// TopicPublisher is satisfied by shared/rabbitmq.Client
type TopicPublisher interface {
	PublishTo(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// RabbitNotifier publishes to a topic exchange with routing key container.<id>
type RabbitNotifier struct {
	publisher TopicPublisher
}

// NewRabbitNotifier creates a RabbitMQ notifier
func NewRabbitNotifier(publisher TopicPublisher) *RabbitNotifier {
	return &RabbitNotifier{publisher: publisher}
}

func (n *RabbitNotifier) Notify(ctx context.Context, event domain.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return n.publisher.PublishTo(ctx, "container."+event.ContainerID, body, "application/json")
}

// RedisNotifier publishes on channel <prefix>:<containerId>
type RedisNotifier struct {
	rdb    *goredis.Client
	prefix string
}

// NewRedisNotifier creates a Redis pub/sub notifier
func NewRedisNotifier(rdb *goredis.Client, prefix string) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, prefix: prefix}
}

// Channel returns the pub/sub channel for a container
func (n *RedisNotifier) Channel(containerID string) string {
	return n.prefix + ":" + containerID
}

func (n *RedisNotifier) Notify(ctx context.Context, event domain.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := n.rdb.Publish(ctx, n.Channel(event.ContainerID), body).Err(); err != nil {
		return fmt.Errorf("failed to publish event to redis: %w", err)
	}
	return nil
}

// LogNotifier writes events to the log
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier that only logs
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, event domain.Event) error {
	attrs := []any{
		slog.String("type", event.Type),
		slog.String("record_id", event.RecordID),
		slog.String("container_id", event.ContainerID),
		slog.Int("file_index", event.FileIndex),
	}
	if event.ProgressPercent != nil {
		attrs = append(attrs, slog.Int("progress", *event.ProgressPercent))
	}
	if event.ProcessingStatus != "" {
		attrs = append(attrs, slog.String("status", string(event.ProcessingStatus)))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	n.logger.Info("Record event", attrs...)
	return nil
}
