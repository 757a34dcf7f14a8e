package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces channel names, e.g. "mira:" -> "mira:enhancement:<id>".
	Prefix string
}

func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisEmitter publishes events to Redis channels so subscribers in other
// processes see progress from this worker.
type RedisEmitter struct {
	client *redis.Client
	prefix string
}

func NewRedisEmitter(client *redis.Client, prefix string) *RedisEmitter {
	return &RedisEmitter{client: client, prefix: prefix}
}

func (e *RedisEmitter) Emit(ctx context.Context, noteID string, event Event) error {
	if event.NoteID == "" {
		event.NoteID = noteID
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	pipeline := e.client.Pipeline()
	pipeline.Publish(ctx, e.prefix+NoteTopic(noteID), encoded)
	pipeline.Publish(ctx, e.prefix+BroadcastTopic, encoded)
	if _, err := pipeline.Exec(ctx); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// RedisBridge relays events published by any worker into a local Hub.
type RedisBridge struct {
	client *redis.Client
	prefix string
	hub    *Hub
}

func NewRedisBridge(client *redis.Client, prefix string, hub *Hub) *RedisBridge {
	return &RedisBridge{client: client, prefix: prefix, hub: hub}
}

// Run blocks until ctx is cancelled. Only note topics are subscribed; the
// hub re-derives the broadcast topic itself.
func (b *RedisBridge) Run(ctx context.Context) error {
	pubsub := b.client.PSubscribe(ctx, b.prefix+NoteTopic("*"))
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe: %w", err)
	}
	slog.InfoContext(ctx, "progress bridge subscribed", "pattern", b.prefix+NoteTopic("*"))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message, ok := <-messages:
			if !ok {
				return nil
			}
			event, err := parseEvent(message.Payload)
			if err != nil {
				slog.WarnContext(ctx, "dropping malformed progress event",
					"channel", message.Channel,
					"error", err)
				continue
			}
			noteID := strings.TrimPrefix(message.Channel, b.prefix+NoteTopic(""))
			_ = b.hub.Emit(ctx, noteID, event)
		}
	}
}

func parseEvent(payload string) (Event, error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return Event{}, err
	}
	switch event.Type {
	case EventProgress, EventComplete, EventError:
	default:
		return Event{}, fmt.Errorf("unknown event type %q", event.Type)
	}
	return event, nil
}
