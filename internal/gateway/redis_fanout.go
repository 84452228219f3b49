package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"tasksync/api/internal/app"
)

const DefaultRedisChannel = "tasksync:broadcasts"

// RedisFanout relays broadcasts over a Redis pub/sub channel. The client is
// owned by the caller.
type RedisFanout struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

func NewRedisFanout(client *redis.Client, channel string, logger *slog.Logger) *RedisFanout {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisFanout{client: client, channel: channel, logger: logger}
}

func (f *RedisFanout) Publish(ctx context.Context, evt app.Event) error {
	data, err := marshalEvent(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Start subscribes and returns once the subscription is confirmed, so events
// published afterwards are not missed.
func (f *RedisFanout) Start(ctx context.Context, deliver func(app.Event)) error {
	pubsub := f.client.Subscribe(ctx, f.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	done := make(chan struct{})
	f.mu.Lock()
	f.pubsub = pubsub
	f.done = done
	f.mu.Unlock()

	ch := pubsub.Channel()
	go func() {
		defer close(done)
		for msg := range ch {
			evt, err := unmarshalEvent([]byte(msg.Payload))
			if err != nil {
				f.logger.Warn("discarding malformed broadcast", slog.Any("error", err))
				continue
			}
			deliver(evt)
		}
	}()
	return nil
}

func (f *RedisFanout) Close() error {
	f.mu.Lock()
	pubsub, done := f.pubsub, f.done
	f.pubsub = nil
	f.mu.Unlock()
	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}
