package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ChannelPatterns are the Redis patterns the bridge listens on.
var ChannelPatterns = []string{"conversation:*", "patient:*"}

// RedisPublisher publishes JSON envelopes with PUBLISH so every API instance sees them.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, channel, name string, payload any) error {
	evt, err := NewEvent(channel, name, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s on %s: %w", name, channel, err)
	}
	return nil
}

// Bridge relays Redis pub/sub messages into the local hub.
type Bridge struct {
	client *redis.Client
	hub    *Hub
	logger *zap.Logger
}

func NewBridge(client *redis.Client, hub *Hub, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{client: client, hub: hub, logger: logger.Named("bridge")}
}

// Start subscribes and returns once the subscription is confirmed; relaying continues
// in the background until ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	ps := b.client.PSubscribe(ctx, ChannelPatterns...)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("psubscribe %v: %w", ChannelPatterns, err)
	}

	go b.relay(ctx, ps)
	return nil
}

func (b *Bridge) relay(ctx context.Context, ps *redis.PubSub) {
	defer ps.Close()

	messages := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				b.logger.Warn("discarding malformed event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			evt.Channel = msg.Channel
			b.hub.Deliver(evt)
		}
	}
}
