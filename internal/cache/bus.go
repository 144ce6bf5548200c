package cache

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Bus fans payloads out over Redis pub/sub. Every topic is published on
// the channel "<prefix>.<topic>" and every subscriber sees every topic,
// its own publications included.
type Bus struct {
	client *redis.Client
	prefix string
}

// NewBus publishes under prefix on client.
func NewBus(client *redis.Client, prefix string) *Bus {
	return &Bus{client: client, prefix: prefix}
}

// Bus returns a bus sharing this cache's connection pool.
func (r *Redis) Bus(prefix string) *Bus { return NewBus(r.client, prefix) }

func (b *Bus) channel(topic string) string { return b.prefix + "." + topic }

func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, b.channel(topic), payload).Err(); err != nil {
		return fmt.Errorf("bus publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe calls fn for every message until ctx is cancelled. fn runs on
// the subscriber goroutine, one message at a time.
func (b *Bus) Subscribe(ctx context.Context, fn func(topic string, payload []byte)) error {
	sub := b.client.PSubscribe(ctx, b.channel("*"))
	defer sub.Close()

	// Wait for the confirmation so a failed subscribe is reported here.
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("bus subscribe %s: %w", b.prefix, err)
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			topic, found := strings.CutPrefix(msg.Channel, b.prefix+".")
			if !found {
				continue
			}
			fn(topic, []byte(msg.Payload))
		}
	}
}
