package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisBus relays envelopes through a Redis channel so every gateway
// instance delivers to the sessions it holds.
type RedisBus struct {
	client  *redis.Client
	channel string
	local   *LocalBus
}

func NewRedisBus(client *redis.Client, channel string, local *LocalBus) *RedisBus {
	return &RedisBus{client: client, channel: channel, local: local}
}

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", b.channel, err)
	}
	return nil
}

// Run subscribes to the channel and delivers every envelope locally until
// ctx is done.
func (b *RedisBus) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// Wait for the subscription so nothing published after Run starts is lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", b.channel, err)
	}
	log.Info().Str("channel", b.channel).Msg("subscribed to redis fan-out")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handle([]byte(msg.Payload))
		}
	}
}

func (b *RedisBus) handle(payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Warn().Err(err).Str("channel", b.channel).Msg("discarding malformed envelope")
		return
	}
	b.local.Deliver(env)
}
