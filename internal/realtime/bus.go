package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const DefaultChannel = "occupancy:events"

type Bus interface {
	Publish(ctx context.Context, event Event) error
}

// LocalBus delivers straight into the process's hub.
type LocalBus struct {
	hub *Hub
}

func NewLocalBus(hub *Hub) *LocalBus {
	return &LocalBus{hub: hub}
}

func (b *LocalBus) Publish(_ context.Context, event Event) error {
	b.hub.Deliver(event)
	return nil
}

// RedisBus publishes events on a Redis channel. Run relays the channel into the local hub,
// so subscribers of every instance see every mutation.
type RedisBus struct {
	client  *redis.Client
	channel string
	hub     *Hub
	log     logrus.FieldLogger
	ready   chan struct{}
}

func NewRedisBus(client *redis.Client, channel string, hub *Hub, log logrus.FieldLogger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{client: client, channel: channel, hub: hub, log: log, ready: make(chan struct{})}
}

func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to redis: %w", err)
	}
	return nil
}

// Ready is closed once Run's subscription is confirmed by Redis.
func (b *RedisBus) Ready() <-chan struct{} {
	return b.ready
}

func (b *RedisBus) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	close(b.ready)

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.log.WithError(err).Warn("discarding malformed realtime event")
				continue
			}
			b.hub.Deliver(event)
		}
	}
}
