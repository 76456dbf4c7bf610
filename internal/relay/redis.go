package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus relays envelopes between processes of one client over a Redis
// pub/sub channel. Received envelopes are fanned out through a LocalBus.
type RedisBus struct {
	rdb     *redis.Client
	channel string
	pubsub  *redis.PubSub
	local   *LocalBus
	logger  *zap.Logger
	done    chan struct{}
	once    sync.Once
}

// ChannelName returns the pub/sub channel shared by a client's views.
func ChannelName(prefix, clientID string) string {
	if prefix == "" {
		prefix = "relay"
	}
	return prefix + ":" + clientID
}

// NewRedisBus subscribes to channel and starts forwarding.
func NewRedisBus(ctx context.Context, rdb *redis.Client, channel string, logger *zap.Logger) (*RedisBus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pubsub := rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	b := &RedisBus{
		rdb:     rdb,
		channel: channel,
		pubsub:  pubsub,
		local:   NewLocalBus(),
		logger:  logger,
		done:    make(chan struct{}),
	}
	go b.forward()
	return b, nil
}

func (b *RedisBus) forward() {
	defer close(b.done)
	for msg := range b.pubsub.Channel() {
		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			b.logger.Warn("relay: dropping malformed envelope", zap.Error(err))
			continue
		}
		_ = b.local.Publish(context.Background(), env)
	}
}

// Publish sends env to every process subscribed to the channel, this one
// included.
func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", b.channel, err)
	}
	return nil
}

// Subscribe registers handler for envelopes received from the channel.
func (b *RedisBus) Subscribe(handler Handler) func() {
	return b.local.Subscribe(handler)
}

// Close unsubscribes and waits for the forwarder to stop.
func (b *RedisBus) Close() error {
	var err error
	b.once.Do(func() {
		err = b.pubsub.Close()
		<-b.done
	})
	return err
}
