// Package relay implements the broadcast channel every dispatcher listens on.
package relay

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatbridge/pkg/interfaces"
)

const subscriptionBuffer = 256

// Redis is a relay over Redis PUBLISH/SUBSCRIBE. Messages published while a
// process is not subscribed are never seen by it.
type Redis struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedis connects to url (redis://host:port/db) and verifies the connection
func NewRedis(ctx context.Context, url string, logger zerolog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "invalid redis URL")
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, interfaces.Transient(errors.Wrap(err, "failed to connect to redis"))
	}

	return NewRedisFromClient(client, logger), nil
}

// NewRedisFromClient wraps an existing client
func NewRedisFromClient(client *redis.Client, logger zerolog.Logger) *Redis {
	return &Redis{
		client: client,
		logger: logger.With().Str("component", "relay").Str("backend", "redis").Logger(),
	}
}

// Publish broadcasts payload on channel
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return interfaces.Transient(errors.Wrap(err, "redis publish"))
		}
		return errors.Wrap(err, "redis publish")
	}
	return nil
}

// Subscribe opens one subscription over all channels and waits for the
// server to confirm it
func (r *Redis) Subscribe(ctx context.Context, channels ...string) (interfaces.Subscription, error) {
	if len(channels) == 0 {
		return nil, ErrNoChannels
	}

	pubsub := r.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, errors.Wrap(err, "redis subscribe")
	}

	r.logger.Info().Strs("channels", channels).Msg("subscribed")

	return &redisSubscription{
		pubsub: pubsub,
		ch:     pubsub.Channel(redis.WithChannelSize(subscriptionBuffer)),
	}, nil
}

// Close closes the client
func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSubscription struct {
	pubsub    *redis.PubSub
	ch        <-chan *redis.Message
	closeOnce sync.Once
}

func (s *redisSubscription) Next(ctx context.Context) (*interfaces.RelayMessage, error) {
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return nil, ErrSubscriptionClosed
		}
		return &interfaces.RelayMessage{Channel: msg.Channel, Payload: []byte(msg.Payload)}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.pubsub.Close()
	})
	return err
}
