package relay

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"

	"chatbridge/internal/logging"
	"chatbridge/pkg/interfaces"
)

// Memory is an in-process relay over a watermill Go channel pub/sub. Every
// subscriber sharing the instance receives every message, which lets tests
// run several dispatchers against one relay.
type Memory struct {
	pubsub *gochannel.GoChannel
	logger zerolog.Logger
}

// NewMemory creates an in-process relay. Publish waits for every subscriber
// to take the message, so one publisher's messages arrive in order.
func NewMemory(logger zerolog.Logger) *Memory {
	logger = logger.With().Str("component", "relay").Str("backend", "memory").Logger()
	return &Memory{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            subscriptionBuffer,
			BlockPublishUntilSubscriberAck: true,
		}, logging.NewWatermillAdapter(logger)),
		logger: logger,
	}
}

// Publish broadcasts payload to the current subscribers of channel
func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	return m.pubsub.Publish(channel, msg)
}

// Subscribe merges the given channels into one subscription
func (m *Memory) Subscribe(ctx context.Context, channels ...string) (interfaces.Subscription, error) {
	if len(channels) == 0 {
		return nil, ErrNoChannels
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &memorySubscription{
		out:    make(chan *interfaces.RelayMessage, subscriptionBuffer),
		ctx:    subCtx,
		cancel: cancel,
	}

	for _, channel := range channels {
		messages, err := m.pubsub.Subscribe(subCtx, channel)
		if err != nil {
			cancel()
			return nil, err
		}
		sub.wg.Add(1)
		go sub.forward(channel, messages)
	}

	m.logger.Debug().Strs("channels", channels).Msg("subscribed")
	return sub, nil
}

// Close stops all subscriptions
func (m *Memory) Close() error {
	return m.pubsub.Close()
}

type memorySubscription struct {
	out    chan *interfaces.RelayMessage
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *memorySubscription) forward(channel string, messages <-chan *message.Message) {
	defer s.wg.Done()

	for msg := range messages {
		relayed := &interfaces.RelayMessage{Channel: channel, Payload: msg.Payload}
		msg.Ack()

		select {
		case s.out <- relayed:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *memorySubscription) Next(ctx context.Context) (*interfaces.RelayMessage, error) {
	select {
	case msg := <-s.out:
		return msg, nil
	case <-s.ctx.Done():
		return nil, ErrSubscriptionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memorySubscription) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}
