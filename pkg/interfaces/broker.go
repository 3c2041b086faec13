package interfaces

import "context"

// RelayMessage is one payload received from a broadcast channel
type RelayMessage struct {
	Channel string
	Payload []byte
}

// Relay is a broadcast publish/subscribe channel. Delivery is at most once:
// subscribers that are not connected when a payload is published never see it.
type Relay interface {
	// Publish broadcasts payload to every current subscriber of channel
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe opens one subscription covering all the given channels
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	// Close releases the broker connection
	Close() error
}

// Subscription is a blocking iterator over relay messages
type Subscription interface {
	// Next blocks until a message arrives, ctx is done or the subscription is closed
	Next(ctx context.Context) (*RelayMessage, error)

	// Close ends the subscription; pending and future Next calls fail
	Close() error
}

// Queue is a durable work queue. Messages stay in the queue until a consumer
// acknowledges or rejects them without requeue.
type Queue interface {
	// Publish declares the queue durable and appends body to it
	Publish(ctx context.Context, queue string, body []byte) error

	// Consume starts delivering messages of queue until ctx is done.
	// The returned channel is closed when consumption stops.
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)

	// Close releases the broker connection
	Close() error
}

// Delivery is one message taken from a Queue. Exactly one of Ack or Reject
// must be called.
type Delivery interface {
	Body() []byte

	// Ack removes the message from the queue
	Ack() error

	// Reject returns the message to the queue when requeue is true and drops it otherwise
	Reject(requeue bool) error
}
