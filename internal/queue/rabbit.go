// Package queue implements the durable work queue that carries push
// notification commands.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"chatbridge/pkg/interfaces"
)

// Rabbit is a durable queue on RabbitMQ. Queues are declared durable by
// both publishers and consumers, and messages are published persistent.
type Rabbit struct {
	conn     *amqp.Connection
	pubCh    *amqp.Channel
	pubMu    sync.Mutex
	prefetch int
	logger   zerolog.Logger
}

// NewRabbit dials url and opens the publishing channel
func NewRabbit(url string, prefetch int, logger zerolog.Logger) (*Rabbit, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, interfaces.Transient(errors.Wrap(err, "failed to connect to rabbitmq"))
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, classify(err, "failed to open channel")
	}

	return &Rabbit{
		conn:     conn,
		pubCh:    ch,
		prefetch: prefetch,
		logger:   logger.With().Str("component", "queue").Str("backend", "rabbitmq").Logger(),
	}, nil
}

func declare(ch *amqp.Channel, queue string) error {
	_, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	return err
}

// Publish declares queue durable and appends a persistent message
func (r *Rabbit) Publish(ctx context.Context, queue string, body []byte) error {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	if err := declare(r.pubCh, queue); err != nil {
		return classify(err, "failed to declare queue")
	}

	err := r.pubCh.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	return classify(err, "failed to publish")
}

// Consume opens a dedicated channel with the configured prefetch and
// forwards deliveries until ctx is done or the channel closes
func (r *Rabbit) Consume(ctx context.Context, queue string) (<-chan interfaces.Delivery, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, classify(err, "failed to open channel")
	}
	if err := declare(ch, queue); err != nil {
		_ = ch.Close()
		return nil, classify(err, "failed to declare queue")
	}
	if err := ch.Qos(r.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, classify(err, "failed to set prefetch")
	}

	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, classify(err, "failed to consume")
	}

	r.logger.Info().Str("queue", queue).Int("prefetch", r.prefetch).Msg("consuming")

	out := make(chan interfaces.Delivery)
	go func() {
		defer close(out)
		defer func() { _ = ch.Close() }()

		for {
			select {
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				select {
				case out <- &rabbitDelivery{delivery: d}:
				case <-ctx.Done():
					_ = d.Reject(true)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Close closes the publishing channel and the connection
func (r *Rabbit) Close() error {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	_ = r.pubCh.Close()
	if err := r.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return errors.Wrap(err, "failed to close rabbitmq connection")
	}
	return nil
}

type rabbitDelivery struct {
	delivery amqp.Delivery
	once     sync.Once
}

func (d *rabbitDelivery) Body() []byte { return d.delivery.Body }

func (d *rabbitDelivery) Ack() error {
	err := ErrAlreadyAcknowledged
	d.once.Do(func() { err = classify(d.delivery.Ack(false), "ack failed") })
	return err
}

func (d *rabbitDelivery) Reject(requeue bool) error {
	err := ErrAlreadyAcknowledged
	d.once.Do(func() { err = classify(d.delivery.Reject(requeue), "reject failed") })
	return err
}
