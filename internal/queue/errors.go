package queue

import (
	stderrors "errors"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"chatbridge/pkg/interfaces"
)

// Queue errors
var (
	ErrQueueClosed         = stderrors.New("queue closed")
	ErrAlreadyAcknowledged = stderrors.New("delivery already acknowledged or rejected")
)

// classify wraps broker errors and marks recoverable ones transient
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, amqp.ErrClosed) {
		return interfaces.Transient(errors.Wrap(err, msg))
	}
	var amqpErr *amqp.Error
	if stderrors.As(err, &amqpErr) && amqpErr.Recover {
		return interfaces.Transient(errors.Wrap(err, msg))
	}
	return errors.Wrap(err, msg)
}
