package dispatch

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"chatbridge/pkg/interfaces"
	"chatbridge/pkg/types"
)

// decision is how a queue delivery is settled
type decision string

const (
	decisionAck     decision = "ack"
	decisionRequeue decision = "requeue"
	decisionDrop    decision = "drop"
)

// handleDelivery validates a push notification command, checks its target
// exists and rebroadcasts it so every process can deliver locally
func (s *Service) handleDelivery(ctx context.Context, d interfaces.Delivery) {
	dec := s.processCommand(ctx, d.Body())

	var err error
	switch dec {
	case decisionAck:
		err = d.Ack()
	case decisionRequeue:
		err = d.Reject(true)
	case decisionDrop:
		err = d.Reject(false)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("decision", string(dec)).Msg("failed to settle delivery")
	}
	s.metrics.decide(dec)
}

func (s *Service) processCommand(ctx context.Context, body []byte) (dec decision) {
	var target uuid.UUID
	defer func() {
		if r := recover(); r != nil {
			event := s.logger.Error().Err(errors.Wrapf(ErrPanic, "%v", r))
			if target != uuid.Nil {
				event = event.Str("user_id", target.String())
			}
			event.Msg("recovered panic, dropping command")
			s.metrics.observe(sourceQueue, types.ActionPushNotification, OutcomeFailed)
			if target != uuid.Nil {
				s.notifyFailure(target)
			}
			dec = decisionDrop
		}
	}()

	cmd, err := types.DecodeQueueCommand(body)
	if err != nil {
		s.logger.Warn().Err(err).Msg("dropping invalid push notification command")
		s.metrics.observe(sourceQueue, types.ActionPushNotification, OutcomeInvalid)
		return decisionAck
	}
	target = cmd.UserID
	log := s.logger.With().Str("user_id", cmd.UserID.String()).Logger()

	if _, err := s.store.GetUser(ctx, cmd.UserID); err != nil {
		switch {
		case errors.Is(err, interfaces.ErrUserNotFound):
			log.Warn().Msg("dropping push notification for unknown user")
			s.metrics.observe(sourceQueue, cmd.Action(), OutcomeUnknownUser)
			return decisionAck
		case interfaces.IsTransient(err) || ctx.Err() != nil:
			log.Warn().Err(err).Msg("user lookup failed, requeueing")
			s.metrics.observe(sourceQueue, cmd.Action(), OutcomeFailed)
			return decisionRequeue
		default:
			log.Error().Err(err).Msg("user lookup failed, dropping")
			s.metrics.observe(sourceQueue, cmd.Action(), OutcomeFailed)
			s.notifyFailure(cmd.UserID)
			return decisionDrop
		}
	}

	payload, err := types.Encode(cmd)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode push notification")
		return decisionDrop
	}

	if err := s.relay.Publish(ctx, s.options.NotificationChannel, payload); err != nil {
		s.metrics.observe(sourceQueue, cmd.Action(), OutcomeFailed)
		if interfaces.IsTransient(err) || ctx.Err() != nil {
			log.Warn().Err(err).Msg("relay publish failed, requeueing")
			return decisionRequeue
		}
		log.Error().Err(err).Msg("relay publish failed, dropping")
		s.notifyFailure(cmd.UserID)
		return decisionDrop
	}

	s.metrics.observe(sourceQueue, cmd.Action(), OutcomeDelivered)
	return decisionAck
}
