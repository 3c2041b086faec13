// Package dispatch consumes relayed and queued payloads and delivers them
// through the local connection registry.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"chatbridge/pkg/interfaces"
	"chatbridge/pkg/types"
)

const (
	sourceRelay = "relay"
	sourceQueue = "queue"

	defaultHandleTimeout = 10 * time.Second
)

// Registry is the part of the connection registry dispatch delivers through
type Registry interface {
	SubscribeToChat(userID, chatID uuid.UUID)
	SendToUser(userID uuid.UUID, payload interface{}) bool
	SendToChat(chatID uuid.UUID, payload interface{}) bool
}

// Store is the persistence collaborator
type Store interface {
	interfaces.UserStore
	interfaces.ChatMembership
	interfaces.MessageStore
}

// Options name the relay channels and the durable queue
type Options struct {
	ChatChannel         string
	NotificationChannel string
	QueueName           string

	// HandleTimeout bounds the processing of one payload. Processing is not
	// cut short by Stop.
	HandleTimeout time.Duration
}

// Service is the per-process dispatcher. Every process receives every relay
// payload and delivers only to the sockets it holds.
type Service struct {
	registry Registry
	store    Store
	relay    interfaces.Relay
	queue    interfaces.Queue
	options  Options
	metrics  *Metrics
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	sub     interfaces.Subscription
	wg      sync.WaitGroup
	done    chan struct{}
}

// NewService creates a dispatcher. A nil queue disables the push
// notification consumer; a nil metrics records nothing.
func NewService(registry Registry, store Store, relay interfaces.Relay, queue interfaces.Queue, options Options, metrics *Metrics, logger zerolog.Logger) *Service {
	if options.HandleTimeout <= 0 {
		options.HandleTimeout = defaultHandleTimeout
	}
	return &Service{
		registry: registry,
		store:    store,
		relay:    relay,
		queue:    queue,
		options:  options,
		metrics:  metrics,
		logger:   logger.With().Str("component", "dispatch").Logger(),
	}
}

// Start subscribes to the relay channels, starts the queue consumer and
// returns. Both loops run until Stop or ctx is done.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)

	sub, err := s.relay.Subscribe(runCtx, s.options.ChatChannel, s.options.NotificationChannel)
	if err != nil {
		cancel()
		return errors.Wrap(err, "failed to subscribe to relay")
	}

	var deliveries <-chan interfaces.Delivery
	if s.queue != nil {
		deliveries, err = s.queue.Consume(runCtx, s.options.QueueName)
		if err != nil {
			cancel()
			_ = sub.Close()
			return errors.Wrapf(err, "failed to consume %s", s.options.QueueName)
		}
	}

	s.running = true
	s.cancel = cancel
	s.sub = sub
	s.done = make(chan struct{})

	s.wg.Add(1)
	go s.relayLoop(runCtx, sub)

	if deliveries != nil {
		s.wg.Add(1)
		go s.queueLoop(runCtx, deliveries)
	}

	go func(done chan struct{}) {
		s.wg.Wait()
		close(done)
	}(s.done)

	s.logger.Info().
		Str("chat_channel", s.options.ChatChannel).
		Str("notification_channel", s.options.NotificationChannel).
		Bool("queue", deliveries != nil).
		Msg("dispatch started")
	return nil
}

// Stop cancels both loops and waits for in-flight payloads to finish
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	cancel, sub, done := s.cancel, s.sub, s.done
	s.mu.Unlock()

	cancel()
	if err := sub.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("relay subscription close failed")
	}
	<-done

	s.logger.Info().Msg("dispatch stopped")
	return nil
}

// Done is closed when every loop started by the last Start has exited,
// whether by Stop or because a source ended
func (s *Service) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Service) relayLoop(ctx context.Context, sub interfaces.Subscription) {
	defer s.wg.Done()

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("relay subscription ended")
			}
			return
		}

		hctx, cancel := s.handleContext(ctx)
		if err := s.HandleEnvelope(hctx, msg.Payload); err != nil {
			s.logger.Debug().Err(err).Str("channel", msg.Channel).Msg("envelope not delivered")
		}
		cancel()
	}
}

func (s *Service) queueLoop(ctx context.Context, deliveries <-chan interfaces.Delivery) {
	defer s.wg.Done()

	for d := range deliveries {
		hctx, cancel := s.handleContext(ctx)
		s.handleDelivery(hctx, d)
		cancel()
	}
	if ctx.Err() == nil {
		s.logger.Error().Str("queue", s.options.QueueName).Msg("queue consumption ended")
	}
}

// handleContext detaches processing from loop cancellation so shutdown
// never abandons a payload halfway through persistence
func (s *Service) handleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.options.HandleTimeout)
}

// HandleEnvelope processes one relay payload. The returned error is for
// logging only; the caller has nothing to retry.
func (s *Service) HandleEnvelope(ctx context.Context, payload []byte) (err error) {
	action := "unknown"
	var actor uuid.UUID

	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrPanic, "%v", r)
			event := s.logger.Error().Err(err).Str("action", action)
			if actor != uuid.Nil {
				event = event.Str("user_id", actor.String())
			}
			event.Msg("recovered panic while processing envelope")
			if actor == uuid.Nil {
				s.metrics.observe(sourceRelay, action, OutcomeFailed)
				return
			}
		}
		if err != nil && actor != uuid.Nil && !types.IsProtocolError(err) && !errors.Is(err, interfaces.ErrUserNotFound) {
			if !errors.Is(err, ErrPanic) {
				s.logger.Error().Err(err).Str("user_id", actor.String()).Str("action", action).Msg("processing failed")
			}
			s.metrics.observe(sourceRelay, action, OutcomeFailed)
			s.notifyFailure(actor)
		}
	}()

	msg, err := types.DecodeEnvelope(payload)
	if err != nil {
		s.logger.Warn().Err(err).Msg("dropping invalid envelope")
		s.metrics.observe(sourceRelay, action, OutcomeInvalid)
		return err
	}
	action = msg.Action()
	actor = msg.Sender()

	user, err := s.store.GetUser(ctx, msg.Sender())
	if err != nil {
		if errors.Is(err, interfaces.ErrUserNotFound) {
			s.logger.Warn().Str("user_id", actor.String()).Str("action", action).Msg("dropping envelope of unknown user")
			s.metrics.observe(sourceRelay, action, OutcomeUnknownUser)
			return err
		}
		return errors.Wrap(err, "user lookup failed")
	}

	var delivered bool
	switch m := msg.(type) {
	case types.Subscribe:
		delivered, err = s.subscribe(ctx, user, m)
	case types.ChatMessage:
		delivered, err = s.chatMessage(ctx, user, m)
	case types.PushNotification:
		delivered = s.registry.SendToUser(user.ID, m)
	default:
		err = errors.Wrapf(ErrUnexpectedPayload, "%T", msg)
	}
	if err != nil {
		return err
	}

	outcome := OutcomeSkipped
	if delivered {
		outcome = OutcomeDelivered
	}
	s.metrics.observe(sourceRelay, action, outcome)
	return nil
}

// subscribe records every permitted chat locally and answers with one
// result per requested chat in request order
func (s *Service) subscribe(ctx context.Context, user *types.User, m types.Subscribe) (bool, error) {
	permitted, err := s.store.ChatIDsUserBelongsTo(ctx, user.ID, m.ChatIDs)
	if err != nil {
		return false, errors.Wrap(err, "membership lookup failed")
	}

	results := make([]types.SubscribeResult, 0, len(m.ChatIDs))
	for _, chatID := range m.ChatIDs {
		if _, ok := permitted[chatID]; !ok {
			results = append(results, types.SubscribeResult{
				ChatID: chatID,
				Status: types.StatusError,
				Error:  types.ErrorTextNoAccess,
			})
			continue
		}
		s.registry.SubscribeToChat(user.ID, chatID)
		results = append(results, types.SubscribeResult{ChatID: chatID, Status: types.StatusSuccess})
	}

	return s.registry.SendToUser(user.ID, types.SubscribeResponse{
		Action:  types.ActionSubscribeResponse,
		Results: results,
	}), nil
}

// chatMessage fans out to local subscribers and persists only when this
// process had someone to deliver to
func (s *Service) chatMessage(ctx context.Context, user *types.User, m types.ChatMessage) (bool, error) {
	delivery := types.ChatDelivery{
		From:    user.Username,
		Message: m.Text,
		ChatID:  m.ChatID,
	}

	if !s.registry.SendToChat(m.ChatID, delivery) {
		s.registry.SendToUser(user.ID, types.MessageResponse{
			Action: types.ActionMessageResponse,
			Status: types.StatusError,
			Error:  types.ErrorTextCouldNotSend,
		})
		return false, nil
	}

	id, err := s.store.PersistMessage(ctx, &types.StoredMessage{
		ID:        m.MessageID,
		ChatID:    m.ChatID,
		UserID:    user.ID,
		Content:   m.Text,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return true, errors.Wrapf(err, "failed to persist message in chat %s", m.ChatID)
	}

	s.logger.Debug().
		Str("message_id", id).
		Str("chat_id", m.ChatID.String()).
		Str("user_id", user.ID.String()).
		Msg("message delivered")

	s.registry.SendToUser(user.ID, types.MessageResponse{
		Action: types.ActionMessageResponse,
		Status: types.StatusSuccess,
	})
	return true, nil
}

func (s *Service) notifyFailure(userID uuid.UUID) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("panic", fmt.Sprint(r)).Msg("failure notice panicked")
		}
	}()
	s.registry.SendToUser(userID, types.NewErrorFrame(types.ErrorTextProcessingFailed))
}
