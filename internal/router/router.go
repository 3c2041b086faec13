package router

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"chatbridge/pkg/interfaces"
	"chatbridge/pkg/types"
)

// Router turns client frames into relay envelopes. It never trusts the
// client's user_id and stamps every chat message with a fresh message id.
type Router struct {
	relay   interfaces.Relay
	channel string
	limiter *RateLimiter
	logger  zerolog.Logger
}

// NewRouter publishes envelopes on channel. A nil limiter disables rate limiting.
func NewRouter(relay interfaces.Relay, channel string, limiter *RateLimiter, logger zerolog.Logger) *Router {
	return &Router{
		relay:   relay,
		channel: channel,
		limiter: limiter,
		logger:  logger.With().Str("component", "router").Logger(),
	}
}

// RouteFrame validates a raw client frame and republishes it on behalf of
// userID. Decoding failures are returned as *types.ProtocolError.
func (r *Router) RouteFrame(ctx context.Context, userID uuid.UUID, data []byte) error {
	if userID == uuid.Nil {
		return ErrNilSender
	}
	if r.limiter != nil && !r.limiter.Allow(userID) {
		return ErrRateLimited
	}

	msg, err := types.DecodeClientFrame(data)
	if err != nil {
		r.logger.Debug().Err(err).Str("user_id", userID.String()).Msg("rejected client frame")
		return err
	}

	msg = types.WithSender(msg, userID)
	if chat, ok := msg.(types.ChatMessage); ok {
		chat.MessageID = ulid.Make().String()
		msg = chat
	}

	payload, err := types.Encode(msg)
	if err != nil {
		return errors.Wrap(err, "failed to encode envelope")
	}

	if err := r.relay.Publish(ctx, r.channel, payload); err != nil {
		return errors.Wrapf(err, "failed to publish on %s", r.channel)
	}

	r.logger.Debug().
		Str("user_id", userID.String()).
		Str("action", msg.Action()).
		Msg("frame relayed")
	return nil
}

// RunCleanup periodically drops idle rate limiter state until ctx is done
func (r *Router) RunCleanup(ctx context.Context, interval, maxIdle time.Duration) {
	if r.limiter == nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := r.limiter.Cleanup(maxIdle); removed > 0 {
				r.logger.Debug().Int("removed", removed).Msg("rate limiter cleanup")
			}
		case <-ctx.Done():
			return
		}
	}
}
