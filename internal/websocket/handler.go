package websocket

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatbridge/internal/router"
	"chatbridge/pkg/interfaces"
	"chatbridge/pkg/types"
)

// FrameRouter republishes an inbound client frame on behalf of userID
type FrameRouter interface {
	RouteFrame(ctx context.Context, userID uuid.UUID, data []byte) error
}

// DefaultMaxMessageSize bounds inbound frames when no limit is configured
const DefaultMaxMessageSize = 64 << 10

// HandlerOptions configure heartbeats and socket buffering.
// A zero PongWait disables the read deadline.
type HandlerOptions struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteTimeout   time.Duration
	BufferSize     int
	MaxMessageSize int64
}

// Handler is the gateway endpoint: it authenticates the client, registers
// the socket and forwards every frame to the router.
type Handler struct {
	registry *Registry
	verifier interfaces.TokenVerifier
	router   FrameRouter
	upgrader websocket.Upgrader
	options  HandlerOptions
	logger   zerolog.Logger
}

// NewHandler creates a gateway handler
func NewHandler(registry *Registry, verifier interfaces.TokenVerifier, frameRouter FrameRouter, options HandlerOptions, logger zerolog.Logger) *Handler {
	return &Handler{
		registry: registry,
		verifier: verifier,
		router:   frameRouter,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			// Browsers connect from the frontend origin; the token is the credential
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		options: options,
		logger:  logger.With().Str("component", "gateway").Logger(),
	}
}

// ServeHTTP authenticates before upgrading, so a rejected client is never registered
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, ErrMissingToken.Error(), http.StatusUnauthorized)
		return
	}

	user, err := h.verifier.VerifyToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, interfaces.ErrAuthentication) {
			h.logger.Debug().Err(err).Msg("rejected connection")
			http.Error(w, interfaces.ErrAuthentication.Error(), http.StatusUnauthorized)
			return
		}
		h.logger.Error().Err(err).Msg("token verification failed")
		http.Error(w, "authentication unavailable", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.logger.Warn().Err(err).Str("user_id", user.ID.String()).Msg("upgrade failed")
		return
	}

	conn := NewConnection(wsConn, user.ID, ConnectionOptions{
		BufferSize:   h.options.BufferSize,
		WriteTimeout: h.options.WriteTimeout,
		PingInterval: h.options.PingInterval,
	}, h.logger)

	if err := h.registry.Connect(user.ID, conn); err != nil {
		h.logger.Error().Err(err).Msg("registration failed")
		_ = conn.CloseWithCode(websocket.CloseInternalServerErr, "")
		return
	}

	h.logger.Info().
		Str("user_id", user.ID.String()).
		Str("username", user.Username).
		Str("connection_id", conn.ID()).
		Msg("client connected")

	// Cleanup runs on every exit path even when the close frame cannot be sent
	defer func() {
		_ = conn.CloseWithCode(websocket.CloseGoingAway, "")
		h.registry.Disconnect(conn, user.ID)
		h.logger.Info().
			Str("user_id", user.ID.String()).
			Str("connection_id", conn.ID()).
			Msg("client disconnected")
	}()

	h.readLoop(r.Context(), wsConn, conn, user)
}

func (h *Handler) readLoop(ctx context.Context, wsConn *websocket.Conn, conn *Connection, user *types.User) {
	limit := h.options.MaxMessageSize
	if limit <= 0 {
		limit = DefaultMaxMessageSize
	}
	// oversized frames fail the read and the socket closes with 1009
	wsConn.SetReadLimit(limit)

	if h.options.PongWait > 0 {
		_ = wsConn.SetReadDeadline(time.Now().Add(h.options.PongWait))
		wsConn.SetPongHandler(func(string) error {
			return wsConn.SetReadDeadline(time.Now().Add(h.options.PongWait))
		})
	}

	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				h.logger.Warn().Str("connection_id", conn.ID()).Int64("limit", limit).Msg("frame too large, closing")
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.logger.Warn().Err(err).Str("connection_id", conn.ID()).Msg("read failed")
			}
			return
		}

		err = h.router.RouteFrame(ctx, user.ID, data)
		if err == nil {
			continue
		}

		var protocolErr *types.ProtocolError
		switch {
		case errors.As(err, &protocolErr):
			h.reply(conn, types.NewErrorFrame(protocolErr.Reason))
		case errors.Is(err, router.ErrRateLimited):
			h.reply(conn, types.NewErrorFrame(types.ErrorTextRateLimitExceeded))
		default:
			h.logger.Error().Err(err).Str("connection_id", conn.ID()).Msg("frame routing failed, closing")
			h.reply(conn, types.NewErrorFrame(types.ErrorTextProcessingFailed))
			return
		}
	}
}

func (h *Handler) reply(conn *Connection, frame types.ErrorFrame) {
	if err := conn.WriteJSON(frame); err != nil {
		h.logger.Debug().Err(err).Str("connection_id", conn.ID()).Msg("error frame not sent")
	}
}
