package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// CloseGoingAway is the close code sent on disconnect and shutdown
const CloseGoingAway = websocket.CloseGoingAway

// ConnectionOptions tune a single socket
type ConnectionOptions struct {
	BufferSize   int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	if o.BufferSize <= 0 {
		o.BufferSize = 100
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	return o
}

// Connection wraps one gorilla socket. All data frames are written by a
// single writer goroutine; WriteJSON only queues.
type Connection struct {
	id        string
	userID    uuid.UUID
	conn      *websocket.Conn
	writeCh   chan []byte
	closeCh   chan closeRequest
	loopDone  chan struct{}
	options   ConnectionOptions
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	logger    zerolog.Logger
}

type closeRequest struct {
	code   int
	reason string
}

// NewConnection starts the writer goroutine for an upgraded socket
func NewConnection(conn *websocket.Conn, userID uuid.UUID, options ConnectionOptions, logger zerolog.Logger) *Connection {
	options = options.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()

	c := &Connection{
		id:       id,
		userID:   userID,
		conn:     conn,
		writeCh:  make(chan []byte, options.BufferSize),
		closeCh:  make(chan closeRequest, 1),
		loopDone: make(chan struct{}),
		options:  options,
		ctx:      ctx,
		cancel:   cancel,
		logger: logger.With().
			Str("connection_id", id).
			Str("user_id", userID.String()).
			Logger(),
	}

	go c.writeLoop()

	return c
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) UserID() uuid.UUID { return c.userID }

// Done is closed once the connection is closed
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Connection) writeLoop() {
	defer close(c.loopDone)

	var ping <-chan time.Time
	if c.options.PingInterval > 0 {
		ticker := time.NewTicker(c.options.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case data := <-c.writeCh:
			if err := c.write(data); err != nil {
				c.fail(err)
				return
			}

		case <-ping:
			deadline := time.Now().Add(c.options.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.fail(err)
				return
			}

		case req := <-c.closeCh:
			// frames queued before the close are still sent
			if err := c.flush(); err != nil {
				c.logger.Debug().Err(err).Msg("pending frames not sent")
				return
			}
			deadline := time.Now().Add(c.options.WriteTimeout)
			if err := c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(req.code, req.reason), deadline); err != nil {
				c.logger.Debug().Err(err).Int("code", req.code).Msg("close frame not sent")
			}
			return

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) write(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Connection) flush() error {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.write(data); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// fail releases the socket after a write error so the read loop unblocks
func (c *Connection) fail(err error) {
	c.logger.Debug().Err(err).Msg("socket write failed, closing")
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
	})
}

// WriteJSON queues v for the writer goroutine
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	timer := time.NewTimer(c.options.WriteTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close sends a going-away close frame and releases the socket
func (c *Connection) Close() error {
	return c.CloseWithCode(websocket.CloseGoingAway, "")
}

// CloseWithCode flushes queued frames, sends a best-effort close frame with
// code, then closes the socket. Only the first call has an effect.
func (c *Connection) CloseWithCode(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.closeCh <- closeRequest{code: code, reason: reason}

		timer := time.NewTimer(2 * c.options.WriteTimeout)
		defer timer.Stop()
		select {
		case <-c.loopDone:
		case <-timer.C:
			c.logger.Debug().Msg("writer did not finish before close")
		}

		c.cancel()
		err = c.conn.Close()
	})
	return err
}
