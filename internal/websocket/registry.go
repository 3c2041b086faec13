package websocket

import (
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"chatbridge/pkg/interfaces"
)

// Registry tracks the sockets and chat subscriptions owned by this process.
// Every map is guarded by one mutex; sends happen after the lock is released.
type Registry struct {
	mu          sync.RWMutex
	connections map[uuid.UUID]map[string]interfaces.Connection // userID -> connID -> socket
	chats       map[uuid.UUID]map[uuid.UUID]struct{}           // chatID -> subscribed userIDs
	logger      zerolog.Logger
}

// Stats is a point-in-time view of the registry
type Stats struct {
	Users       int `json:"users"`
	Connections int `json:"connections"`
	Chats       int `json:"chats"`
}

// NewRegistry creates an empty registry
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		connections: make(map[uuid.UUID]map[string]interfaces.Connection),
		chats:       make(map[uuid.UUID]map[uuid.UUID]struct{}),
		logger:      logger.With().Str("component", "registry").Logger(),
	}
}

// Connect registers a socket for userID. A user may hold many sockets.
func (r *Registry) Connect(userID uuid.UUID, conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if userID == uuid.Nil {
		return ErrNilUser
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sockets, ok := r.connections[userID]
	if !ok {
		sockets = make(map[string]interfaces.Connection)
		r.connections[userID] = sockets
	}
	sockets[conn.ID()] = conn
	return nil
}

// Disconnect removes a socket. Removing a user's last socket also removes
// the user from every chat and drops chats left without subscribers.
func (r *Registry) Disconnect(conn interfaces.Connection, userID uuid.UUID) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sockets, ok := r.connections[userID]
	if !ok {
		return
	}
	delete(sockets, conn.ID())
	if len(sockets) > 0 {
		return
	}

	delete(r.connections, userID)
	for chatID, subscribers := range r.chats {
		delete(subscribers, userID)
		if len(subscribers) == 0 {
			delete(r.chats, chatID)
		}
	}
}

// SubscribeToChat records userID as a local subscriber of chatID. The user
// does not need a socket on this process.
func (r *Registry) SubscribeToChat(userID, chatID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subscribers, ok := r.chats[chatID]
	if !ok {
		subscribers = make(map[uuid.UUID]struct{})
		r.chats[chatID] = subscribers
	}
	subscribers[userID] = struct{}{}
}

// SendToUser writes payload to every local socket of userID and reports
// whether the user had any. Socket errors are logged, never returned.
func (r *Registry) SendToUser(userID uuid.UUID, payload interface{}) bool {
	r.mu.RLock()
	sockets := make([]interfaces.Connection, 0, len(r.connections[userID]))
	for _, conn := range r.connections[userID] {
		sockets = append(sockets, conn)
	}
	r.mu.RUnlock()

	if len(sockets) == 0 {
		return false
	}

	for _, conn := range sockets {
		if err := conn.WriteJSON(payload); err != nil {
			r.logger.Warn().
				Err(err).
				Str("user_id", userID.String()).
				Str("connection_id", conn.ID()).
				Msg("failed to send to socket")
		}
	}
	return true
}

// SendToChat delivers payload to every local subscriber of chatID. It
// reports whether the chat has local subscribers, connected or not.
func (r *Registry) SendToChat(chatID uuid.UUID, payload interface{}) bool {
	subscribers := r.ChatSubscribers(chatID)
	if len(subscribers) == 0 {
		return false
	}

	for _, userID := range subscribers {
		r.SendToUser(userID, payload)
	}
	return true
}

// ChatSubscribers returns a snapshot of the local subscribers of chatID
func (r *Registry) ChatSubscribers(chatID uuid.UUID) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subscribers := make([]uuid.UUID, 0, len(r.chats[chatID]))
	for userID := range r.chats[chatID] {
		subscribers = append(subscribers, userID)
	}
	return subscribers
}

// IsSubscribed reports whether userID is a local subscriber of chatID
func (r *Registry) IsSubscribed(userID, chatID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.chats[chatID][userID]
	return ok
}

// IsConnected reports whether userID holds at least one local socket
func (r *Registry) IsConnected(userID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.connections[userID]) > 0
}

// GetStats returns registry statistics for monitoring
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Users: len(r.connections), Chats: len(r.chats)}
	for _, sockets := range r.connections {
		stats.Connections += len(sockets)
	}
	return stats
}

type codeCloser interface {
	CloseWithCode(code int, reason string) error
}

// CloseAll closes every local socket with code. Registry entries are
// removed by each socket's own disconnect.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.RLock()
	var sockets []interfaces.Connection
	for _, userSockets := range r.connections {
		for _, conn := range userSockets {
			sockets = append(sockets, conn)
		}
	}
	r.mu.RUnlock()

	for _, conn := range sockets {
		var err error
		if closer, ok := conn.(codeCloser); ok {
			err = closer.CloseWithCode(code, reason)
		} else {
			err = conn.Close()
		}
		if err != nil {
			r.logger.Debug().Err(err).Str("connection_id", conn.ID()).Msg("close failed")
		}
	}
}

// RegisterMetrics exposes registry sizes as gauges
func (r *Registry) RegisterMetrics(reg prometheus.Registerer) error {
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "chatbridge",
			Subsystem: "registry",
			Name:      "users",
			Help:      "Users with at least one local socket.",
		}, func() float64 { return float64(r.GetStats().Users) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "chatbridge",
			Subsystem: "registry",
			Name:      "connections",
			Help:      "Open local sockets.",
		}, func() float64 { return float64(r.GetStats().Connections) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "chatbridge",
			Subsystem: "registry",
			Name:      "chats",
			Help:      "Chats with at least one local subscriber.",
		}, func() float64 { return float64(r.GetStats().Chats) }),
	}

	for _, g := range gauges {
		if err := reg.Register(g); err != nil {
			return err
		}
	}
	return nil
}
