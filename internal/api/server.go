// Package api serves the HTTP side of the bridge: the push notification
// producer, health and stats.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"chatbridge/internal/websocket"
	"chatbridge/pkg/interfaces"
	"chatbridge/pkg/types"
)

// maxBodyBytes caps push notification request bodies
const maxBodyBytes = 64 << 10

// StatsProvider reports local registry sizes
type StatsProvider interface {
	GetStats() websocket.Stats
}

// HealthChecker reports whether the database is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server is a pure HTTP layer: it validates input and hands work to the
// durable queue. Delivery happens in the dispatch service.
type Server struct {
	users     interfaces.UserStore
	health    HealthChecker
	queue     interfaces.Queue
	queueName string
	registry  StatsProvider
	router    *http.ServeMux
	logger    zerolog.Logger
}

// NewServer wires the routes
func NewServer(users interfaces.UserStore, health HealthChecker, queue interfaces.Queue, queueName string, registry StatsProvider, logger zerolog.Logger) *Server {
	s := &Server{
		users:     users,
		health:    health,
		queue:     queue,
		queueName: queueName,
		registry:  registry,
		router:    http.NewServeMux(),
		logger:    logger.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("POST /api/push_notification/{user_id}", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.pushNotification))))
	s.router.Handle("GET /api/stats", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.stats))))
	s.router.Handle("GET /health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
	s.router.Handle("OPTIONS /", s.corsMiddleware(http.NotFoundHandler()))
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// PushNotificationRequest is the body of POST /api/push_notification/{user_id}
type PushNotificationRequest struct {
	Message string `json:"message"`
}

// PushNotificationResponse reports that the command was queued
type PushNotificationResponse struct {
	Status string `json:"status"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Database    string          `json:"database"`
	Connections websocket.Stats `json:"connections"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// pushNotification queues a notification for every socket of the user,
// wherever it is connected
func (s *Server) pushNotification(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.PathValue("user_id"))
	if err != nil {
		s.sendError(w, "Invalid user id", http.StatusBadRequest)
		return
	}

	var req PushNotificationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	cmd := types.PushNotification{UserID: userID, Message: req.Message}
	if err := cmd.Validate(); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := s.users.GetUser(r.Context(), userID); err != nil {
		if errors.Is(err, interfaces.ErrUserNotFound) {
			s.sendError(w, "User not found", http.StatusNotFound)
			return
		}
		s.logger.Error().Err(err).Str("user_id", userID.String()).Msg("user lookup failed")
		s.sendError(w, "Failed to look up user", s.failureStatus(err))
		return
	}

	body, err := types.Encode(cmd)
	if err != nil {
		s.sendError(w, "Failed to encode notification", http.StatusInternalServerError)
		return
	}

	if err := s.queue.Publish(r.Context(), s.queueName, body); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID.String()).Msg("failed to queue push notification")
		s.sendError(w, "Failed to queue notification", s.failureStatus(err))
		return
	}

	s.logger.Debug().Str("user_id", userID.String()).Msg("push notification queued")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(PushNotificationResponse{Status: types.StatusPending})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(s.registry.GetStats())
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:      "healthy",
		Timestamp:   time.Now().UTC(),
		Database:    "healthy",
		Connections: s.registry.GetStats(),
	}

	code := http.StatusOK
	if err := s.health.HealthCheck(ctx); err != nil {
		response.Status = "unhealthy"
		response.Database = "error: " + err.Error()
		code = http.StatusServiceUnavailable
	}

	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(response)
}

func (s *Server) failureStatus(err error) int {
	if interfaces.IsTransient(err) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// corsMiddleware allows browser producers on other origins
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
