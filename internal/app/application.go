// Package app wires the bridge components into one process.
package app

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"chatbridge/internal/api"
	"chatbridge/internal/auth"
	"chatbridge/internal/config"
	"chatbridge/internal/database"
	"chatbridge/internal/dispatch"
	"chatbridge/internal/logging"
	"chatbridge/internal/queue"
	"chatbridge/internal/relay"
	"chatbridge/internal/router"
	"chatbridge/internal/websocket"
	dbconfig "chatbridge/pkg/database"
	"chatbridge/pkg/interfaces"
)

const (
	rateLimitCleanupInterval = time.Minute
	rateLimitMaxIdle         = 10 * time.Minute
)

// Application owns every component of one bridge process
type Application struct {
	config     *config.Config
	logger     zerolog.Logger
	db         *database.Manager
	registry   *websocket.Registry
	relay      interfaces.Relay
	queue      interfaces.Queue
	dispatcher *dispatch.Service
	router     *router.Router
	httpServer *http.Server

	mu       sync.Mutex
	cancel   context.CancelFunc
	addr     net.Addr
	failures chan error
}

// NewApplication creates every component in dependency order:
// database, auth, registry, relay, queue, dispatch, router, gateway, HTTP.
// Brokers are dialed here so a misconfigured process fails before serving.
func NewApplication(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	app := &Application{
		config:   cfg,
		logger:   logging.Component(logger, "app"),
		failures: make(chan error, 2),
	}

	ok := false
	defer func() {
		if !ok {
			app.closeBackends()
		}
	}()

	db, err := database.NewManager(&dbconfig.Config{
		DatabasePath:    cfg.Database.Path,
		MaxConnections:  cfg.Database.MaxConnections,
		ConnMaxLifetime: cfg.Database.Timeout,
		ConnMaxIdleTime: cfg.Database.Timeout / 3,
		WriteTimeout:    cfg.Database.Timeout,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize database")
	}
	app.db = db

	if err := db.Migrate(); err != nil {
		return nil, err
	}
	app.logger.Info().Str("path", cfg.Database.Path).Msg("database ready")

	verifier, err := auth.NewVerifier(cfg.Auth, db)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize auth")
	}

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	app.registry = websocket.NewRegistry(logger)
	if err := app.registry.RegisterMetrics(metrics); err != nil {
		return nil, errors.Wrap(err, "failed to register registry metrics")
	}

	if app.relay, err = newRelay(ctx, cfg.Relay, logger); err != nil {
		return nil, err
	}
	if app.queue, err = newQueue(cfg.Queue, logger); err != nil {
		return nil, err
	}

	dispatchMetrics, err := dispatch.NewMetrics(metrics)
	if err != nil {
		return nil, errors.Wrap(err, "failed to register dispatch metrics")
	}
	app.dispatcher = dispatch.NewService(app.registry, db, app.relay, app.queue, dispatch.Options{
		ChatChannel:         cfg.Relay.ChatChannel,
		NotificationChannel: cfg.Relay.NotificationChannel,
		QueueName:           cfg.Queue.Name,
	}, dispatchMetrics, logger)

	app.router = router.NewRouter(app.relay, cfg.Relay.ChatChannel,
		router.NewRateLimiter(cfg.WebSocket.MessagesPerSecond, cfg.WebSocket.Burst), logger)

	gateway := websocket.NewHandler(app.registry, verifier, app.router, websocket.HandlerOptions{
		PingInterval:   cfg.WebSocket.PingInterval,
		PongWait:       cfg.WebSocket.PongWait,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		BufferSize:     cfg.WebSocket.BufferSize,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
	}, logger)

	apiServer := api.NewServer(db, db, app.queue, cfg.Queue.Name, app.registry, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway)
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{}))

	// WriteTimeout is left unset: it would cut long-lived sockets
	app.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
	}

	ok = true
	return app, nil
}

func newRelay(ctx context.Context, cfg *config.RelayConfig, logger zerolog.Logger) (interfaces.Relay, error) {
	switch cfg.Backend {
	case config.RelayRedis:
		r, err := relay.NewRedis(ctx, cfg.URL, logger)
		if err != nil {
			return nil, errors.Wrap(err, "failed to initialize relay")
		}
		return r, nil
	default:
		return relay.NewMemory(logger), nil
	}
}

func newQueue(cfg *config.QueueConfig, logger zerolog.Logger) (interfaces.Queue, error) {
	switch cfg.Backend {
	case config.QueueRabbit:
		q, err := queue.NewRabbit(cfg.URL, cfg.Prefetch, logger)
		if err != nil {
			return nil, errors.Wrap(err, "failed to initialize queue")
		}
		return q, nil
	default:
		return queue.NewMemory(logger), nil
	}
}

// Start listens on the configured address and serves
func (app *Application) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", app.httpServer.Addr)
	}
	return app.StartWithListener(ctx, ln)
}

// StartWithListener starts the dispatch service, then serves on ln
func (app *Application) StartWithListener(ctx context.Context, ln net.Listener) error {
	runCtx, cancel := context.WithCancel(ctx)

	if err := app.dispatcher.Start(runCtx); err != nil {
		cancel()
		_ = ln.Close()
		return errors.Wrap(err, "failed to start dispatch")
	}

	app.mu.Lock()
	app.cancel = cancel
	app.addr = ln.Addr()
	app.mu.Unlock()

	go app.router.RunCleanup(runCtx, rateLimitCleanupInterval, rateLimitMaxIdle)

	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.fail(errors.Wrap(err, "HTTP server error"))
		}
	}()

	go func(done <-chan struct{}) {
		<-done
		if runCtx.Err() == nil {
			app.fail(errors.New("dispatch stopped unexpectedly"))
		}
	}(app.dispatcher.Done())

	app.logger.Info().Str("addr", ln.Addr().String()).Msg("chatbridge started")
	return nil
}

func (app *Application) fail(err error) {
	select {
	case app.failures <- err:
	default:
	}
}

// Failures reports errors that require the process to stop
func (app *Application) Failures() <-chan error {
	return app.failures
}

// Addr is the address the HTTP server listens on, once started
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.addr == nil {
		return app.httpServer.Addr
	}
	return app.addr.String()
}

// Stop shuts down in reverse dependency order: HTTP, sockets, dispatch,
// brokers, database
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info().Msg("shutting down")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.logger.Warn().Err(err).Msg("HTTP server shutdown error")
	}

	// hijacked sockets are not tracked by Shutdown
	app.registry.CloseAll(websocket.CloseGoingAway, "server shutdown")

	app.mu.Lock()
	cancel := app.cancel
	app.mu.Unlock()
	if cancel != nil {
		cancel()
		if err := app.dispatcher.Stop(); err != nil && !errors.Is(err, dispatch.ErrNotRunning) {
			app.logger.Warn().Err(err).Msg("dispatch shutdown error")
		}
	}

	app.closeBackends()
	app.logger.Info().Msg("shutdown complete")
	return nil
}

func (app *Application) closeBackends() {
	if app.relay != nil {
		if err := app.relay.Close(); err != nil {
			app.logger.Warn().Err(err).Msg("relay close error")
		}
	}
	if app.queue != nil {
		if err := app.queue.Close(); err != nil {
			app.logger.Warn().Err(err).Msg("queue close error")
		}
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Warn().Err(err).Msg("database close error")
		}
	}
}

// Store exposes the persistence collaborator for seeding and tooling
func (app *Application) Store() *database.Manager {
	return app.db
}
