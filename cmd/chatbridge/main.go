// Command chatbridge runs one process of the chat and push notification bridge.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"chatbridge/internal/app"
	"chatbridge/internal/config"
	"chatbridge/internal/logging"
)

func main() {
	configPath := flag.String("config", os.Getenv("CHATBRIDGE_CONFIG_FILE"), "path to a YAML or JSON config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("chatbridge exited")
	}
}

// run serves until ctx is done or the application fails, then shuts down
// within the configured timeout
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadConfigWithPrecedence(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	application, err := app.NewApplication(ctx, cfg, logger)
	if err != nil {
		return errors.Wrap(err, "failed to create application")
	}

	if err := application.Start(ctx); err != nil {
		shutdown(application, cfg, logger)
		return errors.Wrap(err, "failed to start application")
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case runErr = <-application.Failures():
		logger.Error().Err(runErr).Msg("application failure")
	}

	shutdown(application, cfg, logger)
	return runErr
}

func shutdown(application *app.Application, cfg *config.Config, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := application.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}
