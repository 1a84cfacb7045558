package cli

import (
	"context"
	"errors"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flybeeper/geolog/internal/auth"
	"github.com/flybeeper/geolog/internal/handler"
	"github.com/flybeeper/geolog/internal/mqtt"
	"github.com/flybeeper/geolog/internal/repository"
	"github.com/flybeeper/geolog/internal/service"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the recording service with the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(parent context.Context) error {
	cfg, logger := a.cfg, a.logger
	handler.Version = Version
	logger.WithFields(map[string]interface{}{
		"version": Version,
		"storage": cfg.Storage.Driver,
	}).Info("Starting GeoLog")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storage, err := a.openStorage(ctx)
	if err != nil {
		return err
	}
	defer storage.Close()

	prefs, err := repository.OpenPreferences(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if c, ok := prefs.(io.Closer); ok {
		defer c.Close()
	}

	session := service.NewSession(service.Dependencies{
		Storage:     storage,
		Preferences: prefs,
		Logger:      logger,
		QueueSize:   cfg.Engine.QueueSize,
	})

	if cfg.MQTT.Enabled {
		client, err := mqtt.NewClient(&cfg.MQTT, logger, session.HandleEvent, session)
		if err != nil {
			return err
		}
		session.Attach(
			client,
			mqtt.NewActivitySource(client, client.ControlTopic("activity")),
			mqtt.NewLocationSource(client, client.ControlTopic("location")),
		)
	} else {
		logger.Warn("MQTT is disabled, no device events will be received")
	}

	if err := session.Start(ctx); err != nil {
		if !errors.Is(err, service.ErrConnectFailed) {
			return err
		}
		// API продолжает работать, запись возобновится при выборе профиля
		logger.WithError(err).Error("Started without broker connection")
	}

	validator := auth.NewValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	server := handler.NewServer(cfg, storage, session, validator, logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err = <-serverErr:
		if err != nil {
			logger.WithError(err).Error("HTTP server failed")
		}
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logger.WithError(serr).Error("Failed to shutdown HTTP server")
	}
	if serr := session.Stop(shutdownCtx); serr != nil {
		logger.WithError(serr).Error("Failed to stop session")
	}

	logger.Info("GeoLog stopped")
	return err
}
