package main

import (
	"context"
	"errors"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"

	"github.com/Tyrowin/roomchat/internal/dispatch"
	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/Tyrowin/roomchat/internal/messagelog"
	"github.com/Tyrowin/roomchat/internal/presence"
	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/Tyrowin/roomchat/internal/session"
)

func main() {
	cfg, err := server.LoadConfig(os.Getenv("CONFIG_FILE"))
	if err != nil {
		bootLogger := logging.New("error", "", os.Stderr)
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	logger.Info().Str("store", cfg.MessageLog.Driver).Int("history_limit", cfg.HistoryLimit).
		Msg("Starting roomchat server...")

	history, err := messagelog.Open(context.Background(), cfg.MessageLog, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("store", cfg.MessageLog.Driver).Msg("Failed to open message log")
	}

	registry := presence.NewRegistry()
	directory := presence.NewDirectory(registry)
	hub := dispatch.NewHub(directory, logger)
	coordinator := session.New(registry, directory, hub, history, logger,
		session.WithHistoryLimit(cfg.HistoryLimit))

	srv := server.New(*cfg, server.Deps{
		Hub:       hub,
		Sessions:  coordinator,
		Directory: directory,
		History:   history,
		Logger:    logger,
	})
	httpServer := server.CreateServer(cfg.Port, srv.Routes())

	go func() {
		if err := server.StartServer(httpServer, logger); err != nil {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"roomchat": func(ctx context.Context) error {
				logger.Info().Msg("Graceful shutdown initiated...")
				return errors.Join(
					server.ShutdownServer(ctx, httpServer, logger),
					hub.Shutdown(cfg.ShutdownTimeout),
					history.Close(),
				)
			},
		},
	)

	exitCode := <-wait
	logger.Info().Int("code", exitCode).Msg("Server exited")
	os.Exit(exitCode)
}
