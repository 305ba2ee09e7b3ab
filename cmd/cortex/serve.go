package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cortex/internal/config"
	"cortex/internal/llm"
	"cortex/internal/logging"
	"cortex/internal/observability"
	"cortex/internal/server"
	"cortex/internal/session"
	"cortex/internal/session/filestore"
	"cortex/internal/session/postgresstore"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve sessions over HTTP with SSE and websocket event streams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	logger := logging.NewComponentLogger("main")
	env := config.LoadEnv()

	logger.Info("Starting cortex server %s", version)

	agents := config.NewLoader(env.AgentDir, logging.NewComponentLogger("config"))
	if err := agents.Reload(); err != nil {
		return err
	}
	if err := agents.Watch(); err != nil {
		logger.Warn("Agent hot reload unavailable: %v", err)
	}
	defer agents.Stop()

	store, err := buildStore(env, logger)
	if err != nil {
		return err
	}

	obs, obsCleanup := observability.Init(env, logger)
	defer obsCleanup()

	registry := session.NewRegistry(session.RegistryOptions{
		Env:    env,
		Agents: agents,
		Client: observability.InstrumentLLM(llm.NewFromEnv(env), obs),
		Store:  store,
		Logger: logging.NewComponentLogger("session"),
	})
	registry.StartReaper()

	srv := server.New(server.Options{
		Env:      env,
		Agents:   agents,
		Sessions: registry,
		Obs:      obs,
		Logger:   logging.NewComponentLogger("server"),
		Version:  version,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("Received %s, shutting down", sig)
	case err := <-errCh:
		return err
	}

	registry.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), env.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("HTTP shutdown: %v", err)
	}
	logger.Info("Server stopped")
	return nil
}

func buildStore(env *config.Env, logger logging.Logger) (session.Store, error) {
	switch {
	case env.SessionDSN != "":
		logger.Info("Session records in postgres")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return postgresstore.Connect(ctx, env.SessionDSN)
	case env.SessionDir != "":
		logger.Info("Session records in %s", env.SessionDir)
		return filestore.New(env.SessionDir), nil
	default:
		logger.Info("Session records in memory")
		return session.NewMemStore(), nil
	}
}
