// cortex-server runs the streaming execution engine behind the HTTP API:
// session lifecycle over JSON, live frames over SSE and websocket, metrics
// on /metrics.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cortex/internal/config"
	"cortex/internal/llm"
	"cortex/internal/logging"
	"cortex/internal/observability"
	"cortex/internal/server"
	"cortex/internal/session"
	"cortex/internal/session/filestore"
	"cortex/internal/session/postgresstore"
)

// version is stamped by the release build.
var version = "dev"

func main() {
	logger := logging.NewComponentLogger("main")
	env := config.LoadEnv()

	logger.Info("Starting cortex-server %s", version)
	logger.Info("Model %s via %s, agents from %s, port %s", env.LLMModel, env.LLMProvider, env.AgentDir, env.Port)

	agents := config.NewLoader(env.AgentDir, logging.NewComponentLogger("config"))
	if err := agents.Reload(); err != nil {
		logger.Error("Loading agents: %v", err)
		os.Exit(1)
	}
	if err := agents.Watch(); err != nil {
		logger.Warn("Agent hot reload unavailable: %v", err)
	}
	defer agents.Stop()

	store, err := buildStore(env, logger)
	if err != nil {
		logger.Error("Opening session store: %v", err)
		os.Exit(1)
	}

	obs, obsCleanup := observability.Init(env, logger)
	defer obsCleanup()

	client := observability.InstrumentLLM(llm.NewFromEnv(env), obs)

	registry := session.NewRegistry(session.RegistryOptions{
		Env:    env,
		Agents: agents,
		Client: client,
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
		if err != nil {
			logger.Error("Server failed: %v", err)
			os.Exit(1)
		}
		return
	}

	// Close sessions first: that ends every event stream, which releases the
	// SSE and websocket handlers the listener is waiting on.
	registry.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), env.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("HTTP shutdown: %v", err)
	}
	logger.Info("Server stopped")
}

// buildStore picks the record store: postgres when a DSN is configured, the
// file store when a directory is, memory otherwise.
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
