package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"cortex/internal/config"
	"cortex/internal/engine/event"
	"cortex/internal/llm"
	"cortex/internal/logging"
	"cortex/internal/session"
)

func newRunCommand() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "run <agent-file> <message...>",
		Short: "Run one message against an agent file and stream the output",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(args[0], strings.Join(args[1:], " "), verbose)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show thoughts, iterations, feed refreshes, and metadata commits")
	return cmd
}

func runOnce(path, message string, verbose bool) error {
	env := config.LoadEnv()
	logger := logging.NewComponentLogger("cli")

	agent, err := config.LoadAgentFile(path)
	if err != nil {
		return err
	}
	agent.ApplyDefaults()

	// Sibling agent files are loadable too, so delegation targets resolve.
	agents := config.NewLoader(filepath.Dir(path), logger)
	if err := agents.Reload(); err != nil {
		return err
	}
	agents.Register(agent)

	registry := session.NewRegistry(session.RegistryOptions{
		Env:    env,
		Agents: agents,
		Client: llm.NewFromEnv(env),
		Store:  session.NewMemStore(),
		Logger: logger,
	})

	sess, err := registry.Create(agent.Name)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sess.Post(message); err != nil {
		registry.Shutdown()
		return err
	}

	if !isTTY() {
		color.NoColor = true
	}
	r := &renderer{out: os.Stdout, verbose: verbose}

	// The registry closes on interrupt or when the run ends; either way the
	// stream closes and the drain loop below exits. Draining while sessions
	// shut down keeps the emitter from ever blocking.
	runEnded := make(chan struct{})
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		select {
		case <-ctx.Done():
		case <-runEnded:
		}
		registry.Shutdown()
	}()

	var end event.SessionEndEvent
	sawEnd := false
	for f := range sess.Stream().Frames() {
		r.frame(f)
		if ev, ok := f.Payload.(event.SessionEndEvent); ok && !sawEnd {
			end, sawEnd = ev, true
			close(runEnded)
		}
	}
	<-shutdownDone

	if !sawEnd {
		return fmt.Errorf("session ended before completing the run")
	}
	switch end.Status {
	case "done":
		return nil
	case "cancelled":
		return fmt.Errorf("run cancelled")
	default:
		return fmt.Errorf("run failed: %s", end.Reason)
	}
}
