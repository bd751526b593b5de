// Clawdis gateway — the local WebSocket control plane: versioned frame
// protocol, presence registry, idempotent message delivery and agent runs.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/clawdis/gateway/pkg/agentmcp"
	"github.com/clawdis/gateway/pkg/config"
	"github.com/clawdis/gateway/pkg/delivery"
	"github.com/clawdis/gateway/pkg/gateway"
	"github.com/clawdis/gateway/pkg/probe"
	"github.com/clawdis/gateway/pkg/statusz"
	"github.com/clawdis/gateway/pkg/version"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting Clawdis gateway",
		"version", version.Full(),
		"commit", cfg.Commit,
		"port", cfg.Port)

	// 1. Assemble the capability ports. Every adapter has a local fallback so
	// a bare environment still yields a fully working gateway.
	deps := gateway.Deps{
		SystemEvents: noopSink{},
	}

	if cfg.HealthAddr != "" {
		health, err := probe.Dial(cfg.HealthAddr)
		if err != nil {
			slog.Error("Failed to create health probe", "addr", cfg.HealthAddr, "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := health.Close(); err != nil {
				slog.Error("Error closing health probe", "error", err)
			}
		}()
		deps.Health = health
		slog.Info("Health probe initialized", "addr", cfg.HealthAddr)
	} else {
		deps.Health = statusz.LocalHealth{}
	}

	if cfg.SlackToken != "" {
		deps.Delivery = delivery.NewSlackSender(cfg.SlackToken, cfg.SlackChannel)
		slog.Info("Slack delivery initialized", "channel", cfg.SlackChannel)
	} else {
		deps.Delivery = delivery.NewLoopback()
		slog.Info("No delivery provider configured, using loopback")
	}

	switch {
	case cfg.AgentCommand != "":
		deps.Agent = agentmcp.NewCommandRunner(cfg.AgentCommand, cfg.AgentArgs...)
		slog.Info("Agent runtime initialized", "command", cfg.AgentCommand)
	case cfg.AgentURL != "":
		deps.Agent = agentmcp.NewHTTPRunner(cfg.AgentURL)
		slog.Info("Agent runtime initialized", "url", cfg.AgentURL)
	default:
		slog.Info("No agent runtime configured, agent method will be unavailable")
	}

	// 2. Create the server.
	serverCfg := gateway.DefaultConfig()
	serverCfg.Port = cfg.Port
	serverCfg.Token = cfg.Token
	serverCfg.Version = cfg.Version
	serverCfg.Commit = cfg.Commit

	srv, err := gateway.NewServer(serverCfg, deps)
	if err != nil {
		slog.Error("Failed to create gateway server", "error", err)
		os.Exit(1)
	}
	srv.SetStatusSource(statusz.NewProcess(cfg.Version, cfg.Commit, srv.ConnCount))

	// 3. Serve until signalled.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Gateway shutdown error", "error", err)
	}
	slog.Info("Shutdown complete")
}

// noopSink accepts system events without forwarding them anywhere; the
// presence registry still records them.
type noopSink struct{}

func (noopSink) Push(context.Context, string) error { return nil }
