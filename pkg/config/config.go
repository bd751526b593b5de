// Package config loads gateway configuration from the environment. The
// gateway's only configuration surface is environment variables; cmd/gateway
// additionally loads an optional .env file before calling FromEnv.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/clawdis/gateway/pkg/version"
)

// DefaultPort is the default loopback port the gateway binds.
const DefaultPort = 18789

// Config is the process-level gateway configuration.
type Config struct {
	// Core protocol surface.
	Token   string // CLAWDIS_GATEWAY_TOKEN — optional shared secret
	Port    int    // CLAWDIS_GATEWAY_PORT — default 18789
	Version string // CLAWDIS_VERSION — reported in hello-ok and self-presence
	Commit  string // GIT_COMMIT — optional

	// Collaborator adapters (all optional; local fallbacks apply when unset).
	SlackToken   string   // CLAWDIS_SLACK_TOKEN
	SlackChannel string   // CLAWDIS_SLACK_CHANNEL
	HealthAddr   string   // CLAWDIS_HEALTH_ADDR — gRPC health endpoint
	AgentCommand string   // CLAWDIS_AGENT_MCP_COMMAND — stdio MCP agent runtime
	AgentArgs    []string // CLAWDIS_AGENT_MCP_ARGS — space-separated
	AgentURL     string   // CLAWDIS_AGENT_MCP_URL — streamable HTTP MCP endpoint
}

// FromEnv builds a Config from the process environment.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Token:        os.Getenv("CLAWDIS_GATEWAY_TOKEN"),
		Port:         DefaultPort,
		Version:      version.App(),
		Commit:       version.Commit(),
		SlackToken:   os.Getenv("CLAWDIS_SLACK_TOKEN"),
		SlackChannel: os.Getenv("CLAWDIS_SLACK_CHANNEL"),
		HealthAddr:   os.Getenv("CLAWDIS_HEALTH_ADDR"),
		AgentCommand: os.Getenv("CLAWDIS_AGENT_MCP_COMMAND"),
		AgentURL:     os.Getenv("CLAWDIS_AGENT_MCP_URL"),
	}

	if raw := os.Getenv("CLAWDIS_GATEWAY_PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid CLAWDIS_GATEWAY_PORT %q", raw)
		}
		cfg.Port = port
	}

	if raw := os.Getenv("CLAWDIS_AGENT_MCP_ARGS"); raw != "" {
		cfg.AgentArgs = strings.Fields(raw)
	}

	return cfg, nil
}
