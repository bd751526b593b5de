package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.NotEmpty(t, cfg.Version)
}

func TestFromEnv_FullSurface(t *testing.T) {
	t.Setenv("CLAWDIS_GATEWAY_TOKEN", "secret")
	t.Setenv("CLAWDIS_GATEWAY_PORT", "19001")
	t.Setenv("CLAWDIS_VERSION", "3.1.4")
	t.Setenv("GIT_COMMIT", "deadbeefcafe")
	t.Setenv("CLAWDIS_SLACK_TOKEN", "xoxb-1")
	t.Setenv("CLAWDIS_SLACK_CHANNEL", "C42")
	t.Setenv("CLAWDIS_HEALTH_ADDR", "localhost:50051")
	t.Setenv("CLAWDIS_AGENT_MCP_COMMAND", "clawdis-agent")
	t.Setenv("CLAWDIS_AGENT_MCP_ARGS", "--mode stdio --verbose")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.Token)
	assert.Equal(t, 19001, cfg.Port)
	assert.Equal(t, "3.1.4", cfg.Version)
	assert.Equal(t, "deadbeef", cfg.Commit)
	assert.Equal(t, "xoxb-1", cfg.SlackToken)
	assert.Equal(t, "C42", cfg.SlackChannel)
	assert.Equal(t, "localhost:50051", cfg.HealthAddr)
	assert.Equal(t, "clawdis-agent", cfg.AgentCommand)
	assert.Equal(t, []string{"--mode", "stdio", "--verbose"}, cfg.AgentArgs)
}

func TestFromEnv_InvalidPort(t *testing.T) {
	for _, bad := range []string{"abc", "0", "-1", "70000"} {
		t.Setenv("CLAWDIS_GATEWAY_PORT", bad)
		_, err := FromEnv()
		assert.Error(t, err, "port %q must be rejected", bad)
	}
}
