package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shepherd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
service:
  port: 8080
  public_dir: web
kafka:
  host: broker:9092
  group_id: shepherd-test
  subscribe: [shepherd-receive]
agents:
  dir: /opt/agents
  boot: vivarium.agents.noop
  terminate_timeout: 5s
`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Service.Port)
	assert.Equal(t, "web", cfg.Service.PublicDir)
	assert.Equal(t, "broker:9092", cfg.Kafka.Host)
	assert.Equal(t, "shepherd-test", cfg.Kafka.GroupID)
	assert.Equal(t, "/opt/agents", cfg.Agents.Dir)
	assert.Equal(t, "vivarium.agents.noop", cfg.Agents.Boot)
	assert.Equal(t, 5*time.Second, cfg.Agents.TerminateTimeout)
}

func TestDefaults(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, `kafka: {host: "127.0.0.1:9092"}`))
	require.NoError(t, err)

	assert.Equal(t, 33332, cfg.Service.Port)
	assert.Equal(t, "shepherd-receive", cfg.Topics.ShepherdReceive)
	assert.Equal(t, "agent-receive", cfg.Topics.AgentReceive)
	assert.Equal(t, "cell-receive", cfg.Topics.CellReceive)
	assert.Equal(t, "environment-receive", cfg.Topics.EnvironmentReceive)
	assert.Equal(t, "environment-state", cfg.Topics.EnvironmentState)
	assert.Equal(t, []string{"python", "-u", "-m"}, cfg.Agents.Interpreter)
	assert.Equal(t, 30*time.Second, cfg.Agents.TerminateTimeout)
	assert.Equal(t, 256, cfg.Bus.Capacity)
}

func TestMissingFileIsError(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestInvalidDataIsError(t *testing.T) {
	_, err := LoadFile(writeConfig(t, `service: {port: -4}`))
	assert.Error(t, err)

	_, err = LoadFile(writeConfig(t, `kafka: {subscribe: []}`))
	assert.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	path := writeConfig(t, `service: {port: 9999}`)
	t.Setenv("SHEPHERD_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Service.Port)
}

func TestChildKafkaConfig(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, `kafka: {host: "broker:9092"}`))
	require.NoError(t, err)

	kc := cfg.ChildKafkaConfig()
	assert.Equal(t, "broker:9092", kc["host"])
	assert.Empty(t, kc["subscribe"])
	topics := kc["topics"].(map[string]any)
	assert.Equal(t, "agent-receive", topics["agent_receive"])
}
