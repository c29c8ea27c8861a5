package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 16999, cfg.Master.ListenerPort)
	assert.Equal(t, 10000, cfg.Master.PortBase)
	assert.Equal(t, 32, cfg.Master.PortPoolSize)
	assert.Equal(t, 3, cfg.Slave.MaxConnectTries)
	assert.Equal(t, 500*time.Millisecond, cfg.Socket.PollTimeout)
	assert.Equal(t, time.Second, cfg.Scheduler.Tick)
	assert.NoError(t, Validate(cfg))
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node:
  name: kitchen
  type: 7
  services: [3, 4]
master:
  port_pool_size: 3
`), 0o600))
	t.Setenv("MESHNODE_SLAVE_MASTER_PORT", "17000")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "kitchen", cfg.Node.Name)
	assert.Equal(t, 7, cfg.Node.Type)
	assert.Equal(t, []int{3, 4}, cfg.Node.Services)
	assert.Equal(t, 3, cfg.Master.PortPoolSize)
	assert.Equal(t, 17000, cfg.Slave.MasterPort)
	assert.Same(t, cfg, Get())
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
gateway:
  enabled: true
`), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
