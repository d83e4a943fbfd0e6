package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8310", cfg.Server.Address)
	assert.Equal(t, "/ws", cfg.Server.Path)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 12*time.Hour, cfg.Session.TTL)
	assert.Equal(t, 2*time.Hour, cfg.Match.BindingTTL)
	assert.Equal(t, time.Hour, cfg.Delivery.Retention)
	assert.Equal(t, 10*time.Second, cfg.RPC.CallTimeout)
}

func TestLoadReadsFileOverrides(t *testing.T) {
	path := writeConfigFile(t, `
server:
  address: ":9100"
session:
  ttl: 24h
rpc:
  request_ttl: 45s
  call_timeout: 15s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Server.Address)
	assert.Equal(t, 24*time.Hour, cfg.Session.TTL)
	assert.Equal(t, 45*time.Second, cfg.RPC.RequestTTL)
	assert.Equal(t, 15*time.Second, cfg.RPC.CallTimeout)
	// Untouched keys keep their defaults.
	assert.Equal(t, "/ws", cfg.Server.Path)
}

func TestLoadRejectsCallTimeoutAboveRequestTTL(t *testing.T) {
	path := writeConfigFile(t, `
rpc:
  request_ttl: 10s
  call_timeout: 30s
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rpc.call_timeout")
}

func TestLoadRejectsSessionTTLBelowBindingTTL(t *testing.T) {
	path := writeConfigFile(t, `
session:
  ttl: 1h
match:
  binding_ttl: 4h
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session.ttl")
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  address: ":9100"
`)
	t.Setenv("DRAFTMATE_SERVER_ADDRESS", ":9200")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9200", cfg.Server.Address)
}
