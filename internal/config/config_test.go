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
	path := filepath.Join(t.TempDir(), "gatewayd.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
gateway:
  id: "0016c001f153a3e8"
routers:
  - uri: wss://router.example.com/route
`))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:1700", cfg.Gateway.UDPBind)
	assert.Equal(t, 64, cfg.Gateway.UplinkQueueSize)
	assert.Equal(t, "EU868", cfg.Region.ID)
	assert.Equal(t, 2*time.Second, cfg.Keys.SignTimeout)
	assert.Equal(t, 2, cfg.Keys.RetryBudget)
	assert.Equal(t, 500*time.Millisecond, cfg.Dedup.Window)
	assert.Equal(t, 2*time.Second, cfg.Dedup.TTL)
	assert.Equal(t, 100*time.Millisecond, cfg.Scheduler.DispatchLatency)
	assert.Equal(t, time.Hour, cfg.Scheduler.DutyCycleWindow)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 8080, cfg.API.Port)
}

func TestLoadOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
gateway:
  udp_bind: "127.0.0.1:11700"
  uplink_queue_size: 8
region:
  id: US915
dedup:
  window: 250ms
  ttl: 4s
routers:
  - uri: wss://a.example.com/route
    queue_size: 10
    handshake_timeout: 5s
    backoff_initial: 1s
  - uri: wss://b.example.com/route
    disabled: true
scheduler:
  dispatch_latency: 50ms
`))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:11700", cfg.Gateway.UDPBind)
	assert.Equal(t, "US915", cfg.Region.ID)
	assert.Equal(t, 250*time.Millisecond, cfg.Dedup.Window)
	assert.Equal(t, 4*time.Second, cfg.Dedup.TTL)
	assert.Equal(t, 50*time.Millisecond, cfg.Scheduler.DispatchLatency)

	require.Len(t, cfg.Routers, 2)
	enabled := cfg.EnabledRouters()
	require.Len(t, enabled, 1)
	assert.Equal(t, "wss://a.example.com/route", enabled[0].URI)
	assert.Equal(t, 10, enabled[0].QueueSize)
	assert.Equal(t, 5*time.Second, enabled[0].HandshakeTimeout)
}

func TestLoadRejectsMissingRouters(t *testing.T) {
	_, err := Load(writeConfig(t, `
gateway:
  id: gw
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "router")
}

func TestLoadRejectsAllRoutersDisabled(t *testing.T) {
	_, err := Load(writeConfig(t, `
routers:
  - uri: wss://a.example.com/route
    disabled: true
`))
	require.Error(t, err)
}

func TestLoadRejectsRouterWithoutURI(t *testing.T) {
	_, err := Load(writeConfig(t, `
routers:
  - queue_size: 10
`))
	require.Error(t, err)
}

func TestLoadRejectsBadDurations(t *testing.T) {
	_, err := Load(writeConfig(t, `
keys:
  sign_timeout: -1s
routers:
  - uri: wss://a.example.com/route
`))
	require.Error(t, err)

	_, err = Load(writeConfig(t, `
dedup:
  ttl: 0s
routers:
  - uri: wss://a.example.com/route
`))
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	require.Error(t, err)
}
