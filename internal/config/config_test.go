package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/capmux/internal/core"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return configPath
}

func TestLoadValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
capmux:
  log:
    level: "debug"
    format: "text"
  control:
    socket: "/tmp/capmux-test.sock"
  merge:
    ordering_policy: "drop"
    max_wait: "250ms"
  filter:
    interfaces: ["eth0"]
    protocols: ["tcp", "udp"]
    queue:
      capacity: 16
      policy: "block"
      block_timeout: "5ms"
  fanout:
    queue_capacity: 32
    batch_size: 8
    auto_detach: true
  sources:
    - interface: "eth0"
    - name: "replay"
      interface: "/tmp/in.pcapng"
      driver: "file"
      priority: 2
      program:
        - {op: 6, k: 262144}
  sinks:
    - name: "out"
      type: "file"
      options:
        path: "/tmp/out.pcapng"
    - type: "console"
      batch_size: 1
      auto_detach: false
  aux:
    keylog:
      enabled: true
      path: "/tmp/keys.fifo"
      secrets_type: "wireguard"
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "/tmp/capmux-test.sock", cfg.Control.Socket)
	assert.Equal(t, "drop", cfg.Merge.OrderingPolicy)
	assert.Equal(t, 250*time.Millisecond, cfg.Merge.MaxWait)
	assert.Equal(t, []string{"eth0"}, cfg.Filter.Interfaces)
	assert.Equal(t, "block", cfg.Filter.Queue.Policy)
	assert.Equal(t, 5*time.Millisecond, cfg.Filter.Queue.BlockTimeout)

	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, "eth0", cfg.Sources[0].Name, "name defaults to interface")
	assert.Equal(t, "ethernet", cfg.Sources[0].Driver)
	assert.Equal(t, "file", cfg.Sources[1].Driver)
	assert.Equal(t, 2, cfg.Sources[1].Priority)
	require.Len(t, cfg.Sources[1].Program, 1)
	assert.Equal(t, uint16(6), cfg.Sources[1].Program[0].Op)
	assert.Equal(t, uint32(262144), cfg.Sources[1].Program[0].K)

	require.Len(t, cfg.Sinks, 2)
	assert.Equal(t, 32, cfg.Sinks[0].QueueCapacity, "inherits fanout queue capacity")
	assert.Equal(t, 8, cfg.Sinks[0].BatchSize)
	require.NotNil(t, cfg.Sinks[0].AutoDetach)
	assert.True(t, *cfg.Sinks[0].AutoDetach)
	assert.Equal(t, "/tmp/out.pcapng", cfg.Sinks[0].Options["path"])
	assert.Equal(t, "console", cfg.Sinks[1].Name)
	assert.Equal(t, 1, cfg.Sinks[1].BatchSize)
	assert.False(t, *cfg.Sinks[1].AutoDetach)

	assert.True(t, cfg.Aux.KeyLog.Enabled)
	assert.Equal(t, 10*time.Minute, cfg.Aux.KeyLog.DedupTTL)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
capmux:
  merge:
    ordering_policy: "pass"
`))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "/var/run/capmux.sock", cfg.Control.Socket)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9091", cfg.Metrics.Listen)
	assert.Equal(t, time.Duration(0), cfg.Merge.MaxWait)
	assert.Equal(t, 1024, cfg.Merge.OutputBuffer)
	assert.Equal(t, 8192, cfg.Filter.Queue.Capacity)
	assert.Equal(t, "drop_oldest", cfg.Filter.Queue.Policy)
	assert.Equal(t, 4096, cfg.Fanout.QueueCapacity)
	assert.Equal(t, 64, cfg.Fanout.BatchSize)
	assert.Equal(t, 4, cfg.Diag.Partitions)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CAPMUX_LOG_LEVEL", "warn")
	cfg, err := Load(writeConfig(t, `
capmux:
  log:
    level: "debug"
  merge:
    ordering_policy: "drop"
`))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing ordering policy", `
capmux:
  log:
    level: "info"
`},
		{"unknown ordering policy", `
capmux:
  merge:
    ordering_policy: "sort"
`},
		{"invalid log level", `
capmux:
  log:
    level: "invalid"
  merge:
    ordering_policy: "drop"
`},
		{"unknown queue policy", `
capmux:
  merge:
    ordering_policy: "drop"
  filter:
    queue:
      policy: "drop_newest"
`},
		{"block queue without timeout", `
capmux:
  merge:
    ordering_policy: "drop"
  filter:
    queue:
      policy: "block"
      block_timeout: "0s"
`},
		{"duplicate sink", `
capmux:
  merge:
    ordering_policy: "drop"
  sinks:
    - {name: "a", type: "console"}
    - {name: "a", type: "file"}
`},
		{"source without interface", `
capmux:
  merge:
    ordering_policy: "drop"
  sources:
    - driver: "ethernet"
`},
		{"unknown driver", `
capmux:
  merge:
    ordering_policy: "drop"
  sources:
    - {interface: "eth0", driver: "netmap"}
`},
		{"keylog without path", `
capmux:
  merge:
    ordering_policy: "drop"
  aux:
    keylog:
      enabled: true
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrConfigInvalid)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}

func TestSettings(t *testing.T) {
	settings, err := Settings(writeConfig(t, `
capmux:
  merge:
    ordering_policy: "drop"
`))
	require.NoError(t, err)

	root, ok := settings["capmux"].(map[string]any)
	require.True(t, ok)
	merge, ok := root["merge"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "drop", merge["ordering_policy"])
	assert.Contains(t, root, "fanout", "defaults are part of the effective settings")
}

func TestDecodeSink(t *testing.T) {
	fanout := FanoutConfig{QueueCapacity: 100, BatchSize: 10, AutoDetach: true}

	sk, err := DecodeSink(map[string]any{
		"name":       "net",
		"type":       "listener",
		"batch_size": float64(4),
		"options":    map[string]any{"address": "tcp:127.0.0.1:0", "write_timeout": "1s"},
	}, fanout)
	require.NoError(t, err)
	assert.Equal(t, "net", sk.Name)
	assert.Equal(t, 100, sk.QueueCapacity)
	assert.Equal(t, 4, sk.BatchSize)
	assert.True(t, *sk.AutoDetach)
	assert.Equal(t, "tcp:127.0.0.1:0", sk.Options["address"])

	_, err = DecodeSink(map[string]any{"name": "x"}, fanout)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestDecodeSource(t *testing.T) {
	src, err := DecodeSource(map[string]any{"interface": "eth1", "priority": "3"})
	require.NoError(t, err)
	assert.Equal(t, "eth1", src.Name)
	assert.Equal(t, "ethernet", src.Driver)
	assert.Equal(t, 3, src.Priority)
}

func TestSecretsType(t *testing.T) {
	v, err := SecretsType("tls")
	require.NoError(t, err)
	assert.Equal(t, core.SecretsTLSKeyLog, v)
	v, err = SecretsType("wireguard")
	require.NoError(t, err)
	assert.Equal(t, core.SecretsWireGuardKeyLog, v)
	_, err = SecretsType("ssh")
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestListenAddress(t *testing.T) {
	tests := []struct {
		addr, network, address string
		wantErr                bool
	}{
		{"tcp:127.0.0.1:5000", "tcp", "127.0.0.1:5000", false},
		{"unix:/run/capmux.trace", "unix", "/run/capmux.trace", false},
		{":5000", "tcp", ":5000", false},
		{"unix:", "", "", true},
		{"nowhere", "", "", true},
	}
	for _, tt := range tests {
		network, address, err := ListenAddress(tt.addr)
		if tt.wantErr {
			assert.ErrorIs(t, err, core.ErrConfigInvalid, tt.addr)
			continue
		}
		require.NoError(t, err, tt.addr)
		assert.Equal(t, tt.network, network)
		assert.Equal(t, tt.address, address)
	}
}
