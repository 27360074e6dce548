package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadFromFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
environment: production
client:
  bootstrap_url: https://boot.example.com/servers
  signaling_url: wss://coord.example.com/
  stun_servers:
    - stun:stun.example.com:3478
  max_file_size: 1048576
coordinator:
  listen_addr: ":9000"
  region: eu
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "production", cfg.Environment)
	require.Equal(t, "https://boot.example.com/servers", cfg.Client.BootstrapURL)
	require.Equal(t, []string{"stun:stun.example.com:3478"}, cfg.Client.StunServers)
	require.Equal(t, int64(1048576), cfg.Client.MaxFileSize)
	require.Equal(t, ":9000", cfg.Coordinator.ListenAddr)
	require.Equal(t, "eu", cfg.Coordinator.Region)

	// Defaults fill the gaps.
	require.Equal(t, 60*time.Second, cfg.Client.RefreshInterval)
	require.Equal(t, 10*time.Second, cfg.Client.FetchTimeout)
	require.NotEmpty(t, cfg.Client.DataDir)
}

func TestLoadFromFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"client": {"signaling_url": "wss://coord.example.com/"}}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "wss://coord.example.com/", cfg.Client.SignalingURL)
}

func TestDefaultsAndEnvOverrides(t *testing.T) {
	t.Setenv("ZAJEL_SIGNALING_URL", "wss://override.example.com/")
	t.Setenv("ZAJEL_STUN_SERVERS", "stun:a.example.com:3478, stun:b.example.com:3478")

	cfg := Default()
	require.Equal(t, "wss://override.example.com/", cfg.Client.SignalingURL)
	require.Equal(t, []string{"stun:a.example.com:3478", "stun:b.example.com:3478"}, cfg.Client.StunServers)
	require.Equal(t, int64(100<<20), cfg.Client.MaxFileSize)
	require.Equal(t, ":8420", cfg.Coordinator.ListenAddr)
	require.Equal(t, "info", cfg.Logging.Level)
}

func TestSaveRoundtrip(t *testing.T) {
	cfg := Default()
	cfg.Environment = "test"

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, SaveToFile(cfg, path))

	back, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "test", back.Environment)
}

func TestLoadFromFileErrors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("{{{{not valid"), 0644))
	_, err = LoadFromFile(bad)
	require.Error(t, err)
}
