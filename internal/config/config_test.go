package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	d := Defaults()
	require.Equal(t, "127.0.0.1", d.Host)
	require.Equal(t, 39512, d.Port)
	require.Equal(t, "claude", d.AgentPath)
	require.Equal(t, 5, d.PollIntervalSeconds)
	require.Equal(t, 3, d.MaxVerificationRounds)
	require.Equal(t, "127.0.0.1:39512", d.BindAddress())
}

func TestLoad_MissingPathFallsBackToDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Defaults().Port, cfg.Port)
}

func TestLoad_ReadsYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ccsched.yaml")
	require.NoError(t, os.WriteFile(path, []byte("host: 0.0.0.0\nport: 9999\nagent_path: /usr/bin/claude\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.Host)
	require.Equal(t, 9999, cfg.Port)
	require.Equal(t, "/usr/bin/claude", cfg.AgentPath)
	require.Equal(t, 5, cfg.PollIntervalSeconds)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ccsched.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9999\n"), 0644))

	t.Setenv("CCSCHED_PORT", "7777")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7777, cfg.Port)
}

func TestPollInterval(t *testing.T) {
	cfg := Defaults()
	cfg.PollIntervalSeconds = 10
	require.Equal(t, int64(10), cfg.PollInterval().Nanoseconds()/1e9)
}
