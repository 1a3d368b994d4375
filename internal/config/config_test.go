package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesSpecConstants(t *testing.T) {
	cfg := Default()
	require.Equal(t, 2025, cfg.ListenPort)
	require.Equal(t, 128, cfg.Backlog)
	require.Equal(t, 1024, cfg.MaxConnections)
	require.Equal(t, 1024, cfg.RingDepth)
	require.Equal(t, 32*1024, cfg.RingBufferBytes)
	require.Equal(t, 1<<20, cfg.BuddyPoolBytes)
	require.Equal(t, 4096, cfg.BuddyMinBlock)
	require.GreaterOrEqual(t, cfg.WorkerThreads, 4)
	require.NoError(t, cfg.Validate())
}

func TestLoadEmptyPathReturnsDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverlaysTOMLOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aioqserver.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_port = 9090
max_connections = 256
static_root = "/srv/www"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.ListenPort)
	require.Equal(t, 256, cfg.MaxConnections)
	require.Equal(t, "/srv/www", cfg.StaticRoot)
	// Fields absent from the file keep the default.
	require.Equal(t, DefaultRingBufferBytes, cfg.RingBufferBytes)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.ListenPort = 70000
	require.Error(t, cfg.Validate())

	cfg.ListenPort = -1
	require.Error(t, cfg.Validate())
}

func TestValidateAllowsEphemeralPortZero(t *testing.T) {
	cfg := Default()
	cfg.ListenPort = 0
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBuddyPoolSmallerThanMinBlock(t *testing.T) {
	cfg := Default()
	cfg.BuddyPoolBytes = 100
	cfg.BuddyMinBlock = 4096
	require.Error(t, cfg.Validate())
}
