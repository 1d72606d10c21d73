package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load(nil, filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, ":8099", cfg.HTTPAddr)
	require.Equal(t, 50, cfg.CheckpointRetention)
}

func TestLoadReadsExplicitYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_addr: \":9000\"\ncheckpoint_retention: 10\n"), 0o644))

	cfg, err := Load(nil, path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.HTTPAddr)
	require.Equal(t, 10, cfg.CheckpointRetention)
}

func TestLoadAppliesEnvOverride(t *testing.T) {
	t.Setenv("FINGER_HTTP_ADDR", ":9999")
	cfg, err := Load(nil, filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.HTTPAddr)
}
