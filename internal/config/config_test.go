package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigLayersOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("exec:\n  default_timeout_ms: 5000\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, int64(5000), cfg.Exec.DefaultTimeoutMS)
	require.Equal(t, "none", cfg.Exec.DefaultSandboxType, "unset fields keep their default")
	require.Equal(t, "data/packs", cfg.Pipeline.PacksRootDir)
}

func TestLoadConfigMissingFileErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("SENTRYCORE_SANDBOX_TYPE", "linux_seccomp")
	t.Setenv("SENTRYCORE_EXEC_TIMEOUT_MS", "9000")

	cfg := Defaults()
	cfg.applyEnvOverrides()
	require.Equal(t, "linux_seccomp", cfg.Exec.DefaultSandboxType)
	require.Equal(t, int64(9000), cfg.Exec.DefaultTimeoutMS)
}

func TestApplyEnvOverridesIgnoresUnsetVars(t *testing.T) {
	cfg := Defaults()
	before := cfg.Ledger.DBPath
	cfg.applyEnvOverrides()
	require.Equal(t, before, cfg.Ledger.DBPath)
}
