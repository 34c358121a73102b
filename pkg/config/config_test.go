package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateDirHonorsEnvOverride(t *testing.T) {
	dir := t.TempDir()
	override := filepath.Join(dir, "override")
	t.Setenv(stateDirEnv, override)

	got, err := StateDir()
	require.NoError(t, err)
	assert.Equal(t, override, got)

	info, err := os.Stat(got)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestStateDirFallsBackToXDGWhenDefaultUnwritable(t *testing.T) {
	t.Setenv(stateDirEnv, "")
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CACHE_HOME", filepath.Join(home, "cache"))

	// Point $NIX_CURRENT_LOAD, standing in for an unwritable default, at a
	// path that can never be created (a file, not a directory, in its
	// ancestry) so the xdg fallback branch actually runs, without needing
	// root to fail against the real /run/nix/current-load.
	blocker := filepath.Join(home, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	t.Setenv(stateDirEnv, filepath.Join(blocker, "current-load"))

	got, err := StateDir()
	require.NoError(t, err)
	assert.NotEmpty(t, got)

	info, err := os.Stat(got)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestSigningKeyPathHonorsEnvOverride(t *testing.T) {
	t.Setenv(signingKeyEnv, "/tmp/my-key.sec")
	assert.Equal(t, "/tmp/my-key.sec", SigningKeyPath())
}

func TestDebugEnabled(t *testing.T) {
	t.Setenv(debugHookEnv, "")
	assert.False(t, DebugEnabled())

	t.Setenv(debugHookEnv, "1")
	assert.True(t, DebugEnabled())
}

func TestDumpRendersYAML(t *testing.T) {
	out, err := Dump(HookConfig{
		LocalSystem:   "x86_64-linux",
		MaxSilentTime: 300,
		BuildTimeout:  3600,
		StateDir:      "/run/nix/current-load",
		MachinesFile:  "/etc/nix/machines",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "localSystem")
	assert.Contains(t, out, "x86_64-linux")
}
