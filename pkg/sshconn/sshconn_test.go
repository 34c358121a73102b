package sshconn

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveAliasFallsBackToHostNameWithoutConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	host, port, _ := resolveAlias("builder1")
	assert.Equal(t, "builder1", host)
	assert.Equal(t, "22", port)
}

func TestResolveAliasUsesSSHConfigOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	sshDir := filepath.Join(home, ".ssh")
	require.NoError(t, os.MkdirAll(sshDir, 0o700))
	config := "Host builder1\n  Hostname 10.0.0.5\n  Port 2222\n  User nixbld\n"
	require.NoError(t, os.WriteFile(filepath.Join(sshDir, "config"), []byte(config), 0o600))

	host, port, sshUser := resolveAlias("builder1")
	assert.Equal(t, "10.0.0.5", host)
	assert.Equal(t, "2222", port)
	assert.Equal(t, "nixbld", sshUser)
}

// echoScript ignores whatever argv DialExternal appends and just pipes its
// stdin back out its stdout, standing in for a remote "nix-store --serve"
// worker without needing a real sshd.
func echoScript(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "echo-worker.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexec cat\n"), 0o755))
	return path
}

func TestDialExternalPipesStdinToStdout(t *testing.T) {
	sess, err := DialExternal(echoScript(t), "builder1", "/dev/null")
	require.NoError(t, err)
	defer sess.Close()

	assert.Nil(t, sess.Client(), "an externally-dialed session has no library ssh.Client")

	_, err = sess.Stdin.Write([]byte("hello\n"))
	require.NoError(t, err)

	line, err := bufio.NewReader(sess.Stdout).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hello\n", line)
}

func TestDialExternalRejectsEmptyTemplate(t *testing.T) {
	_, err := DialExternal("   ", "builder1", "/dev/null")
	assert.Error(t, err)
}

func TestConnectUsesDialExternalWhenEnvSet(t *testing.T) {
	t.Setenv(externalSSHEnv, echoScript(t))

	sess, err := Connect("builder1", "/dev/null", false)
	require.NoError(t, err)
	defer sess.Close()

	assert.Nil(t, sess.Client())
}
