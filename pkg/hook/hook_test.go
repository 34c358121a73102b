package hook

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nix-community/nix-build-remote-hook/pkg/hookerr"
	"github.com/nix-community/nix-build-remote-hook/pkg/log"
	"github.com/nix-community/nix-build-remote-hook/pkg/registry"
	"github.com/nix-community/nix-build-remote-hook/pkg/remotebuild"
)

func newTestScanner(s string) *bufio.Scanner {
	return bufio.NewScanner(strings.NewReader(s))
}

func writeMachinesFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "machines")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func baseConfig(t *testing.T, machines string, drive Driver) (Config, *strings.Builder) {
	t.Helper()
	reg, err := registry.Load(writeMachinesFile(t, machines))
	require.NoError(t, err)

	var reply strings.Builder
	return Config{
		StateDir:    t.TempDir(),
		LocalSystem: "x86_64-linux",
		Reg:         reg,
		Log:         log.NewLogger("x86_64-linux", "test"),
		Reply:       &reply,
		Drive:       drive,
	}, &reply
}

func TestRunDeclinesWhenNoMachineMatches(t *testing.T) {
	cfg, reply := baseConfig(t, `host1 aarch64-linux /k 1 1`, nil)
	cfg.Stdin = strings.NewReader("1 x86_64-linux /nix/store/foo.drv -\n")

	result, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, "# decline\n", reply.String())
}

func TestRunAcceptsAndDrivesBuild(t *testing.T) {
	driven := false
	drive := func(ctx context.Context, m *registry.Machine, drvPath string, hooks remotebuild.Hooks) (*remotebuild.Result, error) {
		driven = true
		assert.Equal(t, "host1", m.HostName)
		assert.Equal(t, "/nix/store/foo.drv", drvPath)

		require.NoError(t, hooks.Accept())

		inputs, outputs, err := hooks.ReadPaths()
		require.NoError(t, err)
		assert.Equal(t, []string{"/nix/store/in1"}, inputs)
		assert.Equal(t, []string{"/nix/store/out1"}, outputs)

		return &remotebuild.Result{ExitCode: 0}, nil
	}
	cfg, reply := baseConfig(t, `host1 x86_64-linux /k 1 1`, drive)
	cfg.Stdin = strings.NewReader("1 x86_64-linux /nix/store/foo.drv -\n/nix/store/in1\n/nix/store/out1\n")

	result, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "# accept\n", reply.String())
	assert.True(t, driven)
}

func TestRunReportsRemoteBuildFailureExitCodeWithoutFatalError(t *testing.T) {
	drive := func(ctx context.Context, m *registry.Machine, drvPath string, hooks remotebuild.Hooks) (*remotebuild.Result, error) {
		require.NoError(t, hooks.Accept())
		_, _, err := hooks.ReadPaths()
		require.NoError(t, err)
		return &remotebuild.Result{ExitCode: 1}, hookerr.New(hookerr.KindRemoteBuildFailed, "build failed")
	}
	cfg, reply := baseConfig(t, `host1 x86_64-linux /k 1 1`, drive)
	cfg.Stdin = strings.NewReader("1 x86_64-linux /nix/store/foo.drv -\n\n\n")

	result, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.ExitCode)
	assert.Equal(t, "# accept\n", reply.String())
}

func TestRunRetriesPlacementOnConnectFailedAndDisablesHost(t *testing.T) {
	calls := 0
	drive := func(ctx context.Context, m *registry.Machine, drvPath string, hooks remotebuild.Hooks) (*remotebuild.Result, error) {
		calls++
		if m.HostName == "host1" {
			// A ConnectFailed attempt never calls hooks.Accept, matching
			// remotebuild.Run's real behavior of returning before the
			// accept/trace/read sequence on a failed SSH connect.
			return nil, hookerr.Wrap(hookerr.KindConnectFailed, "dial", assertError{})
		}
		require.NoError(t, hooks.Accept())
		_, _, err := hooks.ReadPaths()
		require.NoError(t, err)
		return &remotebuild.Result{ExitCode: 0}, nil
	}
	cfg, reply := baseConfig(t, "host1 x86_64-linux /k 1 1\nhost2 x86_64-linux /k 1 1\n", drive)
	cfg.Stdin = strings.NewReader("1 x86_64-linux /nix/store/foo.drv -\n\n\n")

	result, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 2, calls)
	assert.False(t, cfg.Reg.Enabled("host1"))
	assert.True(t, cfg.Reg.Enabled("host2"))

	// The ConnectFailed attempt against host1 never reaches the reply
	// channel; only the retry that lands on host2 does.
	assert.Equal(t, "# accept\n", reply.String())
}

func TestReadInputsOutputsParsesWhitespaceSeparatedLines(t *testing.T) {
	cfg, _ := baseConfig(t, `host1 x86_64-linux /k 1 1`, nil)
	_ = cfg

	sc := newTestScanner("/nix/store/a /nix/store/b\n/nix/store/c\n")
	inputs, outputs, err := readInputsOutputs(sc)
	require.NoError(t, err)
	assert.Equal(t, []string{"/nix/store/a", "/nix/store/b"}, inputs)
	assert.Equal(t, []string{"/nix/store/c"}, outputs)
}

func TestReadInputsOutputsHandlesEmptyLines(t *testing.T) {
	sc := newTestScanner("\n\n")
	inputs, outputs, err := readInputsOutputs(sc)
	require.NoError(t, err)
	assert.Nil(t, inputs)
	assert.Nil(t, outputs)
}

type assertError struct{}

func (assertError) Error() string { return "boom" }
