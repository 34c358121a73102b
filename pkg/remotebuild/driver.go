// Package remotebuild drives the remote build protocol (spec §4.6) once
// a slot has been acquired: connect over SSH, reply accept, read
// inputs/outputs from the parent, push the closure, run the build, and
// import whatever outputs are not already valid locally.
package remotebuild

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/nix-community/nix-build-remote-hook/pkg/hookerr"
	"github.com/nix-community/nix-build-remote-hook/pkg/registry"
	"github.com/nix-community/nix-build-remote-hook/pkg/sshconn"
	"github.com/nix-community/nix-build-remote-hook/pkg/upload"
	"github.com/nix-community/nix-build-remote-hook/pkg/wire"
)

// ValidityOracle answers whether a store path already exists locally
// (spec §1: "out of scope... only their interfaces are specified").
type ValidityOracle func(storePath string) bool

// Hooks lets the caller (pkg/hook) own the reply channel and the stdin
// request stream while this package drives the SSH connection and wire
// protocol around them. Accept must be called exactly once, immediately
// after a successful SSH connect and before anything else is read from or
// written to the parent (spec §4.6 step 2). ReadPaths reads the two
// whitespace-separated path-list lines — inputs then outputs — the
// parent sends right after that accept (step 3).
type Hooks struct {
	Accept    func() error
	ReadPaths func() (inputs, outputs []string, err error)
}

// Config bundles what the driver needs beyond the request itself.
type Config struct {
	LocalSystem     string
	LocalStoreDir   string
	StateDir        string
	MaxSilentTime   int64
	BuildTimeout    int64
	PrintBuildTrace bool
	SigningKeyPath  string
	InsecureSSH     bool

	Log      *logrus.Entry
	Valid    ValidityOracle
	Pusher   *SFTPPusher
	ImportFn func(ctx context.Context, fromWorker io.Reader) error
}

// Result is what a completed (or failed) build run produced.
type Result struct {
	ExitCode int
}

// Run drives one accepted build end to end against machine over an SSH
// connection. On ConnectFailed it returns a hookerr-wrapped error before
// ever calling hooks.Accept, so the caller (pkg/hook) can disable the
// machine and retry placement without having sent any reply yet, per
// spec §4.4's inner loop.
func Run(ctx context.Context, cfg Config, machine *registry.Machine, drvPath string, hooks Hooks) (*Result, error) {
	if cfg.InsecureSSH && cfg.Log != nil {
		cfg.Log.WithField("host", machine.HostName).Warn("host key checking disabled, accepting any host key")
	}
	sess, err := sshconn.Connect(machine.HostName, machine.SSHKey, cfg.InsecureSSH)
	if err != nil {
		return nil, err // already a KindConnectFailed hookerr
	}
	defer sess.Close()

	if sess.Client() == nil {
		return nil, hookerr.New(hookerr.KindIOFatal,
			"closure push needs a library ssh connection; unset "+
				"NIX_BUILD_HOOK_SSH_COMMAND or provide a push implementation that works over a subprocess")
	}

	// spec §4.6 step 2: the parent gets its accept the moment the
	// connection is up — before the build trace, before anything else.
	if err := hooks.Accept(); err != nil {
		return nil, err
	}

	if cfg.PrintBuildTrace {
		fmt.Fprintf(os.Stderr, "@ build-remote %s %s\n", drvPath, machine.HostName)
	}

	// spec §4.6 step 3: the parent only sends these two lines after
	// seeing the accept, so they can only be read now.
	inputs, outputs, err := hooks.ReadPaths()
	if err != nil {
		return nil, hookerr.Wrap(hookerr.KindIOFatal, "read inputs/outputs", err)
	}

	sign := signingEnabled(cfg.SigningKeyPath)

	pushPaths := append([]string{drvPath}, inputs...)
	pusher := cfg.Pusher
	if pusher == nil {
		pusher = &SFTPPusher{}
	}
	err = upload.WithLock(ctx, cfg.Log, cfg.StateDir, machine.HostName, func(ctx context.Context) error {
		return pusher.Push(ctx, sess.Client(), cfg.LocalStoreDir, pushPaths, sign)
	})
	if err != nil {
		return nil, err
	}

	if err := wire.WriteUint64(sess.Stdin, wire.CmdBuildPaths); err != nil {
		return nil, hookerr.Wrap(hookerr.KindIOFatal, "write buildPaths tag", err)
	}
	if err := wire.WriteStringList(sess.Stdin, []string{drvPath}); err != nil {
		return nil, hookerr.Wrap(hookerr.KindIOFatal, "write drvPath list", err)
	}
	if err := wire.WriteUint64(sess.Stdin, uint64(cfg.MaxSilentTime)); err != nil {
		return nil, hookerr.Wrap(hookerr.KindIOFatal, "write maxSilentTime", err)
	}
	if err := wire.WriteUint64(sess.Stdin, uint64(cfg.BuildTimeout)); err != nil {
		return nil, hookerr.Wrap(hookerr.KindIOFatal, "write buildTimeout", err)
	}

	status, err := wire.ReadUint64(sess.Stdout)
	if err != nil {
		return nil, hookerr.Wrap(hookerr.KindIOFatal, "read build status", err)
	}

	if status != 0 {
		msg, err := wire.ReadString(sess.Stdout)
		if err != nil {
			return nil, hookerr.Wrap(hookerr.KindIOFatal, "read build error message", err)
		}
		fmt.Fprintf(os.Stderr, "error: %s on '%s'\n", msg, machine.HostName)
		return &Result{ExitCode: int(status)}, hookerr.New(hookerr.KindRemoteBuildFailed, msg)
	}

	var missing []string
	for _, out := range outputs {
		if cfg.Valid == nil || !cfg.Valid(out) {
			missing = append(missing, out)
		}
	}

	if len(missing) > 0 {
		if err := wire.WriteUint64(sess.Stdin, wire.CmdExportPaths); err != nil {
			return nil, hookerr.Wrap(hookerr.KindIOFatal, "write exportPaths tag", err)
		}
		if err := wire.WriteUint64(sess.Stdin, 0); err != nil { // no signing on import
			return nil, hookerr.Wrap(hookerr.KindIOFatal, "write exportPaths signing flag", err)
		}
		if err := wire.WriteStringList(sess.Stdin, missing); err != nil {
			return nil, hookerr.Wrap(hookerr.KindIOFatal, "write export path list", err)
		}

		if err := os.Setenv("NIX_HELD_LOCKS", joinSpace(missing)); err != nil {
			return nil, hookerr.Wrap(hookerr.KindIOFatal, "set NIX_HELD_LOCKS", err)
		}

		if cfg.ImportFn != nil {
			if err := cfg.ImportFn(ctx, sess.Stdout); err != nil {
				return nil, hookerr.Wrap(hookerr.KindIOFatal, "import outputs", err)
			}
		}
	}

	return &Result{ExitCode: 0}, nil
}

func signingEnabled(signingKeyPath string) bool {
	if signingKeyPath == "" {
		return false
	}
	_, err := os.Stat(signingKeyPath)
	return err == nil
}

func joinSpace(paths []string) string {
	out := ""
	for i, p := range paths {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}
